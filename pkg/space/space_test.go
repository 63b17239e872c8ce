package space

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/coredump-systems/microhv/pkg/status"
)

type lookupResult struct {
	PA    uint64
	Order uint8
	Attrs Attrs
}

func TestUpdateLookupRoundTrip(t *testing.T) {
	s := New(KindHost, 1)
	const va = 0x4000
	const pa = 0x8000

	if err := s.Update(va, pa, 0, Read|Write, AttrRAM); err != nil {
		t.Fatalf("Update: %v", err)
	}
	s.Sync()

	gotPA, order, attrs, ok := s.Lookup(va)
	if !ok {
		t.Fatal("Lookup returned ok=false after Update+Sync")
	}
	got := lookupResult{PA: gotPA, Order: order, Attrs: attrs}
	want := lookupResult{PA: pa, Order: 0, Attrs: AttrRAM}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Lookup result mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateRemove(t *testing.T) {
	s := New(KindHost, 1)
	if err := s.Update(0x1000, 0x2000, 0, Read, AttrRAM); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Update(0x1000, 0, 0, 0, 0); err != nil {
		t.Fatalf("Update (remove): %v", err)
	}
	if _, _, _, ok := s.Lookup(0x1000); ok {
		t.Fatal("Lookup still found a mapping after removal")
	}
}

func TestSyncClearsPending(t *testing.T) {
	s := New(KindHost, 1)
	s.Update(0x1000, 0x2000, 0, Read, AttrRAM)
	s.Update(0x2000, 0x3000, 0, Read, AttrRAM)
	if n := s.Sync(); n != 2 {
		t.Fatalf("Sync() = %d, want 2", n)
	}
	if n := s.Sync(); n != 0 {
		t.Fatalf("second Sync() = %d, want 0", n)
	}
}

func TestMakeCurrentIdempotent(t *testing.T) {
	var slot ActiveSlot
	a := New(KindHost, 1)
	b := New(KindHost, 2)

	if !slot.MakeCurrent(a) {
		t.Fatal("first MakeCurrent(a) should switch")
	}
	if slot.MakeCurrent(a) {
		t.Fatal("second MakeCurrent(a) should be a no-op")
	}
	if !slot.MakeCurrent(b) {
		t.Fatal("MakeCurrent(b) should switch away from a")
	}
	if slot.Current() != b {
		t.Fatal("Current() should report b")
	}
}

func TestGuestVMIDAtomicPair(t *testing.T) {
	s := New(KindGuest, 1)
	s.SetVMID(7, 0xdead0000)
	vmid, root := s.VMID()
	if vmid != 7 || root != 0xdead0000 {
		t.Fatalf("VMID() = (%d, %#x), want (7, 0xdead0000)", vmid, root)
	}
}

func TestReserveRejectsObjectSpace(t *testing.T) {
	s := New(KindObject, 1)
	_, err := s.Reserve(4096)
	if err == nil {
		t.Fatal("Reserve on an object space should fail")
	}
	if !errors.Is(err, status.ErrBadCap) {
		t.Fatalf("Reserve error = %v, want wrapping status.ErrBadCap", err)
	}
}

func TestUpdateRejectsInvalidPerms(t *testing.T) {
	s := New(KindHost, 1)
	const bogus Perms = 0x80
	err := s.Update(0x1000, 0x2000, 0, bogus, AttrRAM)
	if err == nil {
		t.Fatal("Update with a perms bit outside Read|Write|Exec should fail")
	}
	if !errors.Is(err, status.ErrBadPar) {
		t.Fatalf("Update error = %v, want wrapping status.ErrBadPar", err)
	}
}

func TestUpdateProtectsRealArena(t *testing.T) {
	s := New(KindHost, 1)
	arena, err := s.Reserve(4096)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := s.Update(0x1000, 0, 0, Read|Write, AttrRAM); err != nil {
		t.Fatalf("Update: %v", err)
	}
	arena[0] = 0x42
	if arena[0] != 0x42 {
		t.Fatal("arena not writable after Update granted Write")
	}
}
