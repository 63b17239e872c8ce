package kernel

import (
	"testing"

	"github.com/coredump-systems/microhv/pkg/event"
	"github.com/coredump-systems/microhv/pkg/hazard"
	"github.com/coredump-systems/microhv/pkg/space"
)

func TestNewKernelEC(t *testing.T) {
	hostSpace := space.New(space.KindHost, 1)
	called := false
	ec := NewKernelEC(0, 2, hostSpace, func(*EC) { called = true })
	if ec.Kind() != KindKernelThread {
		t.Fatalf("Kind() = %v, want kernel-thread", ec.Kind())
	}
	ec.Continuation()(ec)
	if !called {
		t.Fatal("stored continuation did not run")
	}
}

func TestNewHostEC(t *testing.T) {
	objSpace := space.New(space.KindObject, 1)
	hostSpace := space.New(space.KindHost, 2)
	ec, err := NewHostEC(DefaultAllocator{}, HostParams{
		ObjSpace: objSpace, HostSpace: hostSpace,
		CPU: 0, Serial: 3, WantFPU: true,
		EventBase: event.HostBase, SP: 0x7000, UTCBVA: 0x9000,
	})
	if err != nil {
		t.Fatalf("NewHostEC: %v", err)
	}
	if ec.Regs().EntryPoint() != event.At(event.HostBase, event.Startup) {
		t.Fatalf("entry point = %v, want Startup", ec.Regs().EntryPoint())
	}
	if !ec.Hazard().Test(hazard.FPU) {
		t.Fatal("FPU-wanting host EC should start with the FPU bit set (first touch)")
	}
	if ec.Continuation() == nil {
		t.Fatal("a local (non-global) host EC should start with a continuation")
	}
	if _, _, _, ok := hostSpace.Lookup(0x9000); !ok {
		t.Fatal("NewHostEC did not map the UTCB into the host space")
	}
}

func TestNewHostECRejectsMissingSpace(t *testing.T) {
	_, err := NewHostEC(DefaultAllocator{}, HostParams{HostSpace: space.New(space.KindHost, 1)})
	if err == nil {
		t.Fatal("NewHostEC should reject a nil object space")
	}
}

func TestNewHostECUnwindsOnFPUFailure(t *testing.T) {
	alloc := &FailingAllocator{FailFPU: true}
	objSpace := space.New(space.KindObject, 1)
	hostSpace := space.New(space.KindHost, 2)
	_, err := NewHostEC(alloc, HostParams{
		ObjSpace: objSpace, HostSpace: hostSpace, WantFPU: true, UTCBVA: 0x9000,
	})
	if err == nil {
		t.Fatal("NewHostEC should surface the allocator's error")
	}
	// No FPU block was ever handed out, so there is nothing to unwind;
	// the interesting case is the mirror below.
}

func TestNewVCPUBornIllegal(t *testing.T) {
	objSpace := space.New(space.KindObject, 1)
	hostSpace := space.New(space.KindHost, 2)
	guestSpace := space.New(space.KindGuest, 3)
	ec, err := NewVCPU(DefaultAllocator{}, VCPUParams{
		ObjSpace: objSpace, HostSpace: hostSpace, GuestSpace: guestSpace, CPU: 0, Serial: 4,
	})
	if err != nil {
		t.Fatalf("NewVCPU: %v", err)
	}
	if !ec.Hazard().Test(hazard.Illegal) {
		t.Fatal("a freshly constructed vCPU must be born with ILLEGAL set")
	}
	if want := event.At(event.GuestBase, event.Startup); ec.Regs().EntryPoint() != want {
		t.Fatalf("entry point = %#x, want %#x (guest STARTUP selector)", ec.Regs().EntryPoint(), want)
	}
}

func TestNewVCPUUnwindsFPUOnVMCBFailure(t *testing.T) {
	alloc := &FailingAllocator{FailVMCB: true}
	objSpace := space.New(space.KindObject, 1)
	hostSpace := space.New(space.KindHost, 2)
	guestSpace := space.New(space.KindGuest, 3)
	_, err := NewVCPU(alloc, VCPUParams{ObjSpace: objSpace, HostSpace: hostSpace, GuestSpace: guestSpace})
	if err == nil {
		t.Fatal("NewVCPU should surface the VMCB allocator error")
	}
	freed := alloc.Freed()
	if len(freed) != 1 || freed[0] != "fpu" {
		t.Fatalf("Freed() = %v, want [fpu] (unwind the FPU block already acquired)", freed)
	}
}

func TestAdjustOffsetTicksNoOpWithoutOffsetFlavor(t *testing.T) {
	objSpace := space.New(space.KindObject, 1)
	hostSpace := space.New(space.KindHost, 2)
	guestSpace := space.New(space.KindGuest, 3)
	ec, _ := NewVCPU(DefaultAllocator{}, VCPUParams{ObjSpace: objSpace, HostSpace: hostSpace, GuestSpace: guestSpace})
	ec.AdjustOffsetTicks(100)
	if ec.offsetTicks != 0 {
		t.Fatal("AdjustOffsetTicks should be a no-op for a real-timer vCPU")
	}

	offsetEC, _ := NewVCPU(DefaultAllocator{}, VCPUParams{
		ObjSpace: objSpace, HostSpace: hostSpace, GuestSpace: guestSpace, OffsetFlavor: true,
	})
	offsetEC.AdjustOffsetTicks(100)
	if offsetEC.offsetTicks != 100 || offsetEC.vmcb.TimerOffset != 100 {
		t.Fatal("AdjustOffsetTicks should accumulate into both the EC and its VMCB")
	}
}

func TestKillPostsDestructionThroughRCU(t *testing.T) {
	hostSpace := space.New(space.KindHost, 1)
	ec := NewKernelEC(0, 2, hostSpace, nil)
	cpu := NewCPU(0, 1, true)
	rcu := NewRCU(1, nil)

	ec.Kill("test kill", cpu, rcu)
	if !ec.Killed() {
		t.Fatal("Kill should mark the EC killed")
	}
	if ec.destroyed.Load() {
		t.Fatal("destruction should not run inline; it is posted to RCU")
	}

	rcu.Update(cpu)
	rcu.Quiet(cpu)
	rcu.Update(cpu)
	if !ec.destroyed.Load() {
		t.Fatal("destruction callback should have run once the grace period completed")
	}
}

func TestKillIsIdempotent(t *testing.T) {
	hostSpace := space.New(space.KindHost, 1)
	ec := NewKernelEC(0, 2, hostSpace, nil)
	cpu := NewCPU(0, 1, true)
	rcu := NewRCU(1, nil)

	ec.Kill("first", cpu, rcu)
	ec.Kill("second", cpu, rcu)
	if ec.killReason != "first" {
		t.Fatalf("killReason = %q, want %q (second Kill call should be a no-op)", ec.killReason, "first")
	}
}
