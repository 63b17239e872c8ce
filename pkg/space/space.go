// Package space implements the three address-space references an
// Execution Context holds (spec.md §4.6): a host memory space, an
// optional guest (stage-2) memory space for vCPUs, and an object space
// (capability table). Host and guest spaces are backed by a real
// anonymous mapping so that permission changes made through Update have
// an observable effect via the kernel's own page protection, standing
// in for the architectural page-table walker this repository does not
// implement (spec.md §1).
package space

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/coredump-systems/microhv/pkg/status"
)

// Kind distinguishes the three space flavors an EC can reference.
type Kind int

const (
	KindHost Kind = iota
	KindGuest
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindGuest:
		return "guest"
	case KindObject:
		return "object"
	default:
		return "invalid"
	}
}

// Perms are the permissions passed to Update, mirroring the
// read/write/exec triad of a page-table entry.
type Perms uint8

const (
	Read Perms = 1 << iota
	Write
	Exec
)

// Attrs are coarse memory attributes; this model only distinguishes
// normal RAM from device memory, which is all the dispatcher and the
// testable properties in spec.md §8 need.
type Attrs uint8

const (
	AttrRAM Attrs = iota
	AttrDevice
)

type mapping struct {
	pa    uint64
	order uint8
	perms Perms
	attrs Attrs
}

// Space is one of the three per-EC address-space references. The zero
// value is not usable; construct with New.
type Space struct {
	kind   Kind
	serial uint64

	mu       sync.RWMutex
	table    map[uint64]mapping // va exactly as passed to Update -> mapping; not rounded to the leaf order
	pendingN int                // updates since the last Sync, for tests

	// arena is the real backing store for host/guest spaces, allocated
	// lazily on first Reserve. Object spaces never reserve one.
	arena []byte

	// vmid and the root "address" are written together under mu so a
	// reader never observes one updated without the other, modeling the
	// single architectural register write spec.md §4.6 requires for a
	// guest space's atomic switch.
	vmid uint32
	root uint64
}

// New constructs an empty address space of the given kind.
func New(kind Kind, serial uint64) *Space {
	return &Space{kind: kind, serial: serial, table: make(map[uint64]mapping)}
}

// Kind reports which of the three flavors this space is.
func (s *Space) Kind() Kind { return s.kind }

// Serial is this space's process-unique identity, used for trace logs.
func (s *Space) Serial() uint64 { return s.serial }

// SetVMID records the virtual-machine identifier for a guest space,
// together with the stage-2 root address, in one critical section.
func (s *Space) SetVMID(vmid uint32, root uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vmid = vmid
	s.root = root
}

// VMID returns the guest space's VMID and stage-2 root together.
func (s *Space) VMID() (vmid uint32, root uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vmid, s.root
}

// Reserve allocates a real anonymous mapping of size bytes to back this
// space's leaf pages, returning the host-visible slice. Only host and
// guest spaces reserve an arena; calling it on an object space is a
// programmer error.
func (s *Space) Reserve(size int) ([]byte, error) {
	if s.kind == KindObject {
		return nil, fmt.Errorf("space: %w: object spaces do not reserve memory", status.ErrBadCap)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("space: reserve %d bytes: %w", size, err)
	}
	s.mu.Lock()
	s.arena = b
	s.mu.Unlock()
	return b, nil
}

// Lookup queries the mapping installed at va, if any. It matches only
// the exact va a mapping was installed at; an address inside a larger
// leaf is not found.
func (s *Space) Lookup(va uint64) (pa uint64, order uint8, attrs Attrs, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.table[va]
	if !ok {
		return 0, 0, 0, false
	}
	return m.pa, m.order, m.attrs, true
}

// Update installs or removes a mapping at va, at the given leaf order
// (page size exponent: a 4KiB leaf is order 0, a 2MiB leaf order 9,
// and so on). Passing perms == 0 removes any existing mapping at va.
// When this space owns a real arena, Update mirrors the requested
// permissions onto the backing pages with mprotect so the permission
// change is architecturally observable, not just bookkeeping.
func (s *Space) Update(va, pa uint64, order uint8, perms Perms, attrs Attrs) error {
	if perms&^(Read|Write|Exec) != 0 {
		return fmt.Errorf("space: %w: invalid perms %#x", status.ErrBadPar, perms)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if perms == 0 {
		delete(s.table, va)
		s.pendingN++
		return nil
	}

	s.table[va] = mapping{pa: pa, order: order, perms: perms, attrs: attrs}
	s.pendingN++

	if s.arena != nil {
		pageLen := (1 << order) * 4096
		off := int(pa)
		if off >= 0 && off+pageLen <= len(s.arena) {
			prot := unix.PROT_NONE
			if perms&Read != 0 {
				prot |= unix.PROT_READ
			}
			if perms&Write != 0 {
				prot |= unix.PROT_WRITE
			}
			if perms&Exec != 0 {
				prot |= unix.PROT_EXEC
			}
			if err := unix.Mprotect(s.arena[off:off+pageLen], prot); err != nil {
				return fmt.Errorf("space: mprotect va=%#x pa=%#x: %w", va, pa, err)
			}
		}
	}
	return nil
}

// Sync broadcasts any TLB invalidation implied by updates since the
// last Sync. There is no real TLB here — the map in Space already
// reflects every Update immediately — so Sync's only job is to clear
// the pending count the testable properties in spec.md §8 check, and
// to mark the point after which Lookup results may be relied upon by
// another CPU.
func (s *Space) Sync() (invalidated int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	invalidated, s.pendingN = s.pendingN, 0
	return invalidated
}

// ActiveSlot tracks, per CPU, which Space is currently the installed
// translation — the per-CPU bookkeeping spec.md §4.6 requires so that
// MakeCurrent is a genuine no-op (no architectural register write) when
// the requested space is already active.
type ActiveSlot struct {
	ptr atomic.Pointer[Space]
}

// MakeCurrent installs s as the active translation tracked by slot,
// returning true iff it actually changed (i.e. wasn't already current).
// The caller performs the architectural register write and instruction
// synchronization barrier only when this returns true.
func (slot *ActiveSlot) MakeCurrent(s *Space) (switched bool) {
	if slot.ptr.Load() == s {
		return false
	}
	slot.ptr.Store(s)
	return true
}

// Current returns the space currently tracked as active, or nil.
func (slot *ActiveSlot) Current() *Space {
	return slot.ptr.Load()
}
