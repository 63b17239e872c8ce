package kernel

import (
	"fmt"
	"sync/atomic"

	"github.com/coredump-systems/microhv/pkg/event"
	"github.com/coredump-systems/microhv/pkg/fpu"
	"github.com/coredump-systems/microhv/pkg/hazard"
	"github.com/coredump-systems/microhv/pkg/refcount"
	"github.com/coredump-systems/microhv/pkg/regs"
	"github.com/coredump-systems/microhv/pkg/space"
)

// Kind distinguishes the three Execution Context flavors spec.md §4.7
// names: a kernel thread with no user-visible state, a host EC backing
// a user thread, and a vCPU backing a guest's virtual CPU.
type Kind int

const (
	KindKernelThread Kind = iota
	KindHostEC
	KindVCPU
)

func (k Kind) String() string {
	switch k {
	case KindKernelThread:
		return "kernel-thread"
	case KindHostEC:
		return "host-ec"
	case KindVCPU:
		return "vcpu"
	default:
		return "invalid"
	}
}

// Continuation is the kernel-entry discipline of spec.md §4.7 and §9:
// a plain function value, never a goroutine or coroutine. An EC never
// has a suspended Go call stack; suspending always means "store a
// Continuation, return to the dispatcher's trampoline loop."
type Continuation func(*EC)

// returnKind records which of the three RetUser* entry points last
// invoked this EC's continuation, so handleHazard's RECALL branch
// knows whether to divert to the host or guest exception path.
type returnKind int

const (
	returnHypercall returnKind = iota
	returnException
	returnVMExit
)

// EC is an Execution Context: the sole schedulable entity (spec.md
// §1). Its fields are written only by the CPU it is currently
// affine to, except for the hazard word, refcount, and killed flag,
// which are the cross-CPU-visible parts any holder may touch.
type EC struct {
	kind   Kind
	serial uint64
	global bool // true for a kernel thread or a global (non-thread) host EC

	cpu CPUID

	regs     regs.File
	hazard   hazard.Set
	refcount *refcount.Counter

	objSpace   *space.Space
	hostSpace  *space.Space
	guestSpace *space.Space // nil unless kind == KindVCPU

	fpuBlock *FPUBlock
	vmcb     *VMControlBlock

	eventBase    event.Base
	lastReturn   returnKind
	offsetTicks  uint64
	offsetFlavor bool

	cont Continuation

	killed      atomic.Bool
	killReason  string
	destroyed   atomic.Bool
	destroyElem RCUElem
}

// Serial is this EC's process-unique identity, for trace logs and test
// disambiguation (spec.md §3's [FULL] addition).
func (ec *EC) Serial() uint64 { return ec.serial }

// Kind reports which of the three EC flavors this is.
func (ec *EC) Kind() Kind { return ec.kind }

// CPU reports the CPU this EC is currently affine to.
func (ec *EC) CPU() CPUID { return ec.cpu }

// Regs exposes the register file for the dispatcher and tests.
func (ec *EC) Regs() *regs.File { return &ec.regs }

// Hazard exposes this EC's hazard word.
func (ec *EC) Hazard() *hazard.Set { return &ec.hazard }

// Continuation returns the currently stored continuation.
func (ec *EC) Continuation() Continuation { return ec.cont }

// SetContinuation stores the continuation this EC resumes at. Written
// only by this EC's owning CPU.
func (ec *EC) SetContinuation(c Continuation) { ec.cont = c }

// Acquire adds a reference, refusing to raise the count from zero.
func (ec *EC) Acquire() bool { return ec.refcount.Acquire() }

// Killed reports whether Kill has already been called.
func (ec *EC) Killed() bool { return ec.killed.Load() }

// NewKernelEC constructs a kernel thread: no FPU, no user stack, no
// object space of its own (it runs with full kernel privilege). cont
// is the continuation it starts at — kernel threads never return to a
// lower privilege level, so there is no event base or entry point to
// seed.
func NewKernelEC(cpu CPUID, serial uint64, hostSpace *space.Space, cont Continuation) *EC {
	return &EC{
		kind:      KindKernelThread,
		serial:    serial,
		global:    true,
		cpu:       cpu,
		hostSpace: hostSpace,
		refcount:  refcount.New(),
		cont:      cont,
	}
}

// HostParams bundles NewHostEC's construction parameters; spec.md §4.7
// lists them as a flat tuple, collected here to keep the constructor
// signature from growing unreadable as SUPPLEMENTED FEATURES add to it.
type HostParams struct {
	ObjSpace  *space.Space
	HostSpace *space.Space
	CPU       CPUID
	Serial    uint64
	Global    bool // true: no default continuation, caller drives it directly
	WantFPU   bool
	EventBase event.Base
	SP        uint64
	UTCBVA    uint64
}

// NewHostEC constructs a host EC per spec.md §4.7: thread/global flag,
// optional FPU ownership, an object space, a host space, a CPU
// affinity, an event base, an initial stack pointer, and a UTCB
// virtual address the constructor maps into the host space. A local
// thread's initial continuation is RetUserException with its entry
// point already pointed at eventBase+Startup; a global EC starts with
// no continuation and the caller drives it directly.
//
// Allocation failure (the FPU block) unwinds everything acquired so
// far, in reverse order, and returns ErrMemObj; a missing space
// returns ErrAborted without touching the allocator.
func NewHostEC(alloc Allocator, p HostParams) (ec *EC, err error) {
	if p.ObjSpace == nil || p.HostSpace == nil {
		return nil, fmt.Errorf("NewHostEC: %w", ErrAborted)
	}

	var fb *FPUBlock
	if p.WantFPU {
		fb, err = alloc.AllocFPU()
		if err != nil {
			return nil, fmt.Errorf("NewHostEC: %w: %v", ErrMemObj, err)
		}
	}

	const utcbPhysOrder = 0
	utcbPA := utcbPhysPlaceholder(p.Serial)
	if err := p.HostSpace.Update(p.UTCBVA, utcbPA, utcbPhysOrder, space.Read|space.Write, space.AttrRAM); err != nil {
		if fb != nil {
			alloc.FreeFPU(fb)
		}
		return nil, fmt.Errorf("NewHostEC: %w: %v", ErrMemObj, err)
	}

	ec = &EC{
		kind:      KindHostEC,
		serial:    p.Serial,
		global:    p.Global,
		cpu:       p.CPU,
		objSpace:  p.ObjSpace,
		hostSpace: p.HostSpace,
		fpuBlock:  fb,
		refcount:  refcount.New(),
		eventBase: p.EventBase,
	}
	ec.regs.SetSP(p.SP)
	ec.regs.SetMode(regs.ModeUser)
	ec.regs.SetEntryPoint(event.At(p.EventBase, event.Startup))
	if fb != nil {
		fpu.FirstTouch(&ec.hazard)
	}
	if !p.Global {
		ec.cont = RetUserException
	}
	return ec, nil
}

// VCPUParams bundles NewVCPU's construction parameters.
type VCPUParams struct {
	ObjSpace     *space.Space
	HostSpace    *space.Space
	GuestSpace   *space.Space
	CPU          CPUID
	Serial       uint64
	OffsetFlavor bool // true: timer uses AdjustOffsetTicks; false: real timer
}

// NewVCPU constructs a vCPU per spec.md §4.7: object space, host
// space (for the VMM side), a guest (stage-2) space, and a CPU
// affinity. It always owns an FPU block (a vCPU's guest state includes
// FPU registers) and a VM control block. A fresh vCPU's hazard word
// starts with ILLEGAL set — the VMM must configure it (at minimum,
// install a guest space and an entry point) before it may run; nothing
// here clears ILLEGAL, matching the invariant in spec.md §3 that a
// vCPU is born unrunnable.
func NewVCPU(alloc Allocator, p VCPUParams) (ec *EC, err error) {
	if p.ObjSpace == nil || p.HostSpace == nil || p.GuestSpace == nil {
		return nil, fmt.Errorf("NewVCPU: %w", ErrAborted)
	}

	fb, err := alloc.AllocFPU()
	if err != nil {
		return nil, fmt.Errorf("NewVCPU: %w: %v", ErrMemObj, err)
	}
	vmcb, err := alloc.AllocVMCB()
	if err != nil {
		alloc.FreeFPU(fb)
		return nil, fmt.Errorf("NewVCPU: %w: %v", ErrMemObj, err)
	}

	ec = &EC{
		kind:         KindVCPU,
		serial:       p.Serial,
		cpu:          p.CPU,
		objSpace:     p.ObjSpace,
		hostSpace:    p.HostSpace,
		guestSpace:   p.GuestSpace,
		fpuBlock:     fb,
		vmcb:         vmcb,
		refcount:     refcount.New(),
		eventBase:    event.GuestBase,
		offsetFlavor: p.OffsetFlavor,
	}
	ec.regs.SetMode(regs.ModeGuest)
	ec.regs.SetEntryPoint(event.At(event.GuestBase, event.Startup))
	ec.hazard.Set(hazard.Illegal)
	fpu.FirstTouch(&ec.hazard)
	ec.cont = RetUserVMExit
	return ec, nil
}

// AdjustOffsetTicks is the SUPPLEMENTED FEATURES port of
// original_source/src/aarch64/ec_arch.cpp's offset-timer vCPU flavor:
// it skews this vCPU's virtual counter relative to the host's, used
// across migration-like save/restore. A no-op on a real-timer vCPU.
func (ec *EC) AdjustOffsetTicks(delta uint64) {
	if !ec.offsetFlavor {
		return
	}
	ec.offsetTicks += delta
	if ec.vmcb != nil {
		ec.vmcb.TimerOffset = ec.offsetTicks
	}
}

// Kill marks this EC unrunnable for reason and releases the scheduler's
// reference to it. If that release observes the refcount reaching
// zero, destruction is posted to rcu rather than run inline, since
// another CPU may still hold a pointer to this EC obtained before the
// release (spec.md §7). Idempotent: a second Kill call is a no-op.
func (ec *EC) Kill(reason string, cpu *CPU, rcu *RCU) {
	if !ec.killed.CompareAndSwap(false, true) {
		return
	}
	ec.killReason = reason
	if ec.refcount.Release() {
		rcu.Call(cpu.id, &ec.destroyElem, func(*RCUElem) {
			ec.destroyed.Store(true)
		})
	}
}

// utcbPhysPlaceholder derives a deterministic fake physical page for an
// EC's UTCB mapping: this repository does not implement a physical
// allocator (out of scope, spec.md §1), so the mapping exists to
// exercise space.Update/Lookup, not to back real UTCB traffic.
func utcbPhysPlaceholder(serial uint64) uint64 {
	return 0x1000 + serial*0x1000
}
