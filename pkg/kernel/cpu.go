package kernel

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/coredump-systems/microhv/pkg/hazard"
	"github.com/coredump-systems/microhv/pkg/space"
)

// CPUID indexes a simulated CPU within a Machine.
type CPUID uint32

// FeatureVector is a bitset of enumerated CPU features, set during
// Machine.Boot to the vector Boot's caller passes rather than read from
// real ID registers.
type FeatureVector uint64

const (
	FeatureFP FeatureVector = 1 << iota
	FeatureASIMD
	FeatureSVE
	FeatureGICv3
)

// CPU is one simulated processing element: a pinned goroutine with an
// index, an atomic hazard word, and the per-CPU bookkeeping the
// dispatcher and FPU ownership protocol need. A real microhypervisor
// stores this in per-CPU memory; here it is one element of
// Machine.cpus, and "per-CPU state: written by its owner CPU only"
// (spec.md §5) is a convention this type does not itself enforce.
type CPU struct {
	id       CPUID
	serial   uint64
	bootRole bool

	Hazard   hazard.Set
	affinity atomic.Uint32
	features atomic.Uint64
	online   atomic.Bool

	// ActiveHost/ActiveGuest track which Space is the currently
	// installed translation for this CPU, per spec.md §4.6.
	ActiveHost  space.ActiveSlot
	ActiveGuest space.ActiveSlot

	current atomic.Pointer[EC]

	preemptDepth atomic.Int32
	waiting      atomic.Bool
	wake         chan struct{}

	needsReschedule atomic.Bool
	needsSleep      atomic.Bool

	bootAt time.Time
}

// NewCPU constructs an offline CPU. Machine.Boot brings it online.
func NewCPU(id CPUID, serial uint64, bootRole bool) *CPU {
	return &CPU{
		id:       id,
		serial:   serial,
		bootRole: bootRole,
		wake:     make(chan struct{}, 1),
	}
}

func (c *CPU) ID() CPUID { return c.id }
func (c *CPU) Serial() uint64 { return c.serial }
func (c *CPU) IsBootCPU() bool { return c.bootRole }
func (c *CPU) Online() bool { return c.online.Load() }

func (c *CPU) Affinity() uint32        { return c.affinity.Load() }
func (c *CPU) SetAffinity(v uint32)    { c.affinity.Store(v) }
func (c *CPU) Features() FeatureVector { return FeatureVector(c.features.Load()) }
func (c *CPU) SetFeatures(v FeatureVector) { c.features.Store(uint64(v)) }

// Current returns the EC currently scheduled on this CPU, or nil if
// the CPU is idle.
func (c *CPU) Current() *EC { return c.current.Load() }

// PreemptionDisable raises the re-entrant preemption guard, mirroring
// daifset on the aarch64 original. Re-entrant: N calls require N
// matching PreemptionEnable calls before PreemptionDisabled reports
// false again. PreemptionPoint and Halt do not consult the depth.
func (c *CPU) PreemptionDisable() { c.preemptDepth.Add(1) }

// PreemptionEnable lowers the guard, mirroring daifclr.
func (c *CPU) PreemptionEnable() { c.preemptDepth.Add(-1) }

// PreemptionDisabled reports whether the guard is currently raised.
// Nothing in the package checks it automatically; see the Open Question
// decision in DESIGN.md about the guard being a convention rather than
// a true interrupt mask, which Go gives user code no way to install.
func (c *CPU) PreemptionDisabled() bool { return c.preemptDepth.Load() > 0 }

// PreemptionPoint is the enable-then-immediately-disable pair the
// original calls at a known-safe point inside a long-running kernel
// loop: a brief window where a pending cross-CPU signal can actually
// land before the guard goes back up. runtime.Gosched is the closest
// Go gets to "let anything else that's ready run right now."
func (c *CPU) PreemptionPoint() {
	c.PreemptionEnable()
	runtime.Gosched()
	c.PreemptionDisable()
}

// Halt parks this CPU's goroutine until woken by SetRemoteHazard or a
// bounded poll interval elapses, standing in for wfi.
func (c *CPU) Halt() {
	c.PreemptionEnable()
	c.waiting.Store(true)
	select {
	case <-c.wake:
	case <-time.After(haltPollInterval):
	}
	c.waiting.Store(false)
	c.PreemptionDisable()
}

// haltPollInterval bounds how long Halt can block without a wakeup,
// so a CPU that was signalled just before Halt observed c.waiting
// still makes progress instead of sleeping forever.
const haltPollInterval = 10 * time.Millisecond
