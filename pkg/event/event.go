// Package event defines the entry-point selector space referenced by
// spec.md §6: each EC stores an event base, and hardware trap vectors
// (simulated here as plain function calls) compute eventBase + selector
// to identify the upcall destination in the object space.
package event

import "github.com/coredump-systems/microhv/pkg/regs"

// Base identifies which family of selectors an EC's entry point is
// offset from: the host exception vector or the guest (vCPU) vm-exit
// vector.
type Base regs.Selector

const (
	// HostBase is the event base for host ECs (backs a user thread).
	HostBase Base = 0
	// GuestBase is the event base for vCPUs (backs a virtual CPU).
	GuestBase Base = 0x100
)

// Selector offsets, added to an EC's event base to compute the final
// entry-point selector written into its register file.
const (
	Startup Selector = iota
	Recall
	PageFault
	DataAbort
	UndefinedInstruction

	// VMExit selectors are only meaningful relative to GuestBase.
	VMExitUnknown
	VMExitHVC
	VMExitTimer
	VMExitIRQ
)

// Selector is an offset from an event Base.
type Selector regs.Selector

// At computes the final entry-point selector for base+sel.
func At(base Base, sel Selector) regs.Selector {
	return regs.Selector(base) + regs.Selector(sel)
}
