// Package fpu implements the lazy FPU ownership protocol (spec.md
// §4.5): the FPU hazard bit is not an event, it is ownership metadata.
// The CPU-word bit means "this CPU currently holds some EC's FPU state
// loaded"; the EC-word bit means "this EC wants the FPU"; they agree
// exactly when ownership matches, which is why the dispatcher combines
// them with XOR rather than OR (see package hazard).
package fpu

import "github.com/coredump-systems/microhv/pkg/hazard"

// Transition is the action the dispatcher must take to resolve an FPU
// ownership mismatch observed on a return path.
type Transition int

const (
	// None means the CPU's FPU bit already matches the next EC's want.
	None Transition = iota
	// SaveAndLoad means the CPU holds a different EC's FPU state: save
	// it, then load the new EC's.
	SaveAndLoad
	// DisableTrap means the CPU holds FPU state but the next EC does
	// not want it: disable access and let the next touch trap.
	DisableTrap
	// Load means the CPU holds no FPU state and the next EC wants it.
	Load
)

// Resolve inspects the CPU's and the incoming EC's FPU hazard bits and
// reports which transition the dispatcher must perform. cpuFPU is
// whether the CPU currently holds loaded FPU state; ecWantsFPU is
// whether the EC about to run has used the FPU (and so wants it live).
func Resolve(cpuFPU, ecWantsFPU bool) Transition {
	switch {
	case cpuFPU == ecWantsFPU:
		return None
	case cpuFPU:
		return DisableTrap
	default:
		return Load
	}
}

// ResolveMismatch is Resolve taking raw hazard words, for call sites
// that already have both. It returns None if the words agree on the
// FPU bit, matching the XOR precondition: the dispatcher only calls
// this when hazard.Effective reported the FPU bit set.
func ResolveMismatch(cpuHazard, ecHazard *hazard.Set) Transition {
	return Resolve(cpuHazard.Test(hazard.FPU), ecHazard.Test(hazard.FPU))
}

// FirstTouch handles a first-use FPU fault: the EC has touched the FPU
// without its hazard bit set, which happens exactly once per EC. Per
// spec.md §4.5 this sets the EC's FPU bit so every later dispatch finds
// steady-state lazy ownership instead of re-faulting.
func FirstTouch(ec *hazard.Set) {
	ec.Set(hazard.FPU)
}

// Disown clears an EC's want-FPU bit, e.g. when the EC is destroyed and
// its FPU block is freed; a CPU still holding that EC's state will see
// a mismatch on its next dispatch and issue DisableTrap.
func Disown(ec *hazard.Set) {
	ec.Clear(hazard.FPU)
}
