// Package regs defines the opaque register-file layout shared by every
// Execution Context: 31 general-purpose registers plus the minimal
// architectural state the continuation dispatcher needs to resume a
// trap — the instruction pointer, stack pointer, mode at last entry,
// and the entry-point selector identifying which event provoked that
// entry. The kernel-entry trampoline writes directly into a File; the
// return path reads it back.
package regs

// Mode is the processor privilege level recorded at the last entry.
type Mode uint8

const (
	ModeUser Mode = iota
	ModeKernel
	ModeGuest
)

func (m Mode) String() string {
	switch m {
	case ModeUser:
		return "user"
	case ModeKernel:
		return "kernel"
	case ModeGuest:
		return "guest"
	default:
		return "invalid"
	}
}

// Selector identifies the event that provoked the last kernel entry, as
// eventBase + offset (see the Selector constants in package event).
type Selector uint32

// NumGPR is the number of general-purpose integer registers modeled,
// matching a 64-bit ARM profile's 31 X registers (X0-X30).
const NumGPR = 31

// File is the fixed-layout register file for one Execution Context.
type File struct {
	gpr  [NumGPR]uint64
	ip   uint64
	sp   uint64
	mode Mode
	ep   Selector
}

// GPR returns general-purpose register n.
func (f *File) GPR(n int) uint64 {
	return f.gpr[n]
}

// SetGPR writes general-purpose register n.
func (f *File) SetGPR(n int, v uint64) {
	f.gpr[n] = v
}

// IP returns the instruction pointer recorded at the last entry.
func (f *File) IP() uint64 { return f.ip }

// SetIP sets the instruction pointer the next return will resume at.
func (f *File) SetIP(v uint64) { f.ip = v }

// SP returns the stack pointer recorded at the last entry.
func (f *File) SP() uint64 { return f.sp }

// SetSP sets the stack pointer the next return will resume with.
func (f *File) SetSP(v uint64) { f.sp = v }

// Mode returns the privilege level recorded at the last entry.
func (f *File) Mode() Mode { return f.mode }

// SetMode records the privilege level for the next entry/return.
func (f *File) SetMode(m Mode) { f.mode = m }

// EntryPoint returns the selector identifying the last entry's event.
func (f *File) EntryPoint() Selector { return f.ep }

// SetEntryPoint records which upcall destination the next diversion
// should target.
func (f *File) SetEntryPoint(s Selector) { f.ep = s }
