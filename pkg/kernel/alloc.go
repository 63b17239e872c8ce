package kernel

import "fmt"

// FPUBlock is the opaque per-EC FPU save area. Its register-level
// contents are out of scope (spec.md §1); only its existence and
// ownership matter to the dispatcher.
type FPUBlock struct{}

// VMControlBlock is the opaque per-vCPU hardware virtualization control
// block. The fields present here are exactly the ones
// original_source/src/aarch64/ec_arch.cpp's set_vmm_regs touches, kept
// as plain data since the architectural meaning of each register is
// out of scope.
type VMControlBlock struct {
	HCR         uint64
	VPIDR       uint64
	VMPIDR      uint64
	GICElrsr    uint64
	TimerOffset uint64
}

// Allocator supplies and releases the two resources an Execution
// Context may own: an FPU block and a VM control block. Factored out
// of NewHostEC/NewVCPU so tests can inject a failing allocator and
// exercise the unwind-on-failure path spec.md §7 requires.
type Allocator interface {
	AllocFPU() (*FPUBlock, error)
	AllocVMCB() (*VMControlBlock, error)
	FreeFPU(*FPUBlock)
	FreeVMCB(*VMControlBlock)
}

// DefaultAllocator never fails; it is what every constructor uses
// outside of tests.
type DefaultAllocator struct{}

func (DefaultAllocator) AllocFPU() (*FPUBlock, error)        { return &FPUBlock{}, nil }
func (DefaultAllocator) AllocVMCB() (*VMControlBlock, error) { return &VMControlBlock{}, nil }
func (DefaultAllocator) FreeFPU(*FPUBlock)                   {}
func (DefaultAllocator) FreeVMCB(*VMControlBlock)            {}

// FailingAllocator fails every AllocFPU call while FailFPU is set and
// every AllocVMCB call while FailVMCB is set, to let a test exercise
// unwind at a chosen point in the allocation chain.
type FailingAllocator struct {
	FailFPU  bool
	FailVMCB bool
	freed    []string
}

func (f *FailingAllocator) AllocFPU() (*FPUBlock, error) {
	if f.FailFPU {
		return nil, fmt.Errorf("failingallocator: FPU block exhausted")
	}
	return &FPUBlock{}, nil
}

func (f *FailingAllocator) AllocVMCB() (*VMControlBlock, error) {
	if f.FailVMCB {
		return nil, fmt.Errorf("failingallocator: VM control block exhausted")
	}
	return &VMControlBlock{}, nil
}

func (f *FailingAllocator) FreeFPU(*FPUBlock)        { f.freed = append(f.freed, "fpu") }
func (f *FailingAllocator) FreeVMCB(*VMControlBlock) { f.freed = append(f.freed, "vmcb") }

// Freed reports, in order, which resources were released during an
// unwind — tests use this to check rollback ran in reverse allocation
// order.
func (f *FailingAllocator) Freed() []string { return f.freed }
