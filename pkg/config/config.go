// Package config loads the board/firmware descriptor a Machine boots
// from: CPU count, boot-CPU index, timer frequency, interrupt
// controller base, and an SMMU descriptor list. It stands in for the
// ACPI-then-FDT sourcing a real hypervisor performs at boot.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Board is the parsed board/firmware descriptor.
type Board struct {
	CPUCount                int      `yaml:"cpu_count"`
	BootCPU                 int      `yaml:"boot_cpu"`
	TimerFrequencyHz        uint64   `yaml:"timer_frequency_hz"`
	InterruptControllerBase uint64   `yaml:"interrupt_controller_base"`
	SMMU                    []string `yaml:"smmu"`
}

// Validate checks the descriptor for the preconditions Machine.Boot
// and NewMachine require: a positive CPU count and a boot CPU index
// within range.
func (b *Board) Validate() error {
	if b.CPUCount <= 0 {
		return fmt.Errorf("config: cpu_count must be positive, got %d", b.CPUCount)
	}
	if b.BootCPU < 0 || b.BootCPU >= b.CPUCount {
		return fmt.Errorf("config: boot_cpu %d out of range [0,%d)", b.BootCPU, b.CPUCount)
	}
	if b.TimerFrequencyHz == 0 {
		return fmt.Errorf("config: timer_frequency_hz must be nonzero")
	}
	return nil
}

// Load tries primaryPath first (the "ACPI" slot) and falls back to
// fallbackPath (the "FDT" slot) if primaryPath cannot be read. Either
// path may be empty to skip that source. An error is returned only if
// neither source yields a valid descriptor.
func Load(primaryPath, fallbackPath string) (*Board, error) {
	if primaryPath != "" {
		if b, err := loadFile(primaryPath); err == nil {
			return b, nil
		}
	}
	if fallbackPath != "" {
		b, err := loadFile(fallbackPath)
		if err != nil {
			return nil, fmt.Errorf("config: fallback source: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("config: no usable board descriptor (primary %q, fallback %q)", primaryPath, fallbackPath)
}

func loadFile(path string) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b Board
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}
