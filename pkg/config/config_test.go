package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeYAML(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestLoadPrimary(t *testing.T) {
	dir := t.TempDir()
	p := writeYAML(t, dir, "acpi.yaml", `
cpu_count: 4
boot_cpu: 0
timer_frequency_hz: 1000000
interrupt_controller_base: 0x8000000
smmu:
  - "smmu@9050000"
`)
	b, err := Load(p, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.CPUCount != 4 || b.BootCPU != 0 || b.TimerFrequencyHz != 1000000 {
		t.Fatalf("unexpected board: %+v", b)
	}
	if len(b.SMMU) != 1 || b.SMMU[0] != "smmu@9050000" {
		t.Fatalf("smmu list = %v", b.SMMU)
	}
}

func TestLoadFallsBackWhenPrimaryMissing(t *testing.T) {
	dir := t.TempDir()
	fdt := writeYAML(t, dir, "fdt.yaml", "cpu_count: 2\nboot_cpu: 1\ntimer_frequency_hz: 24000000\n")
	b, err := Load(filepath.Join(dir, "does-not-exist.yaml"), fdt)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.CPUCount != 2 || b.BootCPU != 1 {
		t.Fatalf("unexpected board: %+v", b)
	}
}

func TestLoadRejectsInvalidBootCPU(t *testing.T) {
	dir := t.TempDir()
	p := writeYAML(t, dir, "bad.yaml", "cpu_count: 2\nboot_cpu: 5\ntimer_frequency_hz: 1\n")
	if _, err := Load(p, ""); err == nil {
		t.Fatal("Load should reject a boot_cpu outside [0, cpu_count)")
	}
}

func TestLoadRejectsWhenBothSourcesUnusable(t *testing.T) {
	if _, err := Load("", ""); err == nil {
		t.Fatal("Load should fail when neither source is usable")
	}
}
