package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/coredump-systems/microhv/pkg/hazard"
)

func TestMachineBootBringsEveryCPUOnline(t *testing.T) {
	m := NewMachine(4, 0, nil)
	if err := m.Boot(context.Background(), FeatureFP|FeatureGICv3); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	for i := 0; i < 4; i++ {
		c := m.CPU(CPUID(i))
		if !c.Online() {
			t.Fatalf("cpu %d not online after Boot", i)
		}
		if c.Features() != FeatureFP|FeatureGICv3 {
			t.Fatalf("cpu %d features = %v, want FP|GICv3", i, c.Features())
		}
	}
	if !m.CPU(0).IsBootCPU() {
		t.Fatal("cpu 0 should be the boot CPU")
	}
	if m.CPU(1).IsBootCPU() {
		t.Fatal("cpu 1 should not be the boot CPU")
	}
}

func TestRemoteAffinityAndSetRemoteHazard(t *testing.T) {
	m := NewMachine(2, 0, nil)
	if err := m.Boot(context.Background(), 0); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	m.CPU(1).SetAffinity(0xabcd)
	if got := m.RemoteAffinity(1); got != 0xabcd {
		t.Fatalf("RemoteAffinity(1) = %#x, want 0xabcd", got)
	}

	m.SetRemoteHazard(1, hazard.Recall)
	if !m.CPU(1).Hazard.Test(hazard.Recall) {
		t.Fatal("SetRemoteHazard did not raise the bit on the target CPU")
	}
}

func TestSetRemoteHazardWakesHaltedCPU(t *testing.T) {
	m := NewMachine(1, 0, nil)
	if err := m.Boot(context.Background(), 0); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	cpu := m.CPU(0)

	done := make(chan struct{})
	go func() {
		cpu.Halt()
		close(done)
	}()
	for !cpu.waiting.Load() {
	}

	m.SetRemoteHazard(0, hazard.Sched)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("halted CPU did not wake up after SetRemoteHazard")
	}
}
