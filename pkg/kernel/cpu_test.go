package kernel

import (
	"testing"
	"time"
)

func TestPreemptionGuardReentrant(t *testing.T) {
	c := NewCPU(0, 1, true)
	if c.PreemptionDisabled() {
		t.Fatal("fresh CPU should not report preemption disabled")
	}
	c.PreemptionDisable()
	c.PreemptionDisable()
	if !c.PreemptionDisabled() {
		t.Fatal("two PreemptionDisable calls should leave the guard raised")
	}
	c.PreemptionEnable()
	if !c.PreemptionDisabled() {
		t.Fatal("one matching PreemptionEnable should not yet lower the guard")
	}
	c.PreemptionEnable()
	if c.PreemptionDisabled() {
		t.Fatal("the second matching PreemptionEnable should lower the guard")
	}
}

func TestHaltWakesOnRemoteSignal(t *testing.T) {
	c := NewCPU(0, 1, true)
	done := make(chan struct{})
	go func() {
		c.Halt()
		close(done)
	}()

	for !c.waiting.Load() {
	}
	select {
	case c.wake <- struct{}{}:
	default:
		t.Fatal("wake channel should accept a send while Halt is waiting")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Halt did not return after being woken")
	}
	if c.waiting.Load() {
		t.Fatal("waiting flag should be cleared once Halt returns")
	}
}
