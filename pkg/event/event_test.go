package event

import (
	"testing"

	"github.com/coredump-systems/microhv/pkg/regs"
)

func TestAt(t *testing.T) {
	tests := []struct {
		base Base
		sel  Selector
		want regs.Selector
	}{
		{HostBase, Startup, 0},
		{HostBase, Recall, 1},
		{GuestBase, VMExitHVC, 0x100 + 6},
	}
	for _, tt := range tests {
		if got := At(tt.base, tt.sel); got != tt.want {
			t.Errorf("At(%v, %v) = %#x, want %#x", tt.base, tt.sel, got, tt.want)
		}
	}
}
