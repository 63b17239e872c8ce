package regs

import "testing"

func TestGPRRoundTrip(t *testing.T) {
	var f File
	f.SetGPR(3, 0xdeadbeef)
	if got := f.GPR(3); got != 0xdeadbeef {
		t.Fatalf("GPR(3) = %#x, want 0xdeadbeef", got)
	}
	if got := f.GPR(4); got != 0 {
		t.Fatalf("GPR(4) = %#x, want 0 (untouched register)", got)
	}
}

func TestIPSPModeEntryPointRoundTrip(t *testing.T) {
	var f File
	f.SetIP(0x1000)
	f.SetSP(0x2000)
	f.SetMode(ModeGuest)
	f.SetEntryPoint(0x103)

	if f.IP() != 0x1000 || f.SP() != 0x2000 || f.Mode() != ModeGuest || f.EntryPoint() != 0x103 {
		t.Fatalf("File = {ip:%#x sp:%#x mode:%v ep:%v}, want {0x1000 0x2000 guest 0x103}",
			f.IP(), f.SP(), f.Mode(), f.EntryPoint())
	}
}

func TestModeString(t *testing.T) {
	tests := []struct {
		m    Mode
		want string
	}{
		{ModeUser, "user"},
		{ModeKernel, "kernel"},
		{ModeGuest, "guest"},
		{Mode(99), "invalid"},
	}
	for _, tt := range tests {
		if got := tt.m.String(); got != tt.want {
			t.Errorf("Mode(%d).String() = %q, want %q", tt.m, got, tt.want)
		}
	}
}
