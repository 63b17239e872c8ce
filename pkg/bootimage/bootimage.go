// Package bootimage loads a Mach-O boot payload (host or guest) and
// extracts what a freshly constructed EC needs to start running: an
// entry point and the code bytes backing it. Grounded on the teacher's
// own use of github.com/blacktop/go-macho in cmd/hv/cmd/emulate.go.
package bootimage

import (
	"fmt"

	macho "github.com/blacktop/go-macho"
)

// Image is a parsed boot payload: an entry point (absolute VM
// address), the function name the entry point resolves to, and the
// raw instruction bytes spanning it.
type Image struct {
	EntryPoint uint64
	Name       string
	Code       []byte
}

// Load parses the Mach-O file at path. If addr is zero, the entry
// point is taken from the file's LC_MAIN load command (mirroring
// emulate.go's own "addr == 0 means use the image entry point"
// convention); otherwise addr is used as-is, letting a caller load a
// single named function rather than the whole image's start.
func Load(path string, addr uint64) (*Image, error) {
	m, err := macho.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bootimage: open %s: %w", path, err)
	}
	defer m.Close()

	if addr == 0 {
		mains := m.GetLoadsByName("LC_MAIN")
		if len(mains) == 0 {
			return nil, fmt.Errorf("bootimage: %s has no LC_MAIN and no explicit entry point was given", path)
		}
		ep, ok := mains[0].(*macho.EntryPoint)
		if !ok {
			return nil, fmt.Errorf("bootimage: %s LC_MAIN load command has unexpected type", path)
		}
		addr = ep.EntryOffset + m.GetBaseAddress()
	}

	fn, err := m.GetFunctionForVMAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("bootimage: no function containing entry point %#x: %w", addr, err)
	}

	code := make([]byte, fn.EndAddr-fn.StartAddr)
	if _, err := m.ReadAtAddr(code, fn.StartAddr); err != nil {
		return nil, fmt.Errorf("bootimage: reading %s: %w", fn.Name, err)
	}

	return &Image{EntryPoint: addr, Name: fn.Name, Code: code}, nil
}
