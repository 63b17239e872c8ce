// Package status defines the kernel's error-kind model from spec.md
// §7: MEM_OBJ resource exhaustion, and ABORTED/BAD_CAP/BAD_PAR
// precondition violations. It is a separate leaf package, rather than
// living in pkg/kernel, so that pkg/space can return the same
// sentinels without pkg/kernel and pkg/space importing each other.
package status

// Status is the kernel's error type: sentinel values wrapped with
// fmt.Errorf context at each call site rather than a raw enum,
// following the teacher's own HVError idiom.
type Status struct {
	code string
	msg  string
}

func (s *Status) Error() string { return s.msg }

var (
	// ErrMemObj is returned when a resource (FPU block, VM control
	// block, memory space) could not be allocated.
	ErrMemObj = &Status{code: "MEM_OBJ", msg: "microhv: resource exhaustion"}
	// ErrAborted is returned when a precondition the caller should have
	// checked was violated (e.g. a nil space passed to a constructor).
	ErrAborted = &Status{code: "ABORTED", msg: "microhv: precondition violated"}
	// ErrBadCap is returned for a reference to a capability/object that
	// does not exist or is the wrong kind.
	ErrBadCap = &Status{code: "BAD_CAP", msg: "microhv: bad capability"}
	// ErrBadPar is returned for a malformed parameter.
	ErrBadPar = &Status{code: "BAD_PAR", msg: "microhv: bad parameter"}
)
