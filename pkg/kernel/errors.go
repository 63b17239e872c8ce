package kernel

import "github.com/coredump-systems/microhv/pkg/status"

// Status and the four sentinels below are re-exported from pkg/status
// so existing callers can keep writing kernel.ErrMemObj etc.; pkg/space
// needs the same sentinels and importing pkg/kernel from pkg/space
// would cycle back through pkg/kernel's own import of pkg/space.
type Status = status.Status

var (
	ErrMemObj  = status.ErrMemObj
	ErrAborted = status.ErrAborted
	ErrBadCap  = status.ErrBadCap
	ErrBadPar  = status.ErrBadPar
)
