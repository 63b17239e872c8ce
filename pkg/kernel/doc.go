// Package kernel implements the execution-context layer of the
// microhypervisor core: per-CPU identity (spec.md §4.4), the Execution
// Context (§4.7), the continuation dispatcher (§4.8), the grace-period
// coordinator (§4.9), and cross-CPU signalling (§4.10).
//
// These five components are one Go package rather than five because
// the original NOVA microhypervisor couples them just as tightly: Cpu
// needs a pointer to its current Ec, Ec's dispatch logic reaches
// directly into Cpu's hazard word and active-space tracking, and the
// RCU coordinator is driven from the same per-CPU state. Splitting them
// into separate Go packages would force either an import cycle or an
// interface-erasure workaround (storing *EC behind an empty interface)
// for no benefit — the original's own header layout makes the same
// choice by letting cpu.hpp, ec.hpp, and rcu.hpp freely forward-declare
// each other within one translation unit family.
package kernel
