package kernel

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coredump-systems/microhv/pkg/event"
	"github.com/coredump-systems/microhv/pkg/fpu"
	"github.com/coredump-systems/microhv/pkg/hazard"
)

// Dispatcher wires a CPU's hazard word, the RCU coordinator, and a
// Scheduler together so the three named entry points
// (RetUserHypercall/RetUserException/RetUserVMExit) can resolve a
// hazard set without each taking five constructor arguments. One
// Dispatcher is created per CPU by Machine.Boot.
type Dispatcher struct {
	cpu   *CPU
	rcu   *RCU
	sched Scheduler
	log   *logrus.Entry
}

// NewDispatcher binds a dispatcher to the CPU it drives.
func NewDispatcher(cpu *CPU, rcu *RCU, sched Scheduler, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{cpu: cpu, rcu: rcu, sched: sched, log: log}
}

// Scheduler is the minimal policy interface handleHazard's SLEEP/SCHED
// branches call into. Its only job, per spec.md §1's Non-goals, is to
// demonstrate hazard correctness — no fairness or priority guarantees.
type Scheduler interface {
	// Schedule is called when an EC has voluntarily yielded (SCHED) or
	// must be preempted; it should make some runnable EC current on
	// cpu, which may be the same ec that just yielded.
	Schedule(cpu *CPU, yielding *EC)
	// PowerDown is called when an EC is going idle (SLEEP) with nothing
	// else runnable; the caller will Halt the CPU afterward.
	PowerDown(cpu *CPU, sleeping *EC)
}

// dangerMask is the subset of hazard bits that can divert a return to
// user/guest away from actually completing it this pass.
const dangerMask = hazard.Sleep | hazard.Sched | hazard.Illegal | hazard.Recall

// RetUserHypercall is the return path from a hypercall: host event
// base, diverts to RetUserException on RECALL.
func RetUserHypercall(ec *EC) { retUserCommon(ec, returnHypercall) }

// RetUserException is the return path from a host exception: host
// event base, diverts to itself on RECALL.
func RetUserException(ec *EC) { retUserCommon(ec, returnException) }

// RetUserVMExit is the return path from a guest vm-exit: guest event
// base, diverts to itself on RECALL (a vCPU's RECALL target is its own
// vm-exit path, not the host's).
func RetUserVMExit(ec *EC) { retUserCommon(ec, returnVMExit) }

// retUserCommon implements the shared body of the three named return
// paths (spec.md §4.8): compute the effective hazard word, let
// handleHazard resolve anything dangerous (which may store a new
// continuation and return without this EC reaching "ERET" this pass),
// and otherwise fall through the point-of-no-return resolution of
// FPU/BOOT/RCU bits before the (simulated) privilege transition.
//
// Retrieving the Dispatcher from the EC's owning CPU rather than
// threading it through every call keeps RetUserHypercall/Exception/
// VMExit's signatures matching the bare Continuation type (func(*EC)):
// a real trap vector has no spare argument slot for it either.
func retUserCommon(ec *EC, kind returnKind) {
	ec.lastReturn = kind
	d := dispatcherOf(ec)
	if d == nil {
		return
	}
	eff := hazard.Effective(&d.cpu.Hazard, &ec.hazard)
	if eff&dangerMask != 0 {
		if d.handleHazard(eff, ec, kind) {
			return
		}
	}
	d.resolveOwnershipAndBoot(eff, ec)
}

// handleHazard implements the fixed priority order of spec.md §4.8:
// SLEEP, then SCHED, then ILLEGAL, then RECALL. It returns true if it
// diverted this pass (the caller must not proceed to the
// point-of-no-return resolution or the simulated privilege
// transition) — exactly the cases where the real kernel never reaches
// "ERET" either.
func (d *Dispatcher) handleHazard(eff hazard.Bits, ec *EC, kind returnKind) (diverted bool) {
	switch {
	case eff&hazard.Sleep != 0:
		ec.hazard.Clear(hazard.Sleep)
		ec.cont = continuationFor(kind)
		d.cpu.needsSleep.Store(true)
		d.sched.PowerDown(d.cpu, ec)
		return true

	case eff&hazard.Sched != 0:
		d.cpu.Hazard.Clear(hazard.Sched)
		ec.hazard.Clear(hazard.Sched)
		ec.cont = continuationFor(kind)
		d.cpu.needsReschedule.Store(true)
		d.sched.Schedule(d.cpu, ec)
		return true

	case eff&hazard.Illegal != 0:
		if d.log != nil {
			d.log.WithFields(logrus.Fields{"event": "trace.cont", "ec": ec.serial, "hazard": eff.String()}).Warn("ec killed: illegal execution state")
		}
		ec.Kill("Illegal execution state", d.cpu, d.rcu)
		return true

	case eff&hazard.Recall != 0:
		ec.hazard.Clear(hazard.Recall)
		target, base := recallTarget(kind)
		ec.regs.SetEntryPoint(event.At(base, event.Recall))
		ec.cont = target
		if d.log != nil {
			d.log.WithFields(logrus.Fields{"event": "trace.cont", "ec": ec.serial}).Debug("ec recalled")
		}
		return true
	}
	return false
}

// continuationFor maps a returnKind back to the entry point that
// observed the hazard, so a reload (SLEEP/SCHED) resumes at the exact
// same return path rather than a different one.
func continuationFor(kind returnKind) Continuation {
	switch kind {
	case returnVMExit:
		return RetUserVMExit
	default:
		return RetUserException
	}
}

// recallTarget picks the diversion target for a RECALL hazard: a
// vCPU's vm-exit path recalls into itself with the guest event base; a
// host hypercall or exception path recalls into RetUserException with
// the host event base, since a host EC has only one upcall vector.
func recallTarget(kind returnKind) (Continuation, event.Base) {
	if kind == returnVMExit {
		return RetUserVMExit, event.GuestBase
	}
	return RetUserException, event.HostBase
}

// resolveOwnershipAndBoot is the point-of-no-return resolution
// (spec.md §4.8): this EC will actually run this pass, so the FPU
// ownership transition, the once-per-CPU boot metrics, and RCU
// quiescence all get resolved unconditionally (each independently
// gated on its own bit, exactly as handle_hazard does in
// original_source/src/aarch64/ec_arch.cpp) before the simulated
// privilege transition.
func (d *Dispatcher) resolveOwnershipAndBoot(eff hazard.Bits, ec *EC) {
	if eff&hazard.FPU != 0 {
		switch fpu.ResolveMismatch(&d.cpu.Hazard, &ec.hazard) {
		case fpu.DisableTrap:
			d.cpu.Hazard.Clear(hazard.FPU)
		case fpu.Load:
			d.cpu.Hazard.Set(hazard.FPU)
		case fpu.SaveAndLoad:
			// Save is implicit (register mechanics out of scope);
			// ownership still transfers to ec.
		}
	}

	if eff&hazard.BootHost != 0 {
		d.cpu.Hazard.Clear(hazard.BootHost)
		if d.log != nil {
			d.log.WithFields(logrus.Fields{"event": "trace.perf", "cpu": d.cpu.id, "since_boot": time.Since(d.cpu.bootAt)}).Info("first host EC")
		}
	}
	if eff&hazard.BootGuest != 0 {
		d.cpu.Hazard.Clear(hazard.BootGuest)
		if d.log != nil {
			d.log.WithFields(logrus.Fields{"event": "trace.perf", "cpu": d.cpu.id, "since_boot": time.Since(d.cpu.bootAt)}).Info("first guest EC")
		}
	}

	d.rcu.Quiet(d.cpu)
}

// dispatcherRegistry maps a CPU to the Dispatcher driving it, populated by
// Machine.Boot. A continuation is a bare func(*EC) with no room for an
// extra argument (matching a real trap vector's calling convention),
// so retUserCommon looks the dispatcher up by the EC's affine CPU
// rather than receiving one directly.
var dispatcherRegistry dispatcherMap

func dispatcherOf(ec *EC) *Dispatcher {
	return dispatcherRegistry.get(ec.cpu)
}

// RegisterDispatcher binds d as the dispatcher driving cpu id.
// Machine.Boot calls this for every CPU it brings up; tests that want
// to drive RetUserHypercall/Exception/VMExit directly without
// constructing a whole Machine call it too.
func RegisterDispatcher(id CPUID, d *Dispatcher) { dispatcherRegistry.set(id, d) }
