package kernel

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/coredump-systems/microhv/pkg/hazard"
)

// RCUElem is an intrusive node a destructible object embeds so posting
// it to the grace-period coordinator never allocates (spec.md §9): the
// callback and its list linkage live inside the object being freed.
type RCUElem struct {
	next *RCUElem
	fn   func(*RCUElem)
}

type rcuList struct {
	head, tail *RCUElem
}

func (l *rcuList) append(e *RCUElem) {
	e.next = nil
	if l.tail == nil {
		l.head = e
	} else {
		l.tail.next = e
	}
	l.tail = e
}

// appendList splices o onto the end of l and empties o.
func (l *rcuList) appendList(o *rcuList) {
	if o.head == nil {
		return
	}
	if l.tail == nil {
		l.head = o.head
	} else {
		l.tail.next = o.head
	}
	l.tail = o.tail
	o.head, o.tail = nil, nil
}

func (l *rcuList) empty() bool { return l.head == nil }

type rcuPerCPU struct {
	lastSeen   uint64
	currTarget uint64
	next       rcuList
	curr       rcuList
	done       rcuList
}

// Global coordinator phase bits, packed into the low bits of state
// alongside the batch number: state == (batch<<phaseBits)|phase. Only
// one of complete/pending is ever set.
const (
	phaseComplete uint64 = 1 << 0
	phasePending  uint64 = 1 << 1
	phaseBits             = 2
)

// RCU is the grace-period coordinator of spec.md §4.9: a monotonic
// batch number, a two-phase state machine (complete/pending), and one
// next/curr/done list triple per CPU. Call and the list manipulations
// inside Update are single-writer per CPU and need no lock; only the
// global batch/phase transition is shared, and it is driven entirely
// through CompareAndSwap on one atomic word, matching the original's
// single packed state word (original_source/src/x86_64/rcu.cpp).
type RCU struct {
	state     atomic.Uint64
	remaining atomic.Int32
	cpuCount  int32
	perCPU    []*rcuPerCPU
	log       *logrus.Entry
}

// NewRCU constructs a coordinator starting at batch 0, complete (no
// grace period in flight).
func NewRCU(cpuCount int, log *logrus.Entry) *RCU {
	r := &RCU{cpuCount: int32(cpuCount), log: log}
	r.state.Store(phaseComplete)
	r.perCPU = make([]*rcuPerCPU, cpuCount)
	for i := range r.perCPU {
		r.perCPU[i] = &rcuPerCPU{}
	}
	return r
}

// Batch returns the current batch number.
func (r *RCU) Batch() uint64 { return r.state.Load() >> phaseBits }

func (r *RCU) pending() bool { return r.state.Load()&phasePending != 0 }

// complete reports whether target has already been fully quiesced.
// Batch only ever advances past target once quiescence for it has been
// observed from every CPU, so this is a plain comparison rather than a
// phase check.
func (r *RCU) complete(target uint64) bool { return r.Batch() >= target }

// target returns the batch number currently collecting quiescence
// reports: the current batch if nothing is in flight, or batch+1 while
// pending.
func (r *RCU) target() uint64 {
	v := r.state.Load()
	b := v >> phaseBits
	if v&phasePending != 0 {
		return b + 1
	}
	return b
}

// startBatch attempts to move the coordinator from complete-at-batch
// (localBatch) to pending-for-batch(localBatch+1). If the batch has
// already moved past what the caller observed, or another CPU already
// started it, this is a no-op — at most one promotion is needed per
// batch and a second is harmless to skip.
func (r *RCU) startBatch(localBatch uint64) {
	for {
		v := r.state.Load()
		batch := v >> phaseBits
		if batch != localBatch || v&phasePending != 0 {
			return
		}
		next := (batch << phaseBits) | phasePending
		if r.state.CompareAndSwap(v, next) {
			r.remaining.Store(r.cpuCount)
			if r.log != nil {
				r.log.WithFields(logrus.Fields{"event": "trace.perf", "batch": batch + 1}).Debug("rcu: grace period started")
			}
			return
		}
	}
}

// completeBatch advances the coordinator from pending to
// complete-at-(batch+1). Called exactly when Quiet observes the last
// outstanding quiescence report for the in-flight batch.
func (r *RCU) completeBatch() {
	for {
		v := r.state.Load()
		if v&phasePending == 0 {
			return
		}
		batch := v >> phaseBits
		next := ((batch + 1) << phaseBits) | phaseComplete
		if r.state.CompareAndSwap(v, next) {
			if r.log != nil {
				r.log.WithFields(logrus.Fields{"event": "trace.perf", "batch": batch + 1}).Debug("rcu: grace period complete")
			}
			return
		}
	}
}

// Call registers a destruction (or any deferred) callback on cpu's own
// next list. Per spec.md §4.9, call always appends to the calling
// CPU's local list — never a remote one — so no lock is needed here.
func (r *RCU) Call(cpu CPUID, e *RCUElem, fn func(*RCUElem)) {
	e.fn = fn
	r.perCPU[cpu].next.append(e)
}

// Quiet reports this CPU's quiescence for the batch it currently owes
// a report for, if any. The dispatcher calls this on every pass that
// reaches the point of no return; Quiet itself tests the CPU's RCU bit,
// so a CPU that owes nothing returns immediately without touching the
// shared remaining counter.
func (r *RCU) Quiet(c *CPU) {
	if !c.Hazard.Test(hazard.RCU) {
		return
	}
	c.Hazard.Clear(hazard.RCU)
	if r.remaining.Add(-1) == 0 {
		r.completeBatch()
	}
}

// Update is the periodic per-CPU bookkeeping pass: promote next to
// curr if curr is empty, retire curr to done once its target batch has
// completed, invoke anything in done, and re-arm this CPU's RCU hazard
// bit if the global batch has moved since this CPU last checked.
func (r *RCU) Update(c *CPU) {
	pc := r.perCPU[c.id]

	if r.pending() {
		if t := r.target(); pc.lastSeen < t {
			pc.lastSeen = t
			c.Hazard.Set(hazard.RCU)
		}
	}

	if !pc.curr.empty() && r.complete(pc.currTarget) {
		pc.done.appendList(&pc.curr)
	}

	if pc.curr.empty() && !pc.next.empty() {
		pc.curr.appendList(&pc.next)
		pc.currTarget = r.Batch() + 1
		r.startBatch(pc.currTarget - 1)
		if pc.lastSeen < pc.currTarget {
			pc.lastSeen = pc.currTarget
			c.Hazard.Set(hazard.RCU)
		}
	}

	if !pc.done.empty() {
		r.invoke(pc)
	}
}

func (r *RCU) invoke(pc *rcuPerCPU) {
	for e := pc.done.head; e != nil; {
		n := e.next
		e.fn(e)
		e = n
	}
	pc.done.head, pc.done.tail = nil, nil
}
