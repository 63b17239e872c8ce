package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/coredump-systems/microhv/pkg/hazard"
)

// dispatcherMap is the Go stand-in for "per-CPU-symbol + CPU index ->
// remote address" (spec.md §4.10): Go has no per-CPU static storage,
// so a registry keyed by CPUID plays the same role.
type dispatcherMap struct {
	mu sync.RWMutex
	m  map[CPUID]*Dispatcher
}

func (d *dispatcherMap) set(id CPUID, disp *Dispatcher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.m == nil {
		d.m = make(map[CPUID]*Dispatcher)
	}
	d.m[id] = disp
}

func (d *dispatcherMap) get(id CPUID) *Dispatcher {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.m[id]
}

// Machine is the Go-level aggregate owning every simulated CPU — a
// construction convenience, not part of the C1-C10 core (see the
// Machine glossary entry in SPEC_FULL.md).
type Machine struct {
	cpus     []*CPU
	disps    []*Dispatcher
	rcu      *RCU
	sched    *RoundRobin
	bootLock sync.Mutex
	serials  atomic64
	log      *logrus.Entry
}

// atomic64 is a tiny monotonic serial counter, given its own type only
// to keep Machine's field list self-describing.
type atomic64 struct {
	mu sync.Mutex
	n  uint64
}

func (a *atomic64) next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	return a.n
}

// NewMachine constructs cpuCount offline CPUs with bootCPU marked as
// the boot CPU, and a RoundRobin scheduler. Call Boot to bring every
// CPU online.
func NewMachine(cpuCount int, bootCPU CPUID, log *logrus.Entry) *Machine {
	m := &Machine{
		sched: NewRoundRobin(),
		log:   log,
	}
	m.cpus = make([]*CPU, cpuCount)
	m.disps = make([]*Dispatcher, cpuCount)
	for i := range m.cpus {
		m.cpus[i] = NewCPU(CPUID(i), m.serials.next(), CPUID(i) == bootCPU)
	}
	m.rcu = NewRCU(cpuCount, log)
	return m
}

// CPU returns the simulated CPU at index id.
func (m *Machine) CPU(id CPUID) *CPU { return m.cpus[id] }

// RCU returns the machine's grace-period coordinator, shared by every
// CPU.
func (m *Machine) RCU() *RCU { return m.rcu }

// NextSerial issues the next monotonic serial number, used to tag
// newly constructed ECs and spaces.
func (m *Machine) NextSerial() uint64 { return m.serials.next() }

// Boot brings every CPU online concurrently (golang.org/x/sync/errgroup),
// serializing each CPU's feature-vector enumeration behind bootLock —
// the Go stand-in for original_source/inc/aarch64/cpu.hpp's boot_lock,
// which the original holds only around reading ID registers, not
// around the rest of bring-up.
func (m *Machine) Boot(ctx context.Context, features FeatureVector) error {
	g, _ := errgroup.WithContext(ctx)
	for _, c := range m.cpus {
		c := c
		g.Go(func() error {
			m.bootLock.Lock()
			c.SetFeatures(features)
			c.bootAt = time.Now()
			m.bootLock.Unlock()

			c.Hazard.Set(hazard.BootHost | hazard.BootGuest)
			d := NewDispatcher(c, m.rcu, m.sched, m.log)
			dispatcherRegistry.set(c.id, d)
			m.disps[c.id] = d
			c.online.Store(true)
			if m.log != nil {
				m.log.WithFields(logrus.Fields{"event": "trace.create", "cpu": c.id, "boot_cpu": c.bootRole}).Info("cpu online")
			}
			return nil
		})
	}
	return g.Wait()
}

// RemoteAffinity resolves a remote CPU's affinity word.
func (m *Machine) RemoteAffinity(id CPUID) uint32 {
	return m.cpus[id].Affinity()
}

// SetRemoteHazard ORs bits into a remote CPU's hazard word and, if
// that CPU is halted, wakes it — the IPI stand-in spec.md §4.10
// describes. Sequentially consistent: hazard.Set.Set already gives
// that, so the only addition here is the wakeup.
func (m *Machine) SetRemoteHazard(id CPUID, bits hazard.Bits) {
	c := m.cpus[id]
	c.Hazard.Set(bits)
	if c.waiting.Load() {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// Run drives cpu's dispatcher loop: repeatedly invoke the current EC's
// continuation until it diverts into a reschedule or sleep, at which
// point the scheduler (or Halt) decides what runs next. Run returns
// when the scheduler has nothing left to run on this CPU.
func (m *Machine) Run(cpu *CPU) {
	for {
		ec := cpu.current.Load()
		if ec == nil {
			ec = m.sched.Dequeue(cpu)
			if ec == nil {
				return
			}
			cpu.current.Store(ec)
		}

		cont := ec.Continuation()
		if cont == nil {
			cpu.current.Store(nil)
			continue
		}
		cont(ec)

		if cpu.needsReschedule.CompareAndSwap(true, false) {
			m.sched.Enqueue(cpu, ec)
			cpu.current.CompareAndSwap(ec, nil)
			continue
		}
		if cpu.needsSleep.CompareAndSwap(true, false) {
			cpu.Halt()
			continue
		}
		if ec.Killed() {
			cpu.current.Store(nil)
			continue
		}
		// Completed a pass with no divert: this EC "returned to user"
		// this quantum. Give the scheduler a chance to round-robin.
		m.sched.Enqueue(cpu, ec)
		cpu.current.Store(nil)
	}
}

// RoundRobin is the minimal scheduler spec.md's Non-goals allow: a
// per-CPU FIFO ready queue, no priority or fairness guarantees beyond
// "everything runnable eventually runs."
type RoundRobin struct {
	mu     sync.Mutex
	queues map[CPUID][]*EC
}

// NewRoundRobin constructs an empty scheduler.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{queues: make(map[CPUID][]*EC)}
}

// Enqueue makes ec runnable again on cpu.
func (r *RoundRobin) Enqueue(cpu *CPU, ec *EC) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[cpu.id] = append(r.queues[cpu.id], ec)
}

// Dequeue pops the next runnable EC for cpu, or nil if none.
func (r *RoundRobin) Dequeue(cpu *CPU) *EC {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[cpu.id]
	if len(q) == 0 {
		return nil
	}
	ec := q[0]
	r.queues[cpu.id] = q[1:]
	return ec
}

// Schedule implements Scheduler: pick whatever is next in the ready
// queue and make it current, leaving the yielding EC to be re-enqueued
// by the caller (Machine.Run already holds the SCHED divert).
func (r *RoundRobin) Schedule(cpu *CPU, yielding *EC) {
	next := r.Dequeue(cpu)
	if next == nil {
		return
	}
	cpu.current.Store(next)
}

// PowerDown implements Scheduler: nothing else is runnable, so the
// caller (Machine.Run) will Halt the CPU. RoundRobin has nothing of
// its own to do here.
func (r *RoundRobin) PowerDown(cpu *CPU, sleeping *EC) {}
