// Package sched implements the per-CPU multilevel-priority scheduler:
// one ready-queue array per CPU indexed by priority, fewest-runnables
// placement on enqueue, and an optional cross-CPU reschedule IPI.
// Grounded on the teacher's per-unit Config+constructor idiom,
// generalized to CPUConfig/NewCPU.
package sched

import (
	"sync/atomic"

	"github.com/nanokern/nanokern/internal/klock"
)

// IdleTaskID marks a CPU's permanent idle runnable: never enqueued,
// never removed, always valid as the fallback active entry.
const IdleTaskID = -1

// Runnable is the scheduler's per-task view: priority, quantum
// remaining, and validity. A task appears in at most one CPU's
// runnables at a time; the currently active runnable is never also on
// a ready queue.
type Runnable struct {
	TaskID   int
	Priority int
	Quantum  int
	valid    bool
}

func (r *Runnable) isIdle() bool { return r.TaskID == IdleTaskID }

// IPISender delivers a reschedule interrupt to a remote CPU. A real
// build satisfies this with an APIC MemIO poke; tests use a fake that
// just records calls.
type IPISender interface {
	SendReschedule(cpuID int)
}

// CPUConfig configures one CPU's scheduler state.
type CPUConfig struct {
	ID          int
	MaxPrio     int
	InitQuantum int
	HZ          int // ticks per load-average recompute; 0 disables it
}

// CPU is one processor's ready-queue array, active pointer, and load
// accounting. A distinct owned instance per processor, never a
// package-level global (Design Note: "Per-CPU statics and active
// pointer").
type CPU struct {
	id          int
	maxPrio     int
	initQuantum int
	hz          int

	mu         klock.Spin
	queues     [][]*Runnable
	active     *Runnable
	idle       *Runnable
	reschedule bool

	runnableCount atomic.Int32

	busyTicks        uint64
	idleTicks        uint64
	ticksSinceSample int
	load             float64
}

// NewCPU creates a CPU with an always-valid idle runnable occupying
// priority 0 as the initial active entry.
func NewCPU(cfg CPUConfig) *CPU {
	idle := &Runnable{TaskID: IdleTaskID, Priority: 0, valid: true}
	return &CPU{
		id:          cfg.ID,
		maxPrio:     cfg.MaxPrio,
		initQuantum: cfg.InitQuantum,
		hz:          cfg.HZ,
		queues:      make([][]*Runnable, cfg.MaxPrio+1),
		active:      idle,
		idle:        idle,
	}
}

// ID returns the CPU's index within its topology.
func (c *CPU) ID() int { return c.id }

// RunnableLen returns the total number of waiting (non-active)
// runnables across all priorities, a lock-free read used by
// Topology's fewest-runnables placement — staleness is acceptable per
// spec.md §4.4.
func (c *CPU) RunnableLen() int { return int(c.runnableCount.Load()) }

// Active returns the currently running runnable (never nil; falls
// back to the idle task).
func (c *CPU) Active() *Runnable {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Load returns the most recently sampled busy fraction, updated every
// HZ ticks.
func (c *CPU) Load() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load
}

// enqueueLocal adds a new runnable for taskID at priority to this
// CPU's ready queue. Returns true if this call is what set the
// reschedule flag (so the caller can decide whether an IPI is newly
// warranted), per spec.md: "if priority > active[target].priority,
// set active[target].reschedule = 1". The idle task is treated as
// occupying an effective priority below the valid range, so any
// arriving task preempts it immediately.
func (c *CPU) enqueueLocal(taskID, priority int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := &Runnable{TaskID: taskID, Priority: priority, Quantum: c.initQuantum, valid: true}
	c.queues[priority] = append(c.queues[priority], r)
	c.runnableCount.Add(1)

	activePrio := c.active.Priority
	if c.active.isIdle() {
		activePrio = -1
	}
	if priority > activePrio && !c.reschedule {
		c.reschedule = true
		return true
	}
	return false
}

// Tick is called by the timer IRQ on the running CPU with IRQs
// disabled (modeled here as holding the CPU's own lock, since Go has
// no IRQ-disable instruction to simulate faithfully). Decrements the
// active runnable's quantum, setting reschedule once it hits zero, and
// recomputes the load average every HZ ticks.
func (c *CPU) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active.isIdle() {
		if c.active.Quantum > 0 {
			c.active.Quantum--
			if c.active.Quantum == 0 {
				c.reschedule = true
			}
		}
		c.busyTicks++
	} else {
		c.idleTicks++
	}

	if c.hz <= 0 {
		return
	}
	c.ticksSinceSample++
	if c.ticksSinceSample >= c.hz {
		total := c.busyTicks + c.idleTicks
		if total > 0 {
			c.load = float64(c.busyTicks) / float64(total)
		}
		c.busyTicks, c.idleTicks, c.ticksSinceSample = 0, 0, 0
	}
}

// Pick implements schedule(): the fast path returns the current
// active runnable unchanged when reschedule == 0. Otherwise the
// active entry (if not idle) is requeued — demoted one priority level
// first if its quantum ran out and it isn't already at priority 0,
// with its quantum refreshed — and the highest non-empty priority
// queue's head becomes the new active. A reschedule forced by a
// remote higher-priority enqueue (quantum not yet exhausted) requeues
// the active entry at its current priority with its remaining
// quantum intact, rather than demoting it: demotion is earned only by
// spending a full quantum, which the spec text ties explicitly to
// "quantum is 0".
func (c *CPU) Pick() *Runnable {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.reschedule {
		return c.active
	}

	if !c.active.isIdle() {
		if c.active.Quantum == 0 {
			if c.active.Priority > 0 {
				c.active.Priority--
			}
			c.active.Quantum = c.initQuantum
		}
		p := c.active.Priority
		c.queues[p] = append(c.queues[p], c.active)
		c.runnableCount.Add(1)
	}

	for p := c.maxPrio; p >= 0; p-- {
		if len(c.queues[p]) > 0 {
			next := c.queues[p][0]
			c.queues[p] = c.queues[p][1:]
			c.runnableCount.Add(-1)
			c.active = next
			c.reschedule = false
			return next
		}
	}

	c.active = c.idle
	c.reschedule = false
	return c.idle
}

// Dequeue removes the active runnable from the CPU for a blocking or
// exiting task. Only the active runnable on the current CPU may be
// dequeued (preemption must already be disabled by the caller); the
// CPU immediately falls back to idle and is marked for reschedule so
// the next Pick call installs a real successor if one is ready.
func (c *CPU) Dequeue() *Runnable {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active.isIdle() {
		return nil
	}
	removed := c.active
	c.active = c.idle
	c.reschedule = true
	return removed
}

// Topology holds every CPU in the system and implements the
// fewest-runnables enqueue placement plus the optional cross-CPU
// reschedule IPI (spec.md §4.4, gated by the sched_ipi kernel
// parameter).
type Topology struct {
	cpus     []*CPU
	ipi      IPISender
	schedIPI bool
}

// NewTopology builds a Topology over the given CPUs. ipi may be nil
// when schedIPI is false (no real APIC wiring needed in that mode).
func NewTopology(cpus []*CPU, ipi IPISender, schedIPI bool) *Topology {
	return &Topology{cpus: cpus, ipi: ipi, schedIPI: schedIPI}
}

// CPU returns the topology's CPU at the given index.
func (t *Topology) CPU(id int) *CPU { return t.cpus[id] }

// Len returns the number of CPUs in the topology.
func (t *Topology) Len() int { return len(t.cpus) }

// Enqueue places taskID at priority onto the CPU with the fewest
// waiting runnables (a lock-free read on each candidate, staleness
// acceptable), marks that CPU's active for reschedule if warranted,
// and — when this enqueue newly set that reschedule flag, schedIPI is
// enabled and the target isn't the calling CPU — fires the reschedule
// IPI. callerCPU is the CPU this call runs on,
// or -1 if the caller isn't itself a scheduled CPU (e.g. boot-time
// task creation).
func (t *Topology) Enqueue(taskID, priority, callerCPU int) {
	target := t.pickTarget()
	justSetReschedule := target.enqueueLocal(taskID, priority)
	if justSetReschedule && target.id != callerCPU && t.schedIPI && t.ipi != nil {
		t.ipi.SendReschedule(target.id)
	}
}

func (t *Topology) pickTarget() *CPU {
	best := t.cpus[0]
	bestLen := best.RunnableLen()
	for _, c := range t.cpus[1:] {
		if n := c.RunnableLen(); n < bestLen {
			best, bestLen = c, n
		}
	}
	return best
}
