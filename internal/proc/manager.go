package proc

import (
	"github.com/nanokern/nanokern/internal/klock"
	"github.com/nanokern/nanokern/internal/klog"
	"github.com/nanokern/nanokern/internal/sched"
	"github.com/nanokern/nanokern/internal/slotmap"
	"github.com/nanokern/nanokern/kerrno"
)

// Manager owns the fixed-size task and process tables and every
// operation that mutates them: fork, exec, exit, waitpid, and signal
// delivery. Grounded on the teacher's single-Backend-per-device
// ownership model (backend.go), generalized to own two slotmap tables
// instead of one in-memory byte buffer.
type Manager struct {
	mu       klock.Spin
	tasks    *slotmap.Table[Task]
	procs    *slotmap.Table[Process]
	topology *sched.Topology // nil is legal: callers that only exercise table bookkeeping don't need a live scheduler

	initQuantum int
	log         *klog.Logger
}

// NewManager creates a process manager with fixed-size task/process
// tables. topology may be nil if the caller doesn't want fork/exit to
// touch a live scheduler (e.g. table-only unit tests).
func NewManager(maxTasks, maxProcs, initQuantum int, topology *sched.Topology, log *klog.Logger) *Manager {
	return &Manager{
		tasks:       slotmap.New[Task](maxTasks),
		procs:       slotmap.New[Process](maxProcs),
		topology:    topology,
		initQuantum: initQuantum,
		log:         log,
	}
}

// Spawn creates a brand-new process with no parent and one task,
// bootstrapping the table (there is no process 0 to fork from until
// one process exists). Used for the init process; every other process
// comes from Fork.
func (m *Manager) Spawn(priority int) (pid int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pslot, ok := m.procs.Reserve()
	if !ok {
		return 0, kerrno.New("proc.spawn", "proc", kerrno.ENOMEM)
	}
	tslot, ok := m.tasks.Reserve()
	if !ok {
		m.procs.Release(pslot)
		return 0, kerrno.New("proc.spawn", "proc", kerrno.ENOMEM)
	}

	p := m.procs.At(pslot)
	*p = Process{PID: pslot, PPID: -1, TaskCount: 1, TaskIDs: []int{tslot}}

	t := m.tasks.At(tslot)
	*t = Task{ID: tslot, ProcessID: pslot, Status: StatusNew, Priority: priority, Quantum: m.initQuantum}

	m.procs.Publish(pslot)
	m.tasks.Publish(tslot)

	if m.topology != nil {
		m.topology.Enqueue(tslot, priority, -1)
	}
	return pslot, nil
}

// Fork clones parentPID's process slot and gives the child one task
// copying the parent task's saved context, per spec.md §4.5. Returns
// the child's PID; the caller is responsible for the fork(2) contract
// of reporting 0 in the child's own return path (this package only
// models kernel-side bookkeeping, not the userspace return value
// split).
func (m *Manager) Fork(parentPID int) (childPID int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, ok := m.procs.Get(parentPID)
	if !ok {
		return 0, kerrno.New("proc.fork", "proc", kerrno.ENOENT)
	}
	if len(parent.TaskIDs) == 0 {
		return 0, kerrno.New("proc.fork", "proc", kerrno.EINVAL)
	}
	parentTask, ok := m.tasks.Get(parent.TaskIDs[0])
	if !ok {
		return 0, kerrno.New("proc.fork", "proc", kerrno.EINVAL)
	}

	pslot, ok := m.procs.Reserve()
	if !ok {
		return 0, kerrno.New("proc.fork", "proc", kerrno.ENOMEM)
	}
	tslot, ok := m.tasks.Reserve()
	if !ok {
		m.procs.Release(pslot)
		return 0, kerrno.New("proc.fork", "proc", kerrno.ENOMEM)
	}

	child := m.procs.At(pslot)
	*child = Process{
		PID:            pslot,
		Session:        parent.Session,
		PGID:           parent.PGID,
		PPID:           parentPID,
		UID:            parent.UID,
		EUID:           parent.EUID,
		SUID:           parent.SUID,
		GID:            parent.GID,
		EGID:           parent.EGID,
		SGID:           parent.SGID,
		SigActions:     parent.SigActions,
		ControllingTTY: parent.ControllingTTY,
		TaskCount:      1,
		TaskIDs:        []int{tslot},
	}

	ct := m.tasks.At(tslot)
	*ct = Task{
		ID:         tslot,
		ProcessID:  pslot,
		Status:     StatusNew,
		Priority:   parentTask.Priority,
		Quantum:    m.initQuantum,
		SavedCtx:   parentTask.SavedCtx,
		SigBlocked: parentTask.SigBlocked,
	}

	m.procs.Publish(pslot)
	m.tasks.Publish(tslot)

	if m.topology != nil {
		m.topology.Enqueue(tslot, ct.Priority, -1)
	}
	return pslot, nil
}

// Exec resets signal actions (handler -> default, ignored preserved)
// per spec.md §4.5 and marks the process as having replaced its
// address space. Address-space replacement itself is out of this
// package's scope (owned by the memory manager per spec.md §1); Exec
// only performs the process-table-visible side effects.
func (m *Manager) Exec(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.procs.Get(pid)
	if !ok {
		return kerrno.New("proc.exec", "proc", kerrno.ENOENT)
	}
	resetSignalActions(&p.SigActions)
	*m.procs.At(pid) = p
	return nil
}

// Exit marks every task of pid DONE, transitions the process to
// "waitable" with the given status, accumulates its times into the
// parent's child-time counters, records it on the parent's unwaited
// list, and raises SIGCHLD on the parent. Per spec.md, the process
// itself is only destroyed once both all tasks are DONE (true
// immediately here, since this package doesn't model multiple tasks
// per process beyond the one Fork/Spawn create) and it has been
// waited on.
func (m *Manager) Exit(pid int, status int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitLocked(pid, status)
}

// exitLocked is Exit's body, callable from paths that already hold mu
// (DeliverPending's default-terminate case).
func (m *Manager) exitLocked(pid int, status int) error {
	p, ok := m.procs.Get(pid)
	if !ok {
		return kerrno.New("proc.exit", "proc", kerrno.ENOENT)
	}
	if p.Done {
		return nil
	}

	for _, tid := range p.TaskIDs {
		if t, ok := m.tasks.Get(tid); ok {
			t.Status = StatusDone
			*m.tasks.At(tid) = t
			if m.topology != nil && t.CPU >= 0 && t.CPU < m.topology.Len() {
				m.topology.CPU(t.CPU).Dequeue()
			}
		}
	}

	p.ExitStatus = status
	p.Waitable = true
	p.Done = true
	*m.procs.At(pid) = p

	if p.PPID >= 0 {
		if parent, ok := m.procs.Get(p.PPID); ok {
			parent.ChildUserTime += p.UserTime + p.ChildUserTime
			parent.ChildSysTime += p.SystemTime + p.ChildSysTime
			parent.Unwaited = append(parent.Unwaited, pid)
			*m.procs.At(p.PPID) = parent
			m.raiseSignalLocked(p.PPID, SIGCHLD)
		}
	}
	return nil
}

// Waitpid reports the first already-exited, not-yet-reaped child of
// parentPID and reclaims its process slot. This package models only
// the non-blocking half of waitpid(2): if no child has exited yet it
// returns EAGAIN rather than sleeping the caller on a condition
// variable, leaving the sleep/wake plumbing to the syscall layer that
// embeds this manager (consistent with "suspension points" in
// spec.md §5 being a caller-level concern, not a table-manager one).
func (m *Manager) Waitpid(parentPID int) (childPID, status int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, ok := m.procs.Get(parentPID)
	if !ok {
		return 0, 0, kerrno.New("proc.waitpid", "proc", kerrno.ENOENT)
	}
	if len(parent.Unwaited) == 0 {
		return 0, 0, kerrno.New("proc.waitpid", "proc", kerrno.EAGAIN)
	}

	childPID = parent.Unwaited[0]
	parent.Unwaited = parent.Unwaited[1:]
	*m.procs.At(parentPID) = parent

	child, ok := m.procs.Get(childPID)
	if !ok {
		return 0, 0, kerrno.New("proc.waitpid", "proc", kerrno.ENOENT)
	}
	status = child.ExitStatus
	for _, tid := range child.TaskIDs {
		m.tasks.Release(tid)
	}
	m.procs.Release(childPID)
	return childPID, status, nil
}

// SendSignal posts sig to every task of pid, respecting per-task
// blocking except for SIGKILL/SIGSTOP, which are never blockable.
func (m *Manager) SendSignal(pid int, sig Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raiseSignalLocked(pid, sig)
}

// raiseSignalLocked is SendSignal's body, callable from paths (Exit)
// that already hold mu. A process-wide ActionIgnore drops the signal
// immediately unless it is unmaskable; otherwise it is queued pending
// on every task regardless of that task's blocked mask, since a
// blocked signal stays pending until the mask is lifted rather than
// being discarded.
func (m *Manager) raiseSignalLocked(pid int, sig Signal) error {
	p, ok := m.procs.Get(pid)
	if !ok {
		return kerrno.New("proc.signal", "proc", kerrno.ENOENT)
	}
	if !IsUnmaskable(sig) && p.SigActions[sig-1] == ActionIgnore {
		return nil
	}
	for _, tid := range p.TaskIDs {
		t, ok := m.tasks.Get(tid)
		if !ok {
			continue
		}
		t.SigPending.Add(sig)
		*m.tasks.At(tid) = t
	}
	return nil
}

// DeliverPending runs on the return-to-user path for taskID: it picks
// the lowest-numbered deliverable signal (pending, not blocked, or
// unmaskable), applies the process's configured action, and either
// returns a pushed SignalFrame for the caller to splice into the
// user-mode return path (ActionHandler) or applies the signal's
// default action in place (stop, terminate, ignore, continue) and
// returns a nil frame. A nil frame with a nil error means "nothing to
// deliver, resume normally."
func (m *Manager) DeliverPending(taskID int) (*SignalFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks.Get(taskID)
	if !ok {
		return nil, kerrno.New("proc.deliver", "proc", kerrno.ENOENT)
	}

	deliverable := t.SigPending &^ t.SigBlocked
	for sig := Signal(1); int(sig) < NumSignals; sig++ {
		unmaskable := IsUnmaskable(sig)
		if !unmaskable && !deliverable.Has(sig) {
			continue
		}
		if unmaskable && !t.SigPending.Has(sig) {
			continue
		}
		t.SigPending.Remove(sig)

		action := ActionDefault
		if p, ok := m.procs.Get(t.ProcessID); ok {
			action = p.SigActions[sig-1]
		}
		if !unmaskable {
			switch action {
			case ActionIgnore:
				continue
			case ActionHandler:
				frame := m.pushFrameLocked(&t, sig)
				*m.tasks.At(taskID) = t
				return frame, nil
			}
		}

		switch defaultActionTable[sig] {
		case defIgnore, defContinue:
			continue
		case defStop:
			t.Status = StatusStopped
			*m.tasks.At(taskID) = t
			return nil, nil
		case defTerm, defTermCore:
			*m.tasks.At(taskID) = t
			if err := m.exitLocked(t.ProcessID, 128+int(sig)); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}

	*m.tasks.At(taskID) = t
	return nil, nil
}

// pushFrameLocked builds the SignalFrame for sig, saving the task's
// FPU state if it was dirty (lazy-save contract: the frame carries
// whatever was actually live in the FPU at trap time) and blocking sig
// itself for the duration of the handler, matching the non-SA_NODEFER
// default.
func (m *Manager) pushFrameLocked(t *Task, sig Signal) *SignalFrame {
	frame := SignalFrame{
		Sig:      sig,
		SavedFPU: t.FPU,
		GPRs:     t.SavedCtx,
		PrevMask: t.SigBlocked,
	}
	if t.FPU.Dirty {
		t.FPU.Dirty = false
	}
	t.SigBlocked.Add(sig)
	t.pendingFrames = append(t.pendingFrames, frame)
	return &t.pendingFrames[len(t.pendingFrames)-1]
}

// Sigreturn pops the most recent signal frame pushed for taskID,
// restoring the blocked mask (and FPU state, if the frame carried a
// dirty one) that was in effect before delivery.
func (m *Manager) Sigreturn(taskID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks.Get(taskID)
	if !ok {
		return kerrno.New("proc.sigreturn", "proc", kerrno.ENOENT)
	}
	if len(t.pendingFrames) == 0 {
		return kerrno.New("proc.sigreturn", "proc", kerrno.EINVAL)
	}

	frame := t.pendingFrames[len(t.pendingFrames)-1]
	t.pendingFrames = t.pendingFrames[:len(t.pendingFrames)-1]
	t.SigBlocked = frame.PrevMask
	if frame.SavedFPU.Dirty {
		t.FPU = frame.SavedFPU
	}
	*m.tasks.At(taskID) = t
	return nil
}

// OnFPUTrap records that taskID has touched the FPU since its last
// context switch in, implementing the NM-trap lazy-save handshake:
// the caller clears CR0.TS and calls this once per trap, and the
// Dirty bit then tells the next context switch whether there is
// anything to save before handing the FPU to another task.
func (m *Manager) OnFPUTrap(taskID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks.Get(taskID)
	if !ok {
		return kerrno.New("proc.fputrap", "proc", kerrno.ENOENT)
	}
	t.FPU.Dirty = true
	*m.tasks.At(taskID) = t
	return nil
}
