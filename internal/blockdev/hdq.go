package blockdev

import (
	"fmt"

	"github.com/nanokern/nanokern/internal/klock"
	"github.com/nanokern/nanokern/internal/klog"
	"github.com/nanokern/nanokern/internal/kmetrics"
	"github.com/nanokern/nanokern/kerrno"
)

// Queue is the per-device HD request queue: a fixed ring of Q slots,
// semaphore-gated submission, IRQ-driven completion. Per spec.md §4.1:
//
//  1. sem.Acquire() on the slot semaphore (Q permits).
//  2. Under the device lock, claim slot tail; fill the request.
//  3. If device_busy == 0, prepare+submit and set device_busy = 1.
//     Otherwise the slot waits in the ring.
//  4. The caller blocks on its request's completion semaphore.
//
// Invariant: tail - head <= Q; device_busy == 1 iff an IRQ is
// outstanding (i.e. iff head != tail once any request has ever been
// submitted).
type Queue struct {
	mu     klock.Spin
	sem    *klock.Sema
	slots  []*Request
	q      int
	head   uint64
	tail   uint64
	busy   bool
	driver LowLevelDriver

	log     *klog.Logger
	metrics *kmetrics.Counters
}

// NewQueue creates a ring of the given size (a power of two is
// suggested, matching the spec, but not required by this
// implementation).
func NewQueue(size int, driver LowLevelDriver, log *klog.Logger) *Queue {
	return &Queue{
		sem:     klock.NewSema(size),
		slots:   make([]*Request, size),
		q:       size,
		driver:  driver,
		log:     log,
		metrics: kmetrics.New(),
	}
}

// Metrics exposes the queue's operation counters.
func (q *Queue) Metrics() *kmetrics.Counters { return q.metrics }

// Submit enqueues a request and blocks the caller until it completes,
// exactly as spec.md's four-step submission algorithm describes.
func (q *Queue) Submit(req *Request) error {
	q.sem.Acquire()

	q.mu.Lock()
	if q.tail-q.head >= uint64(q.q) {
		q.mu.Unlock()
		q.sem.Release()
		panic("blockdev: HDQ ring overflow despite semaphore gating")
	}
	idx := q.tail % uint64(q.q)
	q.slots[idx] = req
	q.tail++

	if !q.busy {
		if err := q.driveHead(); err != nil {
			// busy was false, so this request was alone in the ring:
			// take it back out and return its permit.
			q.slots[idx] = nil
			q.tail--
			q.mu.Unlock()
			q.sem.Release()
			return err
		}
	}
	q.mu.Unlock()

	return req.Wait()
}

// driveHead prepares and submits the request currently at the ring
// head, setting busy = true. Caller must hold q.mu.
func (q *Queue) driveHead() error {
	idx := q.head % uint64(q.q)
	head := q.slots[idx]
	if head == nil {
		panic("blockdev: HDQ invariant violated: head slot empty while ring non-empty")
	}
	if err := q.driver.Prepare(head); err != nil {
		return kerrno.Wrap("hdq.prepare", "blockdev", err)
	}
	if err := q.driver.Submit(head); err != nil {
		return kerrno.Wrap("hdq.submit", "blockdev", err)
	}
	q.busy = true
	return nil
}

// Complete is called from (simulated) IRQ context: the driver reports
// that the request at the ring head finished with the given status.
// It signals the request's completion semaphore, advances the ring,
// releases one slot permit, and — if the ring is still non-empty —
// immediately prepares and submits the new head, leaving busy = true;
// otherwise clears busy.
func (q *Queue) Complete(status error) {
	q.mu.Lock()
	if q.head == q.tail {
		q.mu.Unlock()
		panic("blockdev: HDQ completion with empty ring")
	}
	idx := q.head % uint64(q.q)
	req := q.slots[idx]
	q.slots[idx] = nil
	q.head++

	req.status = status
	close(req.done)

	q.sem.Release()

	if q.head != q.tail {
		if err := q.driveHead(); err != nil {
			// The new head could not even be prepared/submitted;
			// fail it immediately so its caller is not stuck forever,
			// and keep draining the ring.
			q.failHeadAndAdvance(err)
		}
	} else {
		q.busy = false
	}
	q.mu.Unlock()

	if q.log != nil {
		q.log.Debugf("hdq: completed request, status=%v, depth=%d", status, q.tail-q.head)
	}
}

// failHeadAndAdvance immediately fails the current head (used when
// Prepare/Submit itself errors out rather than the hardware
// completing) and tries the next one. Caller must hold q.mu.
func (q *Queue) failHeadAndAdvance(err error) {
	for q.head != q.tail {
		idx := q.head % uint64(q.q)
		req := q.slots[idx]
		q.slots[idx] = nil
		q.head++
		req.status = err
		close(req.done)
		q.sem.Release()

		if q.head == q.tail {
			q.busy = false
			return
		}
		if perr := q.driveHead(); perr == nil {
			return
		} else {
			err = perr
		}
	}
}

// Depth returns the number of requests currently queued (including
// the one in flight), for diagnostics/tests.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.tail - q.head)
}

// String implements fmt.Stringer for debug logging.
func (q *Queue) String() string {
	return fmt.Sprintf("Queue{depth=%d busy=%v cap=%d}", q.Depth(), q.busy, q.q)
}
