// Package reclaim implements a ReclamationQueue shared by the node store
// and the network layer: quiescent-state-based grace-period callbacks for
// NodeStore entries, and job-ordered delayed frees for Connections.
// Reclamation is driven by a two-slot epoch counter, the idiomatic Go
// substitute for a quiescent-state-based reclamation (QSBR) scheme.
package reclaim

import (
	"sync"
	"sync/atomic"
)

type graceItem struct {
	readyEpoch uint64
	fn         func()
}

type delayedItem struct {
	readyAt uint64
	fn      func()
}

// Queue defers freeing NodeStore entries until their grace period ends and
// defers freeing detached Connections until every job enqueued ahead of them
// has been processed.
type Queue struct {
	epoch  uint64
	active [2]int64

	mu      sync.Mutex
	pending []graceItem

	jobsEnqueued  uint64
	jobsCompleted uint64

	delayedMu sync.Mutex
	delayed   []delayedItem
}

// New constructs an empty ReclamationQueue.
func New() *Queue {
	return &Queue{}
}

// EnterRead marks entry into a read-critical section and returns a token
// that must be passed back to ExitRead. Used by NodeStore.Get/Iterate.
func (q *Queue) EnterRead() uint64 {
	e := atomic.LoadUint64(&q.epoch)
	atomic.AddInt64(&q.active[e%2], 1)
	return e
}

// ExitRead marks exit from the read-critical section started by EnterRead.
func (q *Queue) ExitRead(token uint64) {
	atomic.AddInt64(&q.active[token%2], -1)
}

// EnqueueGrace defers fn until every read-critical section active at the
// time of the call has ended. fn must be idempotent-safe to call exactly
// once; Queue guarantees exactly one invocation.
func (q *Queue) EnqueueGrace(fn func()) {
	e := atomic.LoadUint64(&q.epoch)
	q.mu.Lock()
	q.pending = append(q.pending, graceItem{readyEpoch: e + 2, fn: fn})
	q.mu.Unlock()
}

// AdvanceEpoch attempts to move the epoch forward by one and runs any grace
// callbacks that have become ready. It is safe to call from any goroutine,
// concurrently, and as often as desired; callers typically drive this from
// a periodic ticker (see internal/dispatcher). EnqueueGrace does not advance
// the epoch itself.
func (q *Queue) AdvanceEpoch() {
	cur := atomic.LoadUint64(&q.epoch)
	reused := (cur + 1) % 2
	if atomic.LoadInt64(&q.active[reused]) == 0 {
		atomic.CompareAndSwapUint64(&q.epoch, cur, cur+1)
	}

	nowEpoch := atomic.LoadUint64(&q.epoch)
	var ready []graceItem
	q.mu.Lock()
	remaining := q.pending[:0]
	for _, item := range q.pending {
		if item.readyEpoch <= nowEpoch {
			ready = append(ready, item)
		} else {
			remaining = append(remaining, item)
		}
	}
	q.pending = remaining
	q.mu.Unlock()

	for _, item := range ready {
		item.fn()
	}
}

// PendingGrace reports how many grace callbacks are still waiting on a
// quiescent epoch, for metrics.
func (q *Queue) PendingGrace() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// RecordJobEnqueued increments the job sequence counter and returns the new
// value; the Acceptor calls this for every job it hands out.
func (q *Queue) RecordJobEnqueued() uint64 {
	return atomic.AddUint64(&q.jobsEnqueued, 1)
}

// RecordJobCompleted marks one job as fully processed by a worker.
func (q *Queue) RecordJobCompleted() {
	atomic.AddUint64(&q.jobsCompleted, 1)
	q.drainDelayed()
}

// EnqueueDelayedFree defers fn until every job enqueued strictly before the
// job carrying threshold has completed, so a Connection freed this way has
// had every job that references it already processed. threshold must come
// from the jobs-enqueued count captured when the delayed-free job itself was
// created (e.g. netlayer.DelayedFree.Threshold), not re-derived from the
// live counter at processing time — the live counter already includes this
// job's own enqueue and would make the job wait on itself.
func (q *Queue) EnqueueDelayedFree(threshold uint64, fn func()) {
	q.delayedMu.Lock()
	q.delayed = append(q.delayed, delayedItem{readyAt: threshold, fn: fn})
	q.delayedMu.Unlock()
	q.drainDelayed()
}

func (q *Queue) drainDelayed() {
	completed := atomic.LoadUint64(&q.jobsCompleted)
	var ready []delayedItem
	q.delayedMu.Lock()
	remaining := q.delayed[:0]
	for _, item := range q.delayed {
		if item.readyAt <= completed {
			ready = append(ready, item)
		} else {
			remaining = append(remaining, item)
		}
	}
	q.delayed = remaining
	q.delayedMu.Unlock()

	for _, item := range ready {
		item.fn()
	}
}

// PendingDelayed reports how many delayed frees are still waiting on job
// completion, for metrics.
func (q *Queue) PendingDelayed() int {
	q.delayedMu.Lock()
	defer q.delayedMu.Unlock()
	return len(q.delayed)
}
