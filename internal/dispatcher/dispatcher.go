// Package dispatcher implements the bounded worker pool that consumes
// Acceptor jobs: a fixed goroutine count, a bounded task queue,
// drop-with-counter backpressure when full, and panic-recovered execution.
package dispatcher

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred/opcua-runtime/internal/netlayer"
	"github.com/adred/opcua-runtime/internal/nodestore"
	"github.com/adred/opcua-runtime/internal/reclaim"
)

// MessageHandler is the external protocol collaborator this runtime defers
// to: the secure-channel/session layer that actually interprets
// BinaryMessage payloads. A no-op handler is used by default so this
// runtime is independently testable.
type MessageHandler interface {
	HandleBinaryMessage(store *nodestore.Store, conn *netlayer.Connection, bytes []byte)
	HandleDetach(conn *netlayer.Connection)
	HandleDelayedFree(conn *netlayer.Connection)
}

// NoopHandler discards every job; the default when no protocol layer is
// wired in.
type NoopHandler struct{}

func (NoopHandler) HandleBinaryMessage(store *nodestore.Store, conn *netlayer.Connection, bytes []byte) {
	conn.ReleaseRecvBuffer(bytes)
}
func (NoopHandler) HandleDetach(conn *netlayer.Connection)      {}
func (NoopHandler) HandleDelayedFree(conn *netlayer.Connection) {}

// Dispatcher is a fixed pool of goroutines executing netlayer.Job values
// against a shared NodeStore.
type Dispatcher struct {
	workerCount int
	queue       *reclaim.Queue
	store       *nodestore.Store
	handler     MessageHandler
	logger      zerolog.Logger

	tasks           chan netlayer.Job
	dropped         atomic.Int64
	dispatchLimiter func() bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Dispatcher with workerCount goroutines and a task queue
// sized queueSize.
func New(workerCount, queueSize int, store *nodestore.Store, queue *reclaim.Queue, handler MessageHandler, logger zerolog.Logger) *Dispatcher {
	if handler == nil {
		handler = NoopHandler{}
	}
	return &Dispatcher{
		workerCount: workerCount,
		queue:       queue,
		store:       store,
		handler:     handler,
		logger:      logger,
		tasks:       make(chan netlayer.Job, queueSize),
		stop:        make(chan struct{}),
	}
}

// Start launches the worker goroutines and a background epoch-advance
// loop that drives grace-period reclamation forward even when job traffic
// is quiet. Delayed frees are driven by job completion, not by this loop.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.wg.Add(1)
	go d.reclaimTicker(ctx)
}

// SetDispatchLimiter registers a hook consulted before a BinaryMessage job
// is enqueued; fn returning false drops the job, counted the same way a
// full queue is. DetachConnection and DelayedFree always bypass it — those
// are structural cleanup, and dropping either would leak a connection or
// its reclamation-queue entry rather than shed load.
func (d *Dispatcher) SetDispatchLimiter(fn func() bool) {
	d.dispatchLimiter = fn
}

// Submit enqueues a job, dropping it (and counting the drop) if the queue
// is full, or if it is a BinaryMessage and the configured dispatch limiter
// rejects it, rather than blocking the Acceptor thread. A dropped job is
// recorded as completed on the reclamation queue, so later DelayedFree
// thresholds do not wait on a job that will never run.
func (d *Dispatcher) Submit(job netlayer.Job) {
	if _, ok := job.(netlayer.BinaryMessage); ok && d.dispatchLimiter != nil && !d.dispatchLimiter() {
		d.dropped.Add(1)
		d.queue.RecordJobCompleted()
		d.logger.Warn().Msg("dispatch rate limit exceeded, message job dropped")
		return
	}
	select {
	case d.tasks <- job:
	default:
		d.dropped.Add(1)
		d.queue.RecordJobCompleted()
		d.logger.Warn().Msg("dispatcher queue full, job dropped")
	}
}

// SubmitBatch submits every job returned by one Acceptor tick.
func (d *Dispatcher) SubmitBatch(jobs []netlayer.Job) {
	for _, j := range jobs {
		d.Submit(j)
	}
}

// Stop closes the task queue and waits for in-flight jobs to drain.
func (d *Dispatcher) Stop() {
	close(d.tasks)
	close(d.stop)
	d.wg.Wait()
}

// DroppedJobs reports the number of jobs dropped, either because the queue
// was full or because the dispatch limiter rejected a BinaryMessage.
func (d *Dispatcher) DroppedJobs() int64 {
	return d.dropped.Load()
}

// QueueDepth reports the current number of queued-but-not-yet-run jobs.
func (d *Dispatcher) QueueDepth() int {
	return len(d.tasks)
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for job := range d.tasks {
		d.runJob(job)
	}
	_ = ctx
	_ = id
}

func (d *Dispatcher) runJob(job netlayer.Job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("dispatcher worker panic recovered")
		}
	}()

	switch v := job.(type) {
	case netlayer.BinaryMessage:
		d.handler.HandleBinaryMessage(d.store, v.Connection, v.Bytes)
		d.queue.RecordJobCompleted()
	case netlayer.DetachConnection:
		d.handler.HandleDetach(v.Connection)
		d.queue.RecordJobCompleted()
	case netlayer.DelayedFree:
		d.queue.EnqueueDelayedFree(v.Threshold, func() {
			d.handler.HandleDelayedFree(v.Connection)
			d.queue.RecordJobCompleted()
		})
	}
}

func (d *Dispatcher) reclaimTicker(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.queue.AdvanceEpoch()
		}
	}
}
