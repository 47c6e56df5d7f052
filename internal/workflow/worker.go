package workflow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/organoidlab/orgseg/internal/events"
	"github.com/organoidlab/orgseg/internal/logging"
)

// JobFunc is the body of a background job. It must honor ctx cancellation.
type JobFunc func(ctx context.Context) (any, error)

// JobHandle lets a caller cancel a submitted job and wait for it to settle.
type JobHandle struct {
	ID   string
	Kind string

	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel requests cancellation. The job still runs to completion of its
// current step; its result is discarded when it settles.
func (h *JobHandle) Cancel() { h.cancel() }

// Wait blocks until the job has settled and its event has been published.
func (h *JobHandle) Wait() { <-h.done }

type job struct {
	handle *JobHandle
	ctx    context.Context
	fn     JobFunc
}

// Worker executes jobs one at a time on a single goroutine, so long-running
// strategy batches never run concurrently with each other or fight over the
// model session. Outcomes are reported through the bus: operation-completed
// on success or cancellation, operation-failed on error.
type Worker struct {
	bus    *events.Bus
	jobs   chan job
	logger *slog.Logger

	mu       sync.Mutex
	shutdown bool
	idle     sync.WaitGroup
}

// NewWorker creates and starts the worker loop.
func NewWorker(bus *events.Bus) *Worker {
	w := &Worker{
		bus:    bus,
		jobs:   make(chan job, 16),
		logger: logging.ForService("workflow"),
	}
	w.idle.Add(1)
	go w.run()
	return w
}

// Submit queues a job and returns its handle. Kind names the operation for
// event consumers, e.g. "auto-annotate". Submitting after Close settles the
// job immediately as failed.
func (w *Worker) Submit(kind string, fn JobFunc) *JobHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &JobHandle{
		ID:     uuid.New().String(),
		Kind:   kind,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	w.mu.Lock()
	if w.shutdown {
		w.mu.Unlock()
		cancel()
		close(h.done)
		w.publishFailed(h, "worker is shut down")
		return h
	}
	w.jobs <- job{handle: h, ctx: ctx, fn: fn}
	w.mu.Unlock()
	return h
}

// Close stops accepting jobs and waits for the queue to drain.
func (w *Worker) Close() {
	w.mu.Lock()
	if !w.shutdown {
		w.shutdown = true
		close(w.jobs)
	}
	w.mu.Unlock()
	w.idle.Wait()
}

func (w *Worker) run() {
	defer w.idle.Done()
	for j := range w.jobs {
		w.execute(j)
	}
}

func (w *Worker) execute(j job) {
	defer close(j.handle.done)
	defer j.handle.cancel()

	w.logger.Debug("job started", "job_id", j.handle.ID, "kind", j.handle.Kind)
	result, err := j.fn(j.ctx)

	cancelled := j.ctx.Err() != nil
	if cancelled {
		// The caller walked away; whatever the job produced is dropped.
		w.bus.Publish(events.Event{
			Kind:   events.KindOperationCompleted,
			Source: "workflow",
			Payload: events.OperationCompleted{
				JobID:     j.handle.ID,
				Kind:      j.handle.Kind,
				Cancelled: true,
			},
		})
		w.logger.Info("job cancelled", "job_id", j.handle.ID, "kind", j.handle.Kind)
		return
	}

	if err != nil {
		w.publishFailed(j.handle, err.Error())
		w.logger.Error("job failed", "job_id", j.handle.ID, "kind", j.handle.Kind, "error", err)
		return
	}

	w.bus.Publish(events.Event{
		Kind:   events.KindOperationCompleted,
		Source: "workflow",
		Payload: events.OperationCompleted{
			JobID:  j.handle.ID,
			Kind:   j.handle.Kind,
			Result: result,
		},
	})
	w.logger.Debug("job completed", "job_id", j.handle.ID, "kind", j.handle.Kind)
}

func (w *Worker) publishFailed(h *JobHandle, msg string) {
	w.bus.Publish(events.Event{
		Kind:   events.KindOperationFailed,
		Source: "workflow",
		Payload: events.OperationFailed{
			JobID:   h.ID,
			Kind:    h.Kind,
			Message: msg,
		},
	})
}
