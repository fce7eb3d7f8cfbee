// Package scheduler runs state mutating jobs one at a time, in submission order.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Job is a unit of work executed by the worker.
type Job func(ctx context.Context)

type task struct {
	name string
	run  Job
}

// Scheduler owns a single worker goroutine fed by a FIFO queue. Jobs never
// run concurrently with each other and are not cancelled once started.
type Scheduler struct {
	queue chan task

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a scheduler whose queue holds up to size pending jobs before
// Submit blocks.
func New(size int) *Scheduler {
	if size < 1 {
		size = 1
	}
	return &Scheduler{
		queue: make(chan task, size),
		done:  make(chan struct{}),
	}
}

// Start launches the worker. Jobs receive a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	go s.worker(ctx)
	slog.Info("scheduler_started", "queue_size", cap(s.queue))
}

// Submit queues a job. It returns an error once the scheduler is stopped.
func (s *Scheduler) Submit(name string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("scheduler stopped, job %s rejected", name)
	}

	s.queue <- task{name: name, run: job}
	slog.Info("job_submitted", "job", name, "pending", len(s.queue))
	return nil
}

// Pending returns the number of queued jobs that have not started.
func (s *Scheduler) Pending() int {
	return len(s.queue)
}

// Stop closes the queue, lets queued jobs drain and waits for the worker.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.queue)
	started := s.started
	s.mu.Unlock()

	if !started {
		close(s.done)
		return
	}
	<-s.done
	s.cancel()
	slog.Info("scheduler_stopped")
}

func (s *Scheduler) worker(ctx context.Context) {
	defer close(s.done)
	for t := range s.queue {
		s.execute(ctx, t)
	}
}

func (s *Scheduler) execute(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job_panicked", "job", t.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	slog.Info("job_started", "job", t.name)
	t.run(ctx)
	slog.Info("job_finished", "job", t.name)
}
