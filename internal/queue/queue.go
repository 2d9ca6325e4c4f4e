// Package queue implements the JobQueue and worker pool that drives the
// reconciliation engine (spec §4.2): an unbounded FIFO of jobs, executed
// by a fixed pool of workers, with per-service mutual exclusion. It is
// modeled after fluxcd-flux's job-poll worker (jobs/worker.go), adapted
// from a poll-a-store loop to an in-process FIFO with a per-service lock
// map.
package queue

import (
	"context"
	"sync"

	kitlog "github.com/go-kit/kit/log"

	"github.com/wafflehacks/wafflemaker/internal/spec"
)

// Kind discriminates the two job shapes the Reconciler drives (spec
// §4.7), plus Fail for a Planner parse error that never reaches it.
type Kind int

const (
	KindReconcile Kind = iota
	KindDelete
	KindFail
)

// Job is one unit of work, always scoped to a single service id.
type Job struct {
	Kind      Kind
	ServiceID string
	Spec      *spec.ServiceSpec // set for KindReconcile, except EnqueueReconcile's id-only rebuild jobs
	Reason    string            // set for KindFail
}

// Handler processes one dequeued Job. It is satisfied by the Reconciler.
type Handler interface {
	Handle(ctx context.Context, job Job)
}

// Queue is an unbounded FIFO with per-service mutual exclusion (spec
// §4.2): while a job for service S is executing, later jobs for S wait
// their turn but jobs for other services proceed freely.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Job
	active  map[string]bool
	closed  bool

	handler Handler
	logger  kitlog.Logger

	wg sync.WaitGroup
}

// New builds a Queue. Call Start to launch its worker pool.
func New(handler Handler, logger kitlog.Logger) *Queue {
	q := &Queue{
		active:  map[string]bool{},
		handler: handler,
		logger:  logger,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a job to the FIFO. Safe to call concurrently.
func (q *Queue) Enqueue(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, job)
	q.cond.Broadcast()
}

// EnqueueReconcile satisfies lease.Enqueuer, used by the LeaseManager to
// request a credential rebuild after a failed renewal.
func (q *Queue) EnqueueReconcile(serviceID string) {
	q.Enqueue(Job{Kind: KindReconcile, ServiceID: serviceID})
}

// Start launches n worker goroutines pulling from the queue. A cancelled
// ctx wakes idle workers so they can observe it and exit; in-flight jobs
// still run to completion.
func (q *Queue) Start(ctx context.Context, workers int) {
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}()
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
}

// Shutdown stops accepting new work and waits for the workers to exit
// (spec §4.2, §5). Workers keep draining already-enqueued jobs until none
// is runnable, unless the ctx given to Start has been cancelled, in which
// case they finish only their in-flight job and the rest are abandoned.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		job, ok := q.next(ctx)
		if !ok {
			return
		}
		q.handler.Handle(ctx, job)
		q.release(job.ServiceID)
	}
}

// next blocks until a runnable job is available, the queue is closed with
// nothing left to run, or ctx is cancelled.
func (q *Queue) next(ctx context.Context) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return Job{}, false
		}

		for i, job := range q.pending {
			if q.active[job.ServiceID] {
				continue
			}
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.active[job.ServiceID] = true
			return job, true
		}

		if q.closed {
			return Job{}, false
		}

		q.cond.Wait()
	}
}

func (q *Queue) release(serviceID string) {
	q.mu.Lock()
	delete(q.active, serviceID)
	q.cond.Broadcast()
	q.mu.Unlock()
}
