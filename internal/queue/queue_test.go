package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wafflehacks/wafflemaker/internal/logging"
	"github.com/wafflehacks/wafflemaker/internal/queue"
)

type recordingHandler struct {
	mu    sync.Mutex
	order []string
	delay time.Duration
}

func (h *recordingHandler) Handle(ctx context.Context, job queue.Job) {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.order = append(h.order, job.ServiceID)
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

func TestPerServiceJobsRunInEnqueueOrder(t *testing.T) {
	h := &recordingHandler{delay: 5 * time.Millisecond}
	q := queue.New(h, logging.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, 1)

	q.Enqueue(queue.Job{Kind: queue.KindReconcile, ServiceID: "app/api"})
	q.Enqueue(queue.Job{Kind: queue.KindReconcile, ServiceID: "app/api"})
	q.Enqueue(queue.Job{Kind: queue.KindDelete, ServiceID: "app/api"})

	require.Eventually(t, func() bool { return len(h.snapshot()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"app/api", "app/api", "app/api"}, h.snapshot())
}

func TestDistinctServicesRunConcurrently(t *testing.T) {
	h := &recordingHandler{delay: 20 * time.Millisecond}
	q := queue.New(h, logging.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, 4)

	start := time.Now()
	q.Enqueue(queue.Job{ServiceID: "a"})
	q.Enqueue(queue.Job{ServiceID: "b"})
	q.Enqueue(queue.Job{ServiceID: "c"})

	require.Eventually(t, func() bool { return len(h.snapshot()) == 3 }, time.Second, time.Millisecond)
	assert.Less(t, time.Since(start), 60*time.Millisecond)
}

func TestShutdownWaitsForInFlightJobs(t *testing.T) {
	h := &recordingHandler{delay: 20 * time.Millisecond}
	q := queue.New(h, logging.New())

	ctx := context.Background()
	q.Start(ctx, 1)
	q.Enqueue(queue.Job{ServiceID: "app/api"})

	time.Sleep(2 * time.Millisecond) // let the worker pick it up
	q.Shutdown()
	assert.Len(t, h.snapshot(), 1)
}
