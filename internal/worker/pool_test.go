package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/reviewpilot/reviewpilot/internal/processor"
	"github.com/reviewpilot/reviewpilot/internal/queue"
)

func newPoolQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRedisQueue(client, queue.RedisOptions{BackoffBase: time.Millisecond})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func enqueueN(t *testing.T, q *queue.RedisQueue, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		p := queue.Payload{Owner: "acme", Repo: "widgets", PullNumber: i, HeadSHA: "h", BaseSHA: "b"}
		if _, err := q.Enqueue(context.Background(), p, queue.PriorityNormal); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
}

func TestPoolCompletesJobs(t *testing.T) {
	q := newPoolQueue(t)
	enqueueN(t, q, 3)

	var handled atomic.Int32
	pool := NewPool(q, func(ctx context.Context, j *queue.Job) (processor.Outcome, error) {
		handled.Add(1)
		return processor.OutcomeCompleted, nil
	}, 2)
	pool.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	waitFor(t, 2*time.Second, func() bool {
		counts, err := q.Counts(context.Background())
		return err == nil && counts.Completed == 3
	})
	if handled.Load() != 3 {
		t.Fatalf("handled %d jobs", handled.Load())
	}
}

func TestPoolRespectsSlotLimit(t *testing.T) {
	q := newPoolQueue(t)
	enqueueN(t, q, 4)

	var peak atomic.Int32
	var inFlight atomic.Int32
	pool := NewPool(q, func(ctx context.Context, j *queue.Job) (processor.Outcome, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return processor.OutcomeCompleted, nil
	}, 2)
	pool.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	waitFor(t, 2*time.Second, func() bool {
		counts, err := q.Counts(context.Background())
		return err == nil && counts.Completed == 4
	})
	if peak.Load() > 2 {
		t.Fatalf("concurrency exceeded slots: %d", peak.Load())
	}
}

func TestPoolFailuresFeedRetry(t *testing.T) {
	q := newPoolQueue(t)
	enqueueN(t, q, 1)

	pool := NewPool(q, func(ctx context.Context, j *queue.Job) (processor.Outcome, error) {
		return "", errors.New("boom")
	}, 1)
	pool.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	// first attempt fails and lands in the delayed set
	waitFor(t, 2*time.Second, func() bool {
		counts, err := q.Counts(context.Background())
		return err == nil && counts.Delayed == 1
	})
}

func TestResizeToZeroStopsDequeue(t *testing.T) {
	q := newPoolQueue(t)

	var handled atomic.Int32
	pool := NewPool(q, func(ctx context.Context, j *queue.Job) (processor.Outcome, error) {
		handled.Add(1)
		return processor.OutcomeCompleted, nil
	}, 1)
	pool.PollInterval = 5 * time.Millisecond
	pool.Resize(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	enqueueN(t, q, 1)
	time.Sleep(50 * time.Millisecond)
	if handled.Load() != 0 {
		t.Fatalf("paused pool handled a job")
	}

	pool.Resize(1)
	waitFor(t, 2*time.Second, func() bool {
		counts, err := q.Counts(context.Background())
		return err == nil && counts.Completed == 1
	})
}
