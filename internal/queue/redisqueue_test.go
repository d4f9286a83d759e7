package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, opts RedisOptions) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, opts)
}

func testPayload(n int) Payload {
	return Payload{Owner: "acme", Repo: "widgets", PullNumber: n, HeadSHA: "abc123", BaseSHA: "def456"}
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	q := newTestQueue(t, RedisOptions{})
	_, err := q.Enqueue(context.Background(), Payload{Owner: "acme"}, PriorityNormal)
	if err != ErrInvalidPayload {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestCriticalDequeuesBeforeNormal(t *testing.T) {
	q := newTestQueue(t, RedisOptions{})
	ctx := context.Background()

	normalID, err := q.Enqueue(ctx, testPayload(1), PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue normal: %v", err)
	}
	criticalID, err := q.Enqueue(ctx, testPayload(2), PriorityCritical)
	if err != nil {
		t.Fatalf("enqueue critical: %v", err)
	}

	jobs, err := q.Dequeue(ctx, 2)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != criticalID || jobs[1].ID != normalID {
		t.Fatalf("wrong order: %s, %s", jobs[0].ID, jobs[1].ID)
	}
}

func TestEqualPriorityIsFIFO(t *testing.T) {
	q := newTestQueue(t, RedisOptions{})
	ctx := context.Background()

	var ids []string
	for i := 1; i <= 3; i++ {
		id, err := q.Enqueue(ctx, testPayload(i), PriorityNormal)
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond) // distinct enqueue times
	}
	jobs, err := q.Dequeue(ctx, 3)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	for i, j := range jobs {
		if j.ID != ids[i] {
			t.Fatalf("position %d: expected %s, got %s", i, ids[i], j.ID)
		}
	}
}

func TestFailRetriesUntilAttemptsExhausted(t *testing.T) {
	q := newTestQueue(t, RedisOptions{BackoffBase: time.Millisecond})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testPayload(1), PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	allowed := PolicyFor(PriorityNormal).Attempts

	for attempt := 1; attempt <= allowed; attempt++ {
		jobs, err := q.Dequeue(ctx, 1)
		if err != nil {
			t.Fatalf("dequeue attempt %d: %v", attempt, err)
		}
		if len(jobs) != 1 {
			t.Fatalf("attempt %d: expected 1 job, got %d", attempt, len(jobs))
		}
		if jobs[0].AttemptsMade != attempt {
			t.Fatalf("attempt %d: attempts_made=%d", attempt, jobs[0].AttemptsMade)
		}
		if err := q.Fail(ctx, id, "boom"); err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		if attempt < allowed {
			// job should be delayed, then promotable once backoff elapses
			counts, _ := q.Counts(ctx)
			if counts.Delayed != 1 {
				t.Fatalf("attempt %d: expected 1 delayed, got %+v", attempt, counts)
			}
			time.Sleep(time.Duration(1<<uint(attempt)) * 2 * time.Millisecond)
			n, err := q.PromoteDue(ctx)
			if err != nil {
				t.Fatalf("promote: %v", err)
			}
			if n != 1 {
				t.Fatalf("attempt %d: promoted %d", attempt, n)
			}
		}
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Failed != 1 || counts.Waiting != 0 || counts.Delayed != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	j, err := q.getJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.State != StateFailed || j.AttemptsMade != allowed {
		t.Fatalf("terminal job: state=%s attempts=%d", j.State, j.AttemptsMade)
	}
}

func TestRetryDelayDoubles(t *testing.T) {
	q := newTestQueue(t, RedisOptions{})
	if d := q.retryDelay(1); d != DefaultBackoffBase {
		t.Fatalf("attempt 1 delay: %v", d)
	}
	if d := q.retryDelay(3); d != 4*DefaultBackoffBase {
		t.Fatalf("attempt 3 delay: %v", d)
	}
}

func TestRecoverStalledRequeuesThenFails(t *testing.T) {
	q := newTestQueue(t, RedisOptions{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testPayload(1), PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx, 1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// negative staleness treats every heartbeat as expired
	n, err := q.RecoverStalled(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered, got %d", n)
	}
	j, _ := q.getJob(ctx, id)
	if j.State != StateWaiting || j.StalledCount != 1 {
		t.Fatalf("after first stall: state=%s stalls=%d", j.State, j.StalledCount)
	}

	// second stall exceeds the default budget of 1
	if _, err := q.Dequeue(ctx, 1); err != nil {
		t.Fatalf("dequeue again: %v", err)
	}
	if _, err := q.RecoverStalled(ctx, -time.Minute); err != nil {
		t.Fatalf("recover again: %v", err)
	}
	j, _ = q.getJob(ctx, id)
	if j.State != StateFailed {
		t.Fatalf("after second stall: state=%s", j.State)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	q := newTestQueue(t, RedisOptions{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testPayload(1), PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx, 1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Progress(ctx, id, 60); err != nil {
		t.Fatalf("progress 60: %v", err)
	}
	if err := q.Progress(ctx, id, 10); err != nil {
		t.Fatalf("progress 10: %v", err)
	}
	j, _ := q.getJob(ctx, id)
	if j.Progress != 60 {
		t.Fatalf("progress regressed: %d", j.Progress)
	}
}

func TestSweepPurgesOldTerminalJobs(t *testing.T) {
	q := newTestQueue(t, RedisOptions{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testPayload(1), PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx, 1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Complete(ctx, id); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// horizon in the future purges everything terminal
	n, err := q.Sweep(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	counts, _ := q.Counts(ctx)
	if counts.Completed != 0 {
		t.Fatalf("completed not purged: %+v", counts)
	}
	if _, err := q.getJob(ctx, id); err == nil {
		t.Fatalf("job hash should be gone")
	}
}

func TestDequeueActivatesAtomically(t *testing.T) {
	q := newTestQueue(t, RedisOptions{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testPayload(1), PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	jobs, err := q.Dequeue(ctx, 1)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("jobs = %v", jobs)
	}
	// the dequeued job must be fully tracked as active: in the active
	// index, marked active on the hash, attempt counted
	if jobs[0].State != StateActive || jobs[0].AttemptsMade != 1 {
		t.Fatalf("job not activated: state=%s attempts=%d", jobs[0].State, jobs[0].AttemptsMade)
	}
	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 0 || counts.Active != 1 {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestDequeueDropsPurgedJob(t *testing.T) {
	q := newTestQueue(t, RedisOptions{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testPayload(1), PriorityNormal)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// hash deleted out from under the ready index
	if err := q.client.Del(ctx, q.jobKey(id)).Err(); err != nil {
		t.Fatalf("del hash: %v", err)
	}

	jobs, err := q.Dequeue(ctx, 1)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("dequeued a purged job: %v", jobs)
	}
	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 0 || counts.Active != 0 {
		t.Fatalf("stale id left behind: %+v", counts)
	}
	if q.client.Exists(ctx, q.jobKey(id)).Val() != 0 {
		t.Fatalf("purged hash resurrected")
	}
}
