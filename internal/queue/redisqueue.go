package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	// DefaultBackoffBase is the first retry delay; doubled on each further attempt.
	DefaultBackoffBase = 2 * time.Second
	// DefaultMaxStalled is how many times a stalled job is requeued before failing.
	DefaultMaxStalled = 1
)

// RedisOptions tunes a RedisQueue. Zero values fall back to defaults.
type RedisOptions struct {
	Prefix      string
	BackoffBase time.Duration
	MaxStalled  int
	Events      Publisher
}

// RedisQueue is a priority queue backed by Redis. Ready jobs live in a
// sorted set scored by negated priority plus a fractional enqueue-time
// component, so higher priorities pop first and equal priorities pop FIFO.
// Job bodies are hashes; delayed retries sit in a second sorted set scored
// by their ready-at time.
type RedisQueue struct {
	client      *redis.Client
	prefix      string
	backoffBase time.Duration
	maxStalled  int
	events      Publisher
}

// NewRedisQueue creates a queue on an existing Redis client.
func NewRedisQueue(client *redis.Client, opts RedisOptions) *RedisQueue {
	if opts.Prefix == "" {
		opts.Prefix = "reviewpilot"
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.MaxStalled <= 0 {
		opts.MaxStalled = DefaultMaxStalled
	}
	if opts.Events == nil {
		opts.Events = LogPublisher{}
	}
	return &RedisQueue{
		client:      client,
		prefix:      opts.Prefix,
		backoffBase: opts.BackoffBase,
		maxStalled:  opts.MaxStalled,
		events:      opts.Events,
	}
}

func (r *RedisQueue) key(name string) string { return r.prefix + ":" + name }

func (r *RedisQueue) jobKey(id string) string { return r.prefix + ":job:" + id }

func (r *RedisQueue) readyKey() string { return r.key("ready") }

func (r *RedisQueue) delayedKey() string { return r.key("delayed") }

func (r *RedisQueue) activeKey() string { return r.key("active") }
func (r *RedisQueue) terminalKey(s State) string {
	return r.key(string(s))
}

// readyScore orders the ready set: lower score pops first, so priority is
// negated and the enqueue time contributes a small fraction for FIFO within
// a tier.
func readyScore(priority int, at time.Time) float64 {
	return float64(-priority) + float64(at.UnixMilli())/1e15
}

// Enqueue validates the payload and adds a waiting job, returning its ID.
func (r *RedisQueue) Enqueue(ctx context.Context, p Payload, prio Priority) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	pol := PolicyFor(prio)
	now := time.Now()
	j := &Job{
		ID:              uuid.NewString(),
		Payload:         p,
		Priority:        pol.Weight,
		AttemptsAllowed: pol.Attempts,
		State:           StateWaiting,
		EnqueuedAt:      now.Unix(),
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.jobKey(j.ID), jobToMap(j))
	pipe.ZAdd(ctx, r.readyKey(), redis.Z{Score: readyScore(j.Priority, now), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	r.events.Publish(newEvent(EventEnqueued, j))
	return j.ID, nil
}

// dequeueScript pops the best ready job and activates it in one atomic
// step, so a crash mid-dequeue can never leave a job outside every index
// where stalled recovery would miss it.
const dequeueScript = `
local popped = redis.call("zpopmin", KEYS[1], 1)
if #popped == 0 then
	return false
end
local id = popped[1]
local job = ARGV[1] .. id
if redis.call("exists", job) == 0 then
	return ""
end
redis.call("sadd", KEYS[2], id)
redis.call("hset", job, "state", "active", "progress", 0, "heartbeat_at", ARGV[2])
redis.call("hincrby", job, "attempts_made", 1)
return id
`

// Dequeue pops up to max ready jobs and marks them active. Each returned
// job has AttemptsMade already incremented for this attempt.
func (r *RedisQueue) Dequeue(ctx context.Context, max int) ([]*Job, error) {
	if max <= 0 {
		max = 1
	}
	jobs := make([]*Job, 0, max)
	for len(jobs) < max {
		res, err := r.client.Eval(ctx, dequeueScript,
			[]string{r.readyKey(), r.activeKey()},
			r.prefix+":job:", time.Now().Unix(),
		).Result()
		if errors.Is(err, redis.Nil) {
			break // ready set empty
		}
		if err != nil {
			return jobs, fmt.Errorf("dequeue: %w", err)
		}
		id, ok := res.(string)
		if !ok {
			break
		}
		if id == "" {
			continue // hash purged while queued; the stale id is dropped
		}
		j, err := r.getJob(ctx, id)
		if err != nil {
			r.client.SRem(ctx, r.activeKey(), id)
			continue
		}
		r.events.Publish(newEvent(EventActive, j))
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Complete moves an active job to its terminal completed state.
func (r *RedisQueue) Complete(ctx context.Context, id string) error {
	j, err := r.getJob(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	j.State = StateCompleted
	j.Progress = 100
	j.FinishedAt = now
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, r.activeKey(), id)
	pipe.HSet(ctx, r.jobKey(id), "state", string(StateCompleted), "progress", 100, "finished_at", now)
	pipe.ZAdd(ctx, r.terminalKey(StateCompleted), redis.Z{Score: float64(now), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	r.events.Publish(newEvent(EventCompleted, j))
	return nil
}

// Fail records a failed attempt. While the attempt budget lasts the job
// moves to the delayed set with exponential backoff; after that it fails
// permanently.
func (r *RedisQueue) Fail(ctx context.Context, id string, reason string) error {
	j, err := r.getJob(ctx, id)
	if err != nil {
		return err
	}
	j.LastError = reason
	now := time.Now()
	if j.AttemptsMade < j.AttemptsAllowed {
		delay := r.retryDelay(j.AttemptsMade)
		readyAt := now.Add(delay)
		j.State = StateDelayed
		pipe := r.client.TxPipeline()
		pipe.SRem(ctx, r.activeKey(), id)
		pipe.HSet(ctx, r.jobKey(id), "state", string(StateDelayed), "last_error", reason)
		pipe.ZAdd(ctx, r.delayedKey(), redis.Z{Score: float64(readyAt.UnixMilli()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("fail delay job: %w", err)
		}
		r.events.Publish(newEvent(EventRetried, j))
		return nil
	}
	j.State = StateFailed
	j.FinishedAt = now.Unix()
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, r.activeKey(), id)
	pipe.HSet(ctx, r.jobKey(id), "state", string(StateFailed), "last_error", reason, "finished_at", j.FinishedAt)
	pipe.ZAdd(ctx, r.terminalKey(StateFailed), redis.Z{Score: float64(j.FinishedAt), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	r.events.Publish(newEvent(EventFailed, j))
	return nil
}

// retryDelay is backoffBase * 2^(attemptsMade-1).
func (r *RedisQueue) retryDelay(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	return r.backoffBase * time.Duration(1<<uint(attemptsMade-1))
}

// Progress raises the progress marker of an active job. Progress never
// decreases; a lower value only refreshes the heartbeat.
func (r *RedisQueue) Progress(ctx context.Context, id string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	j, err := r.getJob(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	fields := []any{"heartbeat_at", now}
	if pct > j.Progress {
		j.Progress = pct
		fields = append(fields, "progress", pct)
	}
	if err := r.client.HSet(ctx, r.jobKey(id), fields...).Err(); err != nil {
		return fmt.Errorf("progress job: %w", err)
	}
	r.events.Publish(newEvent(EventProgress, j))
	return nil
}

// Heartbeat refreshes liveness for an active job without touching progress.
func (r *RedisQueue) Heartbeat(ctx context.Context, id string) error {
	return r.client.HSet(ctx, r.jobKey(id), "heartbeat_at", time.Now().Unix()).Err()
}

// PromoteDue moves delayed jobs whose backoff has elapsed back to waiting.
func (r *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	now := time.Now()
	ids, err := r.client.ZRangeByScore(ctx, r.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("promote range: %w", err)
	}
	promoted := 0
	for _, id := range ids {
		j, err := r.getJob(ctx, id)
		if err != nil {
			r.client.ZRem(ctx, r.delayedKey(), id)
			continue
		}
		pipe := r.client.TxPipeline()
		pipe.ZRem(ctx, r.delayedKey(), id)
		pipe.HSet(ctx, r.jobKey(id), "state", string(StateWaiting))
		pipe.ZAdd(ctx, r.readyKey(), redis.Z{Score: readyScore(j.Priority, now), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, fmt.Errorf("promote job: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// RecoverStalled requeues active jobs whose heartbeat is older than
// staleAfter. A job stalls at most maxStalled times before failing outright.
func (r *RedisQueue) RecoverStalled(ctx context.Context, staleAfter time.Duration) (int, error) {
	ids, err := r.client.SMembers(ctx, r.activeKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("recover smembers: %w", err)
	}
	cutoff := time.Now().Add(-staleAfter).Unix()
	recovered := 0
	for _, id := range ids {
		j, err := r.getJob(ctx, id)
		if err != nil {
			r.client.SRem(ctx, r.activeKey(), id)
			continue
		}
		if j.HeartbeatAt > cutoff {
			continue
		}
		j.StalledCount++
		if j.StalledCount > r.maxStalled {
			now := time.Now().Unix()
			j.State = StateFailed
			j.LastError = "stalled: worker lost"
			pipe := r.client.TxPipeline()
			pipe.SRem(ctx, r.activeKey(), id)
			pipe.HSet(ctx, r.jobKey(id),
				"state", string(StateFailed),
				"stalled_count", j.StalledCount,
				"last_error", j.LastError,
				"finished_at", now,
			)
			pipe.ZAdd(ctx, r.terminalKey(StateFailed), redis.Z{Score: float64(now), Member: id})
			if _, err := pipe.Exec(ctx); err != nil {
				return recovered, fmt.Errorf("recover fail job: %w", err)
			}
			r.events.Publish(newEvent(EventFailed, j))
			continue
		}
		j.State = StateWaiting
		pipe := r.client.TxPipeline()
		pipe.SRem(ctx, r.activeKey(), id)
		pipe.HSet(ctx, r.jobKey(id), "state", string(StateWaiting), "stalled_count", j.StalledCount)
		pipe.ZAdd(ctx, r.readyKey(), redis.Z{Score: readyScore(j.Priority, time.Now()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, fmt.Errorf("recover requeue job: %w", err)
		}
		r.events.Publish(newEvent(EventStalled, j))
		recovered++
	}
	return recovered, nil
}

// Sweep purges terminal jobs older than the retention horizon.
func (r *RedisQueue) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-olderThan).Unix(), 10)
	removed := 0
	for _, set := range []string{r.terminalKey(StateCompleted), r.terminalKey(StateFailed)} {
		ids, err := r.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return removed, fmt.Errorf("sweep range: %w", err)
		}
		for _, id := range ids {
			pipe := r.client.TxPipeline()
			pipe.Del(ctx, r.jobKey(id))
			pipe.ZRem(ctx, set, id)
			if _, err := pipe.Exec(ctx); err != nil {
				return removed, fmt.Errorf("sweep del: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}

// Counts returns queue depth per state.
func (r *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := r.client.Pipeline()
	waiting := pipe.ZCard(ctx, r.readyKey())
	delayed := pipe.ZCard(ctx, r.delayedKey())
	active := pipe.SCard(ctx, r.activeKey())
	completed := pipe.ZCard(ctx, r.terminalKey(StateCompleted))
	failed := pipe.ZCard(ctx, r.terminalKey(StateFailed))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("counts: %w", err)
	}
	return Counts{
		Waiting:   int(waiting.Val()),
		Delayed:   int(delayed.Val()),
		Active:    int(active.Val()),
		Completed: int(completed.Val()),
		Failed:    int(failed.Val()),
	}, nil
}

// List returns waiting jobs in dequeue order.
func (r *RedisQueue) List(ctx context.Context) ([]*Job, error) {
	ids, err := r.client.ZRange(ctx, r.readyKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list zrange: %w", err)
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := r.getJob(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Clear drops every job and index. Admin use only.
func (r *RedisQueue) Clear(ctx context.Context) error {
	sets := []string{r.readyKey(), r.delayedKey(), r.activeKey(), r.terminalKey(StateCompleted), r.terminalKey(StateFailed)}
	var ids []string
	for _, set := range sets[:2] {
		members, err := r.client.ZRange(ctx, set, 0, -1).Result()
		if err == nil {
			ids = append(ids, members...)
		}
	}
	if members, err := r.client.SMembers(ctx, r.activeKey()).Result(); err == nil {
		ids = append(ids, members...)
	}
	for _, set := range sets[3:] {
		members, err := r.client.ZRange(ctx, set, 0, -1).Result()
		if err == nil {
			ids = append(ids, members...)
		}
	}
	pipe := r.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, r.jobKey(id))
	}
	pipe.Del(ctx, sets...)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisQueue) getJob(ctx context.Context, id string) (*Job, error) {
	vals, err := r.client.HGetAll(ctx, r.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("job %s not found", id)
	}
	return mapToJob(vals), nil
}

func jobToMap(j *Job) map[string]any {
	return map[string]any{
		"id":               j.ID,
		"owner":            j.Payload.Owner,
		"repo":             j.Payload.Repo,
		"pull_number":      j.Payload.PullNumber,
		"head_sha":         j.Payload.HeadSHA,
		"base_sha":         j.Payload.BaseSHA,
		"priority":         j.Priority,
		"attempts_allowed": j.AttemptsAllowed,
		"attempts_made":    j.AttemptsMade,
		"stalled_count":    j.StalledCount,
		"state":            string(j.State),
		"progress":         j.Progress,
		"last_error":       j.LastError,
		"enqueued_at":      j.EnqueuedAt,
		"heartbeat_at":     j.HeartbeatAt,
		"finished_at":      j.FinishedAt,
	}
}

func mapToJob(m map[string]string) *Job {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(m[k])
		return n
	}
	atoi64 := func(k string) int64 {
		n, _ := strconv.ParseInt(m[k], 10, 64)
		return n
	}
	return &Job{
		ID: m["id"],
		Payload: Payload{
			Owner:      m["owner"],
			Repo:       m["repo"],
			PullNumber: atoi("pull_number"),
			HeadSHA:    m["head_sha"],
			BaseSHA:    m["base_sha"],
		},
		Priority:        atoi("priority"),
		AttemptsAllowed: atoi("attempts_allowed"),
		AttemptsMade:    atoi("attempts_made"),
		StalledCount:    atoi("stalled_count"),
		State:           State(m["state"]),
		Progress:        atoi("progress"),
		LastError:       m["last_error"],
		EnqueuedAt:      atoi64("enqueued_at"),
		HeartbeatAt:     atoi64("heartbeat_at"),
		FinishedAt:      atoi64("finished_at"),
	}
}
