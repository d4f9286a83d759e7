package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Payload identifies one pull-request revision to review.
type Payload struct {
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	PullNumber int    `json:"pull_number"`
	HeadSHA    string `json:"head_sha"`
	BaseSHA    string `json:"base_sha"`
}

// Validate checks that every required field is present.
func (p Payload) Validate() error {
	if p.Owner == "" || p.Repo == "" || p.PullNumber <= 0 || p.HeadSHA == "" || p.BaseSHA == "" {
		return ErrInvalidPayload
	}
	return nil
}

// ResourceKey is the lock key guarding this pull request.
func (p Payload) ResourceKey() string {
	return fmt.Sprintf("pr:%s/%s:%d", p.Owner, p.Repo, p.PullNumber)
}

// ErrInvalidPayload is returned by Enqueue when required fields are missing.
var ErrInvalidPayload = errors.New("payload requires owner, repo, pull_number, head_sha, base_sha")

// Priority names map to a weight and an attempt budget. Retry logic and
// enqueue both read from this table so the two never drift.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Policy is the per-priority scheduling policy.
type Policy struct {
	Weight   int
	Attempts int
}

// Priorities is the single source of truth for priority weights and budgets.
var Priorities = map[Priority]Policy{
	PriorityLow:      {Weight: 1, Attempts: 2},
	PriorityNormal:   {Weight: 5, Attempts: 3},
	PriorityHigh:     {Weight: 10, Attempts: 5},
	PriorityCritical: {Weight: 20, Attempts: 10},
}

// PolicyFor resolves a priority name, falling back to normal for unknown names.
func PolicyFor(p Priority) Policy {
	if pol, ok := Priorities[p]; ok {
		return pol
	}
	return Priorities[PriorityNormal]
}

// State is a job lifecycle state.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is one queued unit of review work.
type Job struct {
	ID              string  `json:"id"`
	Payload         Payload `json:"payload"`
	Priority        int     `json:"priority"`
	AttemptsAllowed int     `json:"attempts_allowed"`
	AttemptsMade    int     `json:"attempts_made"`
	StalledCount    int     `json:"stalled_count"`
	State           State   `json:"state"`
	Progress        int     `json:"progress"`
	LastError       string  `json:"last_error,omitempty"`
	EnqueuedAt      int64   `json:"enqueued_at"`
	HeartbeatAt     int64   `json:"heartbeat_at,omitempty"`
	FinishedAt      int64   `json:"finished_at,omitempty"`
}

// Counts holds queue depth per state for stats reporting.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// Depth is the live backlog: everything not yet terminal.
func (c Counts) Depth() int {
	return c.Waiting + c.Active + c.Delayed
}

// Backend defines queue operations. The queue owns every job state
// transition; workers only request them through Complete/Fail/Progress.
type Backend interface {
	Enqueue(ctx context.Context, p Payload, prio Priority) (string, error)
	Dequeue(ctx context.Context, max int) ([]*Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, reason string) error
	Progress(ctx context.Context, id string, pct int) error
	Heartbeat(ctx context.Context, id string) error
	PromoteDue(ctx context.Context) (int, error)
	RecoverStalled(ctx context.Context, staleAfter time.Duration) (int, error)
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
	Counts(ctx context.Context) (Counts, error)
	List(ctx context.Context) ([]*Job, error)
	Clear(ctx context.Context) error
}
