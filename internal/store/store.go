package store

import (
	"context"
	"time"
)

// Review is one analysis run for a pull-request revision.
type Review struct {
	ID         int64  `json:"id"`
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	PullNumber int    `json:"pull_number"`
	HeadSHA    string `json:"head_sha"`
	BaseSHA    string `json:"base_sha"`
	Status     string `json:"status"`
	Summary    string `json:"summary,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// Review status values.
const (
	ReviewPending   = "pending"
	ReviewCompleted = "completed"
	ReviewFailed    = "failed"
)

// Comment is one piece of line-level feedback attached to a review.
type Comment struct {
	ID       int64  `json:"id"`
	ReviewID int64  `json:"review_id"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Severity string `json:"severity"`
	Body     string `json:"body"`
}

// JobMetric is an immutable record of one settled job.
type JobMetric struct {
	DurationMs int64  `json:"duration_ms"`
	Status     string `json:"status"`
	Metadata   string `json:"metadata,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// JobMetric status values. Skipped marks duplicate outcomes, which never
// count against the success rate.
const (
	MetricSuccess = "success"
	MetricError   = "error"
	MetricTimeout = "timeout"
	MetricSkipped = "skipped"
)

// MetricsSummary aggregates job metrics over a window.
type MetricsSummary struct {
	Samples       int     // success + error + timeout
	Successes     int
	Errors        int
	Timeouts      int
	Skipped       int
	AvgDurationMs float64 // over counted samples only
}

// ReviewStats summarizes review history for the stats endpoint.
type ReviewStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Store persists reviews, comments, and job metrics. CRUD only; callers own
// all business logic.
type Store interface {
	CreateReview(ctx context.Context, rev Review) (int64, error)
	UpdateReviewStatus(ctx context.Context, id int64, status, summary string) error
	AddComments(ctx context.Context, reviewID int64, comments []Comment) error
	RecordJobMetric(ctx context.Context, m JobMetric) error
	MetricsSummarySince(ctx context.Context, since time.Time) (MetricsSummary, error)
	ReviewStats(ctx context.Context) (ReviewStats, error)
	Close() error
}
