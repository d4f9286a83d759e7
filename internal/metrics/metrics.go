// Package metrics records per-job outcomes and derives the rolling health
// picture consumed by the stats surface and the autoscaler.
package metrics

import (
	"context"
	"log"
	"time"

	"github.com/reviewpilot/reviewpilot/internal/queue"
	"github.com/reviewpilot/reviewpilot/internal/store"
)

// Classification is the discrete operator-facing health summary.
type Classification string

const (
	Healthy  Classification = "healthy"
	Warning  Classification = "warning"
	Critical Classification = "critical"
)

// Health thresholds; evaluated most-severe-first.
const (
	criticalSuccessRate = 80.0
	criticalAvgMs       = 300000.0
	criticalWaiting     = 100

	warningSuccessRate = 95.0
	warningAvgMs       = 120000.0
	warningWaiting     = 50
)

// Classify derives a health classification from the rolling success rate,
// average processing time, and waiting queue depth.
func Classify(successRatePct, avgProcessingMs float64, queueWaiting int) Classification {
	if successRatePct < criticalSuccessRate || avgProcessingMs > criticalAvgMs || queueWaiting > criticalWaiting {
		return Critical
	}
	if successRatePct < warningSuccessRate || avgProcessingMs > warningAvgMs || queueWaiting > warningWaiting {
		return Warning
	}
	return Healthy
}

// Snapshot is the derived health picture. Never persisted; recomputable
// from job metrics plus live queue counts.
type Snapshot struct {
	QueueWaiting      int            `json:"queue_waiting"`
	QueueDepth        int            `json:"queue_depth"`
	AvgProcessingMs   float64        `json:"avg_processing_time_ms"`
	SuccessRatePct    float64        `json:"success_rate_pct"`
	ThroughputPerHour float64        `json:"throughput_per_hour"`
	Classification    Classification `json:"classification"`
	Timestamp         string         `json:"timestamp"`
}

// Aggregator owns JobMetric creation and answers windowed queries.
type Aggregator struct {
	store  store.Store
	queue  queue.Backend
	window time.Duration
}

// NewAggregator creates an aggregator with the given rolling window
// (default 1 hour).
func NewAggregator(st store.Store, q queue.Backend, window time.Duration) *Aggregator {
	if window <= 0 {
		window = time.Hour
	}
	return &Aggregator{store: st, queue: q, window: window}
}

// RecordCompletion appends one job outcome. Storage errors are logged and
// swallowed: metrics must never fail the job that produced them.
func (a *Aggregator) RecordCompletion(ctx context.Context, duration time.Duration, status string, metadata string) {
	err := a.store.RecordJobMetric(ctx, store.JobMetric{
		DurationMs: duration.Milliseconds(),
		Status:     status,
		Metadata:   metadata,
	})
	if err != nil {
		log.Printf("[METRICS] record completion: %v", err)
	}
}

// AverageProcessingTime returns the mean job duration in ms over the window.
func (a *Aggregator) AverageProcessingTime(ctx context.Context, window time.Duration) (float64, error) {
	sum, err := a.store.MetricsSummarySince(ctx, time.Now().Add(-window))
	if err != nil {
		return 0, err
	}
	return sum.AvgDurationMs, nil
}

// SuccessRate returns the percentage of counted jobs that succeeded over
// the window. With zero samples it reports 100: an idle system is not a
// failing one.
func (a *Aggregator) SuccessRate(ctx context.Context, window time.Duration) (float64, error) {
	sum, err := a.store.MetricsSummarySince(ctx, time.Now().Add(-window))
	if err != nil {
		return 0, err
	}
	return successRate(sum), nil
}

// ThroughputPerHour returns counted jobs per hour over the window.
func (a *Aggregator) ThroughputPerHour(ctx context.Context, window time.Duration) (float64, error) {
	sum, err := a.store.MetricsSummarySince(ctx, time.Now().Add(-window))
	if err != nil {
		return 0, err
	}
	return float64(sum.Samples) / window.Hours(), nil
}

func successRate(sum store.MetricsSummary) float64 {
	if sum.Samples == 0 {
		return 100
	}
	return float64(sum.Successes) / float64(sum.Samples) * 100
}

// Snapshot computes the full health picture over the default window.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	sum, err := a.store.MetricsSummarySince(ctx, time.Now().Add(-a.window))
	if err != nil {
		return Snapshot{}, err
	}
	counts, err := a.queue.Counts(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	rate := successRate(sum)
	snap := Snapshot{
		QueueWaiting:      counts.Waiting,
		QueueDepth:        counts.Depth(),
		AvgProcessingMs:   sum.AvgDurationMs,
		SuccessRatePct:    rate,
		ThroughputPerHour: float64(sum.Samples) / a.window.Hours(),
		Classification:    Classify(rate, sum.AvgDurationMs, counts.Waiting),
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}
	return snap, nil
}
