// Package autoscale turns queue depth and processing latency into a
// desired worker count. A heuristic step controller, not a control loop:
// exactly one rule fires per evaluation and the only hysteresis is that
// scale-down waits for an empty queue.
package autoscale

import (
	"context"
	"log"
	"time"
)

// Defaults for the worker count bounds and evaluation cadence.
const (
	DefaultMinWorkers = 1
	DefaultMaxWorkers = 10
	DefaultInterval   = time.Minute

	scaleUpDepth    = 50
	slowAvgMs       = 180000
	slowAvgMinDepth = 10
)

// Scaler recommends worker counts within [Min, Max].
type Scaler struct {
	Min int
	Max int
}

// New creates a Scaler, defaulting bounds that are unset or inverted.
func New(minWorkers, maxWorkers int) *Scaler {
	if minWorkers <= 0 {
		minWorkers = DefaultMinWorkers
	}
	if maxWorkers < minWorkers {
		maxWorkers = DefaultMaxWorkers
	}
	return &Scaler{Min: minWorkers, Max: maxWorkers}
}

// Recommend evaluates the scaling rules in order and returns the new
// worker count, clamped to [Min, Max].
func (s *Scaler) Recommend(current, queueDepth int, avgProcessingMs float64) int {
	next := current
	switch {
	case queueDepth > scaleUpDepth:
		next = current + 2
	case avgProcessingMs > slowAvgMs && queueDepth > slowAvgMinDepth:
		next = current + 1
	case queueDepth == 0 && current > s.Min:
		next = current - 1
	}
	if next > s.Max {
		next = s.Max
	}
	if next < s.Min {
		next = s.Min
	}
	return next
}

// Inputs supplies the live numbers for one evaluation.
type Inputs func(ctx context.Context) (current, queueDepth int, avgProcessingMs float64, err error)

// Run evaluates on a fixed interval until ctx is cancelled, passing each
// recommendation to apply when it differs from the current count.
func (s *Scaler) Run(ctx context.Context, interval time.Duration, inputs Inputs, apply func(n int)) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		current, depth, avgMs, err := inputs(ctx)
		if err != nil {
			log.Printf("[AUTOSCALE] inputs: %v", err)
			continue
		}
		next := s.Recommend(current, depth, avgMs)
		if next != current {
			log.Printf("[AUTOSCALE] workers %d -> %d (depth=%d avg=%.0fms)", current, next, depth, avgMs)
			apply(next)
		}
	}
}
