// Package processor drives the review pipeline for one dequeued job:
// rate-limit gate, per-PR lock, fetch, analyze, persist, publish. The lock
// is released on every exit path; that guarantee is the point of this
// package.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reviewpilot/reviewpilot/internal/analyzer"
	"github.com/reviewpilot/reviewpilot/internal/archive"
	"github.com/reviewpilot/reviewpilot/internal/github"
	"github.com/reviewpilot/reviewpilot/internal/lock"
	"github.com/reviewpilot/reviewpilot/internal/metrics"
	"github.com/reviewpilot/reviewpilot/internal/queue"
	"github.com/reviewpilot/reviewpilot/internal/ratelimit"
	"github.com/reviewpilot/reviewpilot/internal/store"
)

// ErrRateLimited marks an attempt rejected by the owner budget. Retryable:
// the queue's backoff usually outlasts the window.
var ErrRateLimited = errors.New("owner rate limit exceeded")

// Outcome distinguishes the two non-failure settlements.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	// OutcomeDuplicate means another worker already holds this PR's lock.
	// Not a failure and never retried.
	OutcomeDuplicate Outcome = "duplicate"
)

// DiffFetcher pulls the unified diff for a pull request.
type DiffFetcher interface {
	GetDiff(ctx context.Context, owner, repo string, number int) (string, error)
}

// FeedbackPublisher posts review feedback to the code host.
type FeedbackPublisher interface {
	PostComments(ctx context.Context, owner, repo string, number int, headSHA string, comments []github.ReviewComment) error
	PostSummary(ctx context.Context, owner, repo string, number int, summary string) error
}

// DiffAnalyzer produces review findings; it must not fail (degrades instead).
type DiffAnalyzer interface {
	Analyze(ctx context.Context, diff string) analyzer.Result
}

// Config tunes the per-job gates.
type Config struct {
	OwnerBudget int           // requests per owner per window; default 100
	RateWindow  time.Duration // default 1h
	LockTTL     time.Duration // default lock.DefaultTTL
}

func (c Config) withDefaults() Config {
	if c.OwnerBudget <= 0 {
		c.OwnerBudget = 100
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = lock.DefaultTTL
	}
	return c
}

// Processor executes dequeued jobs.
type Processor struct {
	Queue     queue.Backend
	Locks     lock.Manager
	Limiter   ratelimit.Limiter
	Store     store.Store
	Metrics   *metrics.Aggregator
	Fetcher   DiffFetcher
	Publisher FeedbackPublisher
	Analyzer  DiffAnalyzer
	Archive   archive.Store
	Cfg       Config
	// Budget optionally supplies the owner rate budget per attempt, so a
	// runtime settings change applies without a restart.
	Budget func() int
}

// Process runs one job attempt. A nil error settles the job (completed or
// duplicate); a non-nil error is a failed attempt that the queue may retry.
func (p *Processor) Process(ctx context.Context, j *queue.Job) (Outcome, error) {
	cfg := p.Cfg.withDefaults()
	start := time.Now()
	pl := j.Payload

	budget := cfg.OwnerBudget
	if p.Budget != nil {
		if b := p.Budget(); b > 0 {
			budget = b
		}
	}
	ok, err := p.Limiter.Allow(ctx, "github:"+pl.Owner, budget, cfg.RateWindow)
	if err != nil {
		return "", fmt.Errorf("rate check: %w", err)
	}
	if !ok {
		p.record(start, store.MetricError, map[string]string{"reason": "rate_limited", "owner": pl.Owner})
		return "", fmt.Errorf("%w: github:%s", ErrRateLimited, pl.Owner)
	}

	token, held, err := p.Locks.Acquire(ctx, pl.ResourceKey(), cfg.LockTTL)
	if err != nil {
		return "", fmt.Errorf("acquire lock: %w", err)
	}
	if !held {
		// another worker is already on this PR; settle without running
		log.Printf("[PROCESSOR] duplicate for %s, skipping", pl.ResourceKey())
		p.record(start, store.MetricSkipped, map[string]string{"reason": "duplicate", "resource": pl.ResourceKey()})
		return OutcomeDuplicate, nil
	}
	defer func() {
		// release must survive a cancelled job context
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := p.Locks.Release(rctx, pl.ResourceKey(), token); rerr != nil {
			log.Printf("[PROCESSOR] release lock %s: %v", pl.ResourceKey(), rerr)
		}
	}()

	_ = p.Queue.Progress(ctx, j.ID, 10)

	reviewID, err := p.Store.CreateReview(ctx, store.Review{
		Owner: pl.Owner, Repo: pl.Repo, PullNumber: pl.PullNumber,
		HeadSHA: pl.HeadSHA, BaseSHA: pl.BaseSHA, Status: store.ReviewPending,
	})
	if err != nil {
		p.record(start, store.MetricError, map[string]string{"reason": "create_review"})
		return "", fmt.Errorf("create review: %w", err)
	}

	summary, err := p.pipeline(ctx, j, reviewID)
	if err != nil {
		// record failure before surfacing it so retry bookkeeping and
		// review history stay consistent
		if uerr := p.Store.UpdateReviewStatus(ctx, reviewID, store.ReviewFailed, err.Error()); uerr != nil {
			log.Printf("[PROCESSOR] mark review %d failed: %v", reviewID, uerr)
		}
		status := store.MetricError
		if errors.Is(err, context.DeadlineExceeded) {
			status = store.MetricTimeout
		}
		p.record(start, status, map[string]string{"resource": pl.ResourceKey()})
		return "", err
	}

	if err := p.Store.UpdateReviewStatus(ctx, reviewID, store.ReviewCompleted, summary); err != nil {
		log.Printf("[PROCESSOR] mark review %d completed: %v", reviewID, err)
	}
	p.record(start, store.MetricSuccess, map[string]string{"resource": pl.ResourceKey()})
	return OutcomeCompleted, nil
}

// pipeline runs fetch → archive → analyze → persist → publish and returns
// the review summary.
func (p *Processor) pipeline(ctx context.Context, j *queue.Job, reviewID int64) (string, error) {
	pl := j.Payload

	diff, err := p.Fetcher.GetDiff(ctx, pl.Owner, pl.Repo, pl.PullNumber)
	if err != nil {
		return "", fmt.Errorf("fetch diff: %w", err)
	}
	_ = p.Queue.Progress(ctx, j.ID, 30)

	// best effort; a lost archive never fails the review
	if aerr := p.Archive.Put(ctx, archive.DiffKey(pl.Owner, pl.Repo, pl.PullNumber, pl.HeadSHA), []byte(diff), "text/x-diff"); aerr != nil {
		log.Printf("[PROCESSOR] archive diff %s: %v", pl.ResourceKey(), aerr)
	}

	result := p.Analyzer.Analyze(ctx, diff)
	_ = p.Queue.Progress(ctx, j.ID, 60)

	comments := make([]store.Comment, 0, len(result.Issues))
	ghComments := make([]github.ReviewComment, 0, len(result.Issues))
	for _, issue := range result.Issues {
		comments = append(comments, store.Comment{File: issue.File, Line: issue.Line, Severity: issue.Severity, Body: issue.Message})
		if issue.File != "" && issue.Line > 0 {
			ghComments = append(ghComments, github.ReviewComment{Path: issue.File, Line: issue.Line, Body: issue.Message})
		}
	}
	if err := p.Store.AddComments(ctx, reviewID, comments); err != nil {
		return "", fmt.Errorf("persist comments: %w", err)
	}
	_ = p.Queue.Progress(ctx, j.ID, 80)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Publisher.PostComments(gctx, pl.Owner, pl.Repo, pl.PullNumber, pl.HeadSHA, ghComments)
	})
	g.Go(func() error {
		return p.Publisher.PostSummary(gctx, pl.Owner, pl.Repo, pl.PullNumber, formatSummary(result))
	})
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("publish feedback: %w", err)
	}
	_ = p.Queue.Progress(ctx, j.ID, 95)

	return result.Summary, nil
}

func formatSummary(res analyzer.Result) string {
	out := "## Automated review\n\n" + res.Summary
	if res.Degraded {
		out += "\n\n_heuristic checks only_"
	}
	for _, pos := range res.Positives {
		out += "\n- :white_check_mark: " + pos
	}
	return out
}

func (p *Processor) record(start time.Time, status string, meta map[string]string) {
	data, _ := json.Marshal(meta)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Metrics.RecordCompletion(ctx, time.Since(start), status, string(data))
}
