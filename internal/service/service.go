// Package service assembles the queue, store, processor, worker pool, and
// HTTP surface into one runnable unit.
package service

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/reviewpilot/reviewpilot/internal/analyzer"
	"github.com/reviewpilot/reviewpilot/internal/api"
	"github.com/reviewpilot/reviewpilot/internal/archive"
	"github.com/reviewpilot/reviewpilot/internal/autoscale"
	"github.com/reviewpilot/reviewpilot/internal/config"
	"github.com/reviewpilot/reviewpilot/internal/github"
	"github.com/reviewpilot/reviewpilot/internal/lock"
	"github.com/reviewpilot/reviewpilot/internal/metrics"
	"github.com/reviewpilot/reviewpilot/internal/processor"
	"github.com/reviewpilot/reviewpilot/internal/queue"
	"github.com/reviewpilot/reviewpilot/internal/ratelimit"
	"github.com/reviewpilot/reviewpilot/internal/server"
	"github.com/reviewpilot/reviewpilot/internal/settings"
	"github.com/reviewpilot/reviewpilot/internal/store"
	"github.com/reviewpilot/reviewpilot/internal/worker"
)

// promoteInterval is how often delayed jobs are checked for promotion.
const promoteInterval = time.Second

// sweepInterval is how often terminal jobs past retention are purged.
const sweepInterval = time.Hour

// Service holds every running component plus the resources to close on exit.
type Service struct {
	cfg    config.Config
	queue  *queue.RedisQueue
	store  store.Store
	pool   *worker.Pool
	scaler *autoscale.Scaler
	agg    *metrics.Aggregator
	http   *server.Service
	kafka  *queue.KafkaPublisher
	redis  *redis.Client
	// defaults are the env-derived tuning values; file settings override
	// them field by field.
	defaults settings.Settings
}

// Build wires every component from configuration. It verifies Redis
// connectivity up front; a review service without its queue is not worth
// starting.
func Build(cfg config.Config) (*Service, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	var st store.Store
	switch cfg.StoreBackend {
	case "postgres":
		st, err = store.NewPostgres(cfg.PostgresDSN)
	default:
		st, err = store.NewSQLite(cfg.SQLitePath)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// file settings override env values where set; env values back any
	// field the file leaves out
	envDefaults := settings.Settings{
		OwnerRateLimit: cfg.OwnerBudget,
		MinWorkers:     cfg.MinWorkers,
		MaxWorkers:     cfg.MaxWorkers,
		RetentionHours: cfg.RetentionHours,
	}
	tuned := settings.Load(cfg.SettingsPath, envDefaults)

	hub := api.NewEventHub()
	events := queue.Fanout{queue.LogPublisher{}, hub}
	var kafkaPub *queue.KafkaPublisher
	if cfg.KafkaBrokers != "" {
		kafkaPub = queue.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		events = append(events, kafkaPub)
	}

	q := queue.NewRedisQueue(client, queue.RedisOptions{
		Prefix:      cfg.RedisPrefix,
		BackoffBase: time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
		MaxStalled:  cfg.MaxStalled,
		Events:      events,
	})

	var arch archive.Store = archive.NullStore{}
	if cfg.ObjectStoreEndpoint != "" {
		m, err := archive.NewMinIOStore(pingCtx, archive.MinIOOptions{
			Endpoint:  cfg.ObjectStoreEndpoint,
			AccessKey: cfg.ObjectStoreAccess,
			SecretKey: cfg.ObjectStoreSecret,
			Bucket:    cfg.ObjectStoreBucket,
			Prefix:    cfg.ObjectStorePrefix,
			UseSSL:    cfg.ObjectStoreUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("object store: %w", err)
		}
		arch = m
	}

	agg := metrics.NewAggregator(st, q, time.Duration(cfg.MetricsWindowMin)*time.Minute)
	proc := &processor.Processor{
		Queue:   q,
		Locks:   lock.NewRedisLock(client, cfg.RedisPrefix+":lock"),
		Limiter: ratelimit.NewRedisLimiter(client, cfg.RedisPrefix+":rate"),
		Store:   st,
		Metrics: agg,
		Fetcher: &github.Client{BaseURL: cfg.GitHubAPIBase, Token: cfg.GitHubToken},
		Publisher: &github.Client{
			BaseURL: cfg.GitHubAPIBase, Token: cfg.GitHubToken,
			Client: &http.Client{Timeout: 30 * time.Second},
		},
		Analyzer: analyzer.New(analyzer.LLMConfig{
			Endpoint:          cfg.LLMEndpoint,
			APIKey:            cfg.LLMAPIKey,
			Model:             cfg.LLMModel,
			RequestsPerMinute: cfg.LLMRPM,
		}),
		Archive: arch,
		Cfg: processor.Config{
			OwnerBudget: tuned.OwnerRateLimit,
			RateWindow:  time.Duration(cfg.RateWindowSec) * time.Second,
			LockTTL:     time.Duration(cfg.LockTTLSec) * time.Second,
		},
		Budget: func() int {
			return settings.Load(cfg.SettingsPath, envDefaults).OwnerRateLimit
		},
	}

	pool := worker.NewPool(q, proc.Process, cfg.InitialWorkers)

	handler := &api.Handler{
		Store:        st,
		Queue:        q,
		Metrics:      agg,
		Hub:          hub,
		AdminToken:   cfg.AdminToken,
		SettingsPath: cfg.SettingsPath,
		Defaults:     envDefaults,
	}
	mux := http.NewServeMux()
	handler.Routes(mux)

	return &Service{
		cfg:      cfg,
		queue:    q,
		store:    st,
		pool:     pool,
		scaler:   autoscale.New(tuned.MinWorkers, tuned.MaxWorkers),
		agg:      agg,
		http:     server.New(cfg.HTTPAddr, cfg.CORSOrigins, mux),
		kafka:    kafkaPub,
		redis:    client,
		defaults: envDefaults,
	}, nil
}

// Run starts every loop and blocks until ctx is cancelled or one of them
// fails. Resources are closed on the way out.
func (s *Service) Run(ctx context.Context) error {
	defer s.close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.http.Run(gctx) })
	g.Go(func() error { s.pool.Run(gctx); return nil })

	g.Go(func() error {
		s.loop(gctx, promoteInterval, func(c context.Context) {
			if n, err := s.queue.PromoteDue(c); err != nil {
				log.Printf("[SERVICE] promote due: %v", err)
			} else if n > 0 {
				log.Printf("[SERVICE] promoted %d delayed jobs", n)
			}
		})
		return nil
	})

	staleAfter := 3 * s.pool.HeartbeatInterval
	g.Go(func() error {
		s.loop(gctx, time.Duration(s.cfg.StalledIntervalSec)*time.Second, func(c context.Context) {
			if n, err := s.queue.RecoverStalled(c, staleAfter); err != nil {
				log.Printf("[SERVICE] recover stalled: %v", err)
			} else if n > 0 {
				log.Printf("[SERVICE] recovered %d stalled jobs", n)
			}
		})
		return nil
	})

	g.Go(func() error {
		s.loop(gctx, sweepInterval, func(c context.Context) {
			retention := time.Duration(s.tuned().RetentionHours) * time.Hour
			if n, err := s.queue.Sweep(c, retention); err != nil {
				log.Printf("[SERVICE] sweep: %v", err)
			} else if n > 0 {
				log.Printf("[SERVICE] swept %d terminal jobs", n)
			}
		})
		return nil
	})

	g.Go(func() error {
		s.scaler.Run(gctx, time.Duration(s.cfg.AutoscaleIntervalSec)*time.Second, s.scaleInputs, s.pool.Resize)
		return nil
	})

	return g.Wait()
}

// tuned returns the settings currently in effect: the YAML file overlaid on
// the env-derived defaults. Re-read so PUT /api/settings applies live.
func (s *Service) tuned() settings.Settings {
	return settings.Load(s.cfg.SettingsPath, s.defaults)
}

func (s *Service) scaleInputs(ctx context.Context) (int, int, float64, error) {
	// refresh worker bounds so settings changes land on the next evaluation;
	// same goroutine as Recommend, so plain assignment is safe
	tuned := s.tuned()
	bounds := autoscale.New(tuned.MinWorkers, tuned.MaxWorkers)
	s.scaler.Min, s.scaler.Max = bounds.Min, bounds.Max

	counts, err := s.queue.Counts(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	avgMs, err := s.agg.AverageProcessingTime(ctx, time.Duration(s.cfg.MetricsWindowMin)*time.Minute)
	if err != nil {
		return 0, 0, 0, err
	}
	return s.pool.Size(), counts.Depth(), avgMs, nil
}

// loop runs fn immediately and then on every tick until ctx is cancelled.
func (s *Service) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		fn(ctx)
		timer.Reset(interval)
	}
}

func (s *Service) close() {
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			log.Printf("[SERVICE] close kafka publisher: %v", err)
		}
	}
	if err := s.store.Close(); err != nil {
		log.Printf("[SERVICE] close store: %v", err)
	}
	if err := s.redis.Close(); err != nil {
		log.Printf("[SERVICE] close redis: %v", err)
	}
}
