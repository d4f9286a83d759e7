// Package worker runs the concurrent consumption loop: it drains the queue
// into a bounded set of slots and pushes each job through the processor.
package worker

import (
	"context"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reviewpilot/reviewpilot/internal/processor"
	"github.com/reviewpilot/reviewpilot/internal/queue"
)

// Defaults for slot count and loop cadence.
const (
	DefaultPollInterval      = time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

// DefaultSize bounds initial concurrency by available capacity.
func DefaultSize() int {
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Handler runs one job attempt; see processor.Processor.Process.
type Handler func(ctx context.Context, j *queue.Job) (processor.Outcome, error)

// Pool owns N concurrent worker slots. The slot count is adjustable at
// runtime through Resize, which the autoscaler drives.
type Pool struct {
	Queue             queue.Backend
	Handle            Handler
	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	desired atomic.Int32
	active  atomic.Int32
	wg      sync.WaitGroup
}

// NewPool creates a pool with the given initial slot count.
func NewPool(q queue.Backend, h Handler, size int) *Pool {
	if size <= 0 {
		size = DefaultSize()
	}
	p := &Pool{
		Queue:             q,
		Handle:            h,
		PollInterval:      DefaultPollInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
	p.desired.Store(int32(size))
	return p
}

// Resize sets the desired slot count. In-flight jobs finish regardless.
func (p *Pool) Resize(n int) {
	if n < 0 {
		n = 0
	}
	p.desired.Store(int32(n))
}

// Size returns the desired slot count.
func (p *Pool) Size() int { return int(p.desired.Load()) }

// Active returns the number of jobs currently running.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Run drains the queue until ctx is cancelled, then waits for in-flight
// jobs to settle.
func (p *Pool) Run(ctx context.Context) {
	interval := p.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return
		case <-timer.C:
		}
		free := int(p.desired.Load() - p.active.Load())
		if free > 0 {
			jobs, err := p.Queue.Dequeue(ctx, free)
			if err != nil {
				log.Printf("[POOL] dequeue: %v", err)
			}
			for _, j := range jobs {
				p.active.Add(1)
				p.wg.Add(1)
				go p.run(ctx, j)
			}
		}
		timer.Reset(interval)
	}
}

func (p *Pool) run(ctx context.Context, j *queue.Job) {
	defer p.wg.Done()
	defer p.active.Add(-1)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, j.ID)

	outcome, err := p.Handle(ctx, j)
	stopHeartbeat()

	// settle against a fresh context so a shutdown mid-job still reports
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err != nil {
		log.Printf("[POOL] job %s attempt %d/%d failed: %v", j.ID, j.AttemptsMade, j.AttemptsAllowed, err)
		if ferr := p.Queue.Fail(sctx, j.ID, err.Error()); ferr != nil {
			log.Printf("[POOL] report failure for %s: %v", j.ID, ferr)
		}
		return
	}
	log.Printf("[POOL] job %s settled: %s", j.ID, outcome)
	if cerr := p.Queue.Complete(sctx, j.ID); cerr != nil {
		log.Printf("[POOL] report completion for %s: %v", j.ID, cerr)
	}
}

func (p *Pool) heartbeat(ctx context.Context, jobID string) {
	interval := p.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Queue.Heartbeat(ctx, jobID); err != nil {
				log.Printf("[POOL] heartbeat %s: %v", jobID, err)
			}
		}
	}
}
