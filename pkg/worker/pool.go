package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quiverhq/quiver/pkg/store"
)

// Pool timing defaults.
const (
	DefaultConcurrency  = 20
	DefaultPollInterval = 2 * time.Second
	DefaultSoftDeadline = 14 * time.Minute
	DefaultHardDeadline = 15 * time.Minute
)

// JobSource is the queue surface of the store.
type JobSource interface {
	ClaimJob(ctx context.Context) (*store.IndexingJob, error)
	RequeueStaleJobs(ctx context.Context, deadline time.Duration) (int, error)
	QueueDepth(ctx context.Context) (int, error)
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Concurrency  int
	PollInterval time.Duration

	// SoftDeadline cancels the ingest context so the current step can stop
	// cleanly; HardDeadline is when the reaper declares the job orphaned.
	SoftDeadline time.Duration
	HardDeadline time.Duration
}

func (c *PoolConfig) setDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SoftDeadline == 0 {
		c.SoftDeadline = DefaultSoftDeadline
	}
	if c.HardDeadline == 0 {
		c.HardDeadline = DefaultHardDeadline
	}
}

// Pool runs N independent claim-and-process loops. The job table is the only
// coordination point.
type Pool struct {
	cfg      PoolConfig
	jobs     JobSource
	ingestor *Ingestor
}

// NewPool creates a worker pool.
func NewPool(cfg PoolConfig, jobs JobSource, ingestor *Ingestor) *Pool {
	cfg.setDefaults()
	return &Pool{cfg: cfg, jobs: jobs, ingestor: ingestor}
}

// Run blocks until the context is canceled, draining the queue at bounded
// concurrency.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("Starting worker pool",
		"concurrency", p.cfg.Concurrency,
		"soft_deadline", p.cfg.SoftDeadline,
		"hard_deadline", p.cfg.HardDeadline)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			p.claimLoop(ctx)
			return nil
		})
	}
	g.Go(func() error {
		p.housekeeping(ctx)
		return nil
	})
	return g.Wait()
}

func (p *Pool) claimLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.jobs.ClaimJob(ctx)
		switch {
		case errors.Is(err, store.ErrNoJob):
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		case err != nil:
			slog.Error("Job claim failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		jobCtx, cancel := context.WithTimeout(ctx, p.cfg.SoftDeadline)
		p.ingestor.Process(jobCtx, job)
		cancel()
	}
}

// housekeeping requeues hard-deadline orphans and samples the queue depth.
func (p *Pool) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := p.jobs.RequeueStaleJobs(ctx, p.cfg.HardDeadline); err != nil {
			slog.Error("Stale job requeue failed", "error", err)
		} else if n > 0 {
			slog.Warn("Requeued stale jobs", "count", n)
		}

		if depth, err := p.jobs.QueueDepth(ctx); err == nil {
			queueDepth.Set(float64(depth))
		}
	}
}
