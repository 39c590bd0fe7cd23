package jobbus

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler processes one job. Returning an error only logs it; handlers own
// their retry policy (re-enqueue with backoff or drop). The job's lease is
// released either way.
type Handler func(ctx context.Context, job *Job) error

// ConsumerConfig tunes a queue consumer.
type ConsumerConfig struct {
	Queue       string
	Concurrency int
	// Lease is the processing lease; a job not acked within it is
	// redelivered. Voice uses 60s per the worker contract.
	Lease time.Duration
	// PollInterval bounds idle polling. Defaults to 500ms.
	PollInterval time.Duration
}

// Consume runs Concurrency worker goroutines plus a lease reaper until ctx is
// cancelled. In-flight handlers finish before Consume returns (graceful
// drain).
func (b *Bus) Consume(ctx context.Context, cfg ConsumerConfig, handler Handler) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}

	b.logger.Info("queue consumer started",
		"queue", cfg.Queue,
		"concurrency", cfg.Concurrency,
		"lease", cfg.Lease,
	)

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.Concurrency; i++ {
		g.Go(func() error {
			b.runWorker(gctx, cfg, handler)
			return nil
		})
	}

	g.Go(func() error {
		b.runReaper(gctx, cfg.Queue)
		return nil
	})

	err := g.Wait()
	b.logger.Info("queue consumer stopped", "queue", cfg.Queue)
	return err
}

func (b *Bus) runWorker(ctx context.Context, cfg ConsumerConfig, handler Handler) {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain until empty, then fall back to polling.
		for {
			job, err := b.Dequeue(ctx, cfg.Queue, cfg.Lease)
			if err != nil {
				b.logger.Error("dequeue failed", "queue", cfg.Queue, "error", err)
				break
			}
			if job == nil {
				break
			}

			b.handle(ctx, cfg.Queue, job, handler)

			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (b *Bus) handle(ctx context.Context, queue string, job *Job, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("job handler panicked",
				"queue", queue, "job_id", job.ID, "panic", r)
		}
		if err := b.Ack(context.WithoutCancel(ctx), job); err != nil {
			b.logger.Error("ack failed", "queue", queue, "job_id", job.ID, "error", err)
		}
	}()

	if err := handler(ctx, job); err != nil {
		b.logger.Error("job handler failed",
			"queue", queue, "job_id", job.ID, "attempt", job.Attempt, "error", err)
	}
}

func (b *Bus) runReaper(ctx context.Context, queue string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.ReapExpired(ctx, queue)
			if err != nil {
				b.logger.Error("lease reap failed", "queue", queue, "error", err)
				continue
			}
			if n > 0 {
				b.logger.Warn("redelivered expired-lease jobs", "queue", queue, "count", n)
			}
		}
	}
}

// StartDepthGauge periodically exports queue depths through the given
// callback until ctx is cancelled.
func (b *Bus) StartDepthGauge(ctx context.Context, logger *slog.Logger, queues []string, set func(queue string, depth int64)) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, q := range queues {
					depth, err := b.Depth(ctx, q)
					if err != nil {
						logger.Debug("queue depth probe failed", "queue", q, "error", err)
						continue
					}
					set(q, depth)
				}
			}
		}
	}()
}
