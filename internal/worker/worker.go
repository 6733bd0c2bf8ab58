// File: internal/worker/worker.go

// Package worker drains the persistent job queue, running each claimed
// application through the engine under bounded concurrency and recording
// classified outcomes back to the store.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/formforge/autoapply/api/schemas"
	"github.com/formforge/autoapply/internal/classify"
	"github.com/formforge/autoapply/internal/config"
	"github.com/formforge/autoapply/internal/store"
)

// Queue is the slice of the store the worker drives.
type Queue interface {
	Claim(ctx context.Context, limit int) ([]store.ClaimedJob, error)
	MarkCompleted(ctx context.Context, applicationID string, result *schemas.ApplicationResult) error
	MarkFailed(ctx context.Context, applicationID, kind, reason string, retryAt *time.Time, needsManual bool) error
}

// Runner executes one claimed application.
type Runner interface {
	Execute(ctx context.Context, job schemas.JobPayload, profile schemas.RequesterProfile) (*schemas.ApplicationResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job schemas.JobPayload, profile schemas.RequesterProfile) (*schemas.ApplicationResult, error)

// Execute calls f.
func (f RunnerFunc) Execute(ctx context.Context, job schemas.JobPayload, profile schemas.RequesterProfile) (*schemas.ApplicationResult, error) {
	return f(ctx, job, profile)
}

// HealthChecker prunes dead sessions between polls.
type HealthChecker interface {
	HealthCheck(ctx context.Context) int
}

// Option configures a Worker.
type Option func(*Worker)

// WithHealthChecker wires periodic session health probing into the poll loop.
func WithHealthChecker(hc HealthChecker) Option {
	return func(w *Worker) { w.health = hc }
}

// WithClock overrides the time source. Used by tests to pin retry schedules.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// Worker is the queue consumer. Retry scheduling is coarse here: failures go
// back to the queue with a computed next-attempt time, while fine-grained
// in-run retries stay inside the engine.
type Worker struct {
	queue    Queue
	runner   Runner
	profiles ProfileLoader
	health   HealthChecker
	cfg      config.EngineConfig
	logger   *zap.Logger
	now      func() time.Time
}

// New builds a worker.
func New(queue Queue, runner Runner, profiles ProfileLoader, cfg config.EngineConfig, logger *zap.Logger, opts ...Option) *Worker {
	w := &Worker{
		queue:    queue,
		runner:   runner,
		profiles: profiles,
		cfg:      cfg,
		logger:   logger.Named("worker"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls the queue until ctx is cancelled. Each poll claims up to the
// concurrency limit and processes the batch in parallel.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("Queue worker started.",
		zap.Int("concurrency", w.cfg.WorkerConcurrency),
		zap.Duration("poll_interval", interval))

	for {
		if err := w.Poll(ctx); err != nil {
			w.logger.Error("Queue poll failed.", zap.Error(err))
		}
		if w.health != nil {
			w.health.HealthCheck(ctx)
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Queue worker stopping.")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll claims one batch and processes it to completion.
func (w *Worker) Poll(ctx context.Context) error {
	jobs, err := w.queue.Claim(ctx, w.cfg.WorkerConcurrency)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.WorkerConcurrency)
	for _, job := range jobs {
		g.Go(func() error {
			w.process(gctx, job)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) process(ctx context.Context, job store.ClaimedJob) {
	log := w.logger.With(
		zap.String("application_id", job.Payload.ApplicationID),
		zap.Int("attempt", job.Attempts))

	profile, err := w.profiles.Load(ctx, job.Payload.RequesterID)
	if err != nil {
		w.recordFailure(ctx, job, nil, err, log)
		return
	}

	result, err := w.runner.Execute(ctx, job.Payload, profile)
	if err != nil {
		w.recordFailure(ctx, job, result, err, log)
		return
	}

	if markErr := w.queue.MarkCompleted(ctx, job.Payload.ApplicationID, result); markErr != nil {
		log.Error("Failed to record completed application.", zap.Error(markErr))
		return
	}
	log.Info("Application completed.",
		zap.Int("filled", result.FieldsFilled),
		zap.Float64("cost", result.Cost))
}

// recordFailure classifies the error and either reschedules the job or
// parks it terminally. A run that needs manual intervention is never
// rescheduled regardless of the failure kind.
func (w *Worker) recordFailure(ctx context.Context, job store.ClaimedJob, result *schemas.ApplicationResult, runErr error, log *zap.Logger) {
	c := classify.Classify(runErr)
	needsManual := result != nil && result.NeedsManualIntervention

	maxAttempts := c.Policy.MaxAttempts
	if w.cfg.JobMaxAttempts > 0 && w.cfg.JobMaxAttempts < maxAttempts {
		maxAttempts = w.cfg.JobMaxAttempts
	}

	var retryAt *time.Time
	if c.Retryable() && !needsManual && job.Attempts < maxAttempts {
		at := w.now().Add(classify.CalculateRetryDelay(job.Attempts, c.Policy.BaseBackoff))
		retryAt = &at
	}

	if err := w.queue.MarkFailed(ctx, job.Payload.ApplicationID,
		string(c.Kind), runErr.Error(), retryAt, needsManual); err != nil {
		log.Error("Failed to record application failure.", zap.Error(err))
		return
	}

	if retryAt != nil {
		log.Warn("Application rescheduled.",
			zap.String("failure_kind", string(c.Kind)),
			zap.Time("next_attempt", *retryAt))
		return
	}
	log.Warn("Application failed terminally.",
		zap.String("failure_kind", string(c.Kind)),
		zap.Bool("needs_manual", needsManual),
		zap.String("reason", c.UserMessage))
}
