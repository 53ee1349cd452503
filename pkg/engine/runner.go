package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/isogrpd/pkg/telemetry"
)

// IsolationGroupTable is the configuration table the runner applies.
const IsolationGroupTable = "ISOLATION_GROUP_TABLE"

// Runner is the single dispatch goroutine for a Registry. Configuration
// records, port events and administrative operations are all submitted to
// it and run to completion one at a time, so the registry, its groups and
// the port directory need no locking.
type Runner struct {
	registry      *Registry
	ready         ReadinessChecker
	queue         SyncQueue
	work          chan func(context.Context)
	retryInterval time.Duration
	logger        zerolog.Logger
	metrics       *telemetry.Metrics
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithReadiness holds records back until ready reports all ports ready.
func WithReadiness(ready ReadinessChecker) RunnerOption {
	return func(r *Runner) {
		r.ready = ready
	}
}

// WithRetryInterval sets how often retained records are re-attempted.
func WithRetryInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.retryInterval = d
		}
	}
}

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(logger zerolog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger.With().Str("component", "runner").Logger()
	}
}

// WithRunnerMetrics reports queue depth.
func WithRunnerMetrics(metrics *telemetry.Metrics) RunnerOption {
	return func(r *Runner) {
		r.metrics = metrics
	}
}

// NewRunner creates a runner for registry. Call Run to start dispatching.
func NewRunner(registry *Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry:      registry,
		work:          make(chan func(context.Context), 64),
		retryInterval: time.Second,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run dispatches submitted work until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()

	r.logger.Info().Dur("retry_interval", r.retryInterval).Msg("Runner started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Int("queued", r.queue.Len()).Msg("Runner stopped")
			return ctx.Err()
		case fn := <-r.work:
			fn(ctx)
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// Enqueue queues records and drains the queue on the dispatch goroutine.
func (r *Runner) Enqueue(ctx context.Context, recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}
	return r.submit(ctx, func(runCtx context.Context) {
		r.queue.Push(recs...)
		r.drain(runCtx)
	})
}

// Do runs fn on the dispatch goroutine and waits for its result. Once fn has
// started it runs to completion even if ctx is cancelled.
func (r *Runner) Do(ctx context.Context, fn func(context.Context, *Registry) error) error {
	done := make(chan error, 1)
	err := r.submit(ctx, func(context.Context) {
		done <- fn(context.WithoutCancel(ctx), r.registry)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush re-attempts queued records on the dispatch goroutine, for example
// after the port subsystem reported readiness.
func (r *Runner) Flush(ctx context.Context) error {
	return r.submit(ctx, r.drain)
}

// QueueLen returns the number of retained records. It must be called through Do.
func (r *Runner) QueueLen() int {
	return r.queue.Len()
}

func (r *Runner) submit(ctx context.Context, fn func(context.Context)) error {
	select {
	case r.work <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) drain(ctx context.Context) {
	defer func() {
		r.metrics.SetQueueDepth(float64(r.queue.Len()))
	}()

	if r.queue.Len() == 0 {
		return
	}
	if r.ready != nil && !r.ready.AllPortsReady() {
		r.logger.Debug().Int("queued", r.queue.Len()).Msg("Ports not ready, records held")
		return
	}

	res := r.queue.Drain(ctx, r.apply)
	if res.Dropped > 0 || res.Retained > 0 {
		r.logger.Info().Int("applied", res.Applied).Int("dropped", res.Dropped).
			Int("retained", res.Retained).Msg("Record queue drained")
	}
}

func (r *Runner) apply(ctx context.Context, rec Record) error {
	log := r.logger.With().Str("key", rec.Key).Str("op", string(rec.Op)).Logger()

	if rec.Table != "" && rec.Table != IsolationGroupTable {
		log.Error().Str("table", rec.Table).Msg("Invalid table")
		return NewInvalidParamError(fmt.Sprintf("invalid table %s", rec.Table), nil)
	}

	err := r.registry.ApplyRecord(ctx, rec)
	switch StatusOf(err) {
	case StatusSuccess:
		log.Debug().Msg("Record applied")
	case StatusRetry:
		log.Info().Err(err).Msg("Record retained for retry")
	default:
		log.Error().Err(err).Msg("Record dropped")
	}
	return err
}
