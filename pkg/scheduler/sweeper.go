// Package scheduler runs the recurring expiry sweep. Tickets whose
// response or counterproof window has elapsed get their forced outcome
// applied by the engine; the sweeper only decides when to look.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/Artifex-Works/patron/core/pkg/engine"
	"github.com/Artifex-Works/patron/core/pkg/observability"
)

// DefaultInterval is the sweep cadence when none is configured.
const DefaultInterval = time.Minute

// DefaultBatchLimit caps how many due tickets one sweep processes.
const DefaultBatchLimit = 100

// Sweeper periodically asks the engine to expire due tickets. Each
// sweep is idempotent: a ticket already transitioned by a concurrent
// actor is skipped, not failed.
type Sweeper struct {
	engine   *engine.Engine
	interval time.Duration
	limit    int
	logger   *slog.Logger
	obs      *observability.Provider
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval sets the sweep cadence.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatchLimit caps the number of tickets per sweep.
func WithBatchLimit(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithObserver attaches a telemetry provider; each sweep then runs in
// its own span and reports outcome metrics.
func WithObserver(p *observability.Provider) Option {
	return func(s *Sweeper) { s.obs = p }
}

// New creates a sweeper over an engine.
func New(e *engine.Engine, opts ...Option) *Sweeper {
	s := &Sweeper{
		engine:   e,
		interval: DefaultInterval,
		limit:    DefaultBatchLimit,
		logger:   slog.Default().With("component", "sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on the configured interval until ctx is cancelled. It
// sweeps once immediately so a restart never waits a full interval to
// catch up on overdue tickets.
func (s *Sweeper) Run(ctx context.Context) error {
	s.sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// SweepOnce runs a single sweep and returns its result. Used by the
// one-shot CLI mode and by tests.
func (s *Sweeper) SweepOnce(ctx context.Context) (engine.SweepResult, error) {
	return s.engine.ExpireDue(ctx, s.limit)
}

func (s *Sweeper) sweep(ctx context.Context) {
	start := time.Now()
	finish := func(error) {}
	if s.obs != nil {
		ctx, finish = s.obs.TrackOperation(ctx, "scheduler.sweep")
	}
	res, err := s.engine.ExpireDue(ctx, s.limit)
	if s.obs != nil {
		s.obs.RecordSweep(ctx, res.Transitions, res.Skipped, res.Errors)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		observability.AddSpanEvent(ctx, "sweep.completed", observability.SweepOperation(res.Due, outcome)...)
	}
	finish(err)
	if err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
		return
	}
	if res.Due > 0 {
		s.logger.Info("expiry sweep",
			"due", res.Due,
			"transitions", res.Transitions,
			"skipped", res.Skipped,
			"errors", res.Errors,
			"elapsed", time.Since(start))
	}
}
