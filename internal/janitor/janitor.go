// Package janitor runs the periodic cleanup sweep that removes proxy
// containers whose run is gone. Sweeps work from container labels, not
// in-memory state, so they keep working across process restarts and
// alongside concurrent runs.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/ngome/internal/llmproxy"
)

// Sweeper is the slice of the proxy manager the janitor drives.
type Sweeper interface {
	CleanupSweep(ctx context.Context) (int, error)
}

// Config controls the sweep schedule.
type Config struct {
	// Schedule is a standard five-field cron expression. Default: every
	// five minutes.
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`

	// SweepTimeout bounds one sweep. Default 2m.
	SweepTimeout time.Duration `json:"sweep_timeout,omitempty" yaml:"sweep_timeout,omitempty"`
}

const (
	defaultSchedule     = "*/5 * * * *"
	defaultSweepTimeout = 2 * time.Minute
)

// Janitor schedules cleanup sweeps.
type Janitor struct {
	sweeper Sweeper
	sched   cron.Schedule
	timeout time.Duration
	metrics *Metrics
	logger  *slog.Logger
}

// New creates a Janitor. metrics may be nil.
func New(sweeper Sweeper, cfg Config, metrics *Metrics, logger *slog.Logger) (*Janitor, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = defaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", expr, err)
	}
	timeout := cfg.SweepTimeout
	if timeout == 0 {
		timeout = defaultSweepTimeout
	}
	return &Janitor{
		sweeper: sweeper,
		sched:   sched,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Start begins the sweep loop and returns a cancel function. A sweep also
// runs immediately on start to clear leftovers from a previous process.
func (j *Janitor) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		j.logger.InfoContext(ctx, "cleanup janitor started")
		j.sweep(ctx)

		for {
			next := j.sched.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				j.logger.Info("cleanup janitor stopped")
				return
			case <-timer.C:
				j.sweep(ctx)
			}
		}
	}()

	return cancel
}

// SweepNow runs one sweep outside the schedule, for the CLI sweep command.
func (j *Janitor) SweepNow(ctx context.Context) (int, error) {
	return j.runSweep(ctx)
}

func (j *Janitor) sweep(ctx context.Context) {
	if _, err := j.runSweep(ctx); err != nil {
		j.logger.ErrorContext(ctx, "cleanup sweep failed", slog.String("error", err.Error()))
	}
}

func (j *Janitor) runSweep(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	removed, err := j.sweeper.CleanupSweep(ctx)

	if j.metrics != nil {
		j.metrics.SweepsTotal.Inc()
		j.metrics.SweepDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			j.metrics.SweepsFailed.Inc()
		}
		j.metrics.ProxiesRemoved.Add(float64(removed))
	}
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		j.logger.InfoContext(ctx, "cleanup sweep removed orphans", slog.Int("removed", removed))
	}
	return removed, nil
}

// ensure the manager satisfies the interface.
var _ Sweeper = (*llmproxy.Manager)(nil)
