package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// DefaultSweepInterval is how often cooldown expiries are normalised.
const DefaultSweepInterval = time.Hour

// Sweeper clears expired cooldowns and clamps out-of-range expiries.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type CooldownSweepArgs struct{}

func (CooldownSweepArgs) Kind() string { return "cooldown_sweep" }

type CooldownSweepWorker struct {
	river.WorkerDefaults[CooldownSweepArgs]
	sweeper Sweeper
	logger  *slog.Logger
}

func NewCooldownSweepWorker(s Sweeper, logger *slog.Logger) *CooldownSweepWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CooldownSweepWorker{sweeper: s, logger: logger}
}

func (w *CooldownSweepWorker) Work(ctx context.Context, _ *river.Job[CooldownSweepArgs]) error {
	n, err := w.sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	w.logger.Debug("cooldown sweep finished", "normalised", n)
	return nil
}

// PeriodicSweep schedules the sweep on the river client.
func PeriodicSweep(interval time.Duration) *river.PeriodicJob {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return CooldownSweepArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

// RunSweepLoop sweeps on a ticker until ctx is done. Used when no database
// queue exists.
func RunSweepLoop(ctx context.Context, s Sweeper, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil {
				logger.Warn("cooldown sweep failed", "error", err)
			}
		}
	}
}
