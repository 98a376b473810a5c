package report

import (
	"context"
	"time"
)

// SchedulerConfig controls the periodic regeneration loop.
type SchedulerConfig struct {
	// Interval between runs; zero disables the scheduler.
	Interval time.Duration
	// AfterRun, when set, is called after every successful run.
	AfterRun func(ctx context.Context) error
}

// RunResult describes one scheduler run.
type RunResult struct {
	Timestamp time.Time
	Duration  time.Duration
	Reports   int
}

// StartScheduler regenerates the reports of today and yesterday (UTC) for
// every study, once at startup and then every Interval. It blocks until ctx
// is cancelled and returns immediately when Interval is zero.
func (g *Generator) StartScheduler(ctx context.Context, cfg SchedulerConfig) {
	if cfg.Interval <= 0 {
		g.logger.Info("Report scheduler disabled")
		return
	}

	g.logger.Info("Report scheduler started", "interval", cfg.Interval)
	g.runScheduled(ctx, cfg)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("Report scheduler stopped")
			return
		case <-ticker.C:
			g.runScheduled(ctx, cfg)
		}
	}
}

func (g *Generator) runScheduled(ctx context.Context, cfg SchedulerConfig) {
	res, err := g.RunOnce(ctx)
	if err != nil {
		g.logger.Error("Scheduled report run failed", "error", err)
		return
	}
	if res == nil {
		return
	}
	g.logger.Info("Scheduled report run completed",
		"reports", res.Reports, "duration", res.Duration.Round(time.Millisecond))

	if cfg.AfterRun != nil {
		if err := cfg.AfterRun(ctx); err != nil {
			g.logger.Error("Post-report hook failed", "error", err)
		}
	}
}

// RunOnce regenerates today's and yesterday's reports. It returns a nil
// result when another run is still in progress.
func (g *Generator) RunOnce(ctx context.Context) (*RunResult, error) {
	select {
	case g.running <- struct{}{}:
		defer func() { <-g.running }()
	default:
		g.logger.Debug("Report run already in progress, skipping")
		return nil, nil
	}

	began := time.Now()
	today := g.now().UTC()
	res := &RunResult{Timestamp: today}
	for _, day := range []time.Time{today.AddDate(0, 0, -1), today} {
		n, err := g.GenerateAll(ctx, day)
		res.Reports += n
		if err != nil {
			return res, err
		}
	}
	res.Duration = time.Since(began)
	return res, nil
}
