package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Every runs job on a fixed interval until ctx is cancelled. A failing run is
// logged and the schedule continues. It returns nil on cancellation so it can
// run inside an errgroup next to the HTTP server.
func Every(ctx context.Context, name string, interval time.Duration, job Job, logger *zap.Logger) error {
	if interval <= 0 {
		logger.Info("scheduler disabled", zap.String("job", name))
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("scheduler started", zap.String("job", name), zap.Duration("interval", interval))
	for {
		select {
		case <-ticker.C:
			if err := job(ctx); err != nil {
				logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
			}
		case <-ctx.Done():
			logger.Info("scheduler stopped", zap.String("job", name))
			return nil
		}
	}
}

// Schedule runs the reaper every interval until ctx is cancelled.
func (r *Reaper) Schedule(ctx context.Context, interval time.Duration) error {
	return Every(ctx, "expiry_reaper", interval, func(ctx context.Context) error {
		_, err := r.Run(ctx)
		return err
	}, r.logger)
}
