package coordinator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultFlushSchedule = "@every 1m"
	flushTimeout         = 5 * time.Second
)

// StartFlushScheduler retries failed settings writes on schedule. Stop the
// returned cron to end it.
func StartFlushScheduler(c *Coordinator, schedule string, logger *slog.Logger) (*cron.Cron, error) {
	if c == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultFlushSchedule
	}
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(schedule, scheduledFlush(c, logger)); err != nil {
		return nil, err
	}
	scheduler.Start()
	logger.Info("settings flush scheduled", "schedule", schedule)
	return scheduler, nil
}

func scheduledFlush(c *Coordinator, logger *slog.Logger) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := c.Flush(ctx); err != nil {
			logger.Warn("scheduled settings flush failed", "error", err)
		}
	}
}
