package services

import (
	"context"
	"fmt"
	"time"

	"creator-payment-system/logger"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// StartReconciliationScheduler replays settled payments that were never materialized.
// The caller shuts the returned scheduler down.
func (m *Materializer) StartReconciliationScheduler(ctx context.Context, interval time.Duration, batch int) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			done, err := m.RetryPendingMaterializations(ctx, batch)
			if err != nil {
				logger.Error("[Scheduler] reconciliation failed", zap.Error(err))
				return
			}
			if done > 0 {
				logger.Info("[Scheduler] materialized pending payments", zap.Int("count", done))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule reconciliation: %w", err)
	}

	sched.Start()
	return sched, nil
}
