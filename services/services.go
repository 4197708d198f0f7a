// Package services runs the timer-driven loops that advance the reveal
// queue, monitor pending transactions and reconcile balances. A tick failure
// is logged and the loop keeps going.
package services

import (
	"context"
	"time"

	"fleet-resolver/metrics"
	"fleet-resolver/scheduler"
	"fleet-resolver/types"

	"github.com/sirupsen/logrus"
)

var logger = logrus.New().WithField("module", "services")

const tickTimeout = time.Minute * 2

// Init starts the scheduler loops.
func Init(s *scheduler.Scheduler, cfg *types.Config) {
	go runLoop("execute", intervalOrDefault(cfg.Resolver.ExecuteIntervalSeconds, 15), s.Execute)
	go runLoop("checkPendingTransactions", intervalOrDefault(cfg.Resolver.PendingCheckIntervalSeconds, 30), s.CheckPendingTransactions)
	go runLoop("syncAccountBalances", intervalOrDefault(cfg.Resolver.BalanceSyncIntervalSeconds, 60), s.SyncAccountBalances)
}

func intervalOrDefault(seconds, fallback uint64) time.Duration {
	if seconds == 0 {
		seconds = fallback
	}
	return time.Duration(seconds) * time.Second
}

func runLoop(task string, interval time.Duration, fn func(ctx context.Context) error) {
	for {
		t0 := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
		err := fn(ctx)
		cancel()
		metrics.TaskDuration.WithLabelValues(task).Observe(time.Since(t0).Seconds())
		if err != nil {
			metrics.TaskErrors.WithLabelValues(task).Inc()
			logger.WithError(err).WithField("task", task).Error("scheduled task failed")
		} else {
			logger.WithFields(logrus.Fields{
				"task":     task,
				"duration": time.Since(t0),
			}).Debug("scheduled task finished")
		}
		time.Sleep(interval)
	}
}
