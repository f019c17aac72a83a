// Package health computes point-in-time queue health snapshots.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmalvern/queuekeeper/internal/queue"
)

const failureScanLimit = 500

// Config tunes snapshot thresholds.
type Config struct {
	// StaleLockThreshold is the lease age past which the holder is
	// presumed dead.
	StaleLockThreshold time.Duration
	// StuckAttemptThreshold is the attempt count past which a pending
	// item counts as stuck.
	StuckAttemptThreshold int
	// TopErrors caps the error-pattern list.
	TopErrors int
}

func (c Config) withDefaults() Config {
	if c.StaleLockThreshold <= 0 {
		c.StaleLockThreshold = 15 * time.Minute
	}
	if c.StuckAttemptThreshold <= 0 {
		c.StuckAttemptThreshold = 3
	}
	if c.TopErrors <= 0 {
		c.TopErrors = 5
	}
	return c
}

// Aggregator derives HealthSnapshots from the queue store. It holds no
// state between snapshots; everything is recomputed from the store.
type Aggregator struct {
	store  queue.HealthReader
	clock  queue.Clock
	cfg    Config
	logger *zap.Logger
}

// NewAggregator constructs an Aggregator.
func NewAggregator(store queue.HealthReader, clock queue.Clock, cfg Config, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:  store,
		clock:  clock,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// StaleCutoff returns the lease-freshness boundary for the given instant.
func (a *Aggregator) StaleCutoff(now time.Time) time.Time {
	return now.Add(-a.cfg.StaleLockThreshold)
}

// Snapshot computes a fresh HealthSnapshot. The aggregate sub-queries are
// independent and run concurrently. A failing sub-query must never sink
// the whole snapshot: its metric defaults to zero and the failure is
// logged, because a health check that crashes on its own data is worse
// than a partial report.
func (a *Aggregator) Snapshot(ctx context.Context) queue.HealthSnapshot {
	now := a.clock.Now()
	staleCutoff := a.StaleCutoff(now)
	hourAgo := now.Add(-time.Hour)

	snapshot := queue.HealthSnapshot{Timestamp: now}

	var (
		oldest   *time.Time
		failures []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		counts, err := a.store.CountsByStatus(gctx)
		if err != nil {
			a.logMetricFailure("status_counts", err)
			return nil
		}
		snapshot.Pending = counts[queue.StatusPending]
		snapshot.Processing = counts[queue.StatusProcessing]
		snapshot.Complete = counts[queue.StatusComplete]
		snapshot.Failed = counts[queue.StatusFailed]
		snapshot.Skipped = counts[queue.StatusSkipped]
		return nil
	})
	g.Go(func() error {
		n, err := a.store.CountStaleLocks(gctx, staleCutoff)
		if err != nil {
			a.logMetricFailure("stale_locks", err)
			return nil
		}
		snapshot.StaleLocks = n
		return nil
	})
	g.Go(func() error {
		n, err := a.store.CountStuck(gctx, a.cfg.StuckAttemptThreshold)
		if err != nil {
			a.logMetricFailure("stuck_items", err)
			return nil
		}
		snapshot.StuckItems = n
		return nil
	})
	g.Go(func() error {
		n, err := a.store.CountCompletedSince(gctx, hourAgo)
		if err != nil {
			a.logMetricFailure("processing_rate", err)
			return nil
		}
		snapshot.ProcessingRate = n
		return nil
	})
	g.Go(func() error {
		n, err := a.store.CountFailedSince(gctx, hourAgo)
		if err != nil {
			a.logMetricFailure("failed_last_hour", err)
			return nil
		}
		snapshot.FailedLastHour = n
		return nil
	})
	g.Go(func() error {
		at, err := a.store.OldestPendingCreatedAt(gctx)
		if err != nil {
			a.logMetricFailure("oldest_pending", err)
			return nil
		}
		oldest = at
		return nil
	})
	g.Go(func() error {
		msgs, err := a.store.FailureMessagesSince(gctx, hourAgo, failureScanLimit)
		if err != nil {
			a.logMetricFailure("error_patterns", err)
			return nil
		}
		failures = msgs
		return nil
	})
	g.Go(func() error {
		n, err := a.store.CountActiveWorkers(gctx, staleCutoff)
		if err != nil {
			a.logMetricFailure("active_workers", err)
			return nil
		}
		snapshot.ActiveWorkers = n
		return nil
	})
	// Sub-queries swallow their own errors, so Wait never fails.
	_ = g.Wait()

	snapshot.ErrorRate = ErrorRate(snapshot.ProcessingRate, snapshot.FailedLastHour)
	if oldest != nil {
		snapshot.OldestPendingAgeHours = now.Sub(*oldest).Hours()
	}
	snapshot.TopErrorPatterns = TopPatterns(failures, a.cfg.TopErrors)
	return snapshot
}

func (a *Aggregator) logMetricFailure(metric string, err error) {
	a.logger.Warn("health metric failed, defaulting to zero",
		zap.String("metric", metric),
		zap.Error(err),
	)
}

// ErrorRate computes failed/(completed+failed)*100, zero when the
// denominator is zero.
func ErrorRate(completed, failed int64) float64 {
	total := completed + failed
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total) * 100
}
