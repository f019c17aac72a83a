// Package recovery maps health-snapshot anomalies to idempotent
// corrective mutations on the queue store.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmalvern/queuekeeper/internal/queue"
)

// WorkerStarter requests an external worker batch. Starting workers is
// the only recovery action with a side effect outside the store.
type WorkerStarter interface {
	StartWorkers(ctx context.Context, batchSize int) error
}

// Config tunes issue thresholds and recovery bounds.
type Config struct {
	StaleLockThreshold    time.Duration
	StuckAttemptThreshold int
	// ErrorRateCritical is the failure percentage past which the error
	// rate becomes a critical issue.
	ErrorRateCritical float64
	// MinErrorSamples is the minimum completed+failed count before the
	// error rate is trusted.
	MinErrorSamples int64
	// BacklogThreshold is the pending count past which an idle queue
	// warrants a worker-start signal.
	BacklogThreshold int64
	// OldBacklogHours flags a backlog whose oldest pending item is
	// older than this many hours.
	OldBacklogHours float64
	// ReclassifyBatch bounds generic-failure re-admissions per run.
	ReclassifyBatch int
	// NudgeBatch bounds stuck-item nudges per run.
	NudgeBatch int
	// Cooldown is the age a generic failure must reach before blind
	// reclassification.
	Cooldown time.Duration
	// MaxTotalAttempts is the total retry ceiling; items at or past it
	// are skipped so blind retries terminate.
	MaxTotalAttempts int
	// WorkerBatch is the batch size requested from the worker invoker.
	WorkerBatch int
	// RetryMarker is written into error_message on reclassification.
	RetryMarker string
}

func (c Config) withDefaults() Config {
	if c.StaleLockThreshold <= 0 {
		c.StaleLockThreshold = 15 * time.Minute
	}
	if c.StuckAttemptThreshold <= 0 {
		c.StuckAttemptThreshold = 3
	}
	if c.ErrorRateCritical <= 0 {
		c.ErrorRateCritical = 50
	}
	if c.MinErrorSamples <= 0 {
		c.MinErrorSamples = 5
	}
	if c.BacklogThreshold <= 0 {
		c.BacklogThreshold = 100
	}
	if c.OldBacklogHours <= 0 {
		c.OldBacklogHours = 24
	}
	if c.ReclassifyBatch <= 0 {
		c.ReclassifyBatch = 50
	}
	if c.NudgeBatch <= 0 {
		c.NudgeBatch = 25
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Hour
	}
	if c.MaxTotalAttempts <= 0 {
		c.MaxTotalAttempts = 10
	}
	if c.WorkerBatch <= 0 {
		c.WorkerBatch = 25
	}
	if c.RetryMarker == "" {
		c.RetryMarker = "queued for retry with improved extractor"
	}
	return c
}

// Controller detects issues in a snapshot and repairs them. Detection is
// pure; every repair is an independent conditional mutation that is safe
// to re-run, so overlapping ticks converge.
type Controller struct {
	store   queue.Recoverer
	starter WorkerStarter
	clock   queue.Clock
	cfg     Config
	logger  *zap.Logger
}

// NewController constructs a Controller.
func NewController(
	store queue.Recoverer,
	starter WorkerStarter,
	clock queue.Clock,
	cfg Config,
	logger *zap.Logger,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:   store,
		starter: starter,
		clock:   clock,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Issues inspects a snapshot and returns the detected anomalies. It is a
// pure function of the snapshot and the configured thresholds.
func (c *Controller) Issues(snapshot queue.HealthSnapshot) []queue.Issue {
	var issues []queue.Issue

	samples := snapshot.ProcessingRate + snapshot.FailedLastHour
	if samples >= c.cfg.MinErrorSamples && snapshot.ErrorRate > c.cfg.ErrorRateCritical {
		issues = append(issues, queue.Issue{
			Code:     "high_error_rate",
			Message:  fmt.Sprintf("error rate %.1f%% over the last hour (%d samples)", snapshot.ErrorRate, samples),
			Severity: queue.SeverityCritical,
		})
	}
	if snapshot.StaleLocks > 0 {
		issues = append(issues, queue.Issue{
			Code:     "stale_locks",
			Message:  fmt.Sprintf("%d items hold leases older than %s", snapshot.StaleLocks, c.cfg.StaleLockThreshold),
			Severity: queue.SeverityWarning,
		})
	}
	if snapshot.StuckItems > 0 {
		issues = append(issues, queue.Issue{
			Code:     "stuck_items",
			Message:  fmt.Sprintf("%d pending items have %d+ attempts", snapshot.StuckItems, c.cfg.StuckAttemptThreshold),
			Severity: queue.SeverityWarning,
		})
	}
	if c.idleWithBacklog(snapshot) {
		issues = append(issues, queue.Issue{
			Code:     "idle_with_backlog",
			Message:  fmt.Sprintf("%d pending items with no active workers and nothing processing", snapshot.Pending),
			Severity: queue.SeverityCritical,
		})
	} else if snapshot.Pending > 0 && snapshot.ActiveWorkers == 0 && snapshot.ProcessingRate == 0 {
		issues = append(issues, queue.Issue{
			Code:     "stalled_queue",
			Message:  fmt.Sprintf("%d pending items, zero throughput and no active workers", snapshot.Pending),
			Severity: queue.SeverityCritical,
		})
	}
	if snapshot.OldestPendingAgeHours > c.cfg.OldBacklogHours {
		issues = append(issues, queue.Issue{
			Code:     "old_backlog",
			Message:  fmt.Sprintf("oldest pending item is %.1f hours old", snapshot.OldestPendingAgeHours),
			Severity: queue.SeverityWarning,
		})
	}
	return issues
}

func (c *Controller) idleWithBacklog(snapshot queue.HealthSnapshot) bool {
	return snapshot.Pending > c.cfg.BacklogThreshold &&
		snapshot.ActiveWorkers == 0 &&
		snapshot.Processing == 0
}

type storeAction struct {
	name     string
	describe func(affected int64) string
	run      func(ctx context.Context) (int64, error)
}

// Recover executes the corrective actions and returns what was done.
// Actions are independent: a failure in one is logged and never prevents
// the rest. Only actions that changed rows (or signalled workers) are
// reported.
func (c *Controller) Recover(ctx context.Context, snapshot queue.HealthSnapshot) []queue.RecoveryAction {
	now := c.clock.Now()
	staleCutoff := now.Add(-c.cfg.StaleLockThreshold)
	cooldownCutoff := now.Add(-c.cfg.Cooldown)

	steps := []storeAction{
		{
			name: "reclaim_stale_locks",
			describe: func(n int64) string {
				return fmt.Sprintf("reset %d stale-locked items to pending", n)
			},
			run: func(ctx context.Context) (int64, error) {
				return c.store.ReclaimStale(ctx, staleCutoff)
			},
		},
		{
			name: "expire_rate_limit_cooldowns",
			describe: func(n int64) string {
				return fmt.Sprintf("cleared expired rate-limit cooldowns on %d items", n)
			},
			run: func(ctx context.Context) (int64, error) {
				return c.store.ExpireRateLimitCooldowns(ctx, now)
			},
		},
		{
			name: "reclassify_generic_failures",
			describe: func(n int64) string {
				return fmt.Sprintf("re-admitted %d generic failures for retry", n)
			},
			run: func(ctx context.Context) (int64, error) {
				return c.store.ReclassifyGenericFailures(
					ctx, cooldownCutoff, c.cfg.ReclassifyBatch, c.cfg.MaxTotalAttempts, c.cfg.RetryMarker)
			},
		},
		{
			name: "skip_gone_items",
			describe: func(n int64) string {
				return fmt.Sprintf("skipped %d permanently gone items", n)
			},
			run: func(ctx context.Context) (int64, error) {
				return c.store.SkipGone(ctx, now)
			},
		},
		{
			name: "nudge_stuck_items",
			describe: func(n int64) string {
				return fmt.Sprintf("made %d stuck items immediately claimable", n)
			},
			run: func(ctx context.Context) (int64, error) {
				return c.store.NudgeStuck(ctx, c.cfg.StuckAttemptThreshold, now, c.cfg.NudgeBatch)
			},
		},
		{
			name: "skip_exhausted_items",
			describe: func(n int64) string {
				return fmt.Sprintf("retired %d items at the retry ceiling", n)
			},
			run: func(ctx context.Context) (int64, error) {
				return c.store.SkipExhausted(ctx, c.cfg.MaxTotalAttempts)
			},
		},
	}

	var actions []queue.RecoveryAction
	for _, step := range steps {
		affected, err := step.run(ctx)
		if err != nil {
			c.logger.Error("recovery action failed",
				zap.String("action", step.name),
				zap.Error(err),
			)
			continue
		}
		if affected == 0 {
			continue
		}
		c.logger.Info("recovery action applied",
			zap.String("action", step.name),
			zap.Int64("affected", affected),
		)
		actions = append(actions, queue.RecoveryAction{
			Name:        step.name,
			Description: step.describe(affected),
			Affected:    affected,
		})
	}

	if c.idleWithBacklog(snapshot) && c.starter != nil {
		if err := c.starter.StartWorkers(ctx, c.cfg.WorkerBatch); err != nil {
			c.logger.Warn("worker-start signal failed", zap.Error(err))
		} else {
			actions = append(actions, queue.RecoveryAction{
				Name:        "start_workers",
				Description: fmt.Sprintf("requested a worker batch of %d for an idle backlog of %d", c.cfg.WorkerBatch, snapshot.Pending),
			})
		}
	}
	return actions
}
