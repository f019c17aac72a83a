// Package monitor drives the periodic health-check-and-repair cycle:
// snapshot, detect issues, run recovery, alert, and append an audit
// record.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmalvern/queuekeeper/internal/queue"
)

// SnapshotTaker computes a fresh health snapshot. Implementations
// degrade to zero values for sub-metrics they cannot read instead of
// failing the snapshot.
type SnapshotTaker interface {
	Snapshot(ctx context.Context) queue.HealthSnapshot
}

// IssueRecoverer detects anomalies and applies corrective mutations.
type IssueRecoverer interface {
	Issues(snapshot queue.HealthSnapshot) []queue.Issue
	Recover(ctx context.Context, snapshot queue.HealthSnapshot) []queue.RecoveryAction
}

// Alerter delivers a notification for a tick, including what recovery
// did about the issues. Implementations decide whether to suppress; the
// bool reports whether anything was sent.
type Alerter interface {
	Notify(ctx context.Context, snapshot queue.HealthSnapshot, issues []queue.Issue, actions []queue.RecoveryAction, force bool) (bool, error)
}

// IDGenerator mints run-record identifiers.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Observer receives tick outcomes, typically for metrics.
type Observer interface {
	ObserveTick(rec queue.RunRecord, took time.Duration)
}

// Loop is the control loop. Every tick is self-contained: nothing is
// cached between ticks, so overlapping or restarted loops converge on
// the same store state.
type Loop struct {
	health   SnapshotTaker
	recovery IssueRecoverer
	alerts   Alerter
	records  queue.RunRecorder
	ids      IDGenerator
	clock    queue.Clock
	observer Observer
	logger   *zap.Logger
}

// NewLoop constructs a Loop. alerts and observer may be nil.
func NewLoop(
	health SnapshotTaker,
	recovery IssueRecoverer,
	alerts Alerter,
	records queue.RunRecorder,
	ids IDGenerator,
	clock queue.Clock,
	observer Observer,
	logger *zap.Logger,
) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		health:   health,
		recovery: recovery,
		alerts:   alerts,
		records:  records,
		ids:      ids,
		clock:    clock,
		observer: observer,
		logger:   logger,
	}
}

// Tick runs one full cycle and returns its audit record. force runs
// recovery and alerting even when the queue looks healthy. Alert and
// record failures are reported but do not undo the recovery work
// already applied.
func (l *Loop) Tick(ctx context.Context, force bool) (queue.RunRecord, error) {
	started := l.clock.Now()

	snapshot := l.health.Snapshot(ctx)

	issues := l.recovery.Issues(snapshot)

	var actions []queue.RecoveryAction
	if len(issues) > 0 || force {
		actions = l.recovery.Recover(ctx, snapshot)
	}

	alerted := false
	if l.alerts != nil && (force || anyCritical(issues)) {
		sent, alertErr := l.alerts.Notify(ctx, snapshot, issues, actions, force)
		if alertErr != nil {
			l.logger.Error("alert delivery failed", zap.Error(alertErr))
		}
		alerted = sent
	}

	id, err := l.ids.NewRawID()
	if err != nil {
		return queue.RunRecord{}, fmt.Errorf("mint run id: %w", err)
	}
	rec := queue.RunRecord{
		ID:       id,
		RanAt:    started,
		Snapshot: snapshot,
		Issues:   issues,
		Actions:  actions,
		Alerted:  alerted,
		Forced:   force,
	}
	if err := l.records.InsertRunRecord(ctx, rec); err != nil {
		return rec, fmt.Errorf("record run: %w", err)
	}

	took := l.clock.Now().Sub(started)
	if l.observer != nil {
		l.observer.ObserveTick(rec, took)
	}
	l.logger.Info("tick complete",
		zap.String("run_id", rec.ID.String()),
		zap.Int("issues", len(issues)),
		zap.Int("actions", len(actions)),
		zap.Bool("alerted", alerted),
		zap.Bool("forced", force),
		zap.Duration("took", took),
	)
	return rec, nil
}

// Run ticks at the given interval until ctx is cancelled. Individual
// tick failures are logged and the loop keeps going.
func (l *Loop) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("monitor interval must be > 0")
	}
	l.logger.Info("monitor loop started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("monitor loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := l.Tick(ctx, false); err != nil {
				l.logger.Error("tick failed", zap.Error(err))
			}
		}
	}
}

func anyCritical(issues []queue.Issue) bool {
	for _, issue := range issues {
		if issue.Critical() {
			return true
		}
	}
	return false
}
