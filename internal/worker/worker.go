// Package worker implements the claim-extract-release execution loop.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jmalvern/queuekeeper/internal/queue"
)

// Extractor produces a structured result for one claimed item. Returned
// errors should be wrapped with Classified when the extractor knows the
// failure category; unwrapped errors fall back to string heuristics.
type Extractor interface {
	Extract(ctx context.Context, item queue.QueueItem) (json.RawMessage, error)
}

// ClassifiedError attaches a failure category to an extraction error so
// the release path records a machine-readable class token instead of
// guessing from the message.
type ClassifiedError struct {
	Class queue.ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classified wraps err with a failure class.
func Classified(class queue.ErrorClass, err error) error {
	return &ClassifiedError{Class: class, Err: err}
}

// Config controls Worker behavior.
type Config struct {
	// ID is the lease holder identity written into locked_by.
	ID string
	// BatchSize is the number of items claimed per pass.
	BatchSize int
	// IdleDelay is the sleep between passes when the claim comes back
	// empty.
	IdleDelay time.Duration
	// RatePerSecond throttles extractions. Zero disables throttling.
	RatePerSecond float64
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = 5 * time.Second
	}
	return c
}

// Worker consumes queue items and executes the extraction pipeline. Each
// claimed item is always released with a terminal outcome; an item the
// worker crashes on is recovered later through lease-staleness.
type Worker struct {
	store     queue.Leaser
	extractor Extractor
	clock     queue.Clock
	limiter   *rate.Limiter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	store queue.Leaser,
	extractor Extractor,
	clock queue.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		store:     store,
		extractor: extractor,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(zap.String("worker_id", cfg.ID)),
	}
	if cfg.RatePerSecond > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return w, nil
}

// Run blocks, draining the queue until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		n, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Error("claim pass failed", zap.Error(err))
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.IdleDelay):
		}
	}
}

// RunOnce claims one batch and processes it, returning how many items
// were claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	items, err := w.store.Claim(ctx, w.cfg.ID, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	for _, item := range items {
		w.process(ctx, item)
	}
	return len(items), nil
}

func (w *Worker) process(ctx context.Context, item queue.QueueItem) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
	}

	started := w.clock.Now()
	result, err := w.extractor.Extract(ctx, item)
	outcome := w.outcomeFor(result, err)

	if err := w.store.Release(ctx, item.ID, outcome); err != nil {
		w.logger.Error("release failed",
			zap.String("item_id", item.ID.String()),
			zap.String("outcome", string(outcome.Kind)),
			zap.Error(err),
		)
		return
	}
	w.logger.Debug("item processed",
		zap.String("item_id", item.ID.String()),
		zap.String("source", item.Source),
		zap.String("outcome", string(outcome.Kind)),
		zap.Duration("took", w.clock.Now().Sub(started)),
	)
}

// outcomeFor maps an extraction result to the terminal outcome reported
// on release. Gone resources are skipped immediately rather than burning
// retries; everything else fails with its class so the recovery rules
// can act on it.
func (w *Worker) outcomeFor(result json.RawMessage, err error) queue.Outcome {
	if err == nil {
		return queue.Complete(result)
	}

	class := queue.ClassUnknown
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		class = classified.Class
	} else {
		class = queue.Classify(err.Error())
	}

	if class == queue.ClassGone {
		return queue.Skipped(fmt.Sprintf("[%s] %s", queue.ClassGone, err.Error()))
	}
	return queue.Failed(err.Error(), class)
}
