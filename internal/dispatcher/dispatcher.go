// Package dispatcher manages worker fan-out over the queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jmalvern/queuekeeper/internal/worker"
)

// Dispatcher fans queue work out to a pool of workers.
type Dispatcher struct {
	workers []*worker.Worker
	logger  *zap.Logger

	mu       sync.Mutex
	draining bool
}

// New creates a Dispatcher.
func New(workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		workers: workers,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// StartWorkers performs one drain pass: every worker claims and processes
// one batch, then stops. It serves recovery's worker-start signal when
// workers run in-process; overlapping signals coalesce into a single
// pass. batchSize is advisory, each worker keeps its configured batch.
func (d *Dispatcher) StartWorkers(ctx context.Context, batchSize int) error {
	if len(d.workers) == 0 {
		return fmt.Errorf("no workers configured")
	}

	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		d.logger.Debug("drain pass already running, ignoring start signal")
		return nil
	}
	d.draining = true
	d.mu.Unlock()

	d.logger.Info("starting drain pass",
		zap.Int("workers", len(d.workers)),
		zap.Int("requested_batch", batchSize),
	)
	// The pass must outlive the tick that requested it.
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer func() {
			d.mu.Lock()
			d.draining = false
			d.mu.Unlock()
		}()

		var wg sync.WaitGroup
		for _, w := range d.workers {
			wg.Add(1)
			go func(wk *worker.Worker) {
				defer wg.Done()
				if _, err := wk.RunOnce(ctx); err != nil && ctx.Err() == nil {
					d.logger.Error("drain pass failed", zap.Error(err))
				}
			}(w)
		}
		wg.Wait()
	}()
	return nil
}
