package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/pkg/schema"
)

// DefaultQueueInterval is the pending-step poll cadence.
const DefaultQueueInterval = 10 * time.Second

// StepQueue polls the store for queued step attempts (rerun records created
// by review resolutions) and dispatches them through the engine's pool.
// A step attempt belonging to a terminal execution is dropped, not run.
type StepQueue struct {
	store    store.Store
	engine   *Engine
	interval time.Duration
	batch    int
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // attempt IDs currently executing (dedup)
}

// NewStepQueue creates a queue consumer over the given engine.
func NewStepQueue(s store.Store, engine *Engine, interval time.Duration, logger *slog.Logger) *StepQueue {
	if interval <= 0 {
		interval = DefaultQueueInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StepQueue{
		store:    s,
		engine:   engine,
		interval: interval,
		batch:    50,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background consumer loop.
func (q *StepQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.done != nil {
		q.mu.Unlock()
		return fmt.Errorf("step queue already started")
	}

	queueCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	q.mu.Unlock()

	go q.loop(queueCtx)
	q.logger.Info("step queue started", slog.Duration("interval", q.interval))
	return nil
}

func (q *StepQueue) loop(ctx context.Context) {
	defer close(q.done)

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	// Drain once immediately.
	q.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

// tick dispatches every runnable pending attempt.
func (q *StepQueue) tick(ctx context.Context) {
	pending, err := q.store.ListPendingStepExecutions(ctx, q.batch)
	if err != nil {
		q.logger.Error("failed to list pending steps", slog.String("error", err.Error()))
		return
	}

	for _, attempt := range pending {
		if !q.tryAcquire(attempt.ID) {
			continue // already running (dedup)
		}

		exec, err := q.store.GetExecution(ctx, attempt.ExecutionID)
		if err != nil {
			q.logger.Error("failed to load execution for pending step",
				slog.String("attempt_id", attempt.ID),
				slog.String("error", err.Error()))
			q.release(attempt.ID)
			continue
		}
		if exec.FlowStatus.Terminal() {
			q.logger.Warn("retiring pending step of terminal execution",
				slog.String("attempt_id", attempt.ID),
				slog.String("execution_id", exec.ID))
			q.retire(ctx, attempt.ID)
			q.release(attempt.ID)
			continue
		}

		attempt := attempt
		err = q.engine.pool.Submit(ctx, func(ctx context.Context) error {
			defer q.release(attempt.ID)
			if err := q.engine.RunPendingStep(ctx, attempt); err != nil {
				q.logger.Error("pending step run failed",
					slog.String("attempt_id", attempt.ID),
					slog.String("step_id", attempt.StepID),
					slog.String("error", err.Error()))
				return err
			}
			return nil
		})
		if err != nil {
			q.release(attempt.ID)
			if err == ErrPoolShutdown {
				return
			}
			q.logger.Error("failed to submit pending step",
				slog.String("attempt_id", attempt.ID),
				slog.String("error", err.Error()))
		}
	}
}

// retire marks a dead pending attempt skipped so it leaves the pending set.
// Left pending, the row would be re-listed every tick and, with enough dead
// rows, crowd live attempts out of the batch.
func (q *StepQueue) retire(ctx context.Context, attemptID string) {
	skipped := schema.StepStatusSkipped
	now := time.Now().UTC()
	if err := q.store.UpdateStepExecution(ctx, attemptID, store.StepExecutionUpdate{
		Status:      &skipped,
		CompletedAt: &now,
	}); err != nil {
		q.logger.Error("failed to retire pending step",
			slog.String("attempt_id", attemptID),
			slog.String("error", err.Error()))
	}
}

// tryAcquire returns true and marks the attempt in-flight if it is not
// already running.
func (q *StepQueue) tryAcquire(attemptID string) bool {
	q.inflightMu.Lock()
	defer q.inflightMu.Unlock()
	if _, ok := q.inflight[attemptID]; ok {
		return false
	}
	q.inflight[attemptID] = struct{}{}
	return true
}

func (q *StepQueue) release(attemptID string) {
	q.inflightMu.Lock()
	defer q.inflightMu.Unlock()
	delete(q.inflight, attemptID)
}

// Stop gracefully shuts down the consumer loop.
func (q *StepQueue) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancel == nil {
		return nil
	}

	q.cancel()
	<-q.done
	q.cancel = nil
	q.done = nil

	q.logger.Info("step queue stopped")
	return nil
}
