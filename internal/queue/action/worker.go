// Package action runs the per-round action queue: a DB-backed FIFO of
// fetch_txns / reconstruct / finalize items drained by one worker goroutine,
// so at most one action is in flight system-wide.
package action

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Kriptikz/evore-sub000/internal/domain/model"
	"github.com/Kriptikz/evore-sub000/internal/metrics"
	"github.com/Kriptikz/evore-sub000/internal/store"
	"github.com/Kriptikz/evore-sub000/internal/workflow"
)

type Config struct {
	PollInterval time.Duration
	StaleAfter   time.Duration
}

type Worker struct {
	repo   store.ActionQueueRepository
	rounds store.RoundRepository
	svc    *workflow.Service
	cfg    Config
	logger *slog.Logger

	paused atomic.Bool

	// drainMu makes drains mutually exclusive, so at most one action is in
	// flight even when a drain is triggered from more than one goroutine.
	drainMu sync.Mutex

	mu             sync.Mutex
	totalProcessed int64
	totalFailed    int64
	busySeconds    float64
	nowFn          func() time.Time
}

func NewWorker(repo store.ActionQueueRepository, rounds store.RoundRepository,
	svc *workflow.Service, cfg Config, logger *slog.Logger) *Worker {

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Worker{
		repo:   repo,
		rounds: rounds,
		svc:    svc,
		cfg:    cfg,
		logger: logger.With("component", "action_queue"),
		nowFn:  time.Now,
	}
}

// Run drains the queue until ctx is done. Claimed items always reach a
// terminal status; a panic-free failure marks the item failed, never lost.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	sweep := time.NewTicker(w.cfg.StaleAfter / 2)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			if n, err := w.repo.SweepStale(ctx, w.cfg.StaleAfter); err != nil {
				w.logger.Warn("stale sweep failed", "error", err)
			} else if n > 0 {
				metrics.ActionsStaleRecovered.Add(float64(n))
				w.logger.Warn("requeued stale processing actions", "count", n)
			}
		case <-ticker.C:
			if w.paused.Load() {
				continue
			}
			w.drainOnce(ctx)
		}
	}
}

// drainOnce claims and processes items until the queue is empty or the
// worker is paused. A drain already in progress makes this a no-op.
func (w *Worker) drainOnce(ctx context.Context) {
	if !w.drainMu.TryLock() {
		return
	}
	defer w.drainMu.Unlock()

	for !w.paused.Load() {
		item, err := w.repo.ClaimNext(ctx)
		if err != nil {
			w.logger.Error("claim failed", "error", err)
			return
		}
		if item == nil {
			return
		}
		w.process(ctx, item)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (w *Worker) process(ctx context.Context, item *model.QueuedAction) {
	started := w.nowFn()
	err := w.dispatch(ctx, item)
	elapsed := w.nowFn().Sub(started)
	metrics.ActionLatency.WithLabelValues(string(item.Action)).Observe(elapsed.Seconds())

	w.mu.Lock()
	w.busySeconds += elapsed.Seconds()
	w.mu.Unlock()

	if err != nil {
		if markErr := w.repo.MarkFailed(ctx, item.ID, err.Error()); markErr != nil {
			w.logger.Error("mark failed failed", "id", item.ID, "error", markErr)
		}
		w.mu.Lock()
		w.totalFailed++
		w.mu.Unlock()
		metrics.ActionsCompleted.WithLabelValues(string(item.Action), "failed").Inc()
		w.logger.Error("action failed",
			"id", item.ID,
			"round_id", item.RoundID,
			"action", item.Action,
			"elapsed", elapsed.String(),
			"error", err,
		)
		return
	}

	if markErr := w.repo.MarkCompleted(ctx, item.ID); markErr != nil {
		w.logger.Error("mark completed failed", "id", item.ID, "error", markErr)
	}
	w.mu.Lock()
	w.totalProcessed++
	w.mu.Unlock()
	metrics.ActionsCompleted.WithLabelValues(string(item.Action), "completed").Inc()
	w.logger.Info("action completed",
		"id", item.ID,
		"round_id", item.RoundID,
		"action", item.Action,
		"elapsed", elapsed.String(),
	)
}

func (w *Worker) dispatch(ctx context.Context, item *model.QueuedAction) error {
	switch item.Action {
	case model.ActionFetchTxns:
		return w.svc.FetchTransactions(ctx, item.RoundID)
	case model.ActionReconstruct:
		_, err := w.svc.Reconstruct(ctx, item.RoundID)
		return err
	case model.ActionFinalize:
		return w.svc.Finalize(ctx, item.RoundID)
	default:
		return fmt.Errorf("unknown action %q", item.Action)
	}
}

// Enqueue queues one action. Returns false when the same (round, action) is
// already live.
func (w *Worker) Enqueue(ctx context.Context, roundID int64, action model.ActionType) (bool, error) {
	ok, err := w.repo.Enqueue(ctx, roundID, action)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.ActionsEnqueued.WithLabelValues(string(action)).Inc()
	} else {
		metrics.ActionsDuplicateSkipped.WithLabelValues(string(action)).Inc()
	}
	return ok, nil
}

// EnqueueRange expands [start, end] through the round store's eligibility
// filters and queues the survivors. Returns how many were queued.
func (w *Worker) EnqueueRange(ctx context.Context, start, end int64, action model.ActionType, skipIfDone, onlyInWorkflow bool) (int, error) {
	ids, err := w.rounds.RangeForEnqueue(ctx, start, end, action, skipIfDone, onlyInWorkflow)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, id := range ids {
		ok, err := w.Enqueue(ctx, id, action)
		if err != nil {
			return queued, err
		}
		if ok {
			queued++
		}
	}
	w.logger.Info("range enqueued",
		"action", action,
		"start", start,
		"end", end,
		"eligible", len(ids),
		"queued", queued,
	)
	return queued, nil
}

func (w *Worker) Pause()  { w.paused.Store(true) }
func (w *Worker) Resume() { w.paused.Store(false) }

func (w *Worker) Clear(ctx context.Context) (int64, error) {
	return w.repo.ClearPending(ctx)
}

func (w *Worker) RetryFailed(ctx context.Context) (int64, error) {
	return w.repo.RetryFailed(ctx)
}

// Status is a point-in-time queue snapshot for the admin surface.
type Status struct {
	Paused          bool                       `json:"paused"`
	PendingCount    int64                      `json:"pending_count"`
	PendingByAction map[model.ActionType]int64 `json:"pending_by_action"`
	Processing      *model.QueuedAction        `json:"processing,omitempty"`
	TotalProcessed  int64                      `json:"total_processed"`
	TotalFailed     int64                      `json:"total_failed"`
	ETASeconds      float64                    `json:"eta_seconds"`
}

func (w *Worker) Status(ctx context.Context) (*Status, error) {
	counts, err := w.repo.Counts(ctx)
	if err != nil {
		return nil, err
	}
	byAction, err := w.repo.PendingByAction(ctx)
	if err != nil {
		return nil, err
	}
	processing, err := w.repo.Processing(ctx)
	if err != nil {
		return nil, err
	}

	for action, n := range byAction {
		metrics.ActionQueueDepth.WithLabelValues(string(action)).Set(float64(n))
	}

	w.mu.Lock()
	processed := w.totalProcessed
	failed := w.totalFailed
	busy := w.busySeconds
	w.mu.Unlock()

	pending := counts[model.QueueStatusPending]
	var eta float64
	if done := processed + failed; done > 0 {
		eta = busy / float64(done) * float64(pending)
	}

	return &Status{
		Paused:          w.paused.Load(),
		PendingCount:    pending,
		PendingByAction: byAction,
		Processing:      processing,
		TotalProcessed:  processed,
		TotalFailed:     failed,
		ETASeconds:      eta,
	}, nil
}
