package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Kriptikz/evore-sub000/internal/domain/model"
	"github.com/Kriptikz/evore-sub000/internal/store"
	"github.com/google/uuid"
)

type ActionQueueRepo struct {
	db *DB
}

func NewActionQueueRepo(db *DB) *ActionQueueRepo {
	return &ActionQueueRepo{db: db}
}

var _ store.ActionQueueRepository = (*ActionQueueRepo)(nil)

const queuedActionColumns = `id, round_id, action, status, enqueued_at, started_at, completed_at, error`

// Enqueue inserts a pending action. The partial unique index on
// (round_id, action) WHERE status IN ('pending','processing') makes a
// duplicate enqueue a no-op; we report it via the bool.
func (r *ActionQueueRepo) Enqueue(ctx context.Context, roundID int64, action model.ActionType) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO queued_actions (id, round_id, action, status)
		VALUES ($1, $2, $3, 'pending')
		ON CONFLICT DO NOTHING
	`, uuid.New(), roundID, action)
	if err != nil {
		return false, fmt.Errorf("enqueue %s for round %d: %w", action, roundID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClaimNext moves the oldest pending action to processing in one statement.
// The single worker plus this claim keeps at most one item processing.
func (r *ActionQueueRepo) ClaimNext(ctx context.Context) (*model.QueuedAction, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		UPDATE queued_actions SET status = 'processing', started_at = now()
		WHERE id = (
			SELECT id FROM queued_actions
			WHERE status = 'pending'
			ORDER BY enqueued_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+queuedActionColumns)

	a, err := scanQueuedAction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next action: %w", err)
	}
	return a, nil
}

func (r *ActionQueueRepo) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE queued_actions SET status = 'completed', completed_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id)
	if err != nil {
		return fmt.Errorf("mark action %s completed: %w", id, err)
	}
	return nil
}

func (r *ActionQueueRepo) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE queued_actions SET status = 'failed', completed_at = now(), error = $2
		WHERE id = $1 AND status = 'processing'
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("mark action %s failed: %w", id, err)
	}
	return nil
}

func (r *ActionQueueRepo) Processing(ctx context.Context) (*model.QueuedAction, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+queuedActionColumns+` FROM queued_actions
		WHERE status = 'processing'
		ORDER BY started_at
		LIMIT 1
	`)
	a, err := scanQueuedAction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get processing action: %w", err)
	}
	return a, nil
}

func (r *ActionQueueRepo) Counts(ctx context.Context) (map[model.QueueStatus]int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT status, count(*) FROM queued_actions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("action queue counts: %w", err)
	}
	defer rows.Close()

	out := make(map[model.QueueStatus]int64)
	for rows.Next() {
		var status model.QueueStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (r *ActionQueueRepo) PendingByAction(ctx context.Context) (map[model.ActionType]int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT action, count(*) FROM queued_actions
		WHERE status = 'pending' GROUP BY action
	`)
	if err != nil {
		return nil, fmt.Errorf("pending actions by type: %w", err)
	}
	defer rows.Close()

	out := make(map[model.ActionType]int64)
	for rows.Next() {
		var action model.ActionType
		var n int64
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		out[action] = n
	}
	return out, rows.Err()
}

func (r *ActionQueueRepo) ClearPending(ctx context.Context) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM queued_actions WHERE status = 'pending'`)
	if err != nil {
		return 0, fmt.Errorf("clear pending actions: %w", err)
	}
	return res.RowsAffected()
}

// RetryFailed requeues failed items. Failures never auto-retry; this is the
// operator's explicit lever.
func (r *ActionQueueRepo) RetryFailed(ctx context.Context) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE queued_actions SET
			status = 'pending', started_at = NULL, completed_at = NULL, error = NULL
		WHERE status = 'failed'
	`)
	if err != nil {
		return 0, fmt.Errorf("retry failed actions: %w", err)
	}
	return res.RowsAffected()
}

// SweepStale requeues items stuck in processing, e.g. after a worker crash.
func (r *ActionQueueRepo) SweepStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE queued_actions SET status = 'pending', started_at = NULL
		WHERE status = 'processing' AND started_at < now() - $1::interval
	`, fmt.Sprintf("%d milliseconds", olderThan.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("sweep stale actions: %w", err)
	}
	return res.RowsAffected()
}

func scanQueuedAction(row rowScanner) (*model.QueuedAction, error) {
	var a model.QueuedAction
	err := row.Scan(&a.ID, &a.RoundID, &a.Action, &a.Status,
		&a.EnqueuedAt, &a.StartedAt, &a.CompletedAt, &a.Error)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
