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

type AutomationQueueRepo struct {
	db *DB
}

func NewAutomationQueueRepo(db *DB) *AutomationQueueRepo {
	return &AutomationQueueRepo{db: db}
}

var _ store.AutomationQueueRepository = (*AutomationQueueRepo)(nil)

const automationItemColumns = `
	id, round_id, miner_pubkey, authority_pubkey, automation_pda,
	deploy_signature, deploy_ix_index, deploy_slot, status, attempts,
	last_error, txns_searched, pages_fetched, fetch_duration_ms,
	automation_found, automation_active, priority, created_at, updated_at`

// Enqueue inserts an item keyed by (deploy_signature, deploy_ix_index) so the
// same deploy is never queued twice across reconstructions.
func (r *AutomationQueueRepo) Enqueue(ctx context.Context, item *model.AutomationQueueItem) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	id := item.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO automation_queue_items (
			id, round_id, miner_pubkey, authority_pubkey, automation_pda,
			deploy_signature, deploy_ix_index, deploy_slot, status, priority
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9)
		ON CONFLICT (deploy_signature, deploy_ix_index) DO NOTHING
	`, id, item.RoundID, item.MinerPubkey, item.AuthorityPubkey,
		item.AutomationPDA, item.DeploySignature, item.DeployIxIndex,
		item.DeploySlot, item.Priority)
	if err != nil {
		return false, fmt.Errorf("enqueue automation item for %s[%d]: %w",
			item.DeploySignature, item.DeployIxIndex, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClaimNext moves the highest-priority oldest pending item to processing.
func (r *AutomationQueueRepo) ClaimNext(ctx context.Context) (*model.AutomationQueueItem, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		UPDATE automation_queue_items SET status = 'processing', updated_at = now()
		WHERE id = (
			SELECT id FROM automation_queue_items
			WHERE status = 'pending'
			ORDER BY priority DESC, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+automationItemColumns)

	item, err := scanAutomationItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next automation item: %w", err)
	}
	return item, nil
}

func (r *AutomationQueueRepo) MarkCompleted(ctx context.Context, id uuid.UUID, res store.AutomationResult) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE automation_queue_items SET
			status = 'completed',
			txns_searched = $2,
			pages_fetched = $3,
			fetch_duration_ms = $4,
			automation_found = $5,
			automation_active = $6,
			last_error = NULL,
			updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, res.TxnsSearched, res.PagesFetched, res.FetchDurationMS, res.Found, res.Active)
	if err != nil {
		return fmt.Errorf("mark automation item %s completed: %w", id, err)
	}
	return nil
}

func (r *AutomationQueueRepo) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, res store.AutomationResult) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE automation_queue_items SET
			status = 'failed',
			attempts = attempts + 1,
			last_error = $2,
			txns_searched = $3,
			pages_fetched = $4,
			fetch_duration_ms = $5,
			updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, errMsg, res.TxnsSearched, res.PagesFetched, res.FetchDurationMS)
	if err != nil {
		return fmt.Errorf("mark automation item %s failed: %w", id, err)
	}
	return nil
}

// RetryFailed requeues failed items whose attempt budget is not exhausted.
func (r *AutomationQueueRepo) RetryFailed(ctx context.Context, maxAttempts int) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE automation_queue_items SET status = 'pending', updated_at = now()
		WHERE status = 'failed' AND attempts < $1
	`, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("retry failed automation items: %w", err)
	}
	return res.RowsAffected()
}

func (r *AutomationQueueRepo) SweepStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE automation_queue_items SET status = 'pending', updated_at = now()
		WHERE status = 'processing' AND updated_at < now() - $1::interval
	`, fmt.Sprintf("%d milliseconds", olderThan.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("sweep stale automation items: %w", err)
	}
	return res.RowsAffected()
}

func (r *AutomationQueueRepo) Counts(ctx context.Context) (map[model.QueueStatus]int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT status, count(*) FROM automation_queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("automation queue counts: %w", err)
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

func scanAutomationItem(row rowScanner) (*model.AutomationQueueItem, error) {
	var it model.AutomationQueueItem
	err := row.Scan(&it.ID, &it.RoundID, &it.MinerPubkey, &it.AuthorityPubkey,
		&it.AutomationPDA, &it.DeploySignature, &it.DeployIxIndex, &it.DeploySlot,
		&it.Status, &it.Attempts, &it.LastError, &it.TxnsSearched, &it.PagesFetched,
		&it.FetchDurationMS, &it.AutomationFound, &it.AutomationActive,
		&it.Priority, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &it, nil
}
