package postgres

import (
	"context"
	"fmt"

	"github.com/Kriptikz/evore-sub000/internal/domain/model"
	"github.com/Kriptikz/evore-sub000/internal/store"
	"github.com/lib/pq"
)

type RawTransactionRepo struct {
	db *DB
}

func NewRawTransactionRepo(db *DB) *RawTransactionRepo {
	return &RawTransactionRepo{db: db}
}

var _ store.RawTransactionRepository = (*RawTransactionRepo)(nil)

// BulkUpsert stores fetched transactions via COPY into a temp table followed
// by an INSERT ... ON CONFLICT DO NOTHING merge. Returns the number of new
// rows; refetches of stored signatures are free.
func (r *RawTransactionRepo) BulkUpsert(ctx context.Context, txns []*model.RawTransaction) (int, error) {
	if len(txns) == 0 {
		return 0, nil
	}

	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin raw transaction bulk upsert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TEMP TABLE tmp_raw_transactions
		(LIKE raw_transactions INCLUDING DEFAULTS)
		ON COMMIT DROP
	`); err != nil {
		return 0, fmt.Errorf("create temp table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("tmp_raw_transactions",
		"signature", "slot", "block_time", "round_id", "tx_type",
		"signer", "authority", "payload"))
	if err != nil {
		return 0, fmt.Errorf("prepare copy: %w", err)
	}
	for _, t := range txns {
		if _, err := stmt.ExecContext(ctx, t.Signature, t.Slot, t.BlockTime,
			t.RoundID, t.TxType, t.Signer, t.Authority, []byte(t.Payload)); err != nil {
			stmt.Close()
			return 0, fmt.Errorf("copy raw transaction %s: %w", t.Signature, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return 0, fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("close copy: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO raw_transactions
			(signature, slot, block_time, round_id, tx_type, signer, authority, payload)
		SELECT signature, slot, block_time, round_id, tx_type, signer, authority, payload
		FROM tmp_raw_transactions
		ON CONFLICT (signature) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("merge raw transactions: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit raw transaction bulk upsert: %w", err)
	}
	return int(inserted), nil
}

func (r *RawTransactionRepo) ListByRound(ctx context.Context, roundID int64) ([]model.RawTransaction, error) {
	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT signature, slot, block_time, round_id, tx_type, signer, authority, payload, created_at
		FROM raw_transactions
		WHERE round_id = $1
		ORDER BY slot, signature
	`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list raw transactions for round %d: %w", roundID, err)
	}
	defer rows.Close()

	var out []model.RawTransaction
	for rows.Next() {
		var t model.RawTransaction
		if err := rows.Scan(&t.Signature, &t.Slot, &t.BlockTime, &t.RoundID,
			&t.TxType, &t.Signer, &t.Authority, &t.Payload, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan raw transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *RawTransactionRepo) CountByRound(ctx context.Context, roundID int64) (int, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM raw_transactions WHERE round_id = $1`, roundID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count raw transactions for round %d: %w", roundID, err)
	}
	return n, nil
}

func (r *RawTransactionRepo) ListSignaturesByRound(ctx context.Context, roundID int64) ([]string, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT signature FROM raw_transactions WHERE round_id = $1`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list signatures for round %d: %w", roundID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sig string
		if err := rows.Scan(&sig); err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (r *RawTransactionRepo) HasSignature(ctx context.Context, signature string) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM raw_transactions WHERE signature = $1)`, signature,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check signature %s: %w", signature, err)
	}
	return exists, nil
}

func (r *RawTransactionRepo) DeleteByRound(ctx context.Context, roundID int64) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM raw_transactions WHERE round_id = $1`, roundID)
	if err != nil {
		return 0, fmt.Errorf("delete raw transactions for round %d: %w", roundID, err)
	}
	return res.RowsAffected()
}
