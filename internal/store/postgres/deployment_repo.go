package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Kriptikz/evore-sub000/internal/domain/model"
	"github.com/Kriptikz/evore-sub000/internal/store"
)

type DeploymentRepo struct {
	db *DB
}

func NewDeploymentRepo(db *DB) *DeploymentRepo {
	return &DeploymentRepo{db: db}
}

var _ store.DeploymentRepository = (*DeploymentRepo)(nil)

// ReplaceForRoundTx deletes the round's deployments and inserts the
// reconciled set inside the caller's transaction. The finalizer is the only
// caller, so the table never holds a partial round.
func (r *DeploymentRepo) ReplaceForRoundTx(ctx context.Context, tx *sql.Tx, roundID int64, deployments []*model.Deployment) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM deployments WHERE round_id = $1`, roundID); err != nil {
		return fmt.Errorf("delete deployments for round %d: %w", roundID, err)
	}

	if len(deployments) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO deployments
			(round_id, miner_pubkey, square_id, amount, deployed_slot,
			 sol_earned, ore_earned, is_winner, is_top_miner)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		return fmt.Errorf("prepare deployment insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range deployments {
		if _, err := stmt.ExecContext(ctx, d.RoundID, d.MinerPubkey, d.SquareID,
			d.Amount, d.DeployedSlot, d.SolEarned, d.OreEarned,
			d.IsWinner, d.IsTopMiner); err != nil {
			return fmt.Errorf("insert deployment (%d, %s, %d): %w",
				d.RoundID, d.MinerPubkey, d.SquareID, err)
		}
	}
	return nil
}

func (r *DeploymentRepo) ListByRound(ctx context.Context, roundID int64) ([]model.Deployment, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT round_id, miner_pubkey, square_id, amount, deployed_slot,
		       sol_earned, ore_earned, is_winner, is_top_miner
		FROM deployments
		WHERE round_id = $1
		ORDER BY miner_pubkey, square_id
	`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list deployments for round %d: %w", roundID, err)
	}
	defer rows.Close()

	var out []model.Deployment
	for rows.Next() {
		var d model.Deployment
		if err := rows.Scan(&d.RoundID, &d.MinerPubkey, &d.SquareID, &d.Amount,
			&d.DeployedSlot, &d.SolEarned, &d.OreEarned, &d.IsWinner, &d.IsTopMiner); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *DeploymentRepo) CountByRound(ctx context.Context, roundID int64) (int, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM deployments WHERE round_id = $1`, roundID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count deployments for round %d: %w", roundID, err)
	}
	return n, nil
}
