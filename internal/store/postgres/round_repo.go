package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Kriptikz/evore-sub000/internal/domain/model"
	"github.com/Kriptikz/evore-sub000/internal/store"
)

type RoundRepo struct {
	db *DB
}

func NewRoundRepo(db *DB) *RoundRepo {
	return &RoundRepo{db: db}
}

var _ store.RoundRepository = (*RoundRepo)(nil)

const roundColumns = `
	round_id, start_slot, end_slot, winning_square, top_miner,
	total_deployed, total_winnings, unique_miners, motherlode_amount,
	motherlode_hit, deployment_count, source, in_workflow,
	meta_fetched, transactions_fetched, reconstructed, verified, finalized,
	transaction_count, verification_notes, parsed_total, discrepancy, invalid,
	created_at, updated_at`

// Upsert inserts or refreshes a round's feed metadata. Workflow flags and
// reconstruction results on an existing row are preserved; FetchMeta is
// idempotent.
func (r *RoundRepo) Upsert(ctx context.Context, round *model.Round) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rounds (
			round_id, start_slot, end_slot, winning_square, top_miner,
			total_deployed, total_winnings, unique_miners, motherlode_amount,
			motherlode_hit, deployment_count, source, meta_fetched
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, TRUE)
		ON CONFLICT (round_id) DO UPDATE SET
			start_slot        = EXCLUDED.start_slot,
			end_slot          = EXCLUDED.end_slot,
			winning_square    = EXCLUDED.winning_square,
			top_miner         = EXCLUDED.top_miner,
			total_deployed    = EXCLUDED.total_deployed,
			total_winnings    = EXCLUDED.total_winnings,
			unique_miners     = EXCLUDED.unique_miners,
			motherlode_amount = EXCLUDED.motherlode_amount,
			motherlode_hit    = EXCLUDED.motherlode_hit,
			meta_fetched      = TRUE,
			updated_at        = now()
	`, round.RoundID, round.StartSlot, round.EndSlot, round.WinningSquare,
		round.TopMiner, round.TotalDeployed, round.TotalWinnings,
		round.UniqueMiners, round.MotherlodeAmount, round.MotherlodeHit,
		round.DeploymentCount, round.Source,
	)
	if err != nil {
		return fmt.Errorf("upsert round %d: %w", round.RoundID, err)
	}
	return nil
}

func (r *RoundRepo) Get(ctx context.Context, roundID int64) (*model.Round, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE round_id = $1`, roundID)
	round, err := scanRound(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get round %d: %w", roundID, err)
	}
	return round, nil
}

func (r *RoundRepo) List(ctx context.Context, f store.RoundFilter) ([]model.Round, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + roundColumns + ` FROM rounds WHERE round_id > $1`
	if f.MissingDeployments {
		query += ` AND reconstructed AND deployment_count = 0`
	}
	if f.Invalid {
		query += ` AND invalid`
	}
	query += ` ORDER BY round_id LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, f.AfterRoundID, limit)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	var out []model.Round
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		out = append(out, *round)
	}
	return out, rows.Err()
}

func (r *RoundRepo) ExistingInRange(ctx context.Context, start, end int64) (map[int64]bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT round_id FROM rounds
		WHERE round_id BETWEEN $1 AND $2 AND meta_fetched
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("existing rounds in [%d, %d]: %w", start, end, err)
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (r *RoundRepo) MissingRoundIDs(ctx context.Context, start, end int64) ([]int64, error) {
	existing, err := r.ExistingInRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	var missing []int64
	for id := start; id <= end; id++ {
		if !existing[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (r *RoundRepo) RangeForEnqueue(ctx context.Context, start, end int64, action model.ActionType, skipIfDone, onlyInWorkflow bool) ([]int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	query := `SELECT round_id FROM rounds WHERE round_id BETWEEN $1 AND $2`
	if onlyInWorkflow {
		query += ` AND in_workflow`
	}
	if skipIfDone {
		switch action {
		case model.ActionFetchTxns:
			query += ` AND NOT transactions_fetched`
		case model.ActionReconstruct:
			query += ` AND NOT reconstructed`
		case model.ActionFinalize:
			query += ` AND NOT finalized`
		default:
			return nil, fmt.Errorf("unknown action %q", action)
		}
	}
	query += ` ORDER BY round_id`

	rows, err := r.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("rounds for enqueue [%d, %d]: %w", start, end, err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *RoundRepo) AddRangeToWorkflow(ctx context.Context, start, end int64) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE rounds SET in_workflow = TRUE, updated_at = now()
		WHERE round_id BETWEEN $1 AND $2 AND NOT in_workflow
	`, start, end)
	if err != nil {
		return 0, fmt.Errorf("add rounds [%d, %d] to workflow: %w", start, end, err)
	}
	return res.RowsAffected()
}

func (r *RoundRepo) StageCounts(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE meta_fetched),
			count(*) FILTER (WHERE transactions_fetched),
			count(*) FILTER (WHERE reconstructed),
			count(*) FILTER (WHERE verified),
			count(*) FILTER (WHERE finalized),
			count(*) FILTER (WHERE invalid),
			count(*) FILTER (WHERE reconstructed AND deployment_count = 0),
			count(*) FILTER (WHERE in_workflow)
		FROM rounds
	`)

	var total, meta, txns, recon, verified, finalized, invalid, missing, inWorkflow int64
	if err := row.Scan(&total, &meta, &txns, &recon, &verified, &finalized, &invalid, &missing, &inWorkflow); err != nil {
		return nil, fmt.Errorf("stage counts: %w", err)
	}
	return map[string]int64{
		"total":                total,
		"meta_fetched":         meta,
		"transactions_fetched": txns,
		"reconstructed":        recon,
		"verified":             verified,
		"finalized":            finalized,
		"invalid":              invalid,
		"missing_deployments":  missing,
		"in_workflow":          inWorkflow,
	}, nil
}

// SetTransactionsFetched records a completed transaction fetch. Requires
// meta_fetched; returns false when the round is absent or meta is missing.
func (r *RoundRepo) SetTransactionsFetched(ctx context.Context, roundID int64, txCount int) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE rounds SET
			transactions_fetched = TRUE,
			transaction_count = $2,
			updated_at = now()
		WHERE round_id = $1 AND meta_fetched
	`, roundID, txCount)
	if err != nil {
		return false, fmt.Errorf("set transactions_fetched for round %d: %w", roundID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClearTransactionsFetched is the compare-and-set behind ResetTransactions:
// it only fires while the round is fetched but not yet reconstructed.
func (r *RoundRepo) ClearTransactionsFetched(ctx context.Context, roundID int64) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE rounds SET
			transactions_fetched = FALSE,
			transaction_count = 0,
			updated_at = now()
		WHERE round_id = $1 AND transactions_fetched AND NOT reconstructed
	`, roundID)
	if err != nil {
		return false, fmt.Errorf("clear transactions_fetched for round %d: %w", roundID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *RoundRepo) SetReconstructed(ctx context.Context, roundID int64, deploymentCount int, discrepancy int64, invalid bool) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE rounds SET
			reconstructed = TRUE,
			deployment_count = $2,
			parsed_total = total_deployed - $3,
			discrepancy = $3,
			invalid = $4,
			updated_at = now()
		WHERE round_id = $1 AND transactions_fetched
	`, roundID, deploymentCount, discrepancy, invalid)
	if err != nil {
		return false, fmt.Errorf("set reconstructed for round %d: %w", roundID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetVerified marks a reconstructed round verified. Invalid rounds are
// refused unless override is set.
func (r *RoundRepo) SetVerified(ctx context.Context, roundID int64, notes *string, override bool) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE rounds SET
			verified = TRUE,
			verification_notes = COALESCE($2, verification_notes),
			updated_at = now()
		WHERE round_id = $1 AND reconstructed AND ($3 OR NOT invalid)
	`, roundID, notes, override)
	if err != nil {
		return false, fmt.Errorf("set verified for round %d: %w", roundID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// BulkVerify verifies every reconstructed, unverified round in the range with
// a zero discrepancy. Invalid rounds are never swept up.
func (r *RoundRepo) BulkVerify(ctx context.Context, start, end int64) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE rounds SET verified = TRUE, updated_at = now()
		WHERE round_id BETWEEN $1 AND $2
		  AND reconstructed AND NOT verified AND discrepancy = 0
	`, start, end)
	if err != nil {
		return 0, fmt.Errorf("bulk verify rounds [%d, %d]: %w", start, end, err)
	}
	return res.RowsAffected()
}

// FinalizeTx flips finalized inside the caller's transaction, alongside the
// deployments replace. Requires reconstructed.
func (r *RoundRepo) FinalizeTx(ctx context.Context, tx *sql.Tx, roundID int64, totals store.FinalizeTotals) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE rounds SET
			finalized = TRUE,
			deployment_count = $2,
			unique_miners = $3,
			parsed_total = $4,
			discrepancy = $5,
			invalid = $6,
			updated_at = now()
		WHERE round_id = $1 AND reconstructed
	`, roundID, totals.DeploymentCount, totals.UniqueMiners,
		totals.TotalDeployed, totals.Discrepancy, totals.Invalid)
	if err != nil {
		return false, fmt.Errorf("finalize round %d: %w", roundID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *RoundRepo) Delete(ctx context.Context, roundID int64, scope store.DeleteScope) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete round %d: %w", roundID, err)
	}
	defer tx.Rollback()

	if scope.Deployments {
		if _, err := tx.ExecContext(ctx, `DELETE FROM deployments WHERE round_id = $1`, roundID); err != nil {
			return fmt.Errorf("delete deployments for round %d: %w", roundID, err)
		}
	}
	if scope.RawTransactions {
		if _, err := tx.ExecContext(ctx, `DELETE FROM raw_transactions WHERE round_id = $1`, roundID); err != nil {
			return fmt.Errorf("delete raw transactions for round %d: %w", roundID, err)
		}
	}
	if scope.Round {
		if _, err := tx.ExecContext(ctx, `DELETE FROM rounds WHERE round_id = $1`, roundID); err != nil {
			return fmt.Errorf("delete round %d: %w", roundID, err)
		}
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (*model.Round, error) {
	var r model.Round
	err := row.Scan(
		&r.RoundID, &r.StartSlot, &r.EndSlot, &r.WinningSquare, &r.TopMiner,
		&r.TotalDeployed, &r.TotalWinnings, &r.UniqueMiners, &r.MotherlodeAmount,
		&r.MotherlodeHit, &r.DeploymentCount, &r.Source, &r.InWorkflow,
		&r.MetaFetched, &r.TransactionsFetched, &r.Reconstructed, &r.Verified, &r.Finalized,
		&r.TransactionCount, &r.VerificationNotes, &r.ParsedTotal, &r.Discrepancy, &r.Invalid,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
