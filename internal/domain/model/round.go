package model

import "time"

// RoundSource records how a round entered the workflow store.
type RoundSource string

const (
	RoundSourceLive       RoundSource = "live"
	RoundSourceBackfilled RoundSource = "backfilled"
)

// Round is one game cycle with its reported totals and workflow flags.
// The five workflow flags are conventionally traversed in order:
// meta_fetched -> transactions_fetched -> reconstructed -> verified -> finalized.
type Round struct {
	RoundID          int64       `db:"round_id"`
	StartSlot        int64       `db:"start_slot"`
	EndSlot          int64       `db:"end_slot"`
	WinningSquare    *int16      `db:"winning_square"`
	TopMiner         *string     `db:"top_miner"`
	TotalDeployed    int64       `db:"total_deployed"` // lamports
	TotalWinnings    int64       `db:"total_winnings"` // lamports
	UniqueMiners     int         `db:"unique_miners"`
	MotherlodeAmount int64       `db:"motherlode_amount"`
	MotherlodeHit    bool        `db:"motherlode_hit"`
	DeploymentCount  int         `db:"deployment_count"`
	Source           RoundSource `db:"source"`

	// InWorkflow marks rounds an operator has pulled into active processing.
	// Range enqueues can be restricted to these.
	InWorkflow bool `db:"in_workflow"`

	MetaFetched         bool    `db:"meta_fetched"`
	TransactionsFetched bool    `db:"transactions_fetched"`
	Reconstructed       bool    `db:"reconstructed"`
	Verified            bool    `db:"verified"`
	Finalized           bool    `db:"finalized"`
	TransactionCount    int     `db:"transaction_count"`
	VerificationNotes   *string `db:"verification_notes"`

	// ParsedTotal is the instruction-derived deployment total from the last
	// reconstruction. Discrepancy is total_deployed - parsed_total; any
	// non-zero value marks the round invalid.
	ParsedTotal int64 `db:"parsed_total"`
	Discrepancy int64 `db:"discrepancy"`
	Invalid     bool  `db:"invalid"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// MissingDeployments reports the flagged condition of a reconstructed round
// whose reconstruction recovered zero deployments. Distinct from "not yet
// reconstructed".
func (r *Round) MissingDeployments() bool {
	return r.Reconstructed && r.DeploymentCount == 0
}
