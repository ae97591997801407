package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/Kriptikz/evore-sub000/internal/domain/model"
	"github.com/google/uuid"
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// RoundFilter narrows round listings. Zero value lists everything from the
// beginning. AfterRoundID is an exclusive cursor.
type RoundFilter struct {
	MissingDeployments bool
	Invalid            bool
	AfterRoundID       int64
	Limit              int
}

// FinalizeTotals is the aggregate snapshot written when a round is finalized.
type FinalizeTotals struct {
	TotalDeployed   int64
	DeploymentCount int
	UniqueMiners    int
	Discrepancy     int64
	Invalid         bool
}

// DeleteScope selects which per-round data an administrative delete removes.
type DeleteScope struct {
	Round           bool
	Deployments     bool
	RawTransactions bool
}

// RoundRepository provides access to round workflow state.
//
// The Set*/Clear* flag mutations are single-statement compare-and-set updates:
// the returned bool is false when the precondition row did not match, and the
// caller maps that to a typed precondition error.
type RoundRepository interface {
	Upsert(ctx context.Context, r *model.Round) error
	Get(ctx context.Context, roundID int64) (*model.Round, error)
	List(ctx context.Context, f RoundFilter) ([]model.Round, error)

	// ExistingInRange reports which round ids in [start, end] are stored with
	// meta_fetched. Backfill uses it to prove a page jump skips no gap.
	ExistingInRange(ctx context.Context, start, end int64) (map[int64]bool, error)
	MissingRoundIDs(ctx context.Context, start, end int64) ([]int64, error)

	// RangeForEnqueue returns the round ids in [start, end] eligible for the
	// given action. skipIfDone excludes rounds already past the action's
	// target flag; onlyInWorkflow restricts to operator-marked rounds.
	RangeForEnqueue(ctx context.Context, start, end int64, action model.ActionType, skipIfDone, onlyInWorkflow bool) ([]int64, error)
	AddRangeToWorkflow(ctx context.Context, start, end int64) (int64, error)

	StageCounts(ctx context.Context) (map[string]int64, error)

	SetTransactionsFetched(ctx context.Context, roundID int64, txCount int) (bool, error)
	ClearTransactionsFetched(ctx context.Context, roundID int64) (bool, error)
	SetReconstructed(ctx context.Context, roundID int64, deploymentCount int, discrepancy int64, invalid bool) (bool, error)
	SetVerified(ctx context.Context, roundID int64, notes *string, override bool) (bool, error)
	BulkVerify(ctx context.Context, start, end int64) (int64, error)
	FinalizeTx(ctx context.Context, tx *sql.Tx, roundID int64, totals FinalizeTotals) (bool, error)
	Delete(ctx context.Context, roundID int64, scope DeleteScope) error
}

// RawTransactionRepository provides access to fetched raw transactions.
type RawTransactionRepository interface {
	BulkUpsert(ctx context.Context, txns []*model.RawTransaction) (int, error)
	ListByRound(ctx context.Context, roundID int64) ([]model.RawTransaction, error)
	CountByRound(ctx context.Context, roundID int64) (int, error)
	ListSignaturesByRound(ctx context.Context, roundID int64) ([]string, error)
	HasSignature(ctx context.Context, signature string) (bool, error)
	DeleteByRound(ctx context.Context, roundID int64) (int64, error)
}

// DeploymentRepository provides access to the analytical deployments table.
// ReplaceForRoundTx is the only write path; the finalizer owns the enclosing
// transaction.
type DeploymentRepository interface {
	ReplaceForRoundTx(ctx context.Context, tx *sql.Tx, roundID int64, deployments []*model.Deployment) error
	ListByRound(ctx context.Context, roundID int64) ([]model.Deployment, error)
	CountByRound(ctx context.Context, roundID int64) (int, error)
}

// ActionQueueRepository provides access to the per-round action queue.
type ActionQueueRepository interface {
	// Enqueue inserts a pending action unless the same (round, action) is
	// already pending or processing. Returns false on that duplicate.
	Enqueue(ctx context.Context, roundID int64, action model.ActionType) (bool, error)
	// ClaimNext atomically moves the oldest pending action to processing.
	// Returns nil when the queue is empty.
	ClaimNext(ctx context.Context) (*model.QueuedAction, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	Processing(ctx context.Context) (*model.QueuedAction, error)
	Counts(ctx context.Context) (map[model.QueueStatus]int64, error)
	PendingByAction(ctx context.Context) (map[model.ActionType]int64, error)
	ClearPending(ctx context.Context) (int64, error)
	RetryFailed(ctx context.Context) (int64, error)
	// SweepStale requeues processing items older than the cutoff.
	SweepStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// AutomationResult is the outcome of one automation account lookup.
type AutomationResult struct {
	TxnsSearched    int
	PagesFetched    int
	FetchDurationMS int64
	Found           bool
	Active          bool
}

// AutomationQueueRepository provides access to the automation lookup queue.
type AutomationQueueRepository interface {
	// Enqueue inserts an item unless one already exists for the same deploy
	// (signature + instruction index). Returns false on that duplicate.
	Enqueue(ctx context.Context, item *model.AutomationQueueItem) (bool, error)
	ClaimNext(ctx context.Context) (*model.AutomationQueueItem, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, res AutomationResult) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, res AutomationResult) error
	RetryFailed(ctx context.Context, maxAttempts int) (int64, error)
	SweepStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Counts(ctx context.Context) (map[model.QueueStatus]int64, error)
}
