package model

import (
	"time"

	"github.com/google/uuid"
)

// QueueStatus is the lifecycle state of a queued item.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// ActionType identifies a per-round workflow action driven by the action queue.
type ActionType string

const (
	ActionFetchTxns   ActionType = "fetch_txns"
	ActionReconstruct ActionType = "reconstruct"
	ActionFinalize    ActionType = "finalize"
)

// QueuedAction is one per-round action awaiting the single-flight worker.
type QueuedAction struct {
	ID          uuid.UUID   `db:"id"`
	RoundID     int64       `db:"round_id"`
	Action      ActionType  `db:"action"`
	Status      QueueStatus `db:"status"`
	EnqueuedAt  time.Time   `db:"enqueued_at"`
	StartedAt   *time.Time  `db:"started_at"`
	CompletedAt *time.Time  `db:"completed_at"`
	Error       *string     `db:"error"`
}

// AutomationQueueItem is a secondary lookup for a deploy whose completion
// event was absent from logs and instructions. The worker searches the chain
// for the automation account's state at the deploy slot.
type AutomationQueueItem struct {
	ID               uuid.UUID   `db:"id"`
	RoundID          int64       `db:"round_id"`
	MinerPubkey      string      `db:"miner_pubkey"`
	AuthorityPubkey  string      `db:"authority_pubkey"`
	AutomationPDA    string      `db:"automation_pda"`
	DeploySignature  string      `db:"deploy_signature"`
	DeployIxIndex    int         `db:"deploy_ix_index"`
	DeploySlot       int64       `db:"deploy_slot"`
	Status           QueueStatus `db:"status"`
	Attempts         int         `db:"attempts"`
	LastError        *string     `db:"last_error"`
	TxnsSearched     int         `db:"txns_searched"`
	PagesFetched     int         `db:"pages_fetched"`
	FetchDurationMS  int64       `db:"fetch_duration_ms"`
	AutomationFound  bool        `db:"automation_found"`
	AutomationActive bool        `db:"automation_active"`
	Priority         int         `db:"priority"`
	CreatedAt        time.Time   `db:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at"`
}
