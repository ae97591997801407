package model

import (
	"encoding/json"
	"time"
)

// RawTransaction is one signed transaction fetched for a round's slot range.
// Immutable once stored; the opaque payload is the full getTransaction JSON.
type RawTransaction struct {
	Signature string          `db:"signature"`
	Slot      int64           `db:"slot"`
	BlockTime *time.Time      `db:"block_time"`
	RoundID   int64           `db:"round_id"`
	TxType    string          `db:"tx_type"`
	Signer    string          `db:"signer"`
	Authority string          `db:"authority"`
	Payload   json.RawMessage `db:"payload"`
	CreatedAt time.Time       `db:"created_at"`
}
