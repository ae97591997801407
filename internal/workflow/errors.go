package workflow

import "errors"

// Precondition violations are typed so the admin surface can map them to 409s
// and so callers never confuse them with retryable upstream failures.
var (
	ErrRoundNotFound          = errors.New("round not found")
	ErrMetaNotFetched         = errors.New("round metadata not fetched")
	ErrTransactionsNotFetched = errors.New("transactions not fetched")
	ErrAlreadyReconstructed   = errors.New("round already reconstructed")
	ErrNotReconstructed       = errors.New("round not reconstructed")
	ErrRoundInvalid           = errors.New("round has a reconciliation discrepancy")
)
