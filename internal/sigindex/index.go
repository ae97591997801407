// Package sigindex answers "have we already stored this signature?" without
// a database round trip per signature. The transaction fetch walks signature
// pages far larger than the unstored remainder, so cheap negatives matter.
package sigindex

import (
	"context"
	"fmt"

	"github.com/Kriptikz/evore-sub000/internal/metrics"
)

// SignatureStore is the authoritative membership check, satisfied by the raw
// transaction repository.
type SignatureStore interface {
	HasSignature(ctx context.Context, signature string) (bool, error)
	ListSignaturesByRound(ctx context.Context, roundID int64) ([]string, error)
}

// Config sizes the bloom tier.
type Config struct {
	ExpectedItems int
	FPR           float64
}

// Index is a two-tier signature membership index:
//
//	Tier 1: bloom filter, definite negative in O(1)
//	Tier 2: store lookup, authoritative; hits are added to the bloom
type Index struct {
	bloom *bloomFilter
	store SignatureStore
}

func New(store SignatureStore, cfg Config) *Index {
	if cfg.ExpectedItems <= 0 {
		cfg.ExpectedItems = 500_000
	}
	if cfg.FPR <= 0 {
		cfg.FPR = 0.001
	}
	return &Index{
		bloom: newBloomFilter(cfg.ExpectedItems, cfg.FPR),
		store: store,
	}
}

// Seen reports whether the signature is already stored. On a store error it
// returns false so the caller refetches; refetching a stored transaction is
// harmless, skipping an unstored one is not.
func (ix *Index) Seen(ctx context.Context, signature string) bool {
	if !ix.bloom.MayContain(signature) {
		return false
	}

	stored, err := ix.store.HasSignature(ctx, signature)
	if err != nil {
		return false
	}
	if stored {
		metrics.EngineSignatureDedupHits.Inc()
	}
	return stored
}

// Add records a freshly stored signature.
func (ix *Index) Add(signature string) {
	ix.bloom.Add(signature)
}

// WarmRound preloads the bloom with a round's stored signatures before a
// refetch, so duplicate pages short-circuit on the first tier.
func (ix *Index) WarmRound(ctx context.Context, roundID int64) error {
	sigs, err := ix.store.ListSignaturesByRound(ctx, roundID)
	if err != nil {
		return fmt.Errorf("warm signature index for round %d: %w", roundID, err)
	}
	for _, sig := range sigs {
		ix.bloom.Add(sig)
	}
	return nil
}
