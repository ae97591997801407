// Package workflow drives each round through its flag progression:
// meta_fetched, transactions_fetched, reconstructed, verified, finalized.
// Every flag mutation is a compare-and-set in the round store; this service
// maps failed preconditions to typed errors and never sets a flag over a
// failed upstream call.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Kriptikz/evore-sub000/internal/alert"
	"github.com/Kriptikz/evore-sub000/internal/config"
	"github.com/Kriptikz/evore-sub000/internal/domain/model"
	"github.com/Kriptikz/evore-sub000/internal/engine"
	"github.com/Kriptikz/evore-sub000/internal/feed"
	"github.com/Kriptikz/evore-sub000/internal/metrics"
	"github.com/Kriptikz/evore-sub000/internal/store"
)

type Service struct {
	rounds   store.RoundRepository
	rawTxs   store.RawTransactionRepository
	feed     *feed.Client
	engine   *engine.Engine
	finalize *Finalizer
	alerter  alert.Alerter
	policy   config.VerifyPolicy
	logger   *slog.Logger
}

func NewService(rounds store.RoundRepository, rawTxs store.RawTransactionRepository,
	feedClient *feed.Client, eng *engine.Engine, finalizer *Finalizer,
	alerter alert.Alerter, policy config.VerifyPolicy, logger *slog.Logger) *Service {

	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	return &Service{
		rounds:   rounds,
		rawTxs:   rawTxs,
		feed:     feedClient,
		engine:   eng,
		finalize: finalizer,
		alerter:  alerter,
		policy:   policy,
		logger:   logger.With("component", "workflow"),
	}
}

// FetchMeta pulls the round's metadata from the feed and upserts it.
// Idempotent: refetching refreshes reported values and touches no workflow
// flags beyond meta_fetched.
func (s *Service) FetchMeta(ctx context.Context, roundID int64) error {
	meta, err := s.feed.GetRound(ctx, roundID)
	if err != nil {
		return fmt.Errorf("fetch meta for round %d: %w", roundID, err)
	}
	if err := s.rounds.Upsert(ctx, meta.ToRound(model.RoundSourceBackfilled)); err != nil {
		return err
	}
	s.logger.Info("round meta fetched", "round_id", roundID)
	return nil
}

// FetchTransactions walks the chain for the round's slot range and stores
// every matching transaction. The fetched flag is only set after the walk
// completes; an upstream error leaves it untouched so a retry redoes the
// whole (idempotent) fetch.
func (s *Service) FetchTransactions(ctx context.Context, roundID int64) error {
	round, err := s.getRound(ctx, roundID)
	if err != nil {
		return err
	}
	if !round.MetaFetched {
		return ErrMetaNotFetched
	}

	count, err := s.engine.FetchTransactions(ctx, round)
	if err != nil {
		return err
	}

	ok, err := s.rounds.SetTransactionsFetched(ctx, roundID, count)
	if err != nil {
		return err
	}
	if !ok {
		return ErrMetaNotFetched
	}
	return nil
}

// ResetTransactions drops the round's stored transactions so they can be
// refetched. Refused once the round is reconstructed; the reconstruction
// would silently refer to deleted inputs.
func (s *Service) ResetTransactions(ctx context.Context, roundID int64) error {
	ok, err := s.rounds.ClearTransactionsFetched(ctx, roundID)
	if err != nil {
		return err
	}
	if !ok {
		round, err := s.getRound(ctx, roundID)
		if err != nil {
			return err
		}
		if round.Reconstructed {
			return ErrAlreadyReconstructed
		}
		return ErrTransactionsNotFetched
	}

	deleted, err := s.rawTxs.DeleteByRound(ctx, roundID)
	if err != nil {
		return err
	}
	s.logger.Info("transactions reset", "round_id", roundID, "deleted", deleted)
	return nil
}

// Reconstruct replays stored transactions into a reconciled deployment set
// and records the verdict on the round. Requires transactions_fetched.
func (s *Service) Reconstruct(ctx context.Context, roundID int64) (*engine.Result, error) {
	round, err := s.getRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if !round.TransactionsFetched {
		return nil, ErrTransactionsNotFetched
	}

	res, err := s.engine.Reconstruct(ctx, round)
	if err != nil {
		return nil, err
	}

	recon := res.Reconciliation
	ok, err := s.rounds.SetReconstructed(ctx, roundID, len(res.Deployments), recon.Discrepancy, recon.Invalid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTransactionsNotFetched
	}

	if recon.Invalid {
		s.alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeRoundInvalid,
			RoundID: roundID,
			Title:   "reconciliation discrepancy",
			Message: "reported total does not match instruction-derived total",
			Fields: map[string]string{
				"reported_total": strconv.FormatInt(recon.ReportedTotal, 10),
				"parsed_total":   strconv.FormatInt(recon.ParsedTotal, 10),
				"discrepancy":    strconv.FormatInt(recon.Discrepancy, 10),
			},
		})
	}
	if len(recon.UnmatchedLogged) > 0 {
		s.alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeDecoderGap,
			RoundID: roundID,
			Title:   "logged deployments without parsed match",
			Message: fmt.Sprintf("%d logged deployments had no instruction-derived counterpart", len(recon.UnmatchedLogged)),
		})
	}
	if len(res.Deployments) == 0 {
		s.logger.Warn("round reconstructed with zero deployments", "round_id", roundID)
	}

	return res, nil
}

// Verify marks a reconstructed round verified. Invalid rounds are rejected
// unless override is set.
func (s *Service) Verify(ctx context.Context, roundID int64, notes *string, override bool) error {
	ok, err := s.rounds.SetVerified(ctx, roundID, notes, override)
	if err != nil {
		return err
	}
	if !ok {
		round, err := s.getRound(ctx, roundID)
		if err != nil {
			return err
		}
		if !round.Reconstructed {
			return ErrNotReconstructed
		}
		return ErrRoundInvalid
	}
	return nil
}

// BulkVerify verifies every clean reconstructed round in [start, end] and
// returns how many flipped. Invalid rounds are untouched.
func (s *Service) BulkVerify(ctx context.Context, start, end int64) (int64, error) {
	return s.rounds.BulkVerify(ctx, start, end)
}

// Finalize re-runs reconstruction and commits the deployment set atomically.
// Requires reconstructed. Under VerifyPolicyBlock a discrepancy refuses the
// finalize; under VerifyPolicyWarn it proceeds and records the discrepancy.
func (s *Service) Finalize(ctx context.Context, roundID int64) error {
	round, err := s.getRound(ctx, roundID)
	if err != nil {
		return err
	}
	if !round.Reconstructed {
		return ErrNotReconstructed
	}

	res, err := s.engine.Reconstruct(ctx, round)
	if err != nil {
		return err
	}

	if res.Reconciliation.Invalid {
		if s.policy == config.VerifyPolicyBlock {
			metrics.FinalizerBlocked.WithLabelValues("discrepancy").Inc()
			return fmt.Errorf("finalize round %d: %w", roundID, ErrRoundInvalid)
		}
		s.logger.Warn("finalizing round with discrepancy",
			"round_id", roundID,
			"discrepancy", res.Reconciliation.Discrepancy,
		)
	}

	return s.finalize.Commit(ctx, roundID, res)
}

// Delete removes round data per the scope. Administrative; no preconditions.
func (s *Service) Delete(ctx context.Context, roundID int64, scope store.DeleteScope) error {
	return s.rounds.Delete(ctx, roundID, scope)
}

func (s *Service) getRound(ctx context.Context, roundID int64) (*model.Round, error) {
	round, err := s.rounds.Get(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if round == nil {
		return nil, ErrRoundNotFound
	}
	return round, nil
}
