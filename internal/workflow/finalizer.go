package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Kriptikz/evore-sub000/internal/engine"
	"github.com/Kriptikz/evore-sub000/internal/metrics"
	"github.com/Kriptikz/evore-sub000/internal/store"
	"github.com/Kriptikz/evore-sub000/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Finalizer is the only writer to the deployments table. One transaction
// replaces the round's deployment set and flips finalized; a failure at any
// point rolls the whole thing back.
type Finalizer struct {
	beginner    store.TxBeginner
	rounds      store.RoundRepository
	deployments store.DeploymentRepository
	logger      *slog.Logger
	tracer      trace.Tracer
}

func NewFinalizer(beginner store.TxBeginner, rounds store.RoundRepository,
	deployments store.DeploymentRepository, logger *slog.Logger) *Finalizer {
	return &Finalizer{
		beginner:    beginner,
		rounds:      rounds,
		deployments: deployments,
		logger:      logger.With("component", "finalizer"),
		tracer:      tracing.Tracer("finalizer"),
	}
}

// Commit writes the reconstruction result for the round.
func (f *Finalizer) Commit(ctx context.Context, roundID int64, res *engine.Result) error {
	ctx, span := f.tracer.Start(ctx, "finalizer.Commit",
		trace.WithAttributes(attribute.Int64("round_id", roundID)))
	defer span.End()

	started := time.Now()

	tx, err := f.beginner.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize for round %d: %w", roundID, err)
	}
	defer tx.Rollback()

	if err := f.deployments.ReplaceForRoundTx(ctx, tx, roundID, res.Deployments); err != nil {
		return err
	}

	ok, err := f.rounds.FinalizeTx(ctx, tx, roundID, store.FinalizeTotals{
		TotalDeployed:   res.Reconciliation.ParsedTotal,
		DeploymentCount: len(res.Deployments),
		UniqueMiners:    res.UniqueMiners,
		Discrepancy:     res.Reconciliation.Discrepancy,
		Invalid:         res.Reconciliation.Invalid,
	})
	if err != nil {
		return err
	}
	if !ok {
		metrics.FinalizerBlocked.WithLabelValues("not_reconstructed").Inc()
		return ErrNotReconstructed
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize for round %d: %w", roundID, err)
	}

	metrics.FinalizerRoundsFinalized.Inc()
	metrics.FinalizerLatency.Observe(time.Since(started).Seconds())
	f.logger.Info("round finalized",
		"round_id", roundID,
		"deployments", len(res.Deployments),
		"unique_miners", res.UniqueMiners,
		"discrepancy", res.Reconciliation.Discrepancy,
	)
	return nil
}
