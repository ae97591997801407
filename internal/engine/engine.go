// Package engine turns a round's slot range into stored raw transactions and
// turns stored raw transactions into a reconciled deployment set.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Kriptikz/evore-sub000/internal/domain/model"
	"github.com/Kriptikz/evore-sub000/internal/metrics"
	"github.com/Kriptikz/evore-sub000/internal/ratelimit"
	"github.com/Kriptikz/evore-sub000/internal/reconcile"
	"github.com/Kriptikz/evore-sub000/internal/retry"
	"github.com/Kriptikz/evore-sub000/internal/sigindex"
	"github.com/Kriptikz/evore-sub000/internal/solana/analyze"
	"github.com/Kriptikz/evore-sub000/internal/solana/decode"
	"github.com/Kriptikz/evore-sub000/internal/solana/rpc"
	"github.com/Kriptikz/evore-sub000/internal/store"
	"github.com/Kriptikz/evore-sub000/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const txBatchSize = 50

type Config struct {
	GameProgramID      string
	SignaturePageLimit int
}

type Engine struct {
	client   rpc.RPCClient
	limiter  *ratelimit.Limiter
	rounds   store.RoundRepository
	rawTxs   store.RawTransactionRepository
	autoQ    store.AutomationQueueRepository
	sigIndex *sigindex.Index
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

func New(client rpc.RPCClient, limiter *ratelimit.Limiter,
	rounds store.RoundRepository, rawTxs store.RawTransactionRepository,
	autoQ store.AutomationQueueRepository, sigIndex *sigindex.Index,
	cfg Config, logger *slog.Logger) *Engine {

	if cfg.SignaturePageLimit <= 0 {
		cfg.SignaturePageLimit = 1000
	}
	return &Engine{
		client:   client,
		limiter:  limiter,
		rounds:   rounds,
		rawTxs:   rawTxs,
		autoQ:    autoQ,
		sigIndex: sigIndex,
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		tracer:   tracing.Tracer("engine"),
	}
}

// FetchTransactions walks the game program's signature history for the
// round's slot range and stores every transaction in it. Signatures already
// stored are skipped via the signature index. Returns the total stored
// transaction count for the round.
//
// Any RPC failure is returned as-is (classified for retry); the caller must
// not set the round's fetched flag on error.
func (e *Engine) FetchTransactions(ctx context.Context, round *model.Round) (int, error) {
	ctx, span := e.tracer.Start(ctx, "engine.FetchTransactions",
		trace.WithAttributes(attribute.Int64("round_id", round.RoundID)))
	defer span.End()

	if round.EndSlot < round.StartSlot {
		return 0, retry.Terminal(fmt.Errorf("round %d has inverted slot range [%d, %d]",
			round.RoundID, round.StartSlot, round.EndSlot))
	}

	if err := e.sigIndex.WarmRound(ctx, round.RoundID); err != nil {
		e.logger.Warn("signature index warm failed, continuing cold",
			"round_id", round.RoundID, "error", err)
	}

	var (
		before  string
		inRange []string
	)
	for {
		if err := e.limiter.Wait(ctx); err != nil {
			return 0, err
		}

		opts := &rpc.GetSignaturesOpts{Limit: e.cfg.SignaturePageLimit, Before: before}
		page, err := e.client.GetSignaturesForAddress(ctx, e.cfg.GameProgramID, opts)
		ratelimit.RecordRPCCall("getSignaturesForAddress", err)
		if err != nil {
			return 0, fmt.Errorf("signature page for round %d: %w", round.RoundID, err)
		}
		if len(page) == 0 {
			break
		}

		pastRange := false
		for _, info := range page {
			if info.Slot > round.EndSlot {
				continue
			}
			if info.Slot < round.StartSlot {
				pastRange = true
				break
			}
			// Failed transactions are kept; they are stored and analyzed too.
			if !e.sigIndex.Seen(ctx, info.Signature) {
				inRange = append(inRange, info.Signature)
			}
		}

		before = page[len(page)-1].Signature
		if pastRange || len(page) < e.cfg.SignaturePageLimit {
			break
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
	}

	for start := 0; start < len(inRange); start += txBatchSize {
		end := start + txBatchSize
		if end > len(inRange) {
			end = len(inRange)
		}
		if err := e.fetchAndStoreBatch(ctx, round.RoundID, inRange[start:end]); err != nil {
			return 0, err
		}
	}

	count, err := e.rawTxs.CountByRound(ctx, round.RoundID)
	if err != nil {
		return 0, fmt.Errorf("count stored transactions for round %d: %w", round.RoundID, err)
	}

	e.logger.Info("transactions fetched",
		"round_id", round.RoundID,
		"new", len(inRange),
		"total", count,
	)
	return count, nil
}

func (e *Engine) fetchAndStoreBatch(ctx context.Context, roundID int64, signatures []string) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	txs, err := e.client.GetTransactions(ctx, signatures)
	ratelimit.RecordRPCCall("getTransaction", err)
	if err != nil {
		return fmt.Errorf("fetch transaction batch: %w", err)
	}

	raws := make([]*model.RawTransaction, 0, len(txs))
	for i, tx := range txs {
		if tx == nil {
			e.logger.Warn("transaction missing from node", "signature", signatures[i])
			continue
		}
		raw, err := e.toRawTransaction(roundID, tx)
		if err != nil {
			e.logger.Warn("unusable transaction envelope",
				"signature", signatures[i], "error", err)
			continue
		}
		raws = append(raws, raw)
	}

	inserted, err := e.rawTxs.BulkUpsert(ctx, raws)
	if err != nil {
		return fmt.Errorf("store transaction batch: %w", err)
	}
	for _, raw := range raws {
		e.sigIndex.Add(raw.Signature)
	}
	metrics.EngineTxFetched.Add(float64(inserted))
	return nil
}

func (e *Engine) toRawTransaction(roundID int64, tx *rpc.TransactionResponse) (*model.RawTransaction, error) {
	a, err := analyze.Analyze(tx, roundID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction payload: %w", err)
	}

	return &model.RawTransaction{
		Signature: a.Signature,
		Slot:      a.Slot,
		BlockTime: a.BlockTime,
		RoundID:   roundID,
		TxType:    classifyTx(a),
		Signer:    a.Signer,
		Authority: a.Signer,
		Payload:   payload,
	}, nil
}

// classifyTx names a transaction by its most significant game instruction.
func classifyTx(a *analyze.TxAnalysis) string {
	kinds := map[decode.Kind]bool{}
	for _, entry := range a.Instructions {
		kinds[entry.Parsed.Kind] = true
	}
	switch {
	case kinds[decode.KindEvoreDeploy]:
		return "deploy"
	case kinds[decode.KindEvoreCheckpoint]:
		return "checkpoint"
	case kinds[decode.KindEvoreClaim]:
		return "claim"
	case kinds[decode.KindEvoreAutomate]:
		return "automate"
	case kinds[decode.KindEvoreResetRound]:
		return "reset_round"
	case kinds[decode.KindEvoreLogEvent]:
		return "log_event"
	default:
		return "other"
	}
}

// Result is a completed reconstruction, ready for the finalizer.
type Result struct {
	Deployments      []*model.Deployment
	Reconciliation   reconcile.Result
	Failed           []analyze.FailedAnalysis
	UniqueMiners     int
	AutomationQueued int
	TransactionsSeen int
}

// Reconstruct replays the round's stored transactions through the decoder,
// reconciles both deployment views against the reported total, and queues
// automation lookups for deploys with no completion event. It stages the
// deployment set but writes nothing; the finalizer owns the write.
func (e *Engine) Reconstruct(ctx context.Context, round *model.Round) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Reconstruct",
		trace.WithAttributes(attribute.Int64("round_id", round.RoundID)))
	defer span.End()

	started := time.Now()
	defer func() {
		metrics.EngineReconstructLatency.Observe(time.Since(started).Seconds())
	}()

	raws, err := e.rawTxs.ListByRound(ctx, round.RoundID)
	if err != nil {
		return nil, fmt.Errorf("load transactions for round %d: %w", round.RoundID, err)
	}

	var (
		parsed []analyze.OreDeploymentInfo
		logged []analyze.LoggedDeployment
		failed []analyze.FailedAnalysis
	)
	for _, raw := range raws {
		var tx rpc.TransactionResponse
		if err := json.Unmarshal(raw.Payload, &tx); err != nil {
			failed = append(failed, analyze.FailedAnalysis{
				Signature: raw.Signature, Slot: raw.Slot,
				Err: fmt.Sprintf("unmarshal payload: %v", err),
			})
			metrics.EngineTxAnalysisFailures.Inc()
			continue
		}

		a, err := analyze.Analyze(&tx, round.RoundID)
		if err != nil {
			failed = append(failed, analyze.FailedAnalysis{
				Signature: raw.Signature, Slot: raw.Slot, Err: err.Error(),
			})
			metrics.EngineTxAnalysisFailures.Inc()
			continue
		}
		metrics.EngineTxAnalyzed.Inc()

		if !a.Success {
			continue
		}
		parsed = append(parsed, a.Ore.Deployments...)
		logged = append(logged, a.Ore.LoggedDeployments...)
	}

	recon := reconcile.Round(round.RoundID, round.TotalDeployed, parsed, logged)
	metrics.ReconcileRunsTotal.Inc()
	if recon.Invalid {
		metrics.ReconcileInvalidRounds.Inc()
	}
	metrics.ReconcileUnmatchedLogged.Add(float64(len(recon.UnmatchedLogged)))

	queued, err := e.enqueueAutomationLookups(ctx, recon.Parsed)
	if err != nil {
		return nil, err
	}

	deployments, uniqueMiners := buildDeployments(round, recon.Parsed)

	metrics.EngineRoundsReconstructed.Inc()
	e.logger.Info("round reconstructed",
		"round_id", round.RoundID,
		"transactions", len(raws),
		"deployments", len(deployments),
		"parsed_total", recon.ParsedTotal,
		"discrepancy", recon.Discrepancy,
		"invalid", recon.Invalid,
		"unmatched_logged", len(recon.UnmatchedLogged),
		"automation_queued", queued,
	)

	return &Result{
		Deployments:      deployments,
		Reconciliation:   recon,
		Failed:           failed,
		UniqueMiners:     uniqueMiners,
		AutomationQueued: queued,
		TransactionsSeen: len(raws),
	}, nil
}

// enqueueAutomationLookups queues a lookup for each deploy that carries an
// automation account but no completion event in its instruction group.
func (e *Engine) enqueueAutomationLookups(ctx context.Context, parsed []analyze.OreDeploymentInfo) (int, error) {
	queued := 0
	for _, d := range parsed {
		if d.CompletionSeen || d.AutomationPDA == "" {
			continue
		}
		ok, err := e.autoQ.Enqueue(ctx, &model.AutomationQueueItem{
			RoundID:         d.RoundID,
			MinerPubkey:     d.Miner,
			AuthorityPubkey: d.Authority,
			AutomationPDA:   d.AutomationPDA,
			DeploySignature: d.Signature,
			DeployIxIndex:   d.InstructionIndex,
			DeploySlot:      d.Slot,
		})
		if err != nil {
			return queued, fmt.Errorf("enqueue automation lookup for %s: %w", d.Signature, err)
		}
		if ok {
			queued++
			metrics.AutomationItemsEnqueued.Inc()
		}
	}
	return queued, nil
}

// buildDeployments folds per-instruction deploys into the per-square ledger:
// identity (round, miner, square), amounts summed, latest slot kept.
func buildDeployments(round *model.Round, parsed []analyze.OreDeploymentInfo) ([]*model.Deployment, int) {
	type key struct {
		miner  string
		square int16
	}
	byKey := make(map[key]*model.Deployment)
	miners := make(map[string]bool)

	for _, d := range parsed {
		miners[d.Miner] = true
		for _, sq := range d.Squares {
			k := key{miner: d.Miner, square: int16(sq)}
			dep, ok := byKey[k]
			if !ok {
				dep = &model.Deployment{
					RoundID:     d.RoundID,
					MinerPubkey: d.Miner,
					SquareID:    int16(sq),
				}
				if round.WinningSquare != nil && *round.WinningSquare == dep.SquareID {
					dep.IsWinner = true
				}
				if round.TopMiner != nil && *round.TopMiner == dep.MinerPubkey {
					dep.IsTopMiner = true
				}
				byKey[k] = dep
			}
			dep.Amount += d.AmountPerSquare
			if d.Slot > dep.DeployedSlot {
				dep.DeployedSlot = d.Slot
			}
		}
	}

	out := make([]*model.Deployment, 0, len(byKey))
	for _, dep := range byKey {
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MinerPubkey != out[j].MinerPubkey {
			return out[i].MinerPubkey < out[j].MinerPubkey
		}
		return out[i].SquareID < out[j].SquareID
	})
	return out, len(miners)
}
