// Package automation resolves deploys whose completion event never appeared:
// for each queued item it searches the automation account's transaction
// history around the deploy slot and records whether the account exists and
// is active.
package automation

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Kriptikz/evore-sub000/internal/cache"
	"github.com/Kriptikz/evore-sub000/internal/domain/model"
	"github.com/Kriptikz/evore-sub000/internal/metrics"
	"github.com/Kriptikz/evore-sub000/internal/ratelimit"
	"github.com/Kriptikz/evore-sub000/internal/retry"
	"github.com/Kriptikz/evore-sub000/internal/solana/rpc"
	"github.com/Kriptikz/evore-sub000/internal/store"
)

type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
	MaxPages     int
	PageLimit    int
	StaleAfter   time.Duration
	CacheSize    int
	CacheTTL     time.Duration
}

// lookupResult is one resolved automation account state, cached per
// (pda, slot) so neighboring deploys share the RPC work.
type lookupResult struct {
	found  bool
	active bool
}

type Worker struct {
	repo    store.AutomationQueueRepository
	client  rpc.RPCClient
	limiter *ratelimit.Limiter
	cfg     Config
	logger  *slog.Logger
	cache   *cache.LRU[string, lookupResult]

	mu               sync.Mutex
	current          *model.AutomationQueueItem
	sessionStart     time.Time
	sessionProcessed int

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

func NewWorker(repo store.AutomationQueueRepository, client rpc.RPCClient,
	limiter *ratelimit.Limiter, cfg Config, logger *slog.Logger) *Worker {

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 1000
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Worker{
		repo:    repo,
		client:  client,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With("component", "automation_queue"),
		cache:   cache.NewLRU[string, lookupResult](cfg.CacheSize, cfg.CacheTTL),
		nowFn:   time.Now,
		sleepFn: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run drains continuously until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	sweep := time.NewTicker(w.cfg.StaleAfter / 2)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			if n, err := w.repo.SweepStale(ctx, w.cfg.StaleAfter); err != nil {
				w.logger.Warn("stale sweep failed", "error", err)
			} else if n > 0 {
				w.logger.Warn("requeued stale automation items", "count", n)
			}
		case <-ticker.C:
			if _, err := w.Process(ctx, 0); err != nil && ctx.Err() == nil {
				w.logger.Error("automation drain failed", "error", err)
			}
		}
	}
}

// Process drains up to count pending items (count <= 0 means until empty).
// Items are claimed one at a time; concurrent Process calls never share an
// item.
func (w *Worker) Process(ctx context.Context, count int) (int, error) {
	processed := 0
	w.mu.Lock()
	if w.sessionStart.IsZero() {
		w.sessionStart = w.nowFn()
	}
	w.mu.Unlock()

	for count <= 0 || processed < count {
		item, err := w.repo.ClaimNext(ctx)
		if err != nil {
			return processed, err
		}
		if item == nil {
			return processed, nil
		}

		w.mu.Lock()
		w.current = item
		w.mu.Unlock()

		w.handle(ctx, item)
		processed++

		w.mu.Lock()
		w.current = nil
		w.sessionProcessed++
		w.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return processed, err
		}
	}
	return processed, nil
}

func (w *Worker) handle(ctx context.Context, item *model.AutomationQueueItem) {
	started := w.nowFn()
	res, err := w.lookup(ctx, item)
	res.FetchDurationMS = w.nowFn().Sub(started).Milliseconds()
	metrics.AutomationLookupLatency.Observe(float64(res.FetchDurationMS) / 1000)

	if err != nil {
		if markErr := w.repo.MarkFailed(ctx, item.ID, err.Error(), res); markErr != nil {
			w.logger.Error("mark failed failed", "id", item.ID, "error", markErr)
		}
		metrics.AutomationItemsProcessed.WithLabelValues("failed").Inc()
		w.logger.Warn("automation lookup failed",
			"id", item.ID,
			"round_id", item.RoundID,
			"pda", item.AutomationPDA,
			"pages", res.PagesFetched,
			"error", err,
		)
		return
	}

	if markErr := w.repo.MarkCompleted(ctx, item.ID, res); markErr != nil {
		w.logger.Error("mark completed failed", "id", item.ID, "error", markErr)
	}
	outcome := "not_found"
	if res.Found {
		outcome = "found"
	}
	metrics.AutomationItemsProcessed.WithLabelValues(outcome).Inc()
	w.logger.Info("automation lookup completed",
		"id", item.ID,
		"round_id", item.RoundID,
		"pda", item.AutomationPDA,
		"found", res.Found,
		"active", res.Active,
		"txns_searched", res.TxnsSearched,
	)
}

// maxPageRetries bounds transient retries of a single signature page.
// Retries back off exponentially and do not consume the page budget.
const maxPageRetries = 5

// lookup pages the automation account's signature history back to the deploy
// slot (bounded), then reads the account state. The walk is conclusive only
// when it reaches the deploy slot or the end of the account's history;
// running out of page budget first is a failure, not an answer.
func (w *Worker) lookup(ctx context.Context, item *model.AutomationQueueItem) (store.AutomationResult, error) {
	res := store.AutomationResult{}

	cacheKey := fmt.Sprintf("%s:%d", item.AutomationPDA, item.DeploySlot)
	if cached, ok := w.cache.Get(cacheKey); ok {
		metrics.AutomationCacheHits.Inc()
		res.Found = cached.found
		res.Active = cached.active
		return res, nil
	}
	metrics.AutomationCacheMisses.Inc()

	before := ""
	reachedDeploySlot := false
	historyExhausted := false
	retries := 0
	backoff := 500 * time.Millisecond

	for page := 0; page < w.cfg.MaxPages && !reachedDeploySlot && !historyExhausted; {
		if err := w.limiter.Wait(ctx); err != nil {
			return res, err
		}

		sigs, err := w.client.GetSignaturesForAddress(ctx, item.AutomationPDA,
			&rpc.GetSignaturesOpts{Limit: w.cfg.PageLimit, Before: before})
		ratelimit.RecordRPCCall("getSignaturesForAddress", err)
		if err != nil {
			if !retry.Classify(err).IsTransient() || retries >= maxPageRetries {
				return res, err
			}
			retries++
			if sleepErr := w.sleepFn(ctx, backoff); sleepErr != nil {
				return res, sleepErr
			}
			backoff *= 2
			continue
		}
		page++

		res.PagesFetched++
		res.TxnsSearched += len(sigs)
		if len(sigs) == 0 {
			historyExhausted = true
			break
		}
		for _, sig := range sigs {
			if sig.Slot <= item.DeploySlot {
				reachedDeploySlot = true
				break
			}
		}
		before = sigs[len(sigs)-1].Signature
		if len(sigs) < w.cfg.PageLimit {
			historyExhausted = true
		}
	}

	if !reachedDeploySlot && !historyExhausted {
		return res, fmt.Errorf("page budget exhausted before deploy slot %d (pages=%d, txns=%d)",
			item.DeploySlot, res.PagesFetched, res.TxnsSearched)
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return res, err
	}
	info, err := w.client.GetAccountInfo(ctx, item.AutomationPDA)
	ratelimit.RecordRPCCall("getAccountInfo", err)
	if err != nil {
		return res, fmt.Errorf("automation account %s: %w", item.AutomationPDA, err)
	}

	res.Found = info.Value != nil
	res.Active = accountActive(info.Value)

	w.cache.Put(cacheKey, lookupResult{found: res.Found, active: res.Active})
	return res, nil
}

// accountActive reads the enabled flag from the automation account layout:
// byte 0 is the anchor-style discriminator-free enabled marker.
func accountActive(info *rpc.AccountInfo) bool {
	if info == nil || len(info.Data) == 0 {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(info.Data[0])
	if err != nil || len(raw) == 0 {
		return false
	}
	return raw[0] != 0
}

// RetryFailed requeues failed items that still have attempts left.
func (w *Worker) RetryFailed(ctx context.Context) (int64, error) {
	return w.repo.RetryFailed(ctx, w.cfg.MaxAttempts)
}

// Status is a progress snapshot for the admin surface.
type Status struct {
	Counts           map[model.QueueStatus]int64 `json:"counts"`
	Current          *model.AutomationQueueItem  `json:"current,omitempty"`
	SessionProcessed int                         `json:"session_processed"`
	SessionElapsed   string                      `json:"session_elapsed"`
}

func (w *Worker) Status(ctx context.Context) (*Status, error) {
	counts, err := w.repo.Counts(ctx)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := time.Duration(0)
	if !w.sessionStart.IsZero() {
		elapsed = w.nowFn().Sub(w.sessionStart)
	}
	return &Status{
		Counts:           counts,
		Current:          w.current,
		SessionProcessed: w.sessionProcessed,
		SessionElapsed:   elapsed.String(),
	}, nil
}
