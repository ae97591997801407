// Package backfill walks the round metadata feed newest to oldest and seeds
// the round store with every historical round, skipping what is already
// present and jumping whole pages once the store proves a range gap-free.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Kriptikz/evore-sub000/internal/domain/model"
	"github.com/Kriptikz/evore-sub000/internal/feed"
	"github.com/Kriptikz/evore-sub000/internal/metrics"
	"github.com/Kriptikz/evore-sub000/internal/store"
)

// ErrAlreadyRunning is returned by Start while a run is in flight.
var ErrAlreadyRunning = errors.New("backfill already running")

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Params controls one backfill run.
type Params struct {
	// StopAtRound halts the walk once a round id at or below it appears.
	// Zero walks the whole feed.
	StopAtRound int64
	// HighestRound is the ceiling of the run: rounds above it are walked past
	// without being stored. Zero stores everything the walk sees.
	HighestRound int64
	// MaxPages bounds the number of feed pages fetched. Zero is unbounded.
	MaxPages int
	// PageJumpSize is how many pages a verified jump skips.
	PageJumpSize int
	PauseBetween time.Duration
}

// Status is the task's progress snapshot.
type Status struct {
	State                    State   `json:"state"`
	PagesFetched             int     `json:"pages_fetched"`
	PagesJumped              int     `json:"pages_jumped"`
	RoundsFetched            int     `json:"rounds_fetched"`
	RoundsSkipped            int     `json:"rounds_skipped"`
	RoundsMissingDeployments int     `json:"rounds_missing_deployments"`
	ElapsedSeconds           float64 `json:"elapsed_seconds"`
	RoundsPerSecond          float64 `json:"rounds_per_second"`
	ETASeconds               float64 `json:"eta_seconds"`
	Error                    string  `json:"error,omitempty"`
	LowestRoundSeen          int64   `json:"lowest_round_seen"`
}

type Task struct {
	feed     *feed.Client
	rounds   store.RoundRepository
	pageSize int
	logger   *slog.Logger

	mu        sync.Mutex
	state     State
	status    Status
	cancelRun context.CancelFunc
	startedAt time.Time
	nowFn     func() time.Time
}

func NewTask(feedClient *feed.Client, rounds store.RoundRepository, pageSize int, logger *slog.Logger) *Task {
	return &Task{
		feed:     feedClient,
		rounds:   rounds,
		pageSize: pageSize,
		state:    StateIdle,
		logger:   logger.With("component", "backfill"),
		nowFn:    time.Now,
	}
}

// Start launches a run in the background. Only one run at a time.
func (t *Task) Start(params Params) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateRunning {
		return ErrAlreadyRunning
	}
	if params.PageJumpSize < 0 {
		return fmt.Errorf("page jump size must be >= 0")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancelRun = cancel
	t.state = StateRunning
	t.status = Status{State: StateRunning}
	t.startedAt = t.nowFn()

	go t.run(ctx, params)
	return nil
}

// Cancel stops a running backfill at the next page boundary.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateRunning && t.cancelRun != nil {
		t.cancelRun()
	}
}

func (t *Task) run(ctx context.Context, params Params) {
	err := t.walk(ctx, params)

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case err == nil:
		t.state = StateCompleted
		metrics.BackfillRunsTotal.WithLabelValues("completed").Inc()
	case ctx.Err() != nil:
		t.state = StateCancelled
		metrics.BackfillRunsTotal.WithLabelValues("cancelled").Inc()
	default:
		t.state = StateFailed
		t.status.Error = err.Error()
		metrics.BackfillRunsTotal.WithLabelValues("failed").Inc()
		t.logger.Error("backfill failed", "error", err)
	}
	t.status.State = t.state
}

func (t *Task) walk(ctx context.Context, params Params) error {
	page := 0
	pagesFetched := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if params.MaxPages > 0 && pagesFetched >= params.MaxPages {
			return nil
		}

		p, err := t.feed.GetPage(ctx, page)
		if err != nil {
			return fmt.Errorf("feed page %d: %w", page, err)
		}
		pagesFetched++
		metrics.BackfillPagesFetched.Inc()

		if len(p.Rounds) == 0 {
			return nil
		}

		lowest, done, err := t.processPage(ctx, p.Rounds, params)
		if err != nil {
			return err
		}

		t.mu.Lock()
		t.status.PagesFetched = pagesFetched
		t.status.LowestRoundSeen = lowest
		t.mu.Unlock()

		if done || !p.HasMore {
			return nil
		}

		next := page + 1
		if params.PageJumpSize > 0 {
			if jumped, err := t.tryJump(ctx, lowest, params); err != nil {
				return err
			} else if jumped {
				next = page + 1 + params.PageJumpSize
				t.mu.Lock()
				t.status.PagesJumped += params.PageJumpSize
				t.mu.Unlock()
				metrics.BackfillPageJumps.Inc()
			}
		}
		page = next

		if params.PauseBetween > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(params.PauseBetween):
			}
		}
	}
}

// processPage upserts unseen rounds, newest first. Returns the lowest round
// id on the page and whether the stop bound was crossed.
func (t *Task) processPage(ctx context.Context, rounds []feed.RoundMeta, params Params) (int64, bool, error) {
	lowest := rounds[0].RoundID
	highest := rounds[0].RoundID
	for _, m := range rounds {
		if m.RoundID < lowest {
			lowest = m.RoundID
		}
		if m.RoundID > highest {
			highest = m.RoundID
		}
	}

	existing, err := t.rounds.ExistingInRange(ctx, lowest, highest)
	if err != nil {
		return lowest, false, err
	}

	done := false
	for _, m := range rounds {
		if params.HighestRound > 0 && m.RoundID > params.HighestRound {
			continue
		}
		if params.StopAtRound > 0 && m.RoundID <= params.StopAtRound {
			done = true
			if m.RoundID < params.StopAtRound {
				continue
			}
		}

		if existing[m.RoundID] {
			t.bump(func(s *Status) { s.RoundsSkipped++ })
			continue
		}

		if err := t.rounds.Upsert(ctx, m.ToRound(model.RoundSourceBackfilled)); err != nil {
			return lowest, done, fmt.Errorf("upsert round %d: %w", m.RoundID, err)
		}
		metrics.BackfillRoundsQueued.Inc()
		t.bump(func(s *Status) {
			s.RoundsFetched++
			if m.DeploymentCount == 0 {
				s.RoundsMissingDeployments++
			}
		})
	}
	return lowest, done, nil
}

// tryJump decides whether the next PageJumpSize pages can be skipped. The
// jump only happens when the store already holds every round id the skipped
// pages would cover; a gap anywhere forces the sequential walk.
func (t *Task) tryJump(ctx context.Context, lowestSeen int64, params Params) (bool, error) {
	span := int64(params.PageJumpSize * t.pageSize)
	start := lowestSeen - span
	end := lowestSeen - 1
	if start < 1 || end < start {
		return false, nil
	}
	if params.StopAtRound > 0 && start <= params.StopAtRound {
		return false, nil
	}

	missing, err := t.rounds.MissingRoundIDs(ctx, start, end)
	if err != nil {
		return false, err
	}
	if len(missing) > 0 {
		return false, nil
	}

	t.bump(func(s *Status) { s.RoundsSkipped += int(span) })
	t.logger.Info("page jump", "rounds", span, "range_start", start, "range_end", end)
	return true, nil
}

func (t *Task) bump(fn func(*Status)) {
	t.mu.Lock()
	fn(&t.status)
	t.mu.Unlock()
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.status
	s.State = t.state
	if !t.startedAt.IsZero() && t.state == StateRunning {
		s.ElapsedSeconds = t.nowFn().Sub(t.startedAt).Seconds()
	}
	if s.ElapsedSeconds > 0 {
		s.RoundsPerSecond = float64(s.RoundsFetched+s.RoundsSkipped) / s.ElapsedSeconds
	}
	if s.RoundsPerSecond > 0 && s.LowestRoundSeen > 1 {
		s.ETASeconds = float64(s.LowestRoundSeen-1) / s.RoundsPerSecond
	}
	return s
}
