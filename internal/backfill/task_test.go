package backfill

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Kriptikz/evore-sub000/internal/domain/model"
	"github.com/Kriptikz/evore-sub000/internal/feed"
	"github.com/Kriptikz/evore-sub000/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRounds records upserts and answers the gap checks; the walk touches
// nothing else on the round store.
type fakeRounds struct {
	store.RoundRepository

	mu       sync.Mutex
	existing map[int64]bool
	upserts  []int64
}

func newFakeRounds(existing ...int64) *fakeRounds {
	f := &fakeRounds{existing: make(map[int64]bool)}
	for _, id := range existing {
		f.existing[id] = true
	}
	return f
}

func (f *fakeRounds) Upsert(_ context.Context, r *model.Round) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existing[r.RoundID] = true
	f.upserts = append(f.upserts, r.RoundID)
	return nil
}

func (f *fakeRounds) ExistingInRange(_ context.Context, start, end int64) (map[int64]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]bool)
	for id := start; id <= end; id++ {
		if f.existing[id] {
			out[id] = true
		}
	}
	return out, nil
}

func (f *fakeRounds) MissingRoundIDs(_ context.Context, start, end int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var missing []int64
	for id := start; id <= end; id++ {
		if !f.existing[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (f *fakeRounds) upserted() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.upserts...)
}

func meta(id int64) feed.RoundMeta {
	return feed.RoundMeta{RoundID: id, StartSlot: id * 100, EndSlot: id*100 + 99, DeploymentCount: 1}
}

// feedServer serves pre-built pages by page number and records which pages
// were requested.
func feedServer(t *testing.T, pages map[int]feed.Page, requested *[]int, mu *sync.Mutex) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, err := strconv.Atoi(r.URL.Query().Get("page"))
		require.NoError(t, err)
		mu.Lock()
		*requested = append(*requested, page)
		mu.Unlock()

		p, ok := pages[page]
		if !ok {
			p = feed.Page{Page: page}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(p))
	}))
}

func newTestTask(t *testing.T, rounds *fakeRounds, pages map[int]feed.Page) (*Task, *[]int, *sync.Mutex) {
	t.Helper()
	var requested []int
	var mu sync.Mutex
	srv := feedServer(t, pages, &requested, &mu)
	t.Cleanup(srv.Close)

	client := feed.NewClient(srv.URL, 3, srv.Client(), testLogger())
	return NewTask(client, rounds, 3, testLogger()), &requested, &mu
}

func waitForTerminal(t *testing.T, task *Task) Status {
	t.Helper()
	require.Eventually(t, func() bool {
		return task.Status().State != StateRunning
	}, 5*time.Second, 5*time.Millisecond)
	return task.Status()
}

func threePages() map[int]feed.Page {
	return map[int]feed.Page{
		0: {Rounds: []feed.RoundMeta{meta(9), meta(8), meta(7)}, HasMore: true},
		1: {Rounds: []feed.RoundMeta{meta(6), meta(5), meta(4)}, HasMore: true},
		2: {Rounds: []feed.RoundMeta{meta(3), meta(2), meta(1)}, HasMore: false},
	}
}

func TestBackfill_WalksWholeFeed(t *testing.T) {
	rounds := newFakeRounds()
	task, _, _ := newTestTask(t, rounds, threePages())

	require.NoError(t, task.Start(Params{}))
	st := waitForTerminal(t, task)

	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 3, st.PagesFetched)
	assert.Equal(t, 9, st.RoundsFetched)
	assert.Equal(t, int64(1), st.LowestRoundSeen)
	assert.Len(t, rounds.upserted(), 9)
}

func TestBackfill_StopAtRound(t *testing.T) {
	rounds := newFakeRounds()
	task, requested, mu := newTestTask(t, rounds, threePages())

	require.NoError(t, task.Start(Params{StopAtRound: 7}))
	st := waitForTerminal(t, task)

	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 1, st.PagesFetched)
	// The stop bound itself is still stored.
	assert.ElementsMatch(t, []int64{9, 8, 7}, rounds.upserted())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0}, *requested)
}

// A ceiling walks past newer rounds without storing them; everything at or
// below it is still backfilled.
func TestBackfill_HighestRoundCeiling(t *testing.T) {
	rounds := newFakeRounds()
	task, _, _ := newTestTask(t, rounds, threePages())

	require.NoError(t, task.Start(Params{HighestRound: 8}))
	st := waitForTerminal(t, task)

	assert.Equal(t, StateCompleted, st.State)
	assert.NotContains(t, rounds.upserted(), int64(9))
	assert.ElementsMatch(t, []int64{8, 7, 6, 5, 4, 3, 2, 1}, rounds.upserted())
}

func TestBackfill_SkipsStoredRounds(t *testing.T) {
	rounds := newFakeRounds(8, 5)
	task, _, _ := newTestTask(t, rounds, threePages())

	require.NoError(t, task.Start(Params{}))
	st := waitForTerminal(t, task)

	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 7, st.RoundsFetched)
	assert.Equal(t, 2, st.RoundsSkipped)
	assert.NotContains(t, rounds.upserted(), int64(8))
}

// A jump only happens when the store already holds every round the skipped
// pages would cover.
func TestBackfill_PageJumpSkipsCoveredPages(t *testing.T) {
	rounds := newFakeRounds(6, 5, 4)
	task, requested, mu := newTestTask(t, rounds, threePages())

	require.NoError(t, task.Start(Params{PageJumpSize: 1}))
	st := waitForTerminal(t, task)

	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 1, st.PagesJumped)
	assert.ElementsMatch(t, []int64{9, 8, 7, 3, 2, 1}, rounds.upserted())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 2}, *requested, "page 1 skipped by the verified jump")
}

func TestBackfill_NoJumpAcrossGap(t *testing.T) {
	rounds := newFakeRounds(6, 4) // 5 missing
	task, requested, mu := newTestTask(t, rounds, threePages())

	require.NoError(t, task.Start(Params{PageJumpSize: 1}))
	st := waitForTerminal(t, task)

	assert.Equal(t, StateCompleted, st.State)
	assert.Zero(t, st.PagesJumped)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, *requested)
}

func TestBackfill_MaxPagesBounds(t *testing.T) {
	rounds := newFakeRounds()
	task, _, _ := newTestTask(t, rounds, threePages())

	require.NoError(t, task.Start(Params{MaxPages: 2}))
	st := waitForTerminal(t, task)

	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 2, st.PagesFetched)
	assert.Len(t, rounds.upserted(), 6)
}

func TestBackfill_SingleRunAtATime(t *testing.T) {
	rounds := newFakeRounds()
	task, _, _ := newTestTask(t, rounds, threePages())

	require.NoError(t, task.Start(Params{PauseBetween: time.Hour}))

	err := task.Start(Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	task.Cancel()
	st := waitForTerminal(t, task)
	assert.Equal(t, StateCancelled, st.State)
}

func TestBackfill_CancelStopsWalk(t *testing.T) {
	rounds := newFakeRounds()
	task, _, _ := newTestTask(t, rounds, threePages())

	require.NoError(t, task.Start(Params{PauseBetween: time.Hour}))
	require.Eventually(t, func() bool {
		return task.Status().PagesFetched >= 1
	}, 5*time.Second, 5*time.Millisecond)

	task.Cancel()
	st := waitForTerminal(t, task)

	assert.Equal(t, StateCancelled, st.State)
	assert.Equal(t, 1, st.PagesFetched)
}

func TestBackfill_FeedFailureRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := feed.NewClient(srv.URL, 3, srv.Client(), testLogger())
	task := NewTask(client, newFakeRounds(), 3, testLogger())

	require.NoError(t, task.Start(Params{}))
	st := waitForTerminal(t, task)

	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Error, "feed page 0")
}

func TestBackfill_RejectsNegativeJump(t *testing.T) {
	task, _, _ := newTestTask(t, newFakeRounds(), threePages())
	assert.Error(t, task.Start(Params{PageJumpSize: -1}))
}
