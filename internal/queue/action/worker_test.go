package action

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Kriptikz/evore-sub000/internal/domain/model"
	"github.com/Kriptikz/evore-sub000/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeActionRepo struct {
	mu          sync.Mutex
	pending     []*model.QueuedAction
	processing  *model.QueuedAction
	completed   []uuid.UUID
	failed      map[uuid.UUID]string
	cleared     int64
	retried     int64
	claims      int
	inFlight    int
	maxInFlight int
}

func newFakeActionRepo() *fakeActionRepo {
	return &fakeActionRepo{failed: make(map[uuid.UUID]string)}
}

func (f *fakeActionRepo) Enqueue(_ context.Context, roundID int64, action model.ActionType) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.pending {
		if item.RoundID == roundID && item.Action == action {
			return false, nil
		}
	}
	f.pending = append(f.pending, &model.QueuedAction{
		ID:      uuid.New(),
		RoundID: roundID,
		Action:  action,
		Status:  model.QueueStatusPending,
	})
	return true, nil
}

func (f *fakeActionRepo) ClaimNext(context.Context) (*model.QueuedAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	if len(f.pending) == 0 {
		return nil, nil
	}
	item := f.pending[0]
	f.pending = f.pending[1:]
	item.Status = model.QueueStatusProcessing
	f.processing = item
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	return item, nil
}

func (f *fakeActionRepo) MarkCompleted(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	f.processing = nil
	f.inFlight--
	return nil
}

func (f *fakeActionRepo) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = errMsg
	f.processing = nil
	f.inFlight--
	return nil
}

func (f *fakeActionRepo) Processing(context.Context) (*model.QueuedAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processing, nil
}

func (f *fakeActionRepo) Counts(context.Context) (map[model.QueueStatus]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[model.QueueStatus]int64{
		model.QueueStatusPending: int64(len(f.pending)),
		model.QueueStatusFailed:  int64(len(f.failed)),
	}, nil
}

func (f *fakeActionRepo) PendingByAction(context.Context) (map[model.ActionType]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[model.ActionType]int64)
	for _, item := range f.pending {
		out[item.Action]++
	}
	return out, nil
}

func (f *fakeActionRepo) ClearPending(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(len(f.pending))
	f.pending = nil
	f.cleared = n
	return n, nil
}

func (f *fakeActionRepo) RetryFailed(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(len(f.failed))
	f.failed = make(map[uuid.UUID]string)
	f.retried = n
	return n, nil
}

func (f *fakeActionRepo) SweepStale(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

// stubRounds answers only the eligibility expansion; the worker touches
// nothing else on the round store.
type stubRounds struct {
	store.RoundRepository
	eligible []int64
}

func (s stubRounds) RangeForEnqueue(context.Context, int64, int64, model.ActionType, bool, bool) ([]int64, error) {
	return s.eligible, nil
}

func newTestWorker(repo *fakeActionRepo, rounds store.RoundRepository) *Worker {
	return NewWorker(repo, rounds, nil, Config{PollInterval: time.Millisecond}, testLogger())
}

func TestEnqueue_DuplicateSkipped(t *testing.T) {
	repo := newFakeActionRepo()
	w := newTestWorker(repo, stubRounds{})

	ok, err := w.Enqueue(context.Background(), 1, model.ActionFetchTxns)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = w.Enqueue(context.Background(), 1, model.ActionFetchTxns)
	require.NoError(t, err)
	assert.False(t, ok, "same round and action already live")

	// A different action for the same round is not a duplicate.
	ok, err = w.Enqueue(context.Background(), 1, model.ActionReconstruct)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnqueueRange(t *testing.T) {
	repo := newFakeActionRepo()
	w := newTestWorker(repo, stubRounds{eligible: []int64{1, 2, 3}})

	// Round 2 is already queued; the range enqueue counts only new items.
	_, err := w.Enqueue(context.Background(), 2, model.ActionFetchTxns)
	require.NoError(t, err)

	queued, err := w.EnqueueRange(context.Background(), 1, 3, model.ActionFetchTxns, true, false)
	require.NoError(t, err)
	assert.Equal(t, 2, queued)
	assert.Len(t, repo.pending, 3)
}

func TestDrainOnce_ProcessesUntilEmpty(t *testing.T) {
	repo := newFakeActionRepo()
	w := newTestWorker(repo, stubRounds{})

	// Unknown actions fail in dispatch without touching the workflow service,
	// which keeps this a queue-mechanics test.
	repo.pending = []*model.QueuedAction{
		{ID: uuid.New(), RoundID: 1, Action: "bogus"},
		{ID: uuid.New(), RoundID: 2, Action: "bogus"},
	}

	w.drainOnce(context.Background())

	assert.Empty(t, repo.pending)
	assert.Len(t, repo.failed, 2)
	for _, msg := range repo.failed {
		assert.Contains(t, msg, "unknown action")
	}
}

func TestDrainOnce_PausedClaimsNothing(t *testing.T) {
	repo := newFakeActionRepo()
	w := newTestWorker(repo, stubRounds{})
	repo.pending = []*model.QueuedAction{{ID: uuid.New(), RoundID: 1, Action: "bogus"}}

	w.Pause()
	w.drainOnce(context.Background())
	assert.Zero(t, repo.claims)
	assert.Len(t, repo.pending, 1)

	w.Resume()
	w.drainOnce(context.Background())
	assert.Empty(t, repo.pending)
}

// The queue is single-flight: no matter how many goroutines trigger a drain,
// at most one action is ever in processing.
func TestDrainOnce_ConcurrentDrainsStaySingleFlight(t *testing.T) {
	repo := newFakeActionRepo()
	w := newTestWorker(repo, stubRounds{})

	for i := int64(1); i <= 10; i++ {
		repo.pending = append(repo.pending, &model.QueuedAction{
			ID:      uuid.New(),
			RoundID: i,
			Action:  "bogus",
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Loop so late starters still drain whatever is left once the
			// first drainer releases the queue.
			for {
				w.drainOnce(context.Background())
				repo.mu.Lock()
				empty := len(repo.pending) == 0
				repo.mu.Unlock()
				if empty {
					return
				}
			}
		}()
	}
	wg.Wait()

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, 1, repo.maxInFlight)
	assert.Len(t, repo.failed, 10, "every queued action reached a terminal status once")
	assert.Empty(t, repo.pending)
}

func TestStatus_ETAFromObservedRate(t *testing.T) {
	repo := newFakeActionRepo()
	w := newTestWorker(repo, stubRounds{})

	for id := int64(1); id <= 4; id++ {
		_, err := w.Enqueue(context.Background(), id, model.ActionFinalize)
		require.NoError(t, err)
	}

	// Two completed items took ten busy seconds total, so four pending items
	// project to twenty.
	w.mu.Lock()
	w.totalProcessed = 2
	w.busySeconds = 10
	w.mu.Unlock()

	st, err := w.Status(context.Background())
	require.NoError(t, err)

	assert.False(t, st.Paused)
	assert.Equal(t, int64(4), st.PendingCount)
	assert.Equal(t, int64(4), st.PendingByAction[model.ActionFinalize])
	assert.Equal(t, int64(2), st.TotalProcessed)
	assert.InDelta(t, 20.0, st.ETASeconds, 0.001)
}

func TestStatus_NoETAWithoutHistory(t *testing.T) {
	w := newTestWorker(newFakeActionRepo(), stubRounds{})

	st, err := w.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.ETASeconds)
}

func TestClearAndRetryFailed(t *testing.T) {
	repo := newFakeActionRepo()
	w := newTestWorker(repo, stubRounds{})

	_, err := w.Enqueue(context.Background(), 1, model.ActionFetchTxns)
	require.NoError(t, err)

	n, err := w.Clear(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	repo.failed[uuid.New()] = "boom"
	n, err = w.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
