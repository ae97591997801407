package workflow

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Kriptikz/evore-sub000/internal/alert"
	"github.com/Kriptikz/evore-sub000/internal/config"
	"github.com/Kriptikz/evore-sub000/internal/domain/model"
	"github.com/Kriptikz/evore-sub000/internal/engine"
	"github.com/Kriptikz/evore-sub000/internal/ratelimit"
	"github.com/Kriptikz/evore-sub000/internal/sigindex"
	"github.com/Kriptikz/evore-sub000/internal/solana/rpc/mocks"
	"github.com/Kriptikz/evore-sub000/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRoundRepo mirrors the store's compare-and-set flag semantics in memory.
type fakeRoundRepo struct {
	rounds map[int64]*model.Round
}

func newFakeRoundRepo(rounds ...*model.Round) *fakeRoundRepo {
	f := &fakeRoundRepo{rounds: make(map[int64]*model.Round)}
	for _, r := range rounds {
		f.rounds[r.RoundID] = r
	}
	return f
}

func (f *fakeRoundRepo) Upsert(_ context.Context, r *model.Round) error {
	r.MetaFetched = true
	f.rounds[r.RoundID] = r
	return nil
}

func (f *fakeRoundRepo) Get(_ context.Context, roundID int64) (*model.Round, error) {
	return f.rounds[roundID], nil
}

func (f *fakeRoundRepo) List(context.Context, store.RoundFilter) ([]model.Round, error) {
	return nil, nil
}

func (f *fakeRoundRepo) ExistingInRange(context.Context, int64, int64) (map[int64]bool, error) {
	return nil, nil
}

func (f *fakeRoundRepo) MissingRoundIDs(context.Context, int64, int64) ([]int64, error) {
	return nil, nil
}

func (f *fakeRoundRepo) RangeForEnqueue(context.Context, int64, int64, model.ActionType, bool, bool) ([]int64, error) {
	return nil, nil
}

func (f *fakeRoundRepo) AddRangeToWorkflow(context.Context, int64, int64) (int64, error) {
	return 0, nil
}

func (f *fakeRoundRepo) StageCounts(context.Context) (map[string]int64, error) {
	return nil, nil
}

func (f *fakeRoundRepo) SetTransactionsFetched(_ context.Context, roundID int64, txCount int) (bool, error) {
	r := f.rounds[roundID]
	if r == nil || !r.MetaFetched {
		return false, nil
	}
	r.TransactionsFetched = true
	r.TransactionCount = txCount
	return true, nil
}

func (f *fakeRoundRepo) ClearTransactionsFetched(_ context.Context, roundID int64) (bool, error) {
	r := f.rounds[roundID]
	if r == nil || !r.TransactionsFetched || r.Reconstructed {
		return false, nil
	}
	r.TransactionsFetched = false
	r.TransactionCount = 0
	return true, nil
}

func (f *fakeRoundRepo) SetReconstructed(_ context.Context, roundID int64, deploymentCount int, discrepancy int64, invalid bool) (bool, error) {
	r := f.rounds[roundID]
	if r == nil || !r.TransactionsFetched {
		return false, nil
	}
	r.Reconstructed = true
	r.DeploymentCount = deploymentCount
	r.Discrepancy = discrepancy
	r.Invalid = invalid
	return true, nil
}

func (f *fakeRoundRepo) SetVerified(_ context.Context, roundID int64, notes *string, override bool) (bool, error) {
	r := f.rounds[roundID]
	if r == nil || !r.Reconstructed || (r.Invalid && !override) {
		return false, nil
	}
	r.Verified = true
	r.VerificationNotes = notes
	return true, nil
}

func (f *fakeRoundRepo) BulkVerify(_ context.Context, start, end int64) (int64, error) {
	var n int64
	for id := start; id <= end; id++ {
		if ok, _ := f.SetVerified(context.Background(), id, nil, false); ok {
			n++
		}
	}
	return n, nil
}

func (f *fakeRoundRepo) FinalizeTx(context.Context, *sql.Tx, int64, store.FinalizeTotals) (bool, error) {
	return false, errors.New("not supported in memory")
}

func (f *fakeRoundRepo) Delete(_ context.Context, roundID int64, _ store.DeleteScope) error {
	delete(f.rounds, roundID)
	return nil
}

type fakeRawTxRepo struct {
	byRound map[int64][]model.RawTransaction
	deleted []int64
}

func newFakeRawTxRepo() *fakeRawTxRepo {
	return &fakeRawTxRepo{byRound: make(map[int64][]model.RawTransaction)}
}

func (f *fakeRawTxRepo) BulkUpsert(_ context.Context, txns []*model.RawTransaction) (int, error) {
	for _, tx := range txns {
		f.byRound[tx.RoundID] = append(f.byRound[tx.RoundID], *tx)
	}
	return len(txns), nil
}

func (f *fakeRawTxRepo) ListByRound(_ context.Context, roundID int64) ([]model.RawTransaction, error) {
	return f.byRound[roundID], nil
}

func (f *fakeRawTxRepo) CountByRound(_ context.Context, roundID int64) (int, error) {
	return len(f.byRound[roundID]), nil
}

func (f *fakeRawTxRepo) ListSignaturesByRound(context.Context, int64) ([]string, error) {
	return nil, nil
}

func (f *fakeRawTxRepo) HasSignature(context.Context, string) (bool, error) { return false, nil }

func (f *fakeRawTxRepo) DeleteByRound(_ context.Context, roundID int64) (int64, error) {
	n := int64(len(f.byRound[roundID]))
	delete(f.byRound, roundID)
	f.deleted = append(f.deleted, roundID)
	return n, nil
}

type fakeAutomationQueue struct{}

func (fakeAutomationQueue) Enqueue(context.Context, *model.AutomationQueueItem) (bool, error) {
	return true, nil
}

func (fakeAutomationQueue) ClaimNext(context.Context) (*model.AutomationQueueItem, error) {
	return nil, nil
}

func (fakeAutomationQueue) MarkCompleted(context.Context, uuid.UUID, store.AutomationResult) error {
	return nil
}

func (fakeAutomationQueue) MarkFailed(context.Context, uuid.UUID, string, store.AutomationResult) error {
	return nil
}

func (fakeAutomationQueue) RetryFailed(context.Context, int) (int64, error) { return 0, nil }

func (fakeAutomationQueue) SweepStale(context.Context, time.Duration) (int64, error) { return 0, nil }

func (fakeAutomationQueue) Counts(context.Context) (map[model.QueueStatus]int64, error) {
	return nil, nil
}

type recordingAlerter struct {
	sent []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.sent = append(r.sent, a)
	return nil
}

type serviceFixture struct {
	svc     *Service
	rounds  *fakeRoundRepo
	rawTxs  *fakeRawTxRepo
	client  *mocks.MockRPCClient
	alerter *recordingAlerter
}

func newServiceFixture(t *testing.T, policy config.VerifyPolicy, rounds ...*model.Round) *serviceFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	client := mocks.NewMockRPCClient(ctrl)
	roundRepo := newFakeRoundRepo(rounds...)
	rawTxs := newFakeRawTxRepo()
	alerter := &recordingAlerter{}

	eng := engine.New(client, ratelimit.NewLimiter(10_000, 10_000), roundRepo, rawTxs,
		fakeAutomationQueue{}, sigindex.New(rawTxs, sigindex.Config{ExpectedItems: 100}),
		engine.Config{GameProgramID: "prog", SignaturePageLimit: 100}, testLogger())

	svc := NewService(roundRepo, rawTxs, nil, eng, nil, alerter, policy, testLogger())
	return &serviceFixture{svc: svc, rounds: roundRepo, rawTxs: rawTxs, client: client, alerter: alerter}
}

func TestFetchTransactions_RoundNotFound(t *testing.T) {
	fx := newServiceFixture(t, config.VerifyPolicyBlock)

	err := fx.svc.FetchTransactions(context.Background(), 99)
	assert.ErrorIs(t, err, ErrRoundNotFound)
}

func TestFetchTransactions_RequiresMeta(t *testing.T) {
	fx := newServiceFixture(t, config.VerifyPolicyBlock,
		&model.Round{RoundID: 1, MetaFetched: false})

	err := fx.svc.FetchTransactions(context.Background(), 1)
	assert.ErrorIs(t, err, ErrMetaNotFetched)
}

func TestFetchTransactions_SetsFlagAfterFetch(t *testing.T) {
	fx := newServiceFixture(t, config.VerifyPolicyBlock,
		&model.Round{RoundID: 1, MetaFetched: true, StartSlot: 100, EndSlot: 200})

	fx.client.EXPECT().
		GetSignaturesForAddress(gomock.Any(), "prog", gomock.Any()).
		Return(nil, nil)

	require.NoError(t, fx.svc.FetchTransactions(context.Background(), 1))

	round := fx.rounds.rounds[1]
	assert.True(t, round.TransactionsFetched)
	assert.Zero(t, round.TransactionCount)
}

// An upstream fetch failure must leave the fetched flag untouched.
func TestFetchTransactions_ErrorLeavesFlagUnset(t *testing.T) {
	fx := newServiceFixture(t, config.VerifyPolicyBlock,
		&model.Round{RoundID: 1, MetaFetched: true, StartSlot: 100, EndSlot: 200})

	fx.client.EXPECT().
		GetSignaturesForAddress(gomock.Any(), "prog", gomock.Any()).
		Return(nil, errors.New("boom"))

	err := fx.svc.FetchTransactions(context.Background(), 1)
	require.Error(t, err)
	assert.False(t, fx.rounds.rounds[1].TransactionsFetched)
}

func TestResetTransactions(t *testing.T) {
	fx := newServiceFixture(t, config.VerifyPolicyBlock,
		&model.Round{RoundID: 1, MetaFetched: true, TransactionsFetched: true})
	fx.rawTxs.byRound[1] = []model.RawTransaction{{Signature: "sig1", RoundID: 1}}

	require.NoError(t, fx.svc.ResetTransactions(context.Background(), 1))
	assert.False(t, fx.rounds.rounds[1].TransactionsFetched)
	assert.Equal(t, []int64{1}, fx.rawTxs.deleted)
}

func TestResetTransactions_RefusedAfterReconstruction(t *testing.T) {
	fx := newServiceFixture(t, config.VerifyPolicyBlock,
		&model.Round{RoundID: 1, MetaFetched: true, TransactionsFetched: true, Reconstructed: true})

	err := fx.svc.ResetTransactions(context.Background(), 1)
	assert.ErrorIs(t, err, ErrAlreadyReconstructed)
	assert.Empty(t, fx.rawTxs.deleted)
}

func TestResetTransactions_NotFetched(t *testing.T) {
	fx := newServiceFixture(t, config.VerifyPolicyBlock,
		&model.Round{RoundID: 1, MetaFetched: true})

	err := fx.svc.ResetTransactions(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTransactionsNotFetched)
}

func TestReconstruct_RequiresFetched(t *testing.T) {
	fx := newServiceFixture(t, config.VerifyPolicyBlock,
		&model.Round{RoundID: 1, MetaFetched: true})

	_, err := fx.svc.Reconstruct(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTransactionsNotFetched)
}

func TestReconstruct_RecordsCleanVerdict(t *testing.T) {
	fx := newServiceFixture(t, config.VerifyPolicyBlock,
		&model.Round{RoundID: 1, MetaFetched: true, TransactionsFetched: true, TotalDeployed: 0})

	res, err := fx.svc.Reconstruct(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, res.Deployments)

	round := fx.rounds.rounds[1]
	assert.True(t, round.Reconstructed)
	assert.False(t, round.Invalid)
	assert.Empty(t, fx.alerter.sent)
}

// A discrepancy is recorded on the round and alerted, not returned as an error.
func TestReconstruct_DiscrepancyAlerts(t *testing.T) {
	fx := newServiceFixture(t, config.VerifyPolicyBlock,
		&model.Round{RoundID: 1, MetaFetched: true, TransactionsFetched: true, TotalDeployed: 500})

	res, err := fx.svc.Reconstruct(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, res.Reconciliation.Invalid)

	round := fx.rounds.rounds[1]
	assert.True(t, round.Invalid)
	assert.Equal(t, int64(500), round.Discrepancy)

	require.Len(t, fx.alerter.sent, 1)
	assert.Equal(t, alert.AlertTypeRoundInvalid, fx.alerter.sent[0].Type)
	assert.Equal(t, int64(1), fx.alerter.sent[0].RoundID)
}

func TestVerify_RequiresReconstruction(t *testing.T) {
	fx := newServiceFixture(t, config.VerifyPolicyBlock,
		&model.Round{RoundID: 1, MetaFetched: true, TransactionsFetched: true})

	err := fx.svc.Verify(context.Background(), 1, nil, false)
	assert.ErrorIs(t, err, ErrNotReconstructed)
}

func TestVerify_InvalidNeedsOverride(t *testing.T) {
	fx := newServiceFixture(t, config.VerifyPolicyBlock,
		&model.Round{RoundID: 1, MetaFetched: true, TransactionsFetched: true, Reconstructed: true, Invalid: true})

	err := fx.svc.Verify(context.Background(), 1, nil, false)
	assert.ErrorIs(t, err, ErrRoundInvalid)

	notes := "checked by hand, feed total is wrong"
	require.NoError(t, fx.svc.Verify(context.Background(), 1, &notes, true))
	assert.True(t, fx.rounds.rounds[1].Verified)
	assert.Equal(t, &notes, fx.rounds.rounds[1].VerificationNotes)
}

func TestVerify_CleanRound(t *testing.T) {
	fx := newServiceFixture(t, config.VerifyPolicyBlock,
		&model.Round{RoundID: 1, MetaFetched: true, TransactionsFetched: true, Reconstructed: true})

	require.NoError(t, fx.svc.Verify(context.Background(), 1, nil, false))
	assert.True(t, fx.rounds.rounds[1].Verified)
}

func TestBulkVerify_SkipsInvalid(t *testing.T) {
	fx := newServiceFixture(t, config.VerifyPolicyBlock,
		&model.Round{RoundID: 1, MetaFetched: true, TransactionsFetched: true, Reconstructed: true},
		&model.Round{RoundID: 2, MetaFetched: true, TransactionsFetched: true, Reconstructed: true, Invalid: true},
		&model.Round{RoundID: 3, MetaFetched: true, TransactionsFetched: true, Reconstructed: true})

	n, err := fx.svc.BulkVerify(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.False(t, fx.rounds.rounds[2].Verified)
}

func TestFinalize_RequiresReconstruction(t *testing.T) {
	fx := newServiceFixture(t, config.VerifyPolicyBlock,
		&model.Round{RoundID: 1, MetaFetched: true, TransactionsFetched: true})

	err := fx.svc.Finalize(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotReconstructed)
}

// Under the block policy a discrepancy refuses the finalize before any write.
func TestFinalize_BlocksOnDiscrepancy(t *testing.T) {
	fx := newServiceFixture(t, config.VerifyPolicyBlock,
		&model.Round{
			RoundID: 1, MetaFetched: true, TransactionsFetched: true,
			Reconstructed: true, TotalDeployed: 500,
		})

	err := fx.svc.Finalize(context.Background(), 1)
	assert.ErrorIs(t, err, ErrRoundInvalid)
}
