package workflow

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"testing"

	"github.com/Kriptikz/evore-sub000/internal/domain/model"
	"github.com/Kriptikz/evore-sub000/internal/engine"
	"github.com/Kriptikz/evore-sub000/internal/reconcile"
	"github.com/Kriptikz/evore-sub000/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The commit tests drive the finalizer through database/sql with a driver
// that only records transaction boundaries. The repos are stubs, so what is
// under test is exactly the transaction discipline: one commit on success,
// one rollback on any failure, never both.

type recordingConn struct {
	mu         sync.Mutex
	beginErr   error
	begun      int
	committed  int
	rolledBack int
}

func (c *recordingConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("statements not supported")
}

func (c *recordingConn) Close() error { return nil }

func (c *recordingConn) Begin() (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.beginErr != nil {
		return nil, c.beginErr
	}
	c.begun++
	return recordingTx{conn: c}, nil
}

type recordingTx struct{ conn *recordingConn }

func (t recordingTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.committed++
	return nil
}

func (t recordingTx) Rollback() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.rolledBack++
	return nil
}

type recordingConnector struct{ conn *recordingConn }

func (c recordingConnector) Connect(context.Context) (driver.Conn, error) { return c.conn, nil }

func (c recordingConnector) Driver() driver.Driver { return nil }

// txRounds overrides only the in-transaction finalize flip.
type txRounds struct {
	store.RoundRepository

	ok     bool
	err    error
	called bool
	totals store.FinalizeTotals
}

func (r *txRounds) FinalizeTx(_ context.Context, _ *sql.Tx, _ int64, totals store.FinalizeTotals) (bool, error) {
	r.called = true
	r.totals = totals
	return r.ok, r.err
}

// txDeployments overrides only the in-transaction replace.
type txDeployments struct {
	store.DeploymentRepository

	err      error
	replaced []*model.Deployment
}

func (d *txDeployments) ReplaceForRoundTx(_ context.Context, _ *sql.Tx, _ int64, deps []*model.Deployment) error {
	if d.err != nil {
		return d.err
	}
	d.replaced = deps
	return nil
}

func reconstructionResult() *engine.Result {
	return &engine.Result{
		Deployments: []*model.Deployment{
			{RoundID: 42, MinerPubkey: "minerA", SquareID: 3, Amount: 150, DeployedSlot: 1010},
			{RoundID: 42, MinerPubkey: "minerB", SquareID: 7, Amount: 100, DeployedSlot: 1020},
		},
		Reconciliation: reconcile.Result{
			RoundID:       42,
			ReportedTotal: 250,
			ParsedTotal:   250,
		},
		UniqueMiners: 2,
	}
}

func newCommitFixture(rounds *txRounds, deployments *txDeployments) (*Finalizer, *recordingConn) {
	conn := &recordingConn{}
	db := sql.OpenDB(recordingConnector{conn: conn})
	return NewFinalizer(db, rounds, deployments, testLogger()), conn
}

func TestFinalizerCommit_CommitsOnce(t *testing.T) {
	rounds := &txRounds{ok: true}
	deployments := &txDeployments{}
	f, conn := newCommitFixture(rounds, deployments)

	require.NoError(t, f.Commit(context.Background(), 42, reconstructionResult()))

	assert.Equal(t, 1, conn.begun)
	assert.Equal(t, 1, conn.committed)
	assert.Zero(t, conn.rolledBack)
	assert.Len(t, deployments.replaced, 2)
	assert.Equal(t, store.FinalizeTotals{
		TotalDeployed:   250,
		DeploymentCount: 2,
		UniqueMiners:    2,
	}, rounds.totals)
}

// A failed deployment replace rolls the transaction back before the round
// flags are ever touched.
func TestFinalizerCommit_ReplaceFailureRollsBack(t *testing.T) {
	rounds := &txRounds{ok: true}
	deployments := &txDeployments{err: errors.New("constraint violated")}
	f, conn := newCommitFixture(rounds, deployments)

	err := f.Commit(context.Background(), 42, reconstructionResult())
	require.Error(t, err)

	assert.Zero(t, conn.committed)
	assert.Equal(t, 1, conn.rolledBack)
	assert.False(t, rounds.called, "finalize flip never reached")
}

// Losing the reconstructed flag between enqueue and commit rejects the
// finalize and undoes the already-written deployment replace.
func TestFinalizerCommit_NotReconstructedRollsBack(t *testing.T) {
	rounds := &txRounds{ok: false}
	deployments := &txDeployments{}
	f, conn := newCommitFixture(rounds, deployments)

	err := f.Commit(context.Background(), 42, reconstructionResult())
	require.ErrorIs(t, err, ErrNotReconstructed)

	assert.Zero(t, conn.committed)
	assert.Equal(t, 1, conn.rolledBack)
}

func TestFinalizerCommit_FinalizeErrorRollsBack(t *testing.T) {
	rounds := &txRounds{err: errors.New("connection lost mid-write")}
	deployments := &txDeployments{}
	f, conn := newCommitFixture(rounds, deployments)

	err := f.Commit(context.Background(), 42, reconstructionResult())
	require.Error(t, err)

	assert.Zero(t, conn.committed)
	assert.Equal(t, 1, conn.rolledBack)
}

func TestFinalizerCommit_BeginFailure(t *testing.T) {
	conn := &recordingConn{beginErr: errors.New("pool exhausted")}
	db := sql.OpenDB(recordingConnector{conn: conn})
	f := NewFinalizer(db, &txRounds{ok: true}, &txDeployments{}, testLogger())

	err := f.Commit(context.Background(), 42, reconstructionResult())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin finalize")
}

// An invalid reconciliation that reaches the finalizer under the warn policy
// still lands its verdict in the stored totals.
func TestFinalizerCommit_CarriesDiscrepancy(t *testing.T) {
	rounds := &txRounds{ok: true}
	deployments := &txDeployments{}
	f, _ := newCommitFixture(rounds, deployments)

	res := reconstructionResult()
	res.Reconciliation.ParsedTotal = 200
	res.Reconciliation.Discrepancy = 50
	res.Reconciliation.Invalid = true

	require.NoError(t, f.Commit(context.Background(), 42, res))

	assert.Equal(t, int64(200), rounds.totals.TotalDeployed)
	assert.Equal(t, int64(50), rounds.totals.Discrepancy)
	assert.True(t, rounds.totals.Invalid)
}
