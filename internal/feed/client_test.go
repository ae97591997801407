package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Kriptikz/evore-sub000/internal/circuitbreaker"
	"github.com/Kriptikz/evore-sub000/internal/domain/model"
	"github.com/Kriptikz/evore-sub000/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetRound(t *testing.T) {
	square := int16(7)
	miner := "minerA"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rounds/42", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(RoundMeta{
			RoundID:       42,
			StartSlot:     1000,
			EndSlot:       2000,
			WinningSquare: &square,
			TopMiner:      &miner,
			TotalDeployed: 5_000_000_000,
		}))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 10, srv.Client(), testLogger())
	meta, err := c.GetRound(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, int64(42), meta.RoundID)
	assert.Equal(t, int64(5_000_000_000), meta.TotalDeployed)
	require.NotNil(t, meta.WinningSquare)
	assert.Equal(t, int16(7), *meta.WinningSquare)
}

func TestGetRound_NotFoundIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 10, srv.Client(), testLogger())
	_, err := c.GetRound(context.Background(), 42)
	require.Error(t, err)
	assert.False(t, retry.Classify(err).IsTransient())
}

func TestGetRound_ServerErrorsAreTransient(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))

		c := NewClient(srv.URL, 10, srv.Client(), testLogger())
		_, err := c.GetRound(context.Background(), 1)
		require.Error(t, err, status)
		assert.True(t, retry.Classify(err).IsTransient(), "status %d", status)
		srv.Close()
	}
}

func TestGetRound_BadBodyIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 10, srv.Client(), testLogger())
	_, err := c.GetRound(context.Background(), 1)
	require.Error(t, err)
	assert.False(t, retry.Classify(err).IsTransient())
}

func TestGetPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rounds", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("page"))
		assert.Equal(t, "25", r.URL.Query().Get("page_size"))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(Page{
			Rounds:  []RoundMeta{{RoundID: 9}, {RoundID: 8}},
			Page:    3,
			HasMore: true,
		}))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 25, srv.Client(), testLogger())
	page, err := c.GetPage(context.Background(), 3)
	require.NoError(t, err)

	require.Len(t, page.Rounds, 2)
	assert.Equal(t, int64(9), page.Rounds[0].RoundID)
	assert.True(t, page.HasMore)
}

// Five straight failures open the breaker; the next call fails fast without
// reaching the feed at all.
func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 10, srv.Client(), testLogger())
	for i := 0; i < 5; i++ {
		_, err := c.GetRound(context.Background(), 1)
		require.Error(t, err)
	}
	assert.Equal(t, 5, hits)

	_, err := c.GetRound(context.Background(), 1)
	require.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.True(t, retry.Classify(err).IsTransient())
	assert.Equal(t, 5, hits, "open breaker short-circuits the request")
}

func TestToRound(t *testing.T) {
	m := RoundMeta{RoundID: 5, StartSlot: 10, EndSlot: 20, TotalDeployed: 100, DeploymentCount: 3}
	r := m.ToRound(model.RoundSourceBackfilled)

	assert.Equal(t, int64(5), r.RoundID)
	assert.Equal(t, model.RoundSourceBackfilled, r.Source)
	assert.Equal(t, 3, r.DeploymentCount)
}
