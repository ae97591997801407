// Package feed talks to the off-chain round metadata service: a paginated
// HTTP JSON API ordered newest to oldest, plus an optional live-round
// announcement stream.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Kriptikz/evore-sub000/internal/circuitbreaker"
	"github.com/Kriptikz/evore-sub000/internal/domain/model"
	"github.com/Kriptikz/evore-sub000/internal/metrics"
	"github.com/Kriptikz/evore-sub000/internal/retry"
)

// RoundMeta is one round as reported by the feed. Amounts are lamports.
type RoundMeta struct {
	RoundID          int64   `json:"round_id"`
	StartSlot        int64   `json:"start_slot"`
	EndSlot          int64   `json:"end_slot"`
	WinningSquare    *int16  `json:"winning_square"`
	TopMiner         *string `json:"top_miner"`
	TotalDeployed    int64   `json:"total_deployed"`
	TotalWinnings    int64   `json:"total_winnings"`
	UniqueMiners     int     `json:"unique_miners"`
	MotherlodeAmount int64   `json:"motherlode_amount"`
	MotherlodeHit    bool    `json:"motherlode_hit"`
	DeploymentCount  int     `json:"deployment_count"`
}

// ToRound converts feed metadata into a round row with the given source.
func (m *RoundMeta) ToRound(source model.RoundSource) *model.Round {
	return &model.Round{
		RoundID:          m.RoundID,
		StartSlot:        m.StartSlot,
		EndSlot:          m.EndSlot,
		WinningSquare:    m.WinningSquare,
		TopMiner:         m.TopMiner,
		TotalDeployed:    m.TotalDeployed,
		TotalWinnings:    m.TotalWinnings,
		UniqueMiners:     m.UniqueMiners,
		MotherlodeAmount: m.MotherlodeAmount,
		MotherlodeHit:    m.MotherlodeHit,
		DeploymentCount:  m.DeploymentCount,
		Source:           source,
	}
}

// Page is one feed page, newest round first.
type Page struct {
	Rounds  []RoundMeta `json:"rounds"`
	Page    int         `json:"page"`
	HasMore bool        `json:"has_more"`
}

// Client fetches round metadata. A circuit breaker sits in front of the HTTP
// calls so a dead feed fails fast instead of eating the request timeout per
// queued round.
type Client struct {
	baseURL  string
	pageSize int
	http     *http.Client
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
}

func NewClient(baseURL string, pageSize int, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		baseURL:  baseURL,
		pageSize: pageSize,
		http:     httpClient,
		logger:   logger.With("component", "feed"),
	}
	c.breaker = circuitbreaker.New(circuitbreaker.Config{
		OnStateChange: func(from, to circuitbreaker.State) {
			c.logger.Warn("feed circuit state change", "from", from.String(), "to", to.String())
		},
	})
	return c
}

// GetRound fetches a single round's metadata. A 404 is a terminal error: the
// feed has no such round.
func (c *Client) GetRound(ctx context.Context, roundID int64) (*RoundMeta, error) {
	var meta RoundMeta
	err := c.get(ctx, fmt.Sprintf("%s/rounds/%d", c.baseURL, roundID), &meta)
	if err != nil {
		return nil, err
	}
	metrics.FeedRoundsFetched.Inc()
	return &meta, nil
}

// GetPage fetches one page of rounds, newest first. Page numbers start at 0.
func (c *Client) GetPage(ctx context.Context, page int) (*Page, error) {
	u := fmt.Sprintf("%s/rounds?page=%s&page_size=%s", c.baseURL,
		url.QueryEscape(strconv.Itoa(page)), url.QueryEscape(strconv.Itoa(c.pageSize)))

	var p Page
	if err := c.get(ctx, u, &p); err != nil {
		return nil, err
	}
	metrics.FeedPagesFetched.Inc()
	metrics.FeedRoundsFetched.Add(float64(len(p.Rounds)))
	return &p, nil
}

func (c *Client) get(ctx context.Context, rawURL string, out any) error {
	if err := c.breaker.Allow(); err != nil {
		metrics.FeedErrors.Inc()
		return retry.Transient(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return retry.Terminal(fmt.Errorf("create feed request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		metrics.FeedErrors.Inc()
		return retry.Transient(fmt.Errorf("feed request %s: %w", rawURL, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.breaker.RecordSuccess()
		return retry.Terminal(fmt.Errorf("feed: not found: %s", rawURL))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		c.breaker.RecordFailure()
		metrics.FeedErrors.Inc()
		return retry.Transient(fmt.Errorf("feed: http status %d from %s", resp.StatusCode, rawURL))
	case resp.StatusCode != http.StatusOK:
		c.breaker.RecordSuccess()
		return retry.Terminal(fmt.Errorf("feed: http status %d from %s", resp.StatusCode, rawURL))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		c.breaker.RecordFailure()
		return retry.Transient(fmt.Errorf("read feed response: %w", err))
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.breaker.RecordSuccess()
		return retry.Terminal(fmt.Errorf("decode feed response: %w", err))
	}

	c.breaker.RecordSuccess()
	return nil
}
