// Package admin exposes the operational HTTP API: per-round workflow actions,
// queue controls, backfill runs, and pipeline status. Every mutating route is
// audited and rate limited.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Kriptikz/evore-sub000/internal/backfill"
	"github.com/Kriptikz/evore-sub000/internal/domain/model"
	"github.com/Kriptikz/evore-sub000/internal/engine"
	"github.com/Kriptikz/evore-sub000/internal/queue/action"
	"github.com/Kriptikz/evore-sub000/internal/queue/automation"
	"github.com/Kriptikz/evore-sub000/internal/store"
	"github.com/Kriptikz/evore-sub000/internal/workflow"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

const defaultListLimit = 100

// allowedActions defines the valid queue action values for admin API input
// validation.
var allowedActions = map[model.ActionType]bool{
	model.ActionFetchTxns:   true,
	model.ActionReconstruct: true,
	model.ActionFinalize:    true,
}

// WorkflowService is the interface the admin server uses to drive per-round
// actions. In production this is satisfied by *workflow.Service; tests can
// provide a mock.
type WorkflowService interface {
	FetchMeta(ctx context.Context, roundID int64) error
	FetchTransactions(ctx context.Context, roundID int64) error
	ResetTransactions(ctx context.Context, roundID int64) error
	Reconstruct(ctx context.Context, roundID int64) (*engine.Result, error)
	Verify(ctx context.Context, roundID int64, notes *string, override bool) error
	BulkVerify(ctx context.Context, start, end int64) (int64, error)
	Finalize(ctx context.Context, roundID int64) error
	Delete(ctx context.Context, roundID int64, scope store.DeleteScope) error
}

// ActionQueue is the interface for the single-flight action queue worker.
type ActionQueue interface {
	Enqueue(ctx context.Context, roundID int64, action model.ActionType) (bool, error)
	EnqueueRange(ctx context.Context, start, end int64, action model.ActionType, skipIfDone, onlyInWorkflow bool) (int, error)
	Pause()
	Resume()
	Clear(ctx context.Context) (int64, error)
	RetryFailed(ctx context.Context) (int64, error)
	Status(ctx context.Context) (*action.Status, error)
}

// AutomationQueue is the interface for the automation lookup worker.
type AutomationQueue interface {
	Process(ctx context.Context, count int) (int, error)
	RetryFailed(ctx context.Context) (int64, error)
	Status(ctx context.Context) (*automation.Status, error)
}

// BackfillRunner is the interface for the historical round backfill task.
type BackfillRunner interface {
	Start(params backfill.Params) error
	Cancel()
	Status() backfill.Status
}

// Server provides the HTTP-based admin API for operational management.
type Server struct {
	svc         WorkflowService
	rounds      store.RoundRepository
	deployments store.DeploymentRepository
	actions     ActionQueue
	automation  AutomationQueue
	backfill    BackfillRunner
	logger      *slog.Logger
}

// NewServer creates a new admin API server. The queue and backfill deps may
// be nil when the corresponding subsystem is disabled.
func NewServer(svc WorkflowService, rounds store.RoundRepository, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		svc:    svc,
		rounds: rounds,
		logger: logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithActionQueue sets the action queue worker on the admin server.
func WithActionQueue(q ActionQueue) ServerOption {
	return func(s *Server) { s.actions = q }
}

// WithAutomationQueue sets the automation lookup worker on the admin server.
func WithAutomationQueue(q AutomationQueue) ServerOption {
	return func(s *Server) { s.automation = q }
}

// WithBackfill sets the backfill task on the admin server.
func WithBackfill(b BackfillRunner) ServerOption {
	return func(s *Server) { s.backfill = b }
}

// WithDeploymentRepo sets the deployment repository used by round detail reads.
func WithDeploymentRepo(repo store.DeploymentRepository) ServerOption {
	return func(s *Server) { s.deployments = repo }
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /admin/v1/status", s.handleStatus)
	mux.HandleFunc("GET /admin/v1/rounds", s.handleListRounds)
	mux.HandleFunc("GET /admin/v1/rounds/missing", s.handleMissingRounds)
	mux.HandleFunc("GET /admin/v1/rounds/{id}", s.handleGetRound)
	mux.HandleFunc("DELETE /admin/v1/rounds/{id}", s.handleDeleteRound)

	mux.HandleFunc("POST /admin/v1/rounds/{id}/fetch-meta", s.roundAction(s.svc.FetchMeta))
	mux.HandleFunc("POST /admin/v1/rounds/{id}/fetch-transactions", s.roundAction(s.svc.FetchTransactions))
	mux.HandleFunc("POST /admin/v1/rounds/{id}/reset-transactions", s.roundAction(s.svc.ResetTransactions))
	mux.HandleFunc("POST /admin/v1/rounds/{id}/reconstruct", s.handleReconstruct)
	mux.HandleFunc("POST /admin/v1/rounds/{id}/verify", s.handleVerify)
	mux.HandleFunc("POST /admin/v1/rounds/{id}/finalize", s.roundAction(s.svc.Finalize))

	mux.HandleFunc("POST /admin/v1/rounds/bulk-verify", s.handleBulkVerify)
	mux.HandleFunc("POST /admin/v1/workflow/add-range", s.handleAddRangeToWorkflow)

	mux.HandleFunc("POST /admin/v1/queue/enqueue", s.handleEnqueue)
	mux.HandleFunc("POST /admin/v1/queue/enqueue-range", s.handleEnqueueRange)
	mux.HandleFunc("POST /admin/v1/queue/pause", s.handleQueuePause)
	mux.HandleFunc("POST /admin/v1/queue/resume", s.handleQueueResume)
	mux.HandleFunc("POST /admin/v1/queue/clear", s.handleQueueClear)
	mux.HandleFunc("POST /admin/v1/queue/retry-failed", s.handleQueueRetryFailed)
	mux.HandleFunc("GET /admin/v1/queue/status", s.handleQueueStatus)

	mux.HandleFunc("POST /admin/v1/automation/process", s.handleAutomationProcess)
	mux.HandleFunc("POST /admin/v1/automation/retry-failed", s.handleAutomationRetryFailed)
	mux.HandleFunc("GET /admin/v1/automation/status", s.handleAutomationStatus)

	mux.HandleFunc("POST /admin/v1/backfill/start", s.handleBackfillStart)
	mux.HandleFunc("POST /admin/v1/backfill/cancel", s.handleBackfillCancel)
	mux.HandleFunc("GET /admin/v1/backfill/status", s.handleBackfillStatus)

	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

// roundIDFromPath extracts and validates the {id} path segment.
// Returns false (and writes an error response) on a malformed id.
func roundIDFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		http.Error(w, `{"error":"round id must be a positive integer"}`, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// writeWorkflowError maps workflow precondition errors onto HTTP statuses:
// unknown round is 404, a violated flag precondition is 409, anything else
// is an internal error.
func (s *Server) writeWorkflowError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, workflow.ErrRoundNotFound):
		http.Error(w, `{"error":"round not found"}`, http.StatusNotFound)
	case errors.Is(err, workflow.ErrMetaNotFetched),
		errors.Is(err, workflow.ErrTransactionsNotFetched),
		errors.Is(err, workflow.ErrAlreadyReconstructed),
		errors.Is(err, workflow.ErrNotReconstructed),
		errors.Is(err, workflow.ErrRoundInvalid):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("admin request failed", "path", r.URL.Path, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
	}
}

// roundAction adapts a single-round workflow call into a handler.
func (s *Server) roundAction(fn func(ctx context.Context, roundID int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := roundIDFromPath(w, r)
		if !ok {
			return
		}
		if err := fn(r.Context(), id); err != nil {
			s.writeWorkflowError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// --- Round read endpoints ---

type stageCountsResponse struct {
	Rounds map[string]int64 `json:"rounds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.rounds.StageCounts(r.Context())
	if err != nil {
		s.logger.Error("stage counts failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stageCountsResponse{Rounds: counts})
}

type roundResponse struct {
	RoundID             int64  `json:"round_id"`
	StartSlot           int64  `json:"start_slot"`
	EndSlot             int64  `json:"end_slot"`
	TotalDeployed       int64  `json:"total_deployed"`
	ParsedTotal         int64  `json:"parsed_total"`
	Discrepancy         int64  `json:"discrepancy"`
	Invalid             bool   `json:"invalid"`
	DeploymentCount     int    `json:"deployment_count"`
	TransactionCount    int    `json:"transaction_count"`
	UniqueMiners        int    `json:"unique_miners"`
	Source              string `json:"source"`
	InWorkflow          bool   `json:"in_workflow"`
	MetaFetched         bool   `json:"meta_fetched"`
	TransactionsFetched bool   `json:"transactions_fetched"`
	Reconstructed       bool   `json:"reconstructed"`
	Verified            bool   `json:"verified"`
	Finalized           bool   `json:"finalized"`
}

func toRoundResponse(r *model.Round) roundResponse {
	return roundResponse{
		RoundID:             r.RoundID,
		StartSlot:           r.StartSlot,
		EndSlot:             r.EndSlot,
		TotalDeployed:       r.TotalDeployed,
		ParsedTotal:         r.ParsedTotal,
		Discrepancy:         r.Discrepancy,
		Invalid:             r.Invalid,
		DeploymentCount:     r.DeploymentCount,
		TransactionCount:    r.TransactionCount,
		UniqueMiners:        r.UniqueMiners,
		Source:              string(r.Source),
		InWorkflow:          r.InWorkflow,
		MetaFetched:         r.MetaFetched,
		TransactionsFetched: r.TransactionsFetched,
		Reconstructed:       r.Reconstructed,
		Verified:            r.Verified,
		Finalized:           r.Finalized,
	}
}

type roundListResponse struct {
	Rounds     []roundResponse `json:"rounds"`
	NextCursor int64           `json:"next_cursor,omitempty"`
}

func (s *Server) handleListRounds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.RoundFilter{
		MissingDeployments: q.Get("filter") == "missing-deployments",
		Invalid:            q.Get("filter") == "invalid",
		Limit:              defaultListLimit,
	}
	if after := q.Get("after"); after != "" {
		v, err := strconv.ParseInt(after, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, `{"error":"after must be a non-negative integer"}`, http.StatusBadRequest)
			return
		}
		filter.AfterRoundID = v
	}
	if limit := q.Get("limit"); limit != "" {
		v, err := strconv.Atoi(limit)
		if err != nil || v < 1 || v > 1000 {
			http.Error(w, `{"error":"limit must be between 1 and 1000"}`, http.StatusBadRequest)
			return
		}
		filter.Limit = v
	}

	rounds, err := s.rounds.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list rounds failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	resp := roundListResponse{Rounds: make([]roundResponse, len(rounds))}
	for i := range rounds {
		resp.Rounds[i] = toRoundResponse(&rounds[i])
	}
	if len(rounds) == filter.Limit {
		resp.NextCursor = rounds[len(rounds)-1].RoundID
	}
	writeJSON(w, http.StatusOK, resp)
}

type missingRoundsResponse struct {
	Start   int64   `json:"start"`
	End     int64   `json:"end"`
	Missing []int64 `json:"missing"`
	Count   int     `json:"count"`
}

func (s *Server) handleMissingRounds(w http.ResponseWriter, r *http.Request) {
	start, end, ok := rangeFromQuery(w, r)
	if !ok {
		return
	}

	missing, err := s.rounds.MissingRoundIDs(r.Context(), start, end)
	if err != nil {
		s.logger.Error("missing rounds failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, missingRoundsResponse{
		Start:   start,
		End:     end,
		Missing: missing,
		Count:   len(missing),
	})
}

// rangeFromQuery extracts and validates start/end query params.
func rangeFromQuery(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	start, err1 := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
	end, err2 := strconv.ParseInt(r.URL.Query().Get("end"), 10, 64)
	if err1 != nil || err2 != nil || start < 1 || end < start {
		http.Error(w, `{"error":"start and end query params must form a valid range"}`, http.StatusBadRequest)
		return 0, 0, false
	}
	return start, end, true
}

type roundDetailResponse struct {
	Round       roundResponse      `json:"round"`
	Deployments []model.Deployment `json:"deployments,omitempty"`
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDFromPath(w, r)
	if !ok {
		return
	}

	round, err := s.rounds.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("get round failed", "round_id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if round == nil {
		http.Error(w, `{"error":"round not found"}`, http.StatusNotFound)
		return
	}

	resp := roundDetailResponse{Round: toRoundResponse(round)}
	if s.deployments != nil && r.URL.Query().Get("include") == "deployments" {
		deps, err := s.deployments.ListByRound(r.Context(), id)
		if err != nil {
			s.logger.Error("list deployments failed", "round_id", id, "error", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
		resp.Deployments = deps
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteRound(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDFromPath(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	scope := store.DeleteScope{
		Round:           q.Get("round") != "false",
		Deployments:     q.Get("deployments") != "false",
		RawTransactions: q.Get("raw_transactions") != "false",
	}

	if err := s.svc.Delete(r.Context(), id, scope); err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	s.logger.Info("round deleted via admin API",
		"round_id", id,
		"round", scope.Round,
		"deployments", scope.Deployments,
		"raw_transactions", scope.RawTransactions,
	)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- Per-round workflow endpoints with bodies ---

func (s *Server) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDFromPath(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Reconstruct(r.Context(), id)
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type verifyRequest struct {
	Notes    *string `json:"notes"`
	Override bool    `json:"override"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDFromPath(w, r)
	if !ok {
		return
	}

	var req verifyRequest
	if r.ContentLength > 0 && !decodeJSONBody(w, r, &req) {
		return
	}

	if err := s.svc.Verify(r.Context(), id, req.Notes, req.Override); err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type rangeRequest struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (req *rangeRequest) valid() bool {
	return req.Start >= 1 && req.End >= req.Start
}

func (s *Server) handleBulkVerify(w http.ResponseWriter, r *http.Request) {
	var req rangeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if !req.valid() {
		http.Error(w, `{"error":"start and end must form a valid range"}`, http.StatusBadRequest)
		return
	}

	verified, err := s.svc.BulkVerify(r.Context(), req.Start, req.End)
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"verified": verified})
}

func (s *Server) handleAddRangeToWorkflow(w http.ResponseWriter, r *http.Request) {
	var req rangeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if !req.valid() {
		http.Error(w, `{"error":"start and end must form a valid range"}`, http.StatusBadRequest)
		return
	}

	marked, err := s.rounds.AddRangeToWorkflow(r.Context(), req.Start, req.End)
	if err != nil {
		s.logger.Error("add range to workflow failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	s.logger.Info("range added to workflow", "start", req.Start, "end", req.End, "marked", marked)
	writeJSON(w, http.StatusOK, map[string]int64{"marked": marked})
}

// --- Action queue endpoints ---

func (s *Server) requireActionQueue(w http.ResponseWriter) bool {
	if s.actions == nil {
		http.Error(w, `{"error":"action queue not available"}`, http.StatusServiceUnavailable)
		return false
	}
	return true
}

type enqueueRequest struct {
	RoundID int64  `json:"round_id"`
	Action  string `json:"action"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if !s.requireActionQueue(w) {
		return
	}

	var req enqueueRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	act := model.ActionType(req.Action)
	if req.RoundID < 1 || !allowedActions[act] {
		http.Error(w, `{"error":"round_id and a valid action are required"}`, http.StatusBadRequest)
		return
	}

	queued, err := s.actions.Enqueue(r.Context(), req.RoundID, act)
	if err != nil {
		s.logger.Error("enqueue failed", "round_id", req.RoundID, "action", req.Action, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if !queued {
		writeJSON(w, http.StatusConflict, map[string]any{
			"queued": false,
			"error":  "same round and action already pending or processing",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"queued": true})
}

type enqueueRangeRequest struct {
	Start          int64  `json:"start"`
	End            int64  `json:"end"`
	Action         string `json:"action"`
	SkipIfDone     bool   `json:"skip_if_done"`
	OnlyInWorkflow bool   `json:"only_in_workflow"`
}

func (s *Server) handleEnqueueRange(w http.ResponseWriter, r *http.Request) {
	if !s.requireActionQueue(w) {
		return
	}

	var req enqueueRangeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	act := model.ActionType(req.Action)
	if req.Start < 1 || req.End < req.Start || !allowedActions[act] {
		http.Error(w, `{"error":"start, end, and a valid action are required"}`, http.StatusBadRequest)
		return
	}

	queued, err := s.actions.EnqueueRange(r.Context(), req.Start, req.End, act, req.SkipIfDone, req.OnlyInWorkflow)
	if err != nil {
		s.logger.Error("enqueue range failed", "action", req.Action, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"queued": queued})
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	if !s.requireActionQueue(w) {
		return
	}
	s.actions.Pause()
	s.logger.Info("action queue paused via admin API")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	if !s.requireActionQueue(w) {
		return
	}
	s.actions.Resume()
	s.logger.Info("action queue resumed via admin API")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	if !s.requireActionQueue(w) {
		return
	}
	cleared, err := s.actions.Clear(r.Context())
	if err != nil {
		s.logger.Error("queue clear failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	s.logger.Info("action queue cleared via admin API", "cleared", cleared)
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": cleared})
}

func (s *Server) handleQueueRetryFailed(w http.ResponseWriter, r *http.Request) {
	if !s.requireActionQueue(w) {
		return
	}
	retried, err := s.actions.RetryFailed(r.Context())
	if err != nil {
		s.logger.Error("queue retry failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"retried": retried})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireActionQueue(w) {
		return
	}
	status, err := s.actions.Status(r.Context())
	if err != nil {
		s.logger.Error("queue status failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- Automation queue endpoints ---

func (s *Server) requireAutomation(w http.ResponseWriter) bool {
	if s.automation == nil {
		http.Error(w, `{"error":"automation queue not available"}`, http.StatusServiceUnavailable)
		return false
	}
	return true
}

type automationProcessRequest struct {
	Count int `json:"count"`
}

func (s *Server) handleAutomationProcess(w http.ResponseWriter, r *http.Request) {
	if !s.requireAutomation(w) {
		return
	}

	var req automationProcessRequest
	if r.ContentLength > 0 && !decodeJSONBody(w, r, &req) {
		return
	}

	processed, err := s.automation.Process(r.Context(), req.Count)
	if err != nil {
		s.logger.Error("automation process failed", "processed", processed, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": processed})
}

func (s *Server) handleAutomationRetryFailed(w http.ResponseWriter, r *http.Request) {
	if !s.requireAutomation(w) {
		return
	}
	retried, err := s.automation.RetryFailed(r.Context())
	if err != nil {
		s.logger.Error("automation retry failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"retried": retried})
}

func (s *Server) handleAutomationStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireAutomation(w) {
		return
	}
	status, err := s.automation.Status(r.Context())
	if err != nil {
		s.logger.Error("automation status failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- Backfill endpoints ---

func (s *Server) requireBackfill(w http.ResponseWriter) bool {
	if s.backfill == nil {
		http.Error(w, `{"error":"backfill not available"}`, http.StatusServiceUnavailable)
		return false
	}
	return true
}

type backfillStartRequest struct {
	StopAtRound  int64 `json:"stop_at_round"`
	HighestRound int64 `json:"highest_round"`
	MaxPages     int   `json:"max_pages"`
	PageJumpSize int   `json:"page_jump_size"`
	PauseMS      int   `json:"pause_ms"`
}

func (s *Server) handleBackfillStart(w http.ResponseWriter, r *http.Request) {
	if !s.requireBackfill(w) {
		return
	}

	var req backfillStartRequest
	if r.ContentLength > 0 && !decodeJSONBody(w, r, &req) {
		return
	}
	if req.StopAtRound < 0 || req.HighestRound < 0 || req.MaxPages < 0 || req.PageJumpSize < 0 || req.PauseMS < 0 {
		http.Error(w, `{"error":"backfill parameters must be non-negative"}`, http.StatusBadRequest)
		return
	}

	params := backfill.Params{
		StopAtRound:  req.StopAtRound,
		HighestRound: req.HighestRound,
		MaxPages:     req.MaxPages,
		PageJumpSize: req.PageJumpSize,
		PauseBetween: time.Duration(req.PauseMS) * time.Millisecond,
	}
	if err := s.backfill.Start(params); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info("backfill started via admin API",
		"stop_at_round", req.StopAtRound,
		"max_pages", req.MaxPages,
		"page_jump_size", req.PageJumpSize,
	)
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": true})
}

func (s *Server) handleBackfillCancel(w http.ResponseWriter, r *http.Request) {
	if !s.requireBackfill(w) {
		return
	}
	s.backfill.Cancel()
	s.logger.Info("backfill cancel requested via admin API")
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireBackfill(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.backfill.Status())
}
