package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dorkalev/forge-control/internal/autopilot"
	"github.com/dorkalev/forge-control/internal/journal"
	"github.com/dorkalev/forge-control/internal/logging"
	"github.com/dorkalev/forge-control/internal/worktree"
)

// stopWait bounds how long a stop request waits for an in-flight tick.
const stopWait = 10 * time.Second

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// worktreeOpTimeout bounds a worktree create or cleanup once started. The
// operation outlives the request so a disconnecting client cannot stop it
// between destructive git steps.
const worktreeOpTimeout = 5 * time.Minute

// worktreeContext detaches r's context from client cancellation and tags it
// with branch.
func worktreeContext(r *http.Request, branch string) (context.Context, context.CancelFunc) {
	ctx := logging.ContextWithBranch(context.WithoutCancel(r.Context()), branch)
	return context.WithTimeout(ctx, worktreeOpTimeout)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.autopilot.Status(r.Context()))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	err := s.autopilot.Start()
	switch {
	case errors.Is(err, autopilot.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.log.Error("autopilot start failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, s.autopilot.Status(r.Context()))
	}
}

// handleStop disables the loop. If a tick is still running after stopWait the
// loop is already disabled and the response is 202.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stopWait)
	defer cancel()

	err := s.autopilot.Stop(ctx)
	switch {
	case errors.Is(err, autopilot.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusAccepted, s.autopilot.Status(r.Context()))
	case err != nil:
		s.log.Error("autopilot stop failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, s.autopilot.Status(r.Context()))
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if err := s.autopilot.TriggerPoll(); err != nil {
		if errors.Is(err, autopilot.ErrTickInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "polling"})
}

type maxParallelRequest struct {
	MaxParallelAgents *int `json:"maxParallelAgents"`
}

func (s *Server) handleSetMaxParallel(w http.ResponseWriter, r *http.Request) {
	var req maxParallelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MaxParallelAgents == nil {
		writeError(w, http.StatusBadRequest, "maxParallelAgents is required")
		return
	}
	s.applySetting(w, r, s.autopilot.SetMaxParallel(*req.MaxParallelAgents), autopilot.ErrInvalidMaxParallel)
}

type pollIntervalRequest struct {
	PollIntervalSeconds *int `json:"pollIntervalSeconds"`
}

func (s *Server) handleSetPollInterval(w http.ResponseWriter, r *http.Request) {
	var req pollIntervalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PollIntervalSeconds == nil {
		writeError(w, http.StatusBadRequest, "pollIntervalSeconds is required")
		return
	}
	s.applySetting(w, r, s.autopilot.SetPollInterval(*req.PollIntervalSeconds), autopilot.ErrInvalidPollInterval)
}

func (s *Server) applySetting(w http.ResponseWriter, r *http.Request, err, invalid error) {
	switch {
	case errors.Is(err, invalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, s.autopilot.Status(r.Context()))
	}
}

type createWorktreeRequest struct {
	Branch string `json:"branch"`
}

type createWorktreeResponse struct {
	Error  string                    `json:"error,omitempty"`
	Result *worktree.ProvisionResult `json:"result,omitempty"`
}

// handleCreateWorktree provisions a workspace: 201 when created, 200 when it
// already existed, 500 with the step log when provisioning failed.
func (s *Server) handleCreateWorktree(w http.ResponseWriter, r *http.Request) {
	if s.worktrees == nil {
		writeError(w, http.StatusServiceUnavailable, "worktree manager not configured")
		return
	}
	var req createWorktreeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := worktreeContext(r, req.Branch)
	defer cancel()
	res, err := s.worktrees.Create(ctx, req.Branch)
	switch {
	case err != nil && res == nil:
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, createWorktreeResponse{Error: err.Error(), Result: res})
	case res.Existed:
		writeJSON(w, http.StatusOK, createWorktreeResponse{Result: res})
	default:
		writeJSON(w, http.StatusCreated, createWorktreeResponse{Result: res})
	}
}

type cleanupResponse struct {
	Error   string                   `json:"error,omitempty"`
	Check   string                   `json:"check,omitempty"`
	Outcome *worktree.CleanupOutcome `json:"outcome,omitempty"`
}

// handleCleanupWorktree decommissions a workspace: 200 on full success, 207
// on partial failure, 412 when a preflight check refused, 400 for a request
// that names no resolvable workspace.
func (s *Server) handleCleanupWorktree(w http.ResponseWriter, r *http.Request) {
	if s.worktrees == nil {
		writeError(w, http.StatusServiceUnavailable, "worktree manager not configured")
		return
	}
	var req worktree.CleanupRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := worktreeContext(r, req.Branch)
	defer cancel()
	out, err := s.worktrees.Cleanup(ctx, req)

	var violation *worktree.PreflightViolation
	switch {
	case errors.As(err, &violation):
		s.metrics.cleanupRefused.Add(1)
		s.recordCleanup(ctx, req, out)
		writeJSON(w, http.StatusPreconditionFailed, cleanupResponse{Error: err.Error(), Check: violation.Check, Outcome: out})
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	case !out.OK:
		s.metrics.cleanupPartial.Add(1)
		s.recordCleanup(ctx, req, out)
		writeJSON(w, http.StatusMultiStatus, cleanupResponse{Outcome: out})
	default:
		s.metrics.cleanupOK.Add(1)
		s.recordCleanup(ctx, req, out)
		writeJSON(w, http.StatusOK, cleanupResponse{Outcome: out})
	}
}

func (s *Server) recordCleanup(ctx context.Context, req worktree.CleanupRequest, out *worktree.CleanupOutcome) {
	if out == nil {
		return
	}
	if s.observer != nil {
		s.observer.CleanupFinished(req.Identifier, out)
	}
	if s.history == nil {
		return
	}
	err := s.history.RecordCleanup(ctx, journal.CleanupEntry{
		Branch:     out.Branch,
		Path:       out.Path,
		Identifier: req.Identifier,
		OK:         out.OK,
		Errors:     out.Errors,
		Warnings:   out.Warnings,
	})
	if err != nil {
		s.log.Warn("failed to journal cleanup", "branch", out.Branch, "error", err)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not configured")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events, err := s.history.History(r.Context(), limit)
	if err != nil {
		s.log.Error("history query failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
