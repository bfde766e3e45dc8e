package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yasumu/tanxium/internal/bridge"
	"github.com/yasumu/tanxium/internal/envstore"
	"github.com/yasumu/tanxium/internal/runlog"
	"github.com/yasumu/tanxium/internal/runtime"
	"github.com/yasumu/tanxium/internal/scriptctx"
)

const maxBodyBytes = 8 << 20

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Workers:       []string{},
	}
	if s.deps.Readiness != nil {
		resp.Ready = s.deps.Readiness.IsReady()
	}
	if s.deps.Workers != nil {
		resp.Workers = s.deps.Workers.Keys()
	}
	resp.EventSubscribers = s.deps.Events.Subscribers()
	if s.deps.Bridge != nil {
		b := &BridgeHealth{}
		b.ConsoleBuffered, b.EventsBuffered = s.deps.Bridge.Buffered()
		b.ConsoleDropped, b.EventsDropped = s.deps.Bridge.Dropped()
		resp.Bridge = b
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scripts == nil {
		s.writeError(w, http.StatusServiceUnavailable, "script runtime not configured")
		return
	}

	var req runtime.ExecuteRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	res, err := s.deps.Scripts.ExecuteScript(r.Context(), req)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, res)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		// Validation failures and ErrUnsupportedLanguage.
		s.writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run log not configured")
		return
	}

	run, err := s.deps.Runs.Get(r.Context(), chi.URLParam(r, "runID"))
	if errors.Is(err, runlog.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run log not configured")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	workspaceID := chi.URLParam(r, "workspaceID")
	runs, err := s.deps.Runs.List(r.Context(), workspaceID, limit)
	if err != nil {
		s.logger.Error("failed to list runs", "workspace_id", workspaceID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []runlog.Run{}
	}
	respondJSON(w, http.StatusOK, RunsResponse{WorkspaceID: workspaceID, Runs: runs})
}

func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	if s.deps.Environments == nil {
		s.writeError(w, http.StatusServiceUnavailable, "environment store not configured")
		return
	}

	id := chi.URLParam(r, "environmentID")
	env, err := s.deps.Environments.Get(r.Context(), id)
	if errors.Is(err, envstore.ErrEnvironmentNotFound) {
		s.writeError(w, http.StatusNotFound, "environment not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get environment", "environment_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get environment")
		return
	}
	respondJSON(w, http.StatusOK, env)
}

func (s *Server) handlePutEnvironment(w http.ResponseWriter, r *http.Request) {
	if s.deps.Environments == nil {
		s.writeError(w, http.StatusServiceUnavailable, "environment store not configured")
		return
	}

	var env scriptctx.EnvironmentData
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&env); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	env.ID = chi.URLParam(r, "environmentID")

	err := s.deps.Environments.Put(r.Context(), &env)
	if errors.Is(err, envstore.ErrEnvironmentTooLarge) {
		s.writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to store environment", "environment_id", env.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store environment")
		return
	}
	respondJSON(w, http.StatusOK, &env)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if s.deps.Commands == nil {
		s.writeError(w, http.StatusServiceUnavailable, "host commands not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	out, err := s.deps.Commands.Invoke(r.Context(), chi.URLParam(r, "command"), body)
	if errors.Is(err, bridge.ErrUnknownCommand) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Readiness == nil {
		s.writeError(w, http.StatusServiceUnavailable, "bridge not configured")
		return
	}
	s.deps.Readiness.MarkReady()
	respondJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
