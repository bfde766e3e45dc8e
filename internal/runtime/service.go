// Package runtime is the host entry point for script execution. It
// serializes calls per entity, runs them on the shared script worker and
// records what happened.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/yasumu/tanxium/internal/envstore"
	"github.com/yasumu/tanxium/internal/events"
	"github.com/yasumu/tanxium/internal/log"
	"github.com/yasumu/tanxium/internal/msgqueue"
	"github.com/yasumu/tanxium/internal/mutex"
	"github.com/yasumu/tanxium/internal/runlog"
	"github.com/yasumu/tanxium/internal/scriptctx"
	"github.com/yasumu/tanxium/internal/worker"
)

// GlobalWorkerKey is the manager key of the worker shared by all scripts.
const GlobalWorkerKey = "global"

// TopicScriptExecuted is published on the message queue after every run.
const TopicScriptExecuted = "script-executed"

var ErrUnsupportedLanguage = errors.New("Unsupported script language")

// ExecuteRequest is one script call for an entity of a workspace.
type ExecuteRequest struct {
	WorkspaceID      string           `json:"workspaceId"`
	EntityID         string           `json:"entityId"`
	Script           scriptctx.Script `json:"script"`
	InvocationTarget string           `json:"invocationTarget"`
	ContextType      string           `json:"contextType"`
	Context          json.RawMessage  `json:"context"`
}

// ScriptExecuted is the notification published after a run.
type ScriptExecuted struct {
	RunID            string `json:"runId,omitempty"`
	WorkspaceID      string `json:"workspaceId"`
	EntityID         string `json:"entityId"`
	InvocationTarget string `json:"invocationTarget"`
	Success          bool   `json:"success"`
	Error            string `json:"error,omitempty"`
	DurationMs       int64  `json:"durationMs"`
}

// Options wires the service. Workers is required; the rest are optional.
type Options struct {
	Workers      *worker.Manager
	Locks        *mutex.KeyedMutex
	Runs         *runlog.Log
	Environments *envstore.Store
	Bus          *msgqueue.Queue
	Hub          *events.Hub
}

type Service struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Service {
	if opts.Locks == nil {
		opts.Locks = mutex.New()
	}
	return &Service{opts: opts, logger: log.WithComponent("script-runtime")}
}

// ExecuteScript runs req on the shared worker. Script failures and worker
// failures are both reported in the result; the returned error is only set
// for requests that could not be attempted.
func (s *Service) ExecuteScript(ctx context.Context, req ExecuteRequest) (*scriptctx.ExecutionResult, error) {
	if req.Script.Language != scriptctx.LanguageJavaScript {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, req.Script.Language)
	}
	if req.WorkspaceID == "" || req.EntityID == "" {
		return nil, errors.New("workspace id and entity id are required")
	}
	if req.InvocationTarget == "" {
		return nil, errors.New("invocation target is required")
	}
	if len(req.Context) == 0 {
		req.Context = json.RawMessage(`{}`)
	}

	name := req.WorkspaceID + "/" + req.EntityID
	var res *scriptctx.ExecutionResult
	err := s.opts.Locks.RunExclusive(ctx, name, func(ctx context.Context) error {
		var err error
		res, err = s.execute(ctx, name, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// execute runs req and maps the outcome. Only a cancelled or expired ctx is
// returned as an error; everything else is reported in the result.
func (s *Service) execute(ctx context.Context, name string, req ExecuteRequest) (*scriptctx.ExecutionResult, error) {
	started := time.Now()
	logger := s.logger.With("workspace_id", req.WorkspaceID, "entity_id", req.EntityID, "target", req.InvocationTarget)

	if req.ContextType == scriptctx.TypeRest {
		req.Context = s.loadEnvironment(ctx, req.Context)
	}

	module, out, err := s.invoke(ctx, name, req)
	if err != nil && ctx.Err() != nil {
		logger.Debug("script call abandoned", "error", err)
		return nil, ctx.Err()
	}
	res := &scriptctx.ExecutionResult{Context: req.Context}
	var execErr *worker.ExecutionError
	switch {
	case err == nil:
		res.Context = out.Context
		res.Result = scriptctx.ExecutionOutcome{Success: true, Result: out.Result}
	case errors.As(err, &execErr):
		if len(execErr.Context) > 0 {
			res.Context = execErr.Context
		}
		res.Result = scriptctx.ExecutionOutcome{Error: execErr.Message}
	default:
		logger.Warn("script worker failed", "error", err)
		res.Result = scriptctx.ExecutionOutcome{Error: err.Error()}
	}
	if res.Result.Error == "" && !res.Result.Success {
		res.Result.Error = "Unknown error"
	}
	duration := time.Since(started)
	logger.Debug("script executed", "success", res.Result.Success, "duration", duration)

	if req.ContextType == scriptctx.TypeRest {
		s.persistEnvironment(ctx, req.Context, res.Context)
	}
	res.RunID = s.record(ctx, req, module, res, started, duration)
	s.notify(ctx, req, res, duration)
	return res, nil
}

func (s *Service) invoke(ctx context.Context, name string, req ExecuteRequest) (string, *worker.Result, error) {
	w, err := s.opts.Workers.GetOrCreate(ctx, GlobalWorkerKey)
	if err != nil {
		return "", nil, err
	}
	if err := w.WaitReady(ctx); err != nil {
		return "", nil, err
	}
	module, err := w.RegisterModule(name, req.Script.Code)
	if err != nil {
		return "", nil, err
	}
	out, err := w.Execute(ctx, worker.Request{
		Module:           module,
		InvocationTarget: req.InvocationTarget,
		ContextType:      req.ContextType,
		Context:          req.Context,
	})
	return module, out, err
}

// loadEnvironment fills in the stored environment when raw names one by id
// but carries no variables or secrets. Other context fields are kept as is.
func (s *Service) loadEnvironment(ctx context.Context, raw json.RawMessage) json.RawMessage {
	if s.opts.Environments == nil {
		return raw
	}
	rc, err := scriptctx.DecodeRest(raw)
	if err != nil || rc.Environment == nil || rc.Environment.ID == "" {
		return raw
	}
	if len(rc.Environment.Variables) > 0 || len(rc.Environment.Secrets) > 0 {
		return raw
	}

	stored, err := s.opts.Environments.Get(ctx, rc.Environment.ID)
	if err != nil {
		if !errors.Is(err, envstore.ErrEnvironmentNotFound) {
			s.logger.Warn("failed to load environment", "environment_id", rc.Environment.ID, "error", err)
		}
		return raw
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw
	}
	env, err := json.Marshal(stored)
	if err != nil {
		return raw
	}
	fields["environment"] = env
	out, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return out
}

// persistEnvironment stores the environment of after when a script changed it.
func (s *Service) persistEnvironment(ctx context.Context, before, after json.RawMessage) {
	if s.opts.Environments == nil {
		return
	}
	prev, err := scriptctx.DecodeRest(before)
	if err != nil {
		return
	}
	next, err := scriptctx.DecodeRest(after)
	if err != nil || next.Environment == nil || next.Environment.ID == "" {
		return
	}
	if sameEnvironment(prev.Environment, next.Environment) {
		return
	}
	if err := s.opts.Environments.Put(ctx, next.Environment); err != nil {
		s.logger.Warn("failed to persist environment", "environment_id", next.Environment.ID, "error", err)
	}
}

func sameEnvironment(a, b *scriptctx.EnvironmentData) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && a.Name == b.Name &&
		slices.Equal(a.Variables, b.Variables) &&
		slices.Equal(a.Secrets, b.Secrets)
}

func (s *Service) record(ctx context.Context, req ExecuteRequest, module string, res *scriptctx.ExecutionResult, started time.Time, d time.Duration) string {
	if s.opts.Runs == nil {
		return ""
	}
	id, err := s.opts.Runs.Record(ctx, runlog.Run{
		WorkspaceID:      req.WorkspaceID,
		EntityID:         req.EntityID,
		InvocationTarget: req.InvocationTarget,
		ContextType:      req.ContextType,
		Module:           module,
		Success:          res.Result.Success,
		Result:           res.Result.Result,
		Error:            res.Result.Error,
		StartedAt:        started,
		Duration:         d,
	})
	if err != nil {
		s.logger.Warn("failed to record run", "error", err)
		return ""
	}
	return id
}

func (s *Service) notify(ctx context.Context, req ExecuteRequest, res *scriptctx.ExecutionResult, d time.Duration) {
	ev := ScriptExecuted{
		RunID:            res.RunID,
		WorkspaceID:      req.WorkspaceID,
		EntityID:         req.EntityID,
		InvocationTarget: req.InvocationTarget,
		Success:          res.Result.Success,
		Error:            res.Result.Error,
		DurationMs:       d.Milliseconds(),
	}
	if s.opts.Bus != nil {
		_ = s.opts.Bus.Publish(ctx, TopicScriptExecuted, ev)
	}
	if s.opts.Hub != nil {
		s.opts.Hub.Publish(events.TypeScriptExecuted, ev)
	}
}

// TerminateWorker stops the shared worker. The next call spawns a fresh one
// with an empty module cache. It reports whether a worker was running.
func (s *Service) TerminateWorker() bool {
	stopped := s.opts.Workers.Terminate(GlobalWorkerKey)
	if stopped {
		s.logger.Info("script worker terminated")
	}
	return stopped
}

// Close stops every worker.
func (s *Service) Close() {
	s.opts.Workers.TerminateAll()
}
