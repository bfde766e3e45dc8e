package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/yasumu/tanxium/internal/log"
	"github.com/yasumu/tanxium/internal/protocol"
	"github.com/yasumu/tanxium/internal/sandbox"
)

// State is the lifecycle state of a ScriptWorker.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateExecuting    State = "executing"
	StateTerminated   State = "terminated"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultHeartbeatInterval = time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultExecutionTimeout  = 30 * time.Second
	DefaultTerminateGrace    = 2 * time.Second
)

// EventSink receives events raised by scripts in the worker.
type EventSink interface {
	Forward(ev protocol.TanxiumEvent)
}

// Options configures a ScriptWorker.
type Options struct {
	Key     string
	Spawner Spawner
	Codec   protocol.Codec

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ExecutionTimeout  time.Duration
	TerminateGrace    time.Duration

	Events EventSink
	// OnTerminate runs once when the worker reaches StateTerminated, with
	// the cause.
	OnTerminate func(w *ScriptWorker, cause error)
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = protocol.JSON
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.ExecutionTimeout <= 0 {
		o.ExecutionTimeout = DefaultExecutionTimeout
	}
	if o.TerminateGrace <= 0 {
		o.TerminateGrace = DefaultTerminateGrace
	}
	return o
}

// Request is a single script invocation.
type Request struct {
	Module           string
	InvocationTarget string
	ContextType      string
	Context          json.RawMessage
}

// Result is a successful invocation: the updated context and the result.
type Result struct {
	Context json.RawMessage
	Result  json.RawMessage
}

type outcome struct {
	msg *protocol.Outbound
	err error
}

// ScriptWorker supervises one guest. Calls are correlated by request id and
// each is settled exactly once, by its result, its timeout or the failure of
// the worker, whichever comes first.
type ScriptWorker struct {
	opts   Options
	logger *slog.Logger
	proc   Process

	encMu sync.Mutex
	enc   protocol.Encoder

	mu       sync.Mutex
	state    State
	cause    error
	pending  map[string]chan outcome
	modules  map[string]bool
	lastSeen time.Time

	readyOnce  sync.Once
	ready      chan struct{}
	terminated chan struct{}
	exited     chan struct{}
}

// New spawns a guest and starts supervising it. The worker is usable
// immediately; calls wait until the guest reports ready.
func New(ctx context.Context, opts Options) (*ScriptWorker, error) {
	if opts.Spawner == nil {
		return nil, errors.New("worker spawner not configured")
	}
	opts = opts.withDefaults()

	proc, err := opts.Spawner.Spawn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn worker: %w", err)
	}

	w := &ScriptWorker{
		opts:       opts,
		logger:     log.WithWorker(opts.Key).With(slog.String("component", "worker")),
		proc:       proc,
		enc:        opts.Codec.NewEncoder(proc.Stdin()),
		state:      StateInitializing,
		pending:    make(map[string]chan outcome),
		modules:    make(map[string]bool),
		lastSeen:   time.Now(),
		ready:      make(chan struct{}),
		terminated: make(chan struct{}),
		exited:     make(chan struct{}),
	}

	var stderrDone sync.WaitGroup
	if stderr := proc.Stderr(); stderr != nil {
		stderrDone.Add(1)
		go func() {
			defer stderrDone.Done()
			w.mirrorStderr(stderr)
		}()
	}
	go w.readLoop(&stderrDone)
	go w.monitor()

	w.logger.Debug("worker spawned", "codec", opts.Codec.Name())
	return w, nil
}

// Key returns the worker's manager key.
func (w *ScriptWorker) Key() string { return w.opts.Key }

// State returns the current lifecycle state.
func (w *ScriptWorker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Pending returns the number of unsettled calls.
func (w *ScriptWorker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Done is closed once the worker is terminated.
func (w *ScriptWorker) Done() <-chan struct{} { return w.terminated }

// Err returns the termination cause, or nil while the worker is alive.
func (w *ScriptWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cause
}

// WaitReady blocks until the guest reported ready, the worker failed, or ctx
// is done.
func (w *ScriptWorker) WaitReady(ctx context.Context) error {
	select {
	case <-w.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cause
}

// ModuleKey derives the virtual module key for source registered under name.
func ModuleKey(name, source string) string {
	sum := blake3.Sum256([]byte(source))
	return fmt.Sprintf("%s@%x", name, sum[:8])
}

// RegisterModule makes source available to the guest and returns the module
// specifier to pass in Request.Module. Registering identical source again is
// a no-op.
func (w *ScriptWorker) RegisterModule(name, source string) (string, error) {
	key := ModuleKey(name, source)
	module := sandbox.VirtualPrefix + key

	w.mu.Lock()
	if w.state == StateTerminated {
		cause := w.cause
		w.mu.Unlock()
		return "", cause
	}
	if w.modules[key] {
		w.mu.Unlock()
		return module, nil
	}
	w.modules[key] = true
	w.mu.Unlock()

	if err := w.send(&protocol.Inbound{Type: protocol.TypeRegister, Module: module, Source: source}); err != nil {
		w.mu.Lock()
		delete(w.modules, key)
		w.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrWorkerExited, err)
	}
	w.logger.Debug("module registered", "module", module)
	return module, nil
}

// Execute runs one invocation in the guest. Script failures are returned as
// *ExecutionError; worker failures wrap the sentinel errors of this package.
func (w *ScriptWorker) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := w.WaitReady(ctx); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ch := make(chan outcome, 1)

	w.mu.Lock()
	if w.state == StateTerminated {
		cause := w.cause
		w.mu.Unlock()
		return nil, cause
	}
	w.pending[id] = ch
	w.state = StateExecuting
	w.mu.Unlock()

	logger := w.logger.With(slog.String("request_id", id))
	logger.Debug("executing", "module", req.Module, "target", req.InvocationTarget)

	err := w.send(&protocol.Inbound{
		Type:             protocol.TypeExecute,
		RequestID:        id,
		Module:           req.Module,
		InvocationTarget: req.InvocationTarget,
		ContextType:      req.ContextType,
		Context:          req.Context,
	})
	if err != nil {
		w.settle(id, outcome{err: fmt.Errorf("%w: %v", ErrWorkerExited, err)})
	}

	timer := time.NewTimer(w.opts.ExecutionTimeout)
	defer timer.Stop()

	var o outcome
	select {
	case o = <-ch:
	case <-timer.C:
		if w.settle(id, outcome{err: fmt.Errorf("%w after %dms", ErrExecutionTimeout, w.opts.ExecutionTimeout.Milliseconds())}) {
			logger.Warn("execution timed out", "timeout", w.opts.ExecutionTimeout)
		}
		o = <-ch
	case <-ctx.Done():
		w.settle(id, outcome{err: ctx.Err()})
		o = <-ch
	}
	return unpack(o)
}

func unpack(o outcome) (*Result, error) {
	if o.err != nil {
		return nil, o.err
	}
	if o.msg.Type == protocol.TypeExecutionError {
		return nil, &ExecutionError{Message: o.msg.Error, Context: o.msg.Context}
	}
	return &Result{Context: o.msg.Context, Result: o.msg.Result}, nil
}

// settle delivers o to the pending call id. It reports false if the call was
// already settled, in which case o is dropped.
func (w *ScriptWorker) settle(id string, o outcome) bool {
	w.mu.Lock()
	ch, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
		if len(w.pending) == 0 && w.state == StateExecuting {
			w.state = StateReady
		}
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- o
	return true
}

func (w *ScriptWorker) send(msg *protocol.Inbound) error {
	w.encMu.Lock()
	defer w.encMu.Unlock()
	return protocol.EncodeInbound(w.enc, msg)
}

func (w *ScriptWorker) touch() {
	w.mu.Lock()
	w.lastSeen = time.Now()
	w.mu.Unlock()
}

func (w *ScriptWorker) readLoop(stderrDone *sync.WaitGroup) {
	dec := w.opts.Codec.NewDecoder(w.proc.Stdout())
	var streamErr error
	for {
		msg, err := protocol.DecodeOutbound(dec)
		if err != nil {
			if protocol.IsMessageError(err) {
				w.touch()
				w.logger.Warn("dropping invalid worker message", "error", err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				streamErr = err
			}
			break
		}
		w.touch()
		w.handle(msg)
	}

	stderrDone.Wait()
	waitErr := w.proc.Wait()
	close(w.exited)

	cause := fmt.Errorf("%w with %s", ErrWorkerExited, exitDescription(waitErr))
	if streamErr != nil {
		cause = fmt.Errorf("%w: %v", ErrWorkerExited, streamErr)
	}
	if w.State() != StateTerminated {
		w.logger.Warn("worker exited unexpectedly", "error", cause)
	}
	w.shutdown(cause, false)
}

func exitDescription(err error) string {
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return "code 0"
	case errors.As(err, &exitErr):
		return fmt.Sprintf("code %d", exitErr.ExitCode())
	default:
		return err.Error()
	}
}

func (w *ScriptWorker) handle(msg *protocol.Outbound) {
	if msg.IsTerminal() {
		if !w.settle(msg.RequestID, outcome{msg: msg}) {
			w.logger.Debug("dropping result for settled request", "request_id", msg.RequestID)
		}
		return
	}
	switch msg.Type {
	case protocol.TypeReady:
		w.mu.Lock()
		if w.state == StateInitializing {
			w.state = StateReady
		}
		w.mu.Unlock()
		w.readyOnce.Do(func() { close(w.ready) })
		w.logger.Debug("worker ready")
	case protocol.TypeHeartbeat:
	case protocol.TypeEvent:
		ev, err := protocol.ParseEvent(msg.Event)
		if err != nil {
			w.logger.Warn("dropping invalid event", "error", err)
			return
		}
		if w.opts.Events != nil {
			w.opts.Events.Forward(ev)
		}
	case protocol.TypeLog:
		w.logger.Log(context.Background(), log.ParseLevel(msg.Level), msg.Message, "source", "guest")
	}
}

func (w *ScriptWorker) mirrorStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		w.logger.Debug("worker stderr", "line", scanner.Text())
	}
}

// monitor terminates the worker when nothing was heard from the guest for
// longer than the heartbeat timeout.
func (w *ScriptWorker) monitor() {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.terminated:
			return
		case <-ticker.C:
			w.mu.Lock()
			silent := time.Since(w.lastSeen)
			w.mu.Unlock()
			if silent > w.opts.HeartbeatTimeout {
				w.logger.Error(ErrHeartbeatTimeout.Error(), "silent_for", silent)
				w.shutdown(ErrHeartbeatTimeout, true)
				return
			}
		}
	}
}

// Terminate stops the worker: pending calls fail with ErrWorkerTerminated,
// the guest is asked to exit and is killed after the grace period.
// Calling Terminate more than once is safe.
func (w *ScriptWorker) Terminate() {
	w.shutdown(ErrWorkerTerminated, true)
}

func (w *ScriptWorker) shutdown(cause error, stop bool) {
	w.mu.Lock()
	if w.state == StateTerminated {
		w.mu.Unlock()
		return
	}
	w.state = StateTerminated
	w.cause = cause
	pending := w.pending
	w.pending = make(map[string]chan outcome)
	w.mu.Unlock()

	for _, ch := range pending {
		ch <- outcome{err: cause}
	}
	w.readyOnce.Do(func() { close(w.ready) })
	close(w.terminated)

	if stop {
		w.stopProcess(!errors.Is(cause, ErrHeartbeatTimeout))
	}
	w.logger.Info("worker terminated", "cause", cause.Error())
	if w.opts.OnTerminate != nil {
		w.opts.OnTerminate(w, cause)
	}
}

// stopProcess asks the guest to exit (terminate message when graceful, an
// interrupt otherwise) and kills it after the grace period.
func (w *ScriptWorker) stopProcess(graceful bool) {
	if graceful {
		go func() {
			_ = w.send(&protocol.Inbound{Type: protocol.TypeTerminate})
			_ = w.proc.Stdin().Close()
		}()
	} else if err := w.proc.Interrupt(); err != nil {
		w.logger.Debug("failed to interrupt worker", "error", err)
	}

	grace := time.NewTimer(w.opts.TerminateGrace)
	defer grace.Stop()
	select {
	case <-w.exited:
		return
	case <-grace.C:
	}

	w.logger.Warn("worker did not exit in time, killing")
	if err := w.proc.Kill(); err != nil {
		w.logger.Error("failed to kill worker", "error", err)
	}
	select {
	case <-w.exited:
	case <-time.After(w.opts.TerminateGrace):
		w.logger.Error("worker still running after kill")
	}
}
