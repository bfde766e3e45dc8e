package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/yasumu/tanxium/internal/log"
	"github.com/yasumu/tanxium/internal/protocol"
)

// Outlet receives events raised by scripts (console output, notifications,
// messages) for delivery to the host.
type Outlet interface {
	Emit(ev protocol.TanxiumEvent)
}

// OutletFunc adapts a function to Outlet.
type OutletFunc func(ev protocol.TanxiumEvent)

func (f OutletFunc) Emit(ev protocol.TanxiumEvent) { f(ev) }

// Config controls a sandbox runtime.
type Config struct {
	// ScriptsDir is the root for file modules. Empty disables them.
	ScriptsDir string
	// ExecutionTimeout interrupts a script that runs longer. Zero disables it.
	ExecutionTimeout time.Duration
	// Stderr receives the mirrored console output. Defaults to os.Stderr.
	Stderr io.Writer
}

// Call is a single invocation of an exported module function.
type Call struct {
	Module      string
	Target      string
	ContextType string
	Context     json.RawMessage
}

// Invocation is the outcome of a Call. Context is always set, on failure it
// holds the context as mutated up to the point of failure.
type Invocation struct {
	Context json.RawMessage
	Result  json.RawMessage
}

// ScriptError is an exception raised by user code.
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string { return e.Message }

// Runtime is a single-threaded JavaScript sandbox. All calls are serialized.
type Runtime struct {
	vm       *goja.Runtime
	config   Config
	loader   *ModuleLoader
	outlet   Outlet
	handlers map[string]contextHandler
	logger   *slog.Logger

	mu        sync.Mutex
	modules   map[string]*goja.Object
	builtins  map[string]*goja.Object
	stringify goja.Callable
}

// New creates a sandbox runtime. outlet may be nil, in which case events are
// only mirrored to Stderr.
func New(config Config, outlet Outlet) (*Runtime, error) {
	if config.Stderr == nil {
		config.Stderr = os.Stderr
	}
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	vm.SetMaxCallStackSize(1024)

	r := &Runtime{
		vm:       vm,
		config:   config,
		loader:   NewModuleLoader(config.ScriptsDir),
		outlet:   outlet,
		handlers: defaultHandlers(),
		logger:   log.WithComponent("sandbox"),
		modules:  make(map[string]*goja.Object),
		builtins: make(map[string]*goja.Object),
	}
	if err := r.setupGlobals(); err != nil {
		return nil, fmt.Errorf("failed to set up sandbox globals: %w", err)
	}
	return r, nil
}

// Register makes source available as the virtual module
// yasumu:virtual/<key>. It reports false when the key was already known.
func (r *Runtime) Register(key, source string) bool {
	return r.loader.Register(key, source)
}

// Invoke loads call.Module and calls its exported call.Target with arguments
// built for call.ContextType.
func (r *Runtime) Invoke(ctx context.Context, call Call) (*Invocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv := &Invocation{Context: call.Context}
	if err := ctx.Err(); err != nil {
		return inv, err
	}

	disarm := r.armDeadline(ctx)
	defer disarm()

	exports, err := r.load(call.Module)
	if err != nil {
		return inv, err
	}
	fn, ok := goja.AssertFunction(exports.Get(call.Target))
	if !ok {
		return inv, fmt.Errorf("Function %q not found or is not a function", call.Target)
	}
	handler, ok := r.handlers[call.ContextType]
	if !ok {
		return inv, fmt.Errorf("Unknown context type: %s", call.ContextType)
	}
	b, err := handler(r, call.Context)
	if err != nil {
		return inv, err
	}

	ret, err := fn(goja.Undefined(), b.args...)
	if err == nil {
		ret, err = settle(ret)
	}
	if snap, serr := b.snapshot(); serr == nil {
		inv.Context = snap
	} else {
		r.logger.Warn("failed to snapshot script context", "module", call.Module, "error", serr)
	}
	if err != nil {
		return inv, scriptError(err)
	}

	result, err := b.result(ret)
	if err != nil {
		return inv, fmt.Errorf("failed to serialize script result: %w", err)
	}
	inv.Result = result
	return inv, nil
}

// armDeadline interrupts the VM when the execution timeout elapses or ctx is
// done. The returned func must be called once the VM is idle again.
func (r *Runtime) armDeadline(ctx context.Context) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		var deadline <-chan time.Time
		if r.config.ExecutionTimeout > 0 {
			timer := time.NewTimer(r.config.ExecutionTimeout)
			defer timer.Stop()
			deadline = timer.C
		}
		select {
		case <-deadline:
			r.vm.Interrupt(fmt.Sprintf("script exceeded execution timeout of %s", r.config.ExecutionTimeout))
		case <-ctx.Done():
			r.vm.Interrupt(ctx.Err().Error())
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
		r.vm.ClearInterrupt()
	}
}

// load evaluates a module once and returns its exports.
func (r *Runtime) load(path string) (*goja.Object, error) {
	resolved, err := r.loader.Resolve(path)
	if err != nil {
		return nil, err
	}
	if exports, ok := r.modules[resolved]; ok {
		return exports, nil
	}
	src, err := r.loader.Source(resolved)
	if err != nil {
		return nil, err
	}

	wrapped := "(function (exports, module, require) {\n" + transformExports(src) + "\n})"
	prog, err := goja.Compile(resolved, wrapped, false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module %s: %w", path, err)
	}
	val, err := r.vm.RunProgram(prog)
	if err != nil {
		return nil, scriptError(err)
	}
	fn, ok := goja.AssertFunction(val)
	if !ok {
		return nil, fmt.Errorf("module %s did not compile to a function", path)
	}

	exports := r.vm.NewObject()
	module := r.vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	if _, err := fn(goja.Undefined(), exports, module, r.vm.Get("require")); err != nil {
		return nil, scriptError(err)
	}

	out := module.Get("exports")
	if out == nil || goja.IsUndefined(out) || goja.IsNull(out) {
		out = exports
	}
	obj := out.ToObject(r.vm)
	r.modules[resolved] = obj
	r.logger.Debug("module loaded", "module", resolved)
	return obj, nil
}

// settle unwraps a returned promise. There is no event loop, so a promise
// still pending after the call is an error.
func settle(v goja.Value) (goja.Value, error) {
	if v == nil {
		return goja.Undefined(), nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, &ScriptError{Message: valueMessage(p.Result())}
	default:
		return nil, errors.New("script returned a promise that never settled")
	}
}

func scriptError(err error) error {
	var se *ScriptError
	if errors.As(err, &se) {
		return se
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if inner := ex.Unwrap(); inner != nil {
			return &ScriptError{Message: inner.Error()}
		}
		return &ScriptError{Message: valueMessage(ex.Value())}
	}
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return &ScriptError{Message: fmt.Sprintf("execution interrupted: %v", ie.Value())}
	}
	return err
}

func valueMessage(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if e, ok := v.Export().(error); ok {
		return e.Error()
	}
	return v.String()
}

func (r *Runtime) emit(typ protocol.EventType, payload any) {
	ev, err := protocol.NewEvent(typ, payload)
	if err != nil {
		r.logger.Warn("dropping sandbox event", "type", typ, "error", err)
		return
	}
	if r.outlet != nil {
		r.outlet.Emit(ev)
	}
}
