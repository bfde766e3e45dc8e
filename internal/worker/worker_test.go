package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yasumu/tanxium/internal/guest"
	"github.com/yasumu/tanxium/internal/log"
	"github.com/yasumu/tanxium/internal/protocol"
	"github.com/yasumu/tanxium/internal/sandbox"
)

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelperProcess())
	}
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.TanxiumEvent
}

func (s *recordingSink) Forward(ev protocol.TanxiumEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) all() []protocol.TanxiumEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.TanxiumEvent(nil), s.events...)
}

func newInProcess(t *testing.T, opts Options, gopts guest.Options) *ScriptWorker {
	t.Helper()
	if opts.TerminateGrace == 0 {
		opts.TerminateGrace = 200 * time.Millisecond
	}
	opts.Spawner = &InProcessSpawner{Options: gopts}
	w, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(w.Terminate)
	return w
}

func testRequest(module, target, ctx string) Request {
	return Request{Module: module, InvocationTarget: target, ContextType: "test", Context: json.RawMessage(ctx)}
}

func TestExecuteSuccess(t *testing.T) {
	w := newInProcess(t, Options{Key: "global"}, guest.Options{})
	require.NoError(t, w.WaitReady(context.Background()))
	assert.Equal(t, StateReady, w.State())

	module, err := w.RegisterModule("ws/entity", `exports.add = (ctx) => ctx.a + ctx.b;`)
	require.NoError(t, err)

	res, err := w.Execute(context.Background(), testRequest(module, "add", `{"a":2,"b":3}`))
	require.NoError(t, err)
	assert.JSONEq(t, `5`, string(res.Result))
	assert.JSONEq(t, `{"a":2,"b":3}`, string(res.Context))
	assert.Equal(t, 0, w.Pending())
	assert.Equal(t, StateReady, w.State())
}

func TestExecuteScriptError(t *testing.T) {
	w := newInProcess(t, Options{}, guest.Options{})
	module, err := w.RegisterModule("m", `exports.fail = (ctx) => { ctx.touched = true; throw new Error('kaput'); };`)
	require.NoError(t, err)

	_, err = w.Execute(context.Background(), testRequest(module, "fail", `{}`))
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Message, "kaput")
	assert.JSONEq(t, `{"touched":true}`, string(execErr.Context))
	assert.NotEqual(t, StateTerminated, w.State(), "script errors must not kill the worker")
}

func TestRegisterModuleKeys(t *testing.T) {
	w := newInProcess(t, Options{}, guest.Options{})

	a, err := w.RegisterModule("m", "exports.v = () => 1;")
	require.NoError(t, err)
	again, err := w.RegisterModule("m", "exports.v = () => 1;")
	require.NoError(t, err)
	b, err := w.RegisterModule("m", "exports.v = () => 2;")
	require.NoError(t, err)

	assert.Equal(t, a, again)
	assert.NotEqual(t, a, b)
	assert.Equal(t, sandbox.VirtualPrefix+ModuleKey("m", "exports.v = () => 1;"), a)

	ra, err := w.Execute(context.Background(), testRequest(a, "v", `null`))
	require.NoError(t, err)
	rb, err := w.Execute(context.Background(), testRequest(b, "v", `null`))
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(ra.Result))
	assert.JSONEq(t, `2`, string(rb.Result))
}

func TestExecutionTimeoutKeepsWorker(t *testing.T) {
	w := newInProcess(t,
		Options{ExecutionTimeout: 100 * time.Millisecond},
		guest.Options{Sandbox: sandbox.Config{ExecutionTimeout: 300 * time.Millisecond}},
	)
	module, err := w.RegisterModule("m", `
exports.spin = () => { while (true) {} };
exports.ok = () => 'ok';
`)
	require.NoError(t, err)

	_, err = w.Execute(context.Background(), testRequest(module, "spin", `{}`))
	require.ErrorIs(t, err, ErrExecutionTimeout)
	assert.Contains(t, err.Error(), "after 100ms")
	assert.Equal(t, 0, w.Pending())

	// The guest reports the interrupted call late; it is dropped and the
	// worker keeps serving.
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		res, err := w.Execute(ctx, testRequest(module, "ok", `{}`))
		return err == nil && string(res.Result) == `"ok"`
	}, 5*time.Second, 50*time.Millisecond)
	assert.NotEqual(t, StateTerminated, w.State())
}

func TestHeartbeatTimeoutFailsPendingCalls(t *testing.T) {
	var (
		mu     sync.Mutex
		causes []error
	)
	r, pw := io.Pipe()
	proc := &fakeProcess{stdoutR: r, stdoutW: pw}
	w, err := New(context.Background(), Options{
		Spawner:           fakeSpawner{proc},
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  150 * time.Millisecond,
		ExecutionTimeout:  10 * time.Second,
		OnTerminate: func(_ *ScriptWorker, cause error) {
			mu.Lock()
			causes = append(causes, cause)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	t.Cleanup(w.Terminate)

	// Ready, then silence: the guest is frozen.
	require.NoError(t, protocol.EncodeOutbound(protocol.JSON.NewEncoder(pw), &protocol.Outbound{Type: protocol.TypeReady}))
	require.NoError(t, w.WaitReady(context.Background()))

	start := time.Now()
	_, err = w.Execute(context.Background(), testRequest("m", "f", `{}`))
	require.ErrorIs(t, err, ErrHeartbeatTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StateTerminated, w.State())
	assert.ErrorIs(t, w.Err(), ErrHeartbeatTimeout)

	_, err = w.Execute(context.Background(), testRequest("m", "f", `{}`))
	assert.ErrorIs(t, err, ErrHeartbeatTimeout)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(causes) == 1 && errors.Is(causes[0], ErrHeartbeatTimeout)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLongScriptOutlivesHeartbeatTimeout(t *testing.T) {
	// Same ordering as the defaults: heartbeat timeout < script runtime <
	// execution timeout.
	w := newInProcess(t,
		Options{
			HeartbeatInterval: 20 * time.Millisecond,
			HeartbeatTimeout:  200 * time.Millisecond,
			ExecutionTimeout:  5 * time.Second,
		},
		guest.Options{
			HeartbeatInterval: 20 * time.Millisecond,
			Sandbox:           sandbox.Config{ExecutionTimeout: 5 * time.Second},
		},
	)
	module, err := w.RegisterModule("m", `exports.busy = (ctx) => { const end = Date.now() + ctx.ms; while (Date.now() < end) {} return 'done'; };`)
	require.NoError(t, err)

	res, err := w.Execute(context.Background(), testRequest(module, "busy", `{"ms":800}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(res.Result))
	assert.Equal(t, StateReady, w.State())
}

func TestTerminateFailsPendingCalls(t *testing.T) {
	w := newInProcess(t, Options{ExecutionTimeout: 10 * time.Second}, guest.Options{})
	module, err := w.RegisterModule("m", `exports.spin = () => { while (true) {} };`)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := w.Execute(context.Background(), testRequest(module, "spin", `{}`))
		errc <- err
	}()
	require.Eventually(t, func() bool { return w.Pending() == 1 }, 5*time.Second, 10*time.Millisecond)

	w.Terminate()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrWorkerTerminated)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not failed by Terminate")
	}

	assert.Equal(t, StateTerminated, w.State())
	w.Terminate()

	_, err = w.RegisterModule("other", "exports.x = 1;")
	assert.ErrorIs(t, err, ErrWorkerTerminated)
	select {
	case <-w.Done():
	default:
		t.Fatal("Done must be closed after Terminate")
	}
}

func TestEventsAreForwarded(t *testing.T) {
	sink := &recordingSink{}
	w := newInProcess(t, Options{Events: sink}, guest.Options{})
	module, err := w.RegisterModule("m", `exports.run = () => { console.error('oops'); Yasumu.postMessage({ hello: 'world' }); };`)
	require.NoError(t, err)

	_, err = w.Execute(context.Background(), testRequest(module, "run", `null`))
	require.NoError(t, err)

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventConsole, events[0].Type)
	assert.JSONEq(t, `{"msg":"oops","level":4}`, string(events[0].Payload))
	assert.Equal(t, protocol.EventMessage, events[1].Type)
}

// fakeProcess is a guest whose output is scripted by the test.
type fakeProcess struct {
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	waitErr error
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (p *fakeProcess) Stdin() io.WriteCloser { return nopWriteCloser{io.Discard} }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return nil }
func (p *fakeProcess) Interrupt() error      { return p.stdoutW.Close() }
func (p *fakeProcess) Kill() error           { return p.stdoutW.Close() }
func (p *fakeProcess) Wait() error           { return p.waitErr }

type fakeSpawner struct{ proc *fakeProcess }

func (s fakeSpawner) Spawn(context.Context) (Process, error) { return s.proc, nil }

func TestWorkerExitFailsPendingCalls(t *testing.T) {
	r, pw := io.Pipe()
	proc := &fakeProcess{stdoutR: r, stdoutW: pw, waitErr: errors.New("signal: killed")}
	w, err := New(context.Background(), Options{Spawner: fakeSpawner{proc}, ExecutionTimeout: 10 * time.Second})
	require.NoError(t, err)

	require.NoError(t, protocol.EncodeOutbound(protocol.JSON.NewEncoder(pw), &protocol.Outbound{Type: protocol.TypeReady}))
	require.NoError(t, w.WaitReady(context.Background()))

	errc := make(chan error, 1)
	go func() {
		_, err := w.Execute(context.Background(), testRequest("m", "f", `{}`))
		errc <- err
	}()
	require.Eventually(t, func() bool { return w.Pending() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, pw.Close())
	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrWorkerExited)
		assert.Contains(t, err.Error(), "signal: killed")
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not failed on exit")
	}
	assert.Equal(t, StateTerminated, w.State())
}

func TestInitializationFailureFailsReadyWait(t *testing.T) {
	r, pw := io.Pipe()
	proc := &fakeProcess{stdoutR: r, stdoutW: pw}
	w, err := New(context.Background(), Options{Spawner: fakeSpawner{proc}})
	require.NoError(t, err)

	require.NoError(t, pw.Close())
	err = w.WaitReady(context.Background())
	require.ErrorIs(t, err, ErrWorkerExited)
	assert.Contains(t, err.Error(), "code 0")
}
