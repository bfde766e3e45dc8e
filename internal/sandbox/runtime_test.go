package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yasumu/tanxium/internal/log"
	"github.com/yasumu/tanxium/internal/protocol"
	"github.com/yasumu/tanxium/internal/scriptctx"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type recordingOutlet struct {
	mu     sync.Mutex
	events []protocol.TanxiumEvent
}

func (o *recordingOutlet) Emit(ev protocol.TanxiumEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *recordingOutlet) all() []protocol.TanxiumEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]protocol.TanxiumEvent(nil), o.events...)
}

func newRuntime(t *testing.T, cfg Config) (*Runtime, *recordingOutlet, *bytes.Buffer) {
	t.Helper()
	var stderr bytes.Buffer
	cfg.Stderr = &stderr
	outlet := &recordingOutlet{}
	rt, err := New(cfg, outlet)
	require.NoError(t, err)
	return rt, outlet, &stderr
}

func invoke(t *testing.T, rt *Runtime, module, target, contextType, ctx string) (*Invocation, error) {
	t.Helper()
	var raw json.RawMessage
	if ctx != "" {
		raw = json.RawMessage(ctx)
	}
	return rt.Invoke(context.Background(), Call{
		Module:      VirtualPrefix + module,
		Target:      target,
		ContextType: contextType,
		Context:     raw,
	})
}

const restContext = `{
	"environment": {
		"id": "env-1",
		"name": "dev",
		"variables": [{"key": "host", "value": "api.test", "enabled": true}],
		"secrets": []
	},
	"request": {
		"url": "http://api.test/items?page=2",
		"method": "GET",
		"headers": {"Accept": "text/plain"},
		"body": null,
		"parameters": {}
	},
	"response": null
}`

func TestInvokeRestMutatesContextAndReturnsResponse(t *testing.T) {
	rt, _, _ := newRuntime(t, Config{})
	rt.Register("pre", `
export function onRequest(req) {
	req.headers.set('X-Host', req.env.getVariable('host'));
	req.env.setVariable('token', 'abc');
	req.method = 'POST';
	req.body = { page: req.searchParams.get('page') };
	return new YasumuResponse({ mocked: true }, { status: 201, headers: { 'X-Mock': '1' } });
}
`)

	inv, err := invoke(t, rt, "pre", "onRequest", scriptctx.TypeRest, restContext)
	require.NoError(t, err)

	updated, err := scriptctx.DecodeRest(inv.Context)
	require.NoError(t, err)
	assert.Equal(t, "POST", updated.Request.Method)
	assert.Equal(t, "api.test", updated.Request.Headers["X-Host"])
	assert.Equal(t, "text/plain", updated.Request.Headers["Accept"])
	assert.Equal(t, map[string]any{"page": "2"}, updated.Request.Body)
	require.NotNil(t, updated.Environment)
	assert.Contains(t, updated.Environment.Variables, scriptctx.TabularPair{Key: "token", Value: "abc", Enabled: true})

	var res scriptctx.ResponseData
	require.NoError(t, json.Unmarshal(inv.Result, &res))
	assert.Equal(t, 201, res.Status)
	assert.Equal(t, "1", res.Headers["X-Mock"])
	assert.Equal(t, map[string]any{"mocked": true}, res.Body)
}

func TestInvokeRestWithoutResponseReturnsNull(t *testing.T) {
	rt, _, _ := newRuntime(t, Config{})
	rt.Register("noop", `exports.onRequest = function (req) { req.headers.delete('accept'); };`)

	inv, err := invoke(t, rt, "noop", "onRequest", scriptctx.TypeRest, restContext)
	require.NoError(t, err)
	assert.JSONEq(t, `null`, string(inv.Result))

	updated, err := scriptctx.DecodeRest(inv.Context)
	require.NoError(t, err)
	assert.NotContains(t, updated.Request.Headers, "Accept")
}

func TestInvokeRestResponseLikeObject(t *testing.T) {
	rt, _, _ := newRuntime(t, Config{})
	rt.Register("plain", `exports.onRequest = () => ({ status: 204, body: 'x' });`)

	inv, err := invoke(t, rt, "plain", "onRequest", scriptctx.TypeRest, restContext)
	require.NoError(t, err)

	var res scriptctx.ResponseData
	require.NoError(t, json.Unmarshal(inv.Result, &res))
	assert.Equal(t, 204, res.Status)
	assert.Equal(t, "x", res.Body)
}

func TestEnvironmentRequiresActiveEnvironment(t *testing.T) {
	rt, _, _ := newRuntime(t, Config{})
	rt.Register("env", `exports.onRequest = (req) => { req.env.setVariable('a', 'b'); };`)

	_, err := invoke(t, rt, "env", "onRequest", scriptctx.TypeRest, `{"request":{"url":"http://x","method":"GET"}}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No environment is currently active")

	var se *ScriptError
	assert.ErrorAs(t, err, &se)
}

func TestInvokeErrors(t *testing.T) {
	rt, _, _ := newRuntime(t, Config{})
	rt.Register("m", `
exports.value = 42;
exports.boom = function () { throw new Error('boom'); };
exports.ok = function () { return 1; };
`)

	tests := []struct {
		name        string
		target      string
		contextType string
		wantErr     string
	}{
		{name: "missing export", target: "missing", contextType: "test", wantErr: `Function "missing" not found or is not a function`},
		{name: "not a function", target: "value", contextType: "test", wantErr: `Function "value" not found or is not a function`},
		{name: "unknown context type", target: "ok", contextType: "graphql", wantErr: "Unknown context type: graphql"},
		{name: "thrown error", target: "boom", contextType: "test", wantErr: "Error: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := invoke(t, rt, "m", tt.target, tt.contextType, `{"a":1}`)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.JSONEq(t, `{"a":1}`, string(inv.Context), "context must be preserved on error")
		})
	}
}

func TestInvokeUnknownModule(t *testing.T) {
	rt, _, _ := newRuntime(t, Config{})
	_, err := invoke(t, rt, "nope", "f", "test", "")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestPromisesAreSettled(t *testing.T) {
	rt, _, _ := newRuntime(t, Config{})
	rt.Register("async", `
exports.ok = async function () { const v = await Promise.resolve(41); return v + 1; };
exports.bad = async function () { throw new Error('nope'); };
exports.pending = function () { return new Promise(function () {}); };
`)

	inv, err := invoke(t, rt, "async", "ok", "test", "")
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(inv.Result))

	_, err = invoke(t, rt, "async", "bad", "test", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")

	_, err = invoke(t, rt, "async", "pending", "test", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never settled")
}

func TestTestContextIsMutable(t *testing.T) {
	rt, _, _ := newRuntime(t, Config{})
	rt.Register("t", `exports.run = (ctx) => { ctx.count = ctx.count + 1; return ctx.count * 2; };`)

	inv, err := invoke(t, rt, "t", "run", "test", `{"count":1}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":2}`, string(inv.Context))
	assert.JSONEq(t, `4`, string(inv.Result))
}

func TestModuleIsEvaluatedOnce(t *testing.T) {
	rt, _, _ := newRuntime(t, Config{})
	rt.Register("counter", `
globalThis.loads = (globalThis.loads || 0) + 1;
exports.loads = () => globalThis.loads;
`)

	for i := 0; i < 3; i++ {
		inv, err := invoke(t, rt, "counter", "loads", "test", "")
		require.NoError(t, err)
		assert.JSONEq(t, `1`, string(inv.Result))
	}

	assert.True(t, rt.Register("other", "exports.x = 1;"))
	assert.False(t, rt.Register("other", "exports.x = 2;"), "first registration wins")
}

func TestExecutionTimeoutInterruptsScript(t *testing.T) {
	rt, _, _ := newRuntime(t, Config{ExecutionTimeout: 50 * time.Millisecond})
	rt.Register("spin", `
exports.spin = function () { while (true) {} };
exports.ok = function () { return 'alive'; };
`)

	start := time.Now()
	_, err := invoke(t, rt, "spin", "spin", "test", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution interrupted")
	assert.Less(t, time.Since(start), 5*time.Second)

	inv, err := invoke(t, rt, "spin", "ok", "test", "")
	require.NoError(t, err, "runtime must stay usable after an interrupt")
	assert.JSONEq(t, `"alive"`, string(inv.Result))
}

func TestContextCancellationInterruptsScript(t *testing.T) {
	rt, _, _ := newRuntime(t, Config{})
	rt.Register("spin", `exports.spin = function () { while (true) {} };`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := rt.Invoke(ctx, Call{Module: VirtualPrefix + "spin", Target: "spin", ContextType: "test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution interrupted")
}

func TestConsoleIsMirroredAndEmitted(t *testing.T) {
	rt, outlet, stderr := newRuntime(t, Config{})
	rt.Register("c", `exports.run = () => { console.warn('hello', { a: 1 }, 2); console.log('plain'); };`)

	_, err := invoke(t, rt, "c", "run", "test", "")
	require.NoError(t, err)

	assert.Contains(t, stderr.String(), `[warn] hello {"a":1} 2`)
	assert.Contains(t, stderr.String(), `[log] plain`)

	events := outlet.all()
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventConsole, events[0].Type)
	var payload protocol.ConsolePayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, protocol.ConsolePayload{Msg: `hello {"a":1} 2`, Level: protocol.LevelWarn}, payload)
}

func TestYasumuGlobal(t *testing.T) {
	rt, outlet, _ := newRuntime(t, Config{})
	rt.Register("y", `
exports.run = () => {
	Yasumu.ui.showNotification({ title: 'Done', message: 'all green', variant: 'success' });
	Yasumu.postMessage({ type: 'yasumu-subscription', data: { event: 'x' } });
	return [confirm('sure?'), prompt('name?'), alert('hi')];
};
`)

	inv, err := invoke(t, rt, "y", "run", "test", "")
	require.NoError(t, err)
	assert.JSONEq(t, `[false, null, null]`, string(inv.Result))

	events := outlet.all()
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventShowNotification, events[0].Type)
	assert.JSONEq(t, `{"title":"Done","message":"all green","variant":"success"}`, string(events[0].Payload))
	assert.Equal(t, protocol.EventMessage, events[1].Type)
	assert.JSONEq(t, `{"type":"yasumu-subscription","data":{"event":"x"}}`, string(events[1].Payload))
}

func TestRestrictedRequire(t *testing.T) {
	rt, _, _ := newRuntime(t, Config{})
	rt.Register("r", `
const path = require('node:path');
const crypto = require('node:crypto');
exports.run = () => ({
	joined: path.join('a', 'b', '../c'),
	base: path.basename('/tmp/file.js', '.js'),
	ext: path.extname('x.json'),
	sha: crypto.createHash('sha256').update('abc').digest('hex'),
	uuidLength: crypto.randomUUID().length,
	same: require('path') === path,
});
exports.fs = () => require('fs');
exports.proc = () => typeof process;
`)

	inv, err := invoke(t, rt, "r", "run", "test", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"joined": "a/c",
		"base": "file",
		"ext": ".json",
		"sha": "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		"uuidLength": 36,
		"same": true
	}`, string(inv.Result))

	_, err = invoke(t, rt, "r", "fs", "test", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Module fs not found")

	inv, err = invoke(t, rt, "r", "proc", "test", "")
	require.NoError(t, err)
	assert.JSONEq(t, `"undefined"`, string(inv.Result))
}

func TestFileModules(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "util.js"), []byte(`export const greet = (name) => 'hi ' + name;`), 0o644))

	rt, _, _ := newRuntime(t, Config{ScriptsDir: dir})
	inv, err := rt.Invoke(context.Background(), Call{
		Module:      "util.js",
		Target:      "greet",
		ContextType: "test",
		Context:     json.RawMessage(`"bob"`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `"hi bob"`, string(inv.Result))

	_, err = rt.Invoke(context.Background(), Call{Module: "../outside.js", Target: "x", ContextType: "test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes scripts directory")
}

func TestTransformExports(t *testing.T) {
	src := "export function a() {}\nexport async function b() {}\n  export const c = 1;\nexport default function () {}\n"
	out := transformExports(src)

	assert.Contains(t, out, "function a() {}")
	assert.Contains(t, out, "async function b() {}")
	assert.Contains(t, out, "  const c = 1;")
	assert.Contains(t, out, "module.exports.default = function () {}")
	assert.Contains(t, out, "module.exports.a = a;module.exports.b = b;module.exports.c = c;")
	assert.NotContains(t, out, "export ")
}
