package runtime

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yasumu/tanxium/internal/envstore"
	"github.com/yasumu/tanxium/internal/events"
	"github.com/yasumu/tanxium/internal/guest"
	"github.com/yasumu/tanxium/internal/log"
	"github.com/yasumu/tanxium/internal/msgqueue"
	"github.com/yasumu/tanxium/internal/mutex"
	"github.com/yasumu/tanxium/internal/runlog"
	"github.com/yasumu/tanxium/internal/scriptctx"
	"github.com/yasumu/tanxium/internal/storage"
	"github.com/yasumu/tanxium/internal/worker"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type fixture struct {
	svc     *Service
	workers *worker.Manager
	locks   *mutex.KeyedMutex
	runs    *runlog.Log
	envs    *envstore.Store
	bus     *msgqueue.Queue
	hub     *events.Hub
}

func newFixture(t *testing.T, wopts worker.Options) *fixture {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tanxium.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	if wopts.Spawner == nil {
		wopts.Spawner = &worker.InProcessSpawner{Options: guest.Options{}}
	}
	if wopts.TerminateGrace == 0 {
		wopts.TerminateGrace = 200 * time.Millisecond
	}
	f := &fixture{
		workers: worker.NewManager(wopts),
		locks:   mutex.New(),
		runs:    runlog.New(db),
		envs:    envstore.NewStore(db),
		bus:     msgqueue.New(),
		hub:     events.NewHub(16),
	}
	f.svc = New(Options{
		Workers:      f.workers,
		Locks:        f.locks,
		Runs:         f.runs,
		Environments: f.envs,
		Bus:          f.bus,
		Hub:          f.hub,
	})
	t.Cleanup(f.svc.Close)
	return f
}

func jsRequest(entity, code, target, contextType, ctx string) ExecuteRequest {
	return ExecuteRequest{
		WorkspaceID:      "ws1",
		EntityID:         entity,
		Script:           scriptctx.Script{Language: scriptctx.LanguageJavaScript, Code: code},
		InvocationTarget: target,
		ContextType:      contextType,
		Context:          json.RawMessage(ctx),
	}
}

const restContext = `{
	"environment": {"id": "env-1", "name": "dev", "variables": [], "secrets": []},
	"request": {"url": "http://api.test/", "method": "GET", "headers": {}, "body": null, "parameters": {}},
	"response": null
}`

func TestExecuteScriptSuccess(t *testing.T) {
	f := newFixture(t, worker.Options{})

	var published []any
	f.bus.SubscribeFunc(TopicScriptExecuted, func(_ context.Context, msg any) error {
		published = append(published, msg)
		return nil
	})

	res, err := f.svc.ExecuteScript(context.Background(),
		jsRequest("e1", `export function run(ctx) { ctx.count++; return ctx.count * 2; }`, "run", scriptctx.TypeTest, `{"count":1}`))
	require.NoError(t, err)
	assert.True(t, res.Result.Success)
	assert.JSONEq(t, `4`, string(res.Result.Result))
	assert.JSONEq(t, `{"count":2}`, string(res.Context))
	require.NotEmpty(t, res.RunID)

	run, err := f.runs.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.True(t, run.Success)
	assert.Equal(t, "e1", run.EntityID)
	assert.Contains(t, run.Module, "ws1/e1@")

	require.Len(t, published, 1)
	ev := published[0].(ScriptExecuted)
	assert.Equal(t, res.RunID, ev.RunID)
	assert.True(t, ev.Success)

	snap := f.hub.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.Equal(t, events.TypeScriptExecuted, snap[0].Type)
	assert.True(t, f.workers.Has(GlobalWorkerKey))
}

func TestExecuteScriptErrorKeepsMutatedContext(t *testing.T) {
	f := newFixture(t, worker.Options{})

	res, err := f.svc.ExecuteScript(context.Background(),
		jsRequest("e1", `exports.run = (ctx) => { ctx.step = 'half'; throw new Error('boom'); };`, "run", scriptctx.TypeTest, `{}`))
	require.NoError(t, err)
	assert.False(t, res.Result.Success)
	assert.Contains(t, res.Result.Error, "boom")
	assert.JSONEq(t, `{"step":"half"}`, string(res.Context))

	run, err := f.runs.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.False(t, run.Success)
	assert.Contains(t, run.Error, "boom")
}

func TestExecuteScriptMissingTarget(t *testing.T) {
	f := newFixture(t, worker.Options{})

	res, err := f.svc.ExecuteScript(context.Background(),
		jsRequest("e1", `exports.other = () => 1;`, "run", scriptctx.TypeTest, `{"a":1}`))
	require.NoError(t, err)
	assert.False(t, res.Result.Success)
	assert.Equal(t, `Function "run" not found or is not a function`, res.Result.Error)
	assert.JSONEq(t, `{"a":1}`, string(res.Context))
}

func TestExecuteScriptUnsupportedLanguage(t *testing.T) {
	f := newFixture(t, worker.Options{})

	req := jsRequest("e1", `print 1`, "run", scriptctx.TypeTest, `{}`)
	req.Script.Language = "python"
	_, err := f.svc.ExecuteScript(context.Background(), req)
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
	assert.False(t, f.workers.Has(GlobalWorkerKey), "no worker spawned")
}

func TestExecuteScriptValidatesRequest(t *testing.T) {
	f := newFixture(t, worker.Options{})

	req := jsRequest("", `exports.run = () => 1;`, "run", scriptctx.TypeTest, `{}`)
	_, err := f.svc.ExecuteScript(context.Background(), req)
	assert.Error(t, err)

	req = jsRequest("e1", `exports.run = () => 1;`, "", scriptctx.TypeTest, `{}`)
	_, err = f.svc.ExecuteScript(context.Background(), req)
	assert.Error(t, err)
}

func TestExecuteScriptWorkerFailureReturnsOriginalContext(t *testing.T) {
	f := newFixture(t, worker.Options{ExecutionTimeout: 150 * time.Millisecond})

	res, err := f.svc.ExecuteScript(context.Background(),
		jsRequest("spin", `exports.run = (ctx) => { ctx.touched = true; for (;;) {} };`, "run", scriptctx.TypeTest, `{"orig":true}`))
	require.NoError(t, err)
	assert.False(t, res.Result.Success)
	assert.Contains(t, res.Result.Error, "execution timeout")
	assert.JSONEq(t, `{"orig":true}`, string(res.Context))
}

func TestExecuteScriptPersistsModifiedEnvironment(t *testing.T) {
	f := newFixture(t, worker.Options{})
	ctx := context.Background()

	res, err := f.svc.ExecuteScript(ctx,
		jsRequest("req1", `export function onRequest(req) { req.env.setSecret('token', 'abc'); }`, "onRequest", scriptctx.TypeRest, restContext))
	require.NoError(t, err)
	require.True(t, res.Result.Success, res.Result.Error)

	env, err := f.envs.Get(ctx, "env-1")
	require.NoError(t, err)
	assert.Contains(t, env.Secrets, scriptctx.TabularPair{Key: "token", Value: "abc", Enabled: true})
}

func TestExecuteScriptLeavesUnchangedEnvironment(t *testing.T) {
	f := newFixture(t, worker.Options{})
	ctx := context.Background()

	_, err := f.svc.ExecuteScript(ctx,
		jsRequest("req1", `export function onRequest(req) { req.method = 'PUT'; }`, "onRequest", scriptctx.TypeRest, restContext))
	require.NoError(t, err)

	_, err = f.envs.Get(ctx, "env-1")
	assert.ErrorIs(t, err, envstore.ErrEnvironmentNotFound)
}

func TestExecuteScriptLoadsStoredEnvironment(t *testing.T) {
	f := newFixture(t, worker.Options{})
	ctx := context.Background()

	require.NoError(t, f.envs.Put(ctx, &scriptctx.EnvironmentData{
		ID:      "env-1",
		Name:    "dev",
		Secrets: []scriptctx.TabularPair{{Key: "token", Value: "stored", Enabled: true}},
	}))

	res, err := f.svc.ExecuteScript(ctx, jsRequest("req1",
		`export function onRequest(req) { return req.env.getSecret('token'); }`,
		"onRequest", scriptctx.TypeRest, `{"environment": {"id": "env-1"}, "request": {"url": "http://api.test/", "method": "GET", "headers": {}, "body": null, "parameters": {}}}`))
	require.NoError(t, err)
	require.True(t, res.Result.Success, res.Result.Error)
	assert.JSONEq(t, `"stored"`, string(res.Result.Result))

	rc, err := scriptctx.DecodeRest(res.Context)
	require.NoError(t, err)
	assert.Equal(t, "http://api.test/", rc.Request.URL)
}

func TestExecuteScriptCancelledMidRun(t *testing.T) {
	f := newFixture(t, worker.Options{ExecutionTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := f.svc.ExecuteScript(ctx,
		jsRequest("slow", `exports.run = () => { const end = Date.now() + 400; while (Date.now() < end) {} return 1; };`, "run", scriptctx.TypeTest, `{}`))
	assert.ErrorIs(t, err, context.Canceled)

	runs, err := f.runs.List(context.Background(), "ws1", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.False(t, f.locks.Held("ws1/slow"))
}

func TestExecuteScriptSerializesPerEntity(t *testing.T) {
	f := newFixture(t, worker.Options{})

	code := `exports.run = (ctx) => ctx.n;`
	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, _ := json.Marshal(map[string]int{"n": i})
			res, err := f.svc.ExecuteScript(context.Background(), jsRequest("same", code, "run", scriptctx.TypeTest, string(ctx)))
			if assert.NoError(t, err) {
				results[i] = string(res.Result.Result)
			}
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		assert.JSONEq(t, string(rune('0'+i)), got)
	}
	assert.False(t, f.locks.Held("ws1/same"))

	runs, err := f.runs.List(context.Background(), "ws1", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 5)
}

func TestExecuteScriptLockCancelled(t *testing.T) {
	f := newFixture(t, worker.Options{})

	f.locks.Lock("ws1/held")
	defer f.locks.Unlock("ws1/held")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.svc.ExecuteScript(ctx, jsRequest("held", `exports.run = () => 1;`, "run", scriptctx.TypeTest, `{}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTerminateWorkerRespawns(t *testing.T) {
	f := newFixture(t, worker.Options{})
	ctx := context.Background()

	assert.False(t, f.svc.TerminateWorker())

	_, err := f.svc.ExecuteScript(ctx, jsRequest("e1", `exports.run = () => 'v1';`, "run", scriptctx.TypeTest, `{}`))
	require.NoError(t, err)
	first, ok := f.workers.Get(GlobalWorkerKey)
	require.True(t, ok)

	assert.True(t, f.svc.TerminateWorker())
	assert.False(t, f.workers.Has(GlobalWorkerKey))

	res, err := f.svc.ExecuteScript(ctx, jsRequest("e1", `exports.run = () => 'v2';`, "run", scriptctx.TypeTest, `{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"v2"`, string(res.Result.Result))
	second, ok := f.workers.Get(GlobalWorkerKey)
	require.True(t, ok)
	assert.NotSame(t, first, second)
}
