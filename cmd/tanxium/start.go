package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/yasumu/tanxium/internal/api"
	"github.com/yasumu/tanxium/internal/bridge"
	"github.com/yasumu/tanxium/internal/config"
	"github.com/yasumu/tanxium/internal/envstore"
	"github.com/yasumu/tanxium/internal/events"
	"github.com/yasumu/tanxium/internal/guest"
	"github.com/yasumu/tanxium/internal/lock"
	"github.com/yasumu/tanxium/internal/log"
	"github.com/yasumu/tanxium/internal/msgqueue"
	"github.com/yasumu/tanxium/internal/mutex"
	"github.com/yasumu/tanxium/internal/protocol"
	"github.com/yasumu/tanxium/internal/runlog"
	"github.com/yasumu/tanxium/internal/runtime"
	"github.com/yasumu/tanxium/internal/sandbox"
	"github.com/yasumu/tanxium/internal/storage"
	"github.com/yasumu/tanxium/internal/watcher"
	"github.com/yasumu/tanxium/internal/worker"
)

func runSystemStart(args []string) int {
	fs := pflag.NewFlagSet("start", pflag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("tanxium starting", "version", version, "config", cfg.SourcePath)

	if cfg.State.Path != storage.MemoryPath {
		pidLockPath := lock.PathFor(cfg.State.Path)
		pidLock, err := lock.Acquire(pidLockPath)
		if err != nil {
			logger.Error("failed to acquire PID lock", "path", pidLockPath, "error", err)
			return 1
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLockPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	runs := runlog.New(db)
	if cfg.Service.RunLogRetention > 0 {
		pruned, err := runs.Prune(ctx, cfg.Service.RunLogRetention)
		if err != nil {
			logger.Warn("run log prune failed", "error", err)
		} else if pruned > 0 {
			logger.Info("pruned run log", "removed", pruned, "retention", cfg.Service.RunLogRetention)
		}
	}

	bus := msgqueue.New()
	bus.SetHistoryLimit(cfg.Bridge.HistoryLimit)
	hub := events.NewHub(cfg.Bridge.HubBuffer)

	readiness := bridge.NewReadiness()
	emitter := bridge.NewEmitter(readiness, bus, cfg.Bridge.ConsoleBuffer, cfg.Bridge.EventBuffer)
	dispose := bridge.NewListener(bridge.DefaultHost(hub)).Listen(bus)
	defer dispose()
	commands := bridge.NewCommands(emitter, readiness)

	workers, err := newWorkerManager(cfg, emitter, hub)
	if err != nil {
		logger.Error("failed to configure workers", "error", err)
		return 1
	}

	envs := envstore.NewStore(db)
	svc := runtime.New(runtime.Options{
		Workers:      workers,
		Locks:        mutex.New(),
		Runs:         runs,
		Environments: envs,
		Bus:          bus,
		Hub:          hub,
	})
	defer svc.Close()

	errCh := make(chan error, 2)

	if cfg.Runtime.Watch {
		w, err := watcher.New(cfg.Runtime.ScriptsDir, cfg.Runtime.WatchDebounce, watcher.ScriptFilter, func(paths []string) {
			if svc.TerminateWorker() {
				logger.Info("scripts changed, worker recycled", "files", len(paths))
			}
		})
		if err != nil {
			logger.Error("failed to watch scripts", "dir", cfg.Runtime.ScriptsDir, "error", err)
			return 1
		}
		defer w.Close()
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("watcher: %w", err)
			}
		}()
	}

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
		}, api.Deps{
			Scripts:      svc,
			Runs:         runs,
			Environments: envs,
			Commands:     commands,
			Readiness:    readiness,
			Bridge:       emitter,
			Workers:      workers,
			Events:       hub,
		}, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
	}

	logger.Info("tanxium running (press Ctrl+C to stop)")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("tanxium stopped")
	return 0
}

// newWorkerManager builds the worker supervisor for cfg. Worker lifecycle
// changes are published on hub.
func newWorkerManager(cfg *config.Config, sink worker.EventSink, hub *events.Hub) (*worker.Manager, error) {
	codec, err := protocol.CodecByName(cfg.Runtime.Codec)
	if err != nil {
		return nil, err
	}
	spawner, err := newSpawner(cfg, codec)
	if err != nil {
		return nil, err
	}

	return worker.NewManager(worker.Options{
		Spawner:           spawner,
		Codec:             codec,
		HeartbeatInterval: cfg.Runtime.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Runtime.HeartbeatTimeout,
		ExecutionTimeout:  cfg.Runtime.ExecutionTimeout,
		TerminateGrace:    cfg.Runtime.TerminateGrace,
		Events:            sink,
		OnTerminate: func(w *worker.ScriptWorker, cause error) {
			if hub == nil {
				return
			}
			data := map[string]string{"worker": w.Key(), "state": string(worker.StateTerminated)}
			if cause != nil {
				data["cause"] = cause.Error()
			}
			hub.Publish(events.TypeWorker, data)
		},
	}), nil
}

// newSpawner picks how workers run: in-process, a configured command, or a
// re-exec of this binary as "worker serve".
func newSpawner(cfg *config.Config, codec protocol.Codec) (worker.Spawner, error) {
	rt := cfg.Runtime
	if rt.InProcess {
		return &worker.InProcessSpawner{Options: guest.Options{
			Codec:             codec,
			HeartbeatInterval: rt.HeartbeatInterval,
			Sandbox: sandbox.Config{
				ScriptsDir:       rt.ScriptsDir,
				ExecutionTimeout: rt.ExecutionTimeout,
			},
		}}, nil
	}
	if len(rt.WorkerCommand) > 0 {
		return &worker.ProcessSpawner{Path: rt.WorkerCommand[0], Args: rt.WorkerCommand[1:]}, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable for worker: %w", err)
	}
	return &worker.ProcessSpawner{Path: exe, Args: workerServeArgs(cfg)}, nil
}

func workerServeArgs(cfg *config.Config) []string {
	return []string{
		"worker", "serve",
		"--codec", cfg.Runtime.Codec,
		"--heartbeat-interval", cfg.Runtime.HeartbeatInterval.String(),
		"--execution-timeout", cfg.Runtime.ExecutionTimeout.String(),
		"--scripts-dir", cfg.Runtime.ScriptsDir,
		"--log-level", cfg.Service.LogLevel,
	}
}
