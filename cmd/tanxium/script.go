package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/yasumu/tanxium/internal/bridge"
	"github.com/yasumu/tanxium/internal/events"
	"github.com/yasumu/tanxium/internal/log"
	"github.com/yasumu/tanxium/internal/msgqueue"
	"github.com/yasumu/tanxium/internal/runtime"
	"github.com/yasumu/tanxium/internal/scriptctx"
)

// runScriptRun executes one function of a script file on an in-process
// worker and prints the execution result as JSON. Script console output is
// logged to stderr.
func runScriptRun(args []string) int {
	fs := pflag.NewFlagSet("script run", pflag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	target := fs.StringP("target", "t", "run", "Exported function to call")
	contextJSON := fs.StringP("context", "c", "{}", "Script context as JSON")
	contextType := fs.String("context-type", scriptctx.TypeTest, "Context type: rest or test")
	workspace := fs.String("workspace", "cli", "Workspace id used for the module name")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: tanxium script run <file> [--target NAME] [--context JSON] [--context-type rest|test]")
		return 1
	}
	file := fs.Arg(0)

	if !json.Valid([]byte(*contextJSON)) {
		fmt.Fprintln(os.Stderr, "--context must be valid JSON")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.SetupWriter(os.Stderr, cfg.Service.LogLevel)

	code, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read script: %v\n", err)
		return 1
	}

	// File imports resolve next to the script.
	cfg.Runtime.InProcess = true
	if abs, err := filepath.Abs(filepath.Dir(file)); err == nil {
		cfg.Runtime.ScriptsDir = abs
	}

	bus := msgqueue.New()
	readiness := bridge.NewReadiness()
	readiness.MarkReady()
	emitter := bridge.NewEmitter(readiness, bus, cfg.Bridge.ConsoleBuffer, cfg.Bridge.EventBuffer)
	dispose := bridge.NewListener(bridge.DefaultHost(events.NewHub(0))).Listen(bus)
	defer dispose()

	workers, err := newWorkerManager(cfg, emitter, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure worker: %v\n", err)
		return 1
	}
	svc := runtime.New(runtime.Options{Workers: workers, Bus: bus})
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := svc.ExecuteScript(ctx, runtime.ExecuteRequest{
		WorkspaceID:      *workspace,
		EntityID:         strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)),
		Script:           scriptctx.Script{Language: scriptctx.LanguageJavaScript, Code: string(code)},
		InvocationTarget: *target,
		ContextType:      *contextType,
		Context:          json.RawMessage(*contextJSON),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		return 1
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render result: %v\n", err)
		return 1
	}
	fmt.Println(string(out))
	if !res.Result.Success {
		return 2
	}
	return 0
}
