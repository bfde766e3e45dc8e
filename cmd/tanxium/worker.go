package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/yasumu/tanxium/internal/guest"
	"github.com/yasumu/tanxium/internal/log"
	"github.com/yasumu/tanxium/internal/protocol"
	"github.com/yasumu/tanxium/internal/sandbox"
	"github.com/yasumu/tanxium/internal/worker"
)

// runWorkerServe runs the guest loop on stdin/stdout. Logs go to stderr,
// which the host mirrors.
func runWorkerServe(args []string) int {
	fs := pflag.NewFlagSet("worker serve", pflag.ContinueOnError)
	codecName := fs.String("codec", "json", "Wire codec: json or cbor")
	heartbeat := fs.Duration("heartbeat-interval", guest.DefaultHeartbeatInterval, "Interval between heartbeats")
	execTimeout := fs.Duration("execution-timeout", worker.DefaultExecutionTimeout, "Interrupt scripts running longer than this (0 disables)")
	scriptsDir := fs.String("scripts-dir", "", "Root for file modules")
	logLevel := fs.String("log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	log.SetupWriter(os.Stderr, *logLevel)

	codec, err := protocol.CodecByName(*codecName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	// SIGTERM is the host's graceful stop; the loop drains and exits.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = guest.Serve(ctx, os.Stdin, os.Stdout, guest.Options{
		Codec:             codec,
		HeartbeatInterval: *heartbeat,
		Sandbox: sandbox.Config{
			ScriptsDir:       *scriptsDir,
			ExecutionTimeout: *execTimeout,
			Stderr:           os.Stderr,
		},
	})
	if err != nil && ctx.Err() == nil {
		log.WithComponent("guest").Error("worker loop failed", "error", err)
		return 1
	}
	return 0
}
