// Package guest implements the worker side of the script runner: the loop a
// worker process runs to receive execute requests over its input stream and
// post results, events and heartbeats over its output stream.
//
// Messages are handled on a single goroutine, in arrival order. Heartbeats
// come from their own goroutine and keep flowing while a script runs; a
// script that runs too long is stopped by the sandbox deadline, not by the
// host's liveness check.
package guest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yasumu/tanxium/internal/log"
	"github.com/yasumu/tanxium/internal/protocol"
	"github.com/yasumu/tanxium/internal/sandbox"
)

// DefaultHeartbeatInterval is used when Options.HeartbeatInterval is zero.
const DefaultHeartbeatInterval = time.Second

// Options configures a guest loop.
type Options struct {
	Codec             protocol.Codec
	HeartbeatInterval time.Duration
	Sandbox           sandbox.Config
}

type guest struct {
	rt     *sandbox.Runtime
	logger *slog.Logger

	mu       sync.Mutex
	enc      protocol.Encoder
	writeErr error
}

// Serve runs the worker loop until a terminate message arrives, the input
// stream ends or ctx is done. A clean shutdown returns nil.
func Serve(ctx context.Context, in io.Reader, out io.Writer, opts Options) error {
	codec := opts.Codec
	if codec == nil {
		codec = protocol.JSON
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	g := &guest{
		enc:    codec.NewEncoder(out),
		logger: log.WithComponent("guest"),
	}
	rt, err := sandbox.New(opts.Sandbox, g)
	if err != nil {
		return fmt.Errorf("failed to create sandbox: %w", err)
	}
	g.rt = rt

	done := make(chan struct{})
	defer close(done)
	msgs := make(chan *protocol.Inbound)
	readErr := make(chan error, 1)
	go g.read(codec.NewDecoder(in), msgs, readErr, done)

	if err := g.send(&protocol.Outbound{Type: protocol.TypeReady}); err != nil {
		return err
	}
	g.logger.Debug("worker ready", "codec", codec.Name(), "heartbeat_interval", interval)

	beatErr := make(chan error, 1)
	go g.heartbeat(interval, beatErr, done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				g.logger.Debug("input closed, exiting")
				return nil
			}
			return err
		case err := <-beatErr:
			return err
		case msg := <-msgs:
			switch msg.Type {
			case protocol.TypeTerminate:
				g.logger.Debug("terminate received")
				return nil
			case protocol.TypeRegister:
				if g.rt.Register(moduleKey(msg.Module), msg.Source) {
					g.logger.Debug("module registered", "module", msg.Module)
				}
			case protocol.TypeExecute:
				g.execute(ctx, msg)
			}
			if err := g.err(); err != nil {
				return err
			}
		}
	}
}

// heartbeat sends a heartbeat every interval until done is closed or a
// write fails.
func (g *guest) heartbeat(interval time.Duration, errc chan<- error, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := g.send(&protocol.Outbound{Type: protocol.TypeHeartbeat}); err != nil {
				errc <- err
				return
			}
		}
	}
}

// read decodes inbound messages. Malformed messages that leave the stream
// intact are reported to the host and skipped.
func (g *guest) read(dec protocol.Decoder, msgs chan<- *protocol.Inbound, errc chan<- error, done <-chan struct{}) {
	for {
		msg, err := protocol.DecodeInbound(dec)
		if err != nil {
			if protocol.IsMessageError(err) {
				g.logger.Warn("rejected message", "error", err)
				_ = g.send(&protocol.Outbound{Type: protocol.TypeLog, Level: "warn", Message: err.Error()})
				continue
			}
			errc <- err
			return
		}
		select {
		case msgs <- msg:
		case <-done:
			return
		}
	}
}

func (g *guest) execute(ctx context.Context, msg *protocol.Inbound) {
	logger := g.logger.With("request_id", msg.RequestID, "module", msg.Module, "target", msg.InvocationTarget)
	start := time.Now()

	inv, err := g.invoke(ctx, msg)
	out := &protocol.Outbound{RequestID: msg.RequestID, Context: msg.Context}
	if inv != nil && len(inv.Context) > 0 {
		out.Context = inv.Context
	}
	if err != nil {
		out.Type = protocol.TypeExecutionError
		out.Error = err.Error()
		if out.Error == "" {
			out.Error = "script failed"
		}
		logger.Debug("execution failed", "error", out.Error, "duration", time.Since(start))
	} else {
		out.Type = protocol.TypeExecutionSuccess
		out.Result = inv.Result
		logger.Debug("execution succeeded", "duration", time.Since(start))
	}
	_ = g.send(out)
}

func (g *guest) invoke(ctx context.Context, msg *protocol.Inbound) (inv *sandbox.Invocation, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			inv = nil
			err = fmt.Errorf("panic during execution: %v", rec)
		}
	}()
	return g.rt.Invoke(ctx, sandbox.Call{
		Module:      msg.Module,
		Target:      msg.InvocationTarget,
		ContextType: msg.ContextType,
		Context:     msg.Context,
	})
}

// Emit forwards a sandbox event to the host.
func (g *guest) Emit(ev protocol.TanxiumEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		g.logger.Warn("dropping event", "type", ev.Type, "error", err)
		return
	}
	_ = g.send(&protocol.Outbound{Type: protocol.TypeEvent, Event: raw})
}

func (g *guest) send(msg *protocol.Outbound) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writeErr != nil {
		return g.writeErr
	}
	if err := protocol.EncodeOutbound(g.enc, msg); err != nil {
		g.writeErr = err
		return err
	}
	return nil
}

func (g *guest) err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writeErr
}

// moduleKey strips the virtual prefix from a register message's module path.
func moduleKey(module string) string {
	return strings.TrimPrefix(module, sandbox.VirtualPrefix)
}
