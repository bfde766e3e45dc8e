package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yasumu/tanxium/internal/protocol"
)

// ErrUnknownCommand is returned for a host command name that is not
// registered.
var ErrUnknownCommand = errors.New("unknown command")

// Host command names.
const (
	CommandSendEvent = "tanxium_send_event"
	CommandMarkReady = "tanxium_mark_ready"
)

// CommandFunc handles one host command.
type CommandFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Commands routes RPC-style host commands by name.
type Commands struct {
	handlers map[string]CommandFunc
}

// NewCommands registers the built-in commands: tanxium_send_event forwards
// {"event": <TanxiumEvent>} through the emitter, tanxium_mark_ready marks
// readiness.
func NewCommands(emitter *Emitter, readiness *Readiness) *Commands {
	c := &Commands{handlers: make(map[string]CommandFunc)}
	c.Register(CommandSendEvent, func(_ context.Context, args json.RawMessage) (any, error) {
		var req struct {
			Event json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("decode %s args: %w", CommandSendEvent, err)
		}
		raw := req.Event
		// The event may arrive as an object or as its JSON string.
		var s string
		if json.Unmarshal(raw, &s) == nil {
			raw = json.RawMessage(s)
		}
		ev, err := protocol.ParseEvent(raw)
		if err != nil {
			return nil, err
		}
		emitter.Forward(ev)
		return map[string]bool{"ok": true}, nil
	})
	c.Register(CommandMarkReady, func(context.Context, json.RawMessage) (any, error) {
		readiness.MarkReady()
		return map[string]bool{"ready": true}, nil
	})
	return c
}

// Register adds or replaces a command.
func (c *Commands) Register(name string, fn CommandFunc) {
	c.handlers[name] = fn
}

// Invoke runs the named command.
func (c *Commands) Invoke(ctx context.Context, name string, args json.RawMessage) (any, error) {
	fn, ok := c.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return fn(ctx, args)
}
