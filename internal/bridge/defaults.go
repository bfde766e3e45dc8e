package bridge

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/yasumu/tanxium/internal/events"
	"github.com/yasumu/tanxium/internal/log"
)

// SlogConsole replays sandbox console lines on the host log and, when hub is
// set, on the renderer event stream.
type SlogConsole struct {
	logger *slog.Logger
	hub    *events.Hub
}

func NewSlogConsole(hub *events.Hub) *SlogConsole {
	return &SlogConsole{logger: log.WithComponent("script-console"), hub: hub}
}

func (c *SlogConsole) Log(msg string)   { c.write(slog.LevelInfo, "log", msg) }
func (c *SlogConsole) Info(msg string)  { c.write(slog.LevelInfo, "info", msg) }
func (c *SlogConsole) Warn(msg string)  { c.write(slog.LevelWarn, "warn", msg) }
func (c *SlogConsole) Error(msg string) { c.write(slog.LevelError, "error", msg) }

func (c *SlogConsole) write(level slog.Level, name, msg string) {
	c.logger.Log(context.Background(), level, msg, "console_level", name)
	if c.hub != nil {
		c.hub.Publish(events.TypeConsole, map[string]string{"level": name, "message": msg})
	}
}

// HubToaster publishes toasts to the renderer event stream.
type HubToaster struct {
	hub *events.Hub
}

func NewHubToaster(hub *events.Hub) *HubToaster { return &HubToaster{hub: hub} }

func (t *HubToaster) Success(title string, opts ToastOptions) { t.toast("success", title, opts) }
func (t *HubToaster) Warning(title string, opts ToastOptions) { t.toast("warning", title, opts) }
func (t *HubToaster) Error(title string, opts ToastOptions)   { t.toast("error", title, opts) }
func (t *HubToaster) Info(title string, opts ToastOptions)    { t.toast("info", title, opts) }
func (t *HubToaster) Default(title string, opts ToastOptions) { t.toast("default", title, opts) }

func (t *HubToaster) toast(variant, title string, opts ToastOptions) {
	t.hub.Publish(events.TypeToast, map[string]string{
		"variant":     variant,
		"title":       title,
		"description": opts.Description,
	})
}

// HubSubscriptions republishes subscription data to the renderer.
type HubSubscriptions struct {
	hub *events.Hub
}

func NewHubSubscriptions(hub *events.Hub) *HubSubscriptions { return &HubSubscriptions{hub: hub} }

func (s *HubSubscriptions) OnSubscription(data json.RawMessage) {
	s.hub.Publish(events.TypeSubscription, data)
}

// HubEmitter republishes host events to the renderer as {event, args}.
type HubEmitter struct {
	hub *events.Hub
}

func NewHubEmitter(hub *events.Hub) *HubEmitter { return &HubEmitter{hub: hub} }

func (e *HubEmitter) Emit(event string, args ...any) {
	e.hub.Publish(events.TypeEmit, map[string]any{"event": event, "args": args})
}

// DefaultHost wires every collaborator to hub.
func DefaultHost(hub *events.Hub) Host {
	return Host{
		Console:       NewSlogConsole(hub),
		Toaster:       NewHubToaster(hub),
		Subscriptions: NewHubSubscriptions(hub),
		Events:        NewHubEmitter(hub),
	}
}
