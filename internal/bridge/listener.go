package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/yasumu/tanxium/internal/log"
	"github.com/yasumu/tanxium/internal/msgqueue"
	"github.com/yasumu/tanxium/internal/protocol"
)

// Message payload discriminators understood by the listener.
const (
	MessageTypeSubscription = "yasumu-subscription"
	MessageEventNewEmail    = "new-email"
	HostEventNewEmail       = "onNewEmail"
)

// Listener consumes serialized TanxiumEvents and dispatches them to the host.
type Listener struct {
	host   Host
	logger *slog.Logger
}

func NewListener(host Host) *Listener {
	return &Listener{host: host, logger: log.WithComponent("bridge-listener")}
}

// Listen subscribes to the tanxium-event topic. The returned func
// unsubscribes and may be called more than once.
func (l *Listener) Listen(bus *msgqueue.Queue) (dispose func()) {
	return bus.SubscribeFunc(TopicTanxiumEvent, func(_ context.Context, msg any) error {
		var raw string
		switch m := msg.(type) {
		case string:
			raw = m
		case []byte:
			raw = string(m)
		case json.RawMessage:
			raw = string(m)
		default:
			l.logger.Warn("ignoring non-string tanxium event", "type", fmt.Sprintf("%T", msg))
			return nil
		}
		_ = l.HandleRaw(raw)
		return nil
	})
}

// HandleRaw parses one serialized event and dispatches it. Malformed or
// unknown events are logged and dropped; the error is returned for callers
// that want to surface it.
func (l *Listener) HandleRaw(raw string) error {
	ev, err := protocol.ParseEvent([]byte(raw))
	if err != nil {
		l.logger.Warn("dropping tanxium event", "error", err)
		return err
	}

	switch ev.Type {
	case protocol.EventConsole:
		err = l.handleConsole(ev.Payload)
	case protocol.EventShowNotification:
		err = l.handleNotification(ev.Payload)
	case protocol.EventMessage:
		err = l.handleMessage(ev.Payload)
	}
	if err != nil {
		l.logger.Warn("dropping tanxium event", "type", ev.Type, "error", err)
	}
	return err
}

func (l *Listener) handleConsole(payload json.RawMessage) error {
	var p protocol.ConsolePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode console payload: %w", err)
	}
	if l.host.Console == nil {
		return nil
	}
	switch p.Level {
	case protocol.LevelInfo:
		l.host.Console.Info(p.Msg)
	case protocol.LevelWarn:
		l.host.Console.Warn(p.Msg)
	case protocol.LevelError:
		l.host.Console.Error(p.Msg)
	default:
		l.host.Console.Log(p.Msg)
	}
	return nil
}

func (l *Listener) handleNotification(payload json.RawMessage) error {
	var n protocol.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return fmt.Errorf("decode notification payload: %w", err)
	}
	if l.host.Toaster == nil {
		return nil
	}
	opts := ToastOptions{Description: n.Message}
	switch n.Variant {
	case "success":
		l.host.Toaster.Success(n.Title, opts)
	case "warning":
		l.host.Toaster.Warning(n.Title, opts)
	case "error":
		l.host.Toaster.Error(n.Title, opts)
	case "info":
		l.host.Toaster.Info(n.Title, opts)
	default:
		l.host.Toaster.Default(n.Title, opts)
	}
	return nil
}

type messagePayload struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type newEmailData struct {
	WorkspaceID string          `json:"workspaceId"`
	NewEmail    json.RawMessage `json:"newEmail"`
}

func (l *Listener) handleMessage(payload json.RawMessage) error {
	var m messagePayload
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("decode message payload: %w", err)
	}

	switch {
	case m.Type == MessageTypeSubscription:
		if l.host.Subscriptions != nil {
			l.host.Subscriptions.OnSubscription(m.Data)
		}
	case m.Event == MessageEventNewEmail:
		var d newEmailData
		if err := json.Unmarshal(m.Data, &d); err != nil {
			return fmt.Errorf("decode new-email data: %w", err)
		}
		if l.host.Events != nil {
			l.host.Events.Emit(HostEventNewEmail, d.WorkspaceID, d.NewEmail)
		}
	default:
		l.logger.Debug("ignoring message", "type", m.Type, "event", m.Event)
	}
	return nil
}
