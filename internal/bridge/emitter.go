package bridge

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/yasumu/tanxium/internal/log"
	"github.com/yasumu/tanxium/internal/msgqueue"
	"github.com/yasumu/tanxium/internal/protocol"
)

// TopicTanxiumEvent is the message queue topic carrying serialized
// TanxiumEvents from the sandbox side to the host listener.
const TopicTanxiumEvent = "tanxium-event"

// Default buffer capacities used before the host is ready.
const (
	DefaultConsoleBuffer = 100
	DefaultEventBuffer   = 500
)

// Emitter sends sandbox events to the host. Until readiness is marked,
// console events and other events are held in separate bounded buffers.
type Emitter struct {
	console *BufferedQueue[string]
	events  *BufferedQueue[string]
	logger  *slog.Logger
}

// NewEmitter creates an emitter publishing on bus.
func NewEmitter(readiness *Readiness, bus *msgqueue.Queue, consoleBuffer, eventBuffer int) *Emitter {
	if consoleBuffer <= 0 {
		consoleBuffer = DefaultConsoleBuffer
	}
	if eventBuffer <= 0 {
		eventBuffer = DefaultEventBuffer
	}
	publish := func(data string) {
		_ = bus.Publish(context.Background(), TopicTanxiumEvent, data)
	}
	e := &Emitter{
		console: NewBufferedQueue(consoleBuffer, readiness, publish),
		events:  NewBufferedQueue(eventBuffer, readiness, publish),
		logger:  log.WithComponent("bridge"),
	}
	readiness.OnReady(e.reportDropped)
	return e
}

// reportDropped runs after both buffers flushed.
func (e *Emitter) reportDropped() {
	console, events := e.Dropped()
	if console+events > 0 {
		e.logger.Warn("events dropped before host was ready", "console", console, "events", events)
	}
}

// Console emits a console line at one of the protocol console levels.
func (e *Emitter) Console(level int, msg string) {
	e.emit(protocol.EventConsole, protocol.ConsolePayload{Msg: msg, Level: level})
}

// ShowNotification asks the host to show a toast.
func (e *Emitter) ShowNotification(n protocol.Notification) {
	e.emit(protocol.EventShowNotification, n)
}

// PostMessage sends an arbitrary payload to the host.
func (e *Emitter) PostMessage(payload any) {
	e.emit(protocol.EventMessage, payload)
}

func (e *Emitter) emit(typ protocol.EventType, payload any) {
	ev, err := protocol.NewEvent(typ, payload)
	if err != nil {
		e.logger.Warn("dropping event", "type", typ, "error", err)
		return
	}
	e.Forward(ev)
}

// Forward routes an already built event to its buffer. Workers deliver their
// events through here.
func (e *Emitter) Forward(ev protocol.TanxiumEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn("dropping event", "type", ev.Type, "error", err)
		return
	}
	if ev.Type == protocol.EventConsole {
		e.console.Push(string(raw))
		return
	}
	e.events.Push(string(raw))
}

// Buffered returns the number of console and other events waiting for
// readiness.
func (e *Emitter) Buffered() (console, events int) {
	return e.console.Len(), e.events.Len()
}

// Dropped returns how many console and other events were evicted from full
// buffers.
func (e *Emitter) Dropped() (console, events int) {
	return e.console.Dropped(), e.events.Dropped()
}
