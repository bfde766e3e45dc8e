package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the envelope the sandbox uses to talk to the host.
type EventType string

const (
	EventConsole          EventType = "console"
	EventShowNotification EventType = "show-notification"
	EventMessage          EventType = "message"
)

// Console levels as emitted by the sandbox console.
const (
	LevelLog = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

// TanxiumEvent is the sandbox → host event envelope.
type TanxiumEvent struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ConsolePayload is the payload of a console event.
type ConsolePayload struct {
	Msg   string `json:"msg"`
	Level int    `json:"level"`
}

// Notification is the payload of a show-notification event.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Variant string `json:"variant,omitempty"` // default | success | warning | info | error
}

// NewEvent marshals payload into an event envelope.
func NewEvent(typ EventType, payload any) (TanxiumEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return TanxiumEvent{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return TanxiumEvent{Type: typ, Payload: raw}, nil
}

// ParseEvent decodes a serialized envelope.
func ParseEvent(data []byte) (TanxiumEvent, error) {
	var ev TanxiumEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return TanxiumEvent{}, fmt.Errorf("decode tanxium event: %w", err)
	}
	switch ev.Type {
	case EventConsole, EventShowNotification, EventMessage:
	default:
		return TanxiumEvent{}, fmt.Errorf("%w: event %q", ErrUnknownMessageType, ev.Type)
	}
	return ev, nil
}
