package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates worker channel messages.
type MessageType string

// Host → worker.
const (
	TypeExecute   MessageType = "execute"
	TypeRegister  MessageType = "register"
	TypeTerminate MessageType = "terminate"
)

// Worker → host.
const (
	TypeReady            MessageType = "ready"
	TypeHeartbeat        MessageType = "heartbeat"
	TypeExecutionSuccess MessageType = "execution-success"
	TypeExecutionError   MessageType = "execution-error"
	TypeEvent            MessageType = "event"
	TypeLog              MessageType = "log"
)

var (
	// ErrUnknownMessageType is returned when a message carries a type that is
	// not valid for its direction.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrInvalidMessage is returned when a message lacks a required field.
	ErrInvalidMessage = errors.New("invalid message")
)

// Inbound is a message sent from the host to a worker.
type Inbound struct {
	Type             MessageType     `json:"type"`
	RequestID        string          `json:"requestId,omitempty"`
	Module           string          `json:"module,omitempty"`
	InvocationTarget string          `json:"invocationTarget,omitempty"`
	ContextType      string          `json:"contextType,omitempty"`
	Context          json.RawMessage `json:"context,omitempty"`
	Source           string          `json:"source,omitempty"` // register only
}

// Outbound is a message sent from a worker to the host. Heartbeat, ready,
// event and log messages are not tied to a request.
type Outbound struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"` // serialized TanxiumEvent
	Level     string          `json:"level,omitempty"` // log only
	Message   string          `json:"message,omitempty"`
}

// Validate checks the fields required for the message type.
func (m *Inbound) Validate() error {
	switch m.Type {
	case TypeExecute:
		if m.RequestID == "" {
			return fmt.Errorf("%w: execute message missing requestId", ErrInvalidMessage)
		}
		if m.Module == "" {
			return fmt.Errorf("%w: execute message missing module", ErrInvalidMessage)
		}
		if m.InvocationTarget == "" {
			return fmt.Errorf("%w: execute message missing invocationTarget", ErrInvalidMessage)
		}
	case TypeRegister:
		if m.Module == "" {
			return fmt.Errorf("%w: register message missing module", ErrInvalidMessage)
		}
	case TypeTerminate:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	return nil
}

// Validate checks the fields required for the message type.
func (m *Outbound) Validate() error {
	switch m.Type {
	case TypeReady, TypeHeartbeat, TypeLog:
	case TypeExecutionSuccess:
		if m.RequestID == "" {
			return fmt.Errorf("%w: execution-success message missing requestId", ErrInvalidMessage)
		}
	case TypeExecutionError:
		if m.RequestID == "" {
			return fmt.Errorf("%w: execution-error message missing requestId", ErrInvalidMessage)
		}
		if m.Error == "" {
			return fmt.Errorf("%w: execution-error message missing error", ErrInvalidMessage)
		}
	case TypeEvent:
		if len(m.Event) == 0 {
			return fmt.Errorf("%w: event message missing event", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	return nil
}

// IsTerminal reports whether m settles a request.
func (m *Outbound) IsTerminal() bool {
	return m.Type == TypeExecutionSuccess || m.Type == TypeExecutionError
}

// IsMessageError reports whether err rejects a single well-framed message.
// The stream stays usable after such an error.
func IsMessageError(err error) bool {
	return errors.Is(err, ErrUnknownMessageType) || errors.Is(err, ErrInvalidMessage)
}
