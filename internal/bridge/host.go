package bridge

import "encoding/json"

//go:generate mockgen -destination=mocks/mock_host.go -package=mocks github.com/yasumu/tanxium/internal/bridge Console,Toaster,Subscriptions,EventEmitter

// Console is the host console that sandbox console lines are replayed on.
type Console interface {
	Log(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

// ToastOptions carries the secondary text of a toast.
type ToastOptions struct {
	Description string `json:"description,omitempty"`
}

// Toaster shows notifications on the host.
type Toaster interface {
	Success(title string, opts ToastOptions)
	Warning(title string, opts ToastOptions)
	Error(title string, opts ToastOptions)
	Info(title string, opts ToastOptions)
	Default(title string, opts ToastOptions)
}

// Subscriptions receives yasumu-subscription messages.
type Subscriptions interface {
	OnSubscription(data json.RawMessage)
}

// EventEmitter is the host-wide event emitter (e.g. onNewEmail).
type EventEmitter interface {
	Emit(event string, args ...any)
}

// Host bundles the collaborators the listener dispatches to.
type Host struct {
	Console       Console
	Toaster       Toaster
	Subscriptions Subscriptions
	Events        EventEmitter
}
