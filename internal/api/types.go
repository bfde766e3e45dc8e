package api

import "github.com/yasumu/tanxium/internal/runlog"

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status           string        `json:"status"`
	UptimeSeconds    int64         `json:"uptime_seconds"`
	Ready            bool          `json:"ready"`
	Workers          []string      `json:"workers"`
	EventSubscribers int           `json:"event_subscribers"`
	Bridge           *BridgeHealth `json:"bridge,omitempty"`
}

// BridgeHealth counts events held or evicted before the host was ready.
type BridgeHealth struct {
	ConsoleBuffered int `json:"console_buffered"`
	EventsBuffered  int `json:"events_buffered"`
	ConsoleDropped  int `json:"console_dropped"`
	EventsDropped   int `json:"events_dropped"`
}

// RunsResponse is returned by GET /workspaces/{workspaceID}/runs.
type RunsResponse struct {
	WorkspaceID string       `json:"workspaceId"`
	Runs        []runlog.Run `json:"runs"`
}
