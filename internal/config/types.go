package config

import "time"

// Config represents the complete tanxium configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	API     APIConfig     `yaml:"api,omitempty"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Bridge  BridgeConfig  `yaml:"bridge"`

	// SourcePath is the file the config was loaded from, empty for defaults.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	LogLevel        string        `yaml:"log_level"`
	RunLogRetention time.Duration `yaml:"run_log_retention"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the renderer-facing HTTP server.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings. An empty APIKey
// disables authentication.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// Worker wire codecs.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// RuntimeConfig defines how script workers are run and supervised.
type RuntimeConfig struct {
	ScriptsDir string `yaml:"scripts_dir"`
	Codec      string `yaml:"codec"`
	// WorkerCommand overrides the command that starts a worker process.
	// Empty means re-running this binary as "worker serve".
	WorkerCommand []string `yaml:"worker_command,omitempty"`
	// InProcess runs workers on goroutines instead of child processes.
	InProcess bool `yaml:"in_process"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ExecutionTimeout  time.Duration `yaml:"execution_timeout"`
	TerminateGrace    time.Duration `yaml:"terminate_grace"`

	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

// BridgeConfig sizes the host bridge buffers.
type BridgeConfig struct {
	ConsoleBuffer int `yaml:"console_buffer"`
	EventBuffer   int `yaml:"event_buffer"`
	// HistoryLimit bounds the message queue history. Zero keeps every
	// message until the queue is cleared.
	HistoryLimit int `yaml:"history_limit"`
	// HubBuffer is the number of renderer events kept for reconnecting
	// SSE clients.
	HubBuffer int `yaml:"hub_buffer"`
}

// Defaults returns a Config with the built-in defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "tanxium",
			LogLevel:        "info",
			RunLogRetention: 7 * 24 * time.Hour,
		},
		State: StateConfig{
			Path: "./data/tanxium.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:7842",
		},
		Runtime: RuntimeConfig{
			ScriptsDir:        "./scripts",
			Codec:             CodecJSON,
			HeartbeatInterval: time.Second,
			HeartbeatTimeout:  10 * time.Second,
			ExecutionTimeout:  30 * time.Second,
			TerminateGrace:    2 * time.Second,
			WatchDebounce:     200 * time.Millisecond,
		},
		Bridge: BridgeConfig{
			ConsoleBuffer: 100,
			EventBuffer:   500,
			HistoryLimit:  0,
			HubBuffer:     256,
		},
	}
}
