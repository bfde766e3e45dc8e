package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable checked by Discover.
const EnvConfigPath = "TANXIUM_CONFIG"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file. Keys missing from the file keep
// their defaults. Relative paths in the file are resolved against the
// file's directory.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	resolvePaths(cfg, filepath.Dir(absPath))
	return cfg, nil
}

// Parse decodes YAML on top of Defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()

	interpolated := interpolateEnv(string(data))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolated)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover returns the config file to use: $TANXIUM_CONFIG,
// ~/.config/tanxium/config.yaml, then ./tanxium.yaml. It returns "" when
// none exists.
func Discover() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", "tanxium", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if _, err := os.Stat("tanxium.yaml"); err == nil {
		return "tanxium.yaml"
	}
	return ""
}

func resolvePaths(cfg *Config, baseDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || p == ":memory:" {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	cfg.State.Path = abs(cfg.State.Path)
	cfg.Runtime.ScriptsDir = abs(cfg.Runtime.ScriptsDir)
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and fail validation where it matters.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.RunLogRetention < 0 {
		return fmt.Errorf("service.run_log_retention must not be negative")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the api is enabled")
		}
		if m := envVarPattern.FindStringSubmatch(cfg.API.Auth.APIKey); m != nil {
			return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", m[1])
		}
	}

	rt := cfg.Runtime
	if rt.ScriptsDir == "" {
		return fmt.Errorf("runtime.scripts_dir is required")
	}
	if rt.Codec != CodecJSON && rt.Codec != CodecCBOR {
		return fmt.Errorf("runtime.codec must be %q or %q (got %q)", CodecJSON, CodecCBOR, rt.Codec)
	}
	for name, d := range map[string]int64{
		"heartbeat_interval": int64(rt.HeartbeatInterval),
		"heartbeat_timeout":  int64(rt.HeartbeatTimeout),
		"execution_timeout":  int64(rt.ExecutionTimeout),
		"terminate_grace":    int64(rt.TerminateGrace),
	} {
		if d <= 0 {
			return fmt.Errorf("runtime.%s must be positive", name)
		}
	}
	if rt.HeartbeatTimeout <= rt.HeartbeatInterval {
		return fmt.Errorf("runtime.heartbeat_timeout (%s) must exceed runtime.heartbeat_interval (%s)", rt.HeartbeatTimeout, rt.HeartbeatInterval)
	}

	if cfg.Bridge.ConsoleBuffer <= 0 || cfg.Bridge.EventBuffer <= 0 {
		return fmt.Errorf("bridge.console_buffer and bridge.event_buffer must be positive")
	}
	if cfg.Bridge.HistoryLimit < 0 {
		return fmt.Errorf("bridge.history_limit must not be negative")
	}
	return nil
}
