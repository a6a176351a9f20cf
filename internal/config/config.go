// Package config handles server configuration loading and the mutable
// runtime config map exposed over the API.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (AGENTMON_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	server:
//	  port: 8080
//
//	timers:
//	  metrics_interval: 5s
//	  agent_tick_interval: 10s
//	  recovery_sweep_interval: 30s
//
//	commands:
//	  exec_timeout: 30s
//	  rate_per_minute: 30
//	  file_root: /var/lib/agentmon
//
//	redis:
//	  url: redis://localhost:6379
//	  channel: agentmon:events
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "5s" parse. Plain
// integers are accepted as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Timers   TimerConfig    `yaml:"timers"`
	Commands CommandsConfig `yaml:"commands"`
	Redis    RedisConfig    `yaml:"redis"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// TimerConfig defines the periodic worker intervals.
type TimerConfig struct {
	MetricsInterval       Duration `yaml:"metrics_interval"`
	AgentTickInterval     Duration `yaml:"agent_tick_interval"`
	RecoverySweepInterval Duration `yaml:"recovery_sweep_interval"`
}

// CommandsConfig bounds command execution.
type CommandsConfig struct {
	ExecTimeout   Duration `yaml:"exec_timeout"`
	RatePerMinute int      `yaml:"rate_per_minute"`
	FileRoot      string   `yaml:"file_root"`
}

// RedisConfig enables the optional event mirror when URL is set.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Timers: TimerConfig{
			MetricsInterval:       Duration(5 * time.Second),
			AgentTickInterval:     Duration(10 * time.Second),
			RecoverySweepInterval: Duration(30 * time.Second),
		},
		Commands: CommandsConfig{
			ExecTimeout:   Duration(30 * time.Second),
			RatePerMinute: 30,
		},
	}
}

// Load reads configuration from an optional YAML file and the environment.
// Missing file path means defaults + environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays AGENTMON_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTMON_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AGENTMON_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AGENTMON_REDIS_CHANNEL"); v != "" {
		cfg.Redis.Channel = v
	}
	if v := os.Getenv("AGENTMON_FILE_ROOT"); v != "" {
		cfg.Commands.FileRoot = v
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Timers.MetricsInterval <= 0 ||
		c.Timers.AgentTickInterval <= 0 ||
		c.Timers.RecoverySweepInterval <= 0 {
		return fmt.Errorf("timer intervals must be positive")
	}
	return nil
}

// =============================================================================
// RUNTIME CONFIG
// =============================================================================

// Runtime is the arbitrary key/value configuration served by GET/PUT
// /config. It is process-local and lost on restart, like the rest of the
// service state.
type Runtime struct {
	mu     sync.Mutex
	values map[string]any
}

// NewRuntime creates an empty runtime config map.
func NewRuntime() *Runtime {
	return &Runtime{values: make(map[string]any)}
}

// Snapshot returns a copy of the current values.
func (r *Runtime) Snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Merge applies a shallow merge: new keys added, existing keys
// overwritten. Returns the resulting snapshot.
func (r *Runtime) Merge(patch map[string]any) map[string]any {
	r.mu.Lock()
	for k, v := range patch {
		r.values[k] = v
	}
	r.mu.Unlock()
	return r.Snapshot()
}
