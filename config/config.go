// ABOUTME: Configuration loading and parsing for the accounting relay agent.
// ABOUTME: YAML with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridwork/acctrelay/agent"
	"github.com/gridwork/acctrelay/queue"
)

// Config is the agent's on-disk configuration surface.
type Config struct {
	Endpoint EndpointConfig `yaml:"endpoint"`
	Queue    QueueConfig    `yaml:"queue"`
	Delivery DeliveryConfig `yaml:"delivery"`
	State    StateConfig    `yaml:"state"`
	Journal  JournalConfig  `yaml:"journal"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// EndpointConfig names the remote accounting endpoint.
type EndpointConfig struct {
	Addr string `yaml:"addr"`
}

// QueueConfig bounds the pending-message queue.
type QueueConfig struct {
	// MaxDepth defaults from estimated job/node scale when zero.
	MaxDepth int `yaml:"max_depth"`
	// OverloadPolicy is "discard" (default) or "exit".
	OverloadPolicy string `yaml:"overload_policy"`
	// HighWaterFraction of MaxDepth at which an operator warning fires.
	HighWaterFraction float64 `yaml:"high_water_fraction"`
}

// DeliveryConfig holds delivery-loop timing and batching knobs.
type DeliveryConfig struct {
	ReconnectCooldown time.Duration `yaml:"-"`
	MessageTimeout    time.Duration `yaml:"-"`
	IdleInterval      time.Duration `yaml:"-"`

	BatchMaxMessages int `yaml:"batch_max_messages"`
	BatchMaxBytes    int `yaml:"batch_max_bytes"`

	// Raw string values for YAML unmarshaling
	ReconnectCooldownRaw string `yaml:"reconnect_cooldown"`
	MessageTimeoutRaw    string `yaml:"message_timeout"`
	IdleIntervalRaw      string `yaml:"idle_interval"`
}

// StateConfig locates the crash-safe queue state file.
type StateConfig struct {
	File string `yaml:"file"`
}

// JournalConfig locates the optional sqlite delivery journal.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. If the environment variable is not set, it
// is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure
// encountered.
func (c *Config) Validate() error {
	if c.Endpoint.Addr == "" {
		return fmt.Errorf("endpoint.addr is required")
	}
	if _, err := queue.ParsePolicy(c.Queue.OverloadPolicy); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if c.Queue.MaxDepth < 0 {
		return fmt.Errorf("queue.max_depth must not be negative")
	}
	if f := c.Queue.HighWaterFraction; f < 0 || f > 1 {
		return fmt.Errorf("queue.high_water_fraction must be within [0, 1]")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Delivery.ReconnectCooldownRaw != "" {
		cfg.Delivery.ReconnectCooldown, err = time.ParseDuration(cfg.Delivery.ReconnectCooldownRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_cooldown %q: %w", cfg.Delivery.ReconnectCooldownRaw, err)
		}
	}

	if cfg.Delivery.MessageTimeoutRaw != "" {
		cfg.Delivery.MessageTimeout, err = time.ParseDuration(cfg.Delivery.MessageTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing message_timeout %q: %w", cfg.Delivery.MessageTimeoutRaw, err)
		}
	}

	if cfg.Delivery.IdleIntervalRaw != "" {
		cfg.Delivery.IdleInterval, err = time.ParseDuration(cfg.Delivery.IdleIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_interval %q: %w", cfg.Delivery.IdleIntervalRaw, err)
		}
	}

	return nil
}

// AgentConfig converts the file surface into the agent's runtime
// configuration. Zero values fall through to the agent's own defaults.
func (c *Config) AgentConfig() agent.Config {
	policy, _ := queue.ParsePolicy(c.Queue.OverloadPolicy)
	highWater := 0
	if c.Queue.HighWaterFraction > 0 {
		highWater = int(float64(c.Queue.MaxDepth) * c.Queue.HighWaterFraction)
	}
	return agent.Config{
		MaxQueueDepth:     c.Queue.MaxDepth,
		Policy:            policy,
		HighWater:         highWater,
		ReconnectCooldown: c.Delivery.ReconnectCooldown,
		BatchMaxMessages:  c.Delivery.BatchMaxMessages,
		BatchMaxBytes:     c.Delivery.BatchMaxBytes,
		StateFile:         c.State.File,
		IdleInterval:      c.Delivery.IdleInterval,
	}
}

// MessageTimeout returns the per-exchange IO timeout for the transport,
// defaulting to 10s.
func (c *Config) MessageTimeout() time.Duration {
	if c.Delivery.MessageTimeout > 0 {
		return c.Delivery.MessageTimeout
	}
	return 10 * time.Second
}

// NewLogger builds a slog.Logger per the logging configuration. Format
// "json" selects the JSON handler; anything else gets text. Unknown levels
// fall back to info.
func (l LoggingConfig) NewLogger() *slog.Logger {
	var level slog.Level
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
