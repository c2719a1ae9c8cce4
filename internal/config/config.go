// Package config holds the broker's configuration surface. Flags set
// the common knobs; a YAML file covers the rest.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the broker server.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
	DBPath    string `yaml:"db_path"`    // SQLite database path (":memory:" for testing)

	// AllowAnonymous disables bearer auth, for local development only.
	AllowAnonymous bool `yaml:"allow_anonymous"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Redis     RedisConfig     `yaml:"redis"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
}

// SchedulerConfig tunes the scheduling loop.
type SchedulerConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
}

// RedisConfig configures the optional status mirror.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ArtifactsConfig configures presigned S3 artifact URLs. An empty
// bucket disables the feature.
type ArtifactsConfig struct {
	Bucket string `yaml:"bucket"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		Scheduler: SchedulerConfig{
			TickInterval:     2 * time.Second,
			HeartbeatTimeout: 90 * time.Second,
			AckTimeout:       30 * time.Second,
			MaxAttempts:      3,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
	}
}

// LoadFile overlays a YAML file onto the receiver. Fields absent from
// the file keep their current values.
func (c *ServerConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *ServerConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if c.Scheduler.HeartbeatTimeout <= 0 {
		return fmt.Errorf("scheduler.heartbeat_timeout must be positive")
	}
	if c.Scheduler.AckTimeout <= 0 {
		return fmt.Errorf("scheduler.ack_timeout must be positive")
	}
	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.max_attempts must be at least 1")
	}
	return nil
}
