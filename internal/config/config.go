// Package config loads hostbridge configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the root of a hostbridge YAML file.
type Config struct {
	Session SessionConfig `yaml:"session"`
	Pool    PoolConfig    `yaml:"pool"`
	Logging LoggingConfig `yaml:"logging"`
	HTTP    HTTPConfig    `yaml:"http"`
	GRPC    GRPCConfig    `yaml:"grpc"`
	OTel    OTelConfig    `yaml:"otel"`
}

// SessionConfig controls the embedded runtime.
type SessionConfig struct {
	// Preludes are script files evaluated, in order, when the session opens.
	Preludes []string `yaml:"preludes"`
	// Init is inline source evaluated after the preludes.
	Init string `yaml:"init"`
	// Globals are defined on the global object before any script runs.
	Globals map[string]any `yaml:"globals"`
	// MaxCallStackSize bounds runtime recursion. 0 keeps the runtime default.
	MaxCallStackSize int `yaml:"max_call_stack_size"`
}

// PoolConfig controls the execution channel.
type PoolConfig struct {
	LockOSThread bool `yaml:"lock_os_thread"`
	// TaskTTL is how long a submitted task stays in the work table after it
	// finishes. 0 keeps tasks until they are released explicitly.
	TaskTTL time.Duration `yaml:"task_ttl"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	// Encoding is "json" or "console".
	Encoding string `yaml:"encoding"`
}

// HTTPConfig controls the HTTP front end. An empty Addr disables it.
type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	Timeout      time.Duration `yaml:"timeout"`
	Pretty       bool          `yaml:"pretty"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

// GRPCConfig controls the gRPC front end. An empty Addr disables it.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// OTelConfig controls tracing. An empty Endpoint disables it.
type OTelConfig struct {
	Endpoint string `yaml:"endpoint"`
	Service  string `yaml:"service"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Pool:    PoolConfig{LockOSThread: true, TaskTTL: 10 * time.Minute},
		Logging: LoggingConfig{Level: "info", Encoding: "console"},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			Timeout:      10 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		OTel: OTelConfig{Service: "hostbridge"},
	}
}

// Load reads and validates the YAML file at path on top of Default().
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default(). Unknown keys are rejected.
func Parse(b []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Encoding {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.encoding: must be json or console, got %q", c.Logging.Encoding))
	}
	if c.HTTP.Timeout < 0 {
		errs = append(errs, errors.New("http.timeout: must not be negative"))
	}
	if c.HTTP.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("http.max_body_bytes: must not be negative"))
	}
	if c.Pool.TaskTTL < 0 {
		errs = append(errs, errors.New("pool.task_ttl: must not be negative"))
	}
	if c.Session.MaxCallStackSize < 0 {
		errs = append(errs, errors.New("session.max_call_stack_size: must not be negative"))
	}
	return errors.Join(errs...)
}
