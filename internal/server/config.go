// Package server provides configuration helpers that define runtime defaults,
// YAML loading, environment overrides and validation for the relay.
package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for optional configuration fields.
const (
	DefaultMaxPayloadLength = 1024
	DefaultMaxBackpressure  = 1024
	DefaultIdleTimeout      = 32 * time.Second
	DefaultSendBuffer       = 256
	DefaultShutdownGrace    = 10 * time.Second
	DefaultLogLevel         = "info"
)

// Config holds the server configuration settings.
type Config struct {
	Port             int           `yaml:"port"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	MaxPayloadLength int64         `yaml:"max_payload_length"`
	MaxBackpressure  int64         `yaml:"max_backpressure"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	SendBuffer       int           `yaml:"send_buffer"`
	Compression      bool          `yaml:"compression"`
	Relay            bool          `yaml:"relay"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
	LogLevel         string        `yaml:"log_level"`
}

// DefaultConfig returns a Config with every optional field set. Port is left
// zero because it must be supplied.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins:   []string{"*"},
		MaxPayloadLength: DefaultMaxPayloadLength,
		MaxBackpressure:  DefaultMaxBackpressure,
		IdleTimeout:      DefaultIdleTimeout,
		SendBuffer:       DefaultSendBuffer,
		Compression:      true,
		Relay:            true,
		ShutdownGrace:    DefaultShutdownGrace,
		LogLevel:         DefaultLogLevel,
	}
}

// LoadConfig reads a YAML file over the defaults, expanding ${VAR}
// references first.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. PORT must be numeric
// when set; the optional settings fall back to their current value when the
// variable cannot be parsed.
func (c *Config) ApplyEnv() error {
	// Load PORT
	if port := os.Getenv("PORT"); port != "" {
		parsed, err := parsePort(port)
		if err != nil {
			return err
		}
		c.Port = parsed
	}

	// Load ALLOWED_ORIGINS
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = parseOrigins(origins)
	}

	// Load MAX_PAYLOAD_LENGTH
	if maxSize := os.Getenv("MAX_PAYLOAD_LENGTH"); maxSize != "" {
		c.MaxPayloadLength = parseSize(maxSize, c.MaxPayloadLength)
	}

	// Load MAX_BACKPRESSURE
	if maxBackpressure := os.Getenv("MAX_BACKPRESSURE"); maxBackpressure != "" {
		c.MaxBackpressure = parseSize(maxBackpressure, c.MaxBackpressure)
	}

	// Load IDLE_TIMEOUT (seconds)
	if idle := os.Getenv("IDLE_TIMEOUT"); idle != "" {
		c.IdleTimeout = parseSeconds(idle, c.IdleTimeout)
	}

	if compression := os.Getenv("COMPRESSION"); compression != "" {
		c.Compression = parseBool(compression, c.Compression)
	}

	if relay := os.Getenv("RELAY"); relay != "" {
		c.Relay = parseBool(relay, c.Relay)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}

	return nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.Port == 0 {
		return errors.New("port is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxPayloadLength <= 0 {
		return fmt.Errorf("max_payload_length must be positive, got %d", c.MaxPayloadLength)
	}
	if c.MaxBackpressure <= 0 {
		return fmt.Errorf("max_backpressure must be positive, got %d", c.MaxBackpressure)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer must be positive, got %d", c.SendBuffer)
	}
	return nil
}

// Addr is the listen address for Port.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func parsePort(value string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("PORT must be numeric, got %q", value)
	}
	return port, nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseBool(value string, defaultValue bool) bool {
	if parsed, err := strconv.ParseBool(value); err == nil {
		return parsed
	}
	return defaultValue
}
