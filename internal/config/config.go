package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Courier  CourierConfig  `json:"courier"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// CourierConfig tunes the messaging and orchestration runtime.
type CourierConfig struct {
	// EngineAgentName is the orchestrator agent the engine registers
	// itself as on startup.
	EngineAgentName string `json:"engine_agent_name"`
	// HeartbeatTimeoutSeconds is how long an agent may stay silent
	// before the monitor marks it offline. Zero disables the monitor.
	HeartbeatTimeoutSeconds int `json:"heartbeat_timeout_seconds"`
	// MessageTTLHours overrides the default 24h message lifetime.
	MessageTTLHours int `json:"message_ttl_hours"`
}

// HeartbeatTimeout returns the configured timeout as a duration.
func (c CourierConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

// MessageTTL returns the configured message lifetime, zero when unset.
func (c CourierConfig) MessageTTL() time.Duration {
	return time.Duration(c.MessageTTLHours) * time.Hour
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Courier.EngineAgentName == "" {
		cfg.Courier.EngineAgentName = "courier-engine"
	}
	return &cfg, nil
}
