package config

import (
	"time"

	"github.com/vietddude/gatekeeper/internal/breaker"
	"github.com/vietddude/gatekeeper/internal/degrade"
	"github.com/vietddude/gatekeeper/internal/gateway"
	"github.com/vietddude/gatekeeper/internal/health"
	redisclient "github.com/vietddude/gatekeeper/internal/infra/redis"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig     `yaml:"server"`
	Gateway     gateway.Config   `yaml:"gateway"`
	Auth        AuthConfig       `yaml:"auth"`
	Connection  ConnectionConfig `yaml:"connection"`
	Health      health.Config    `yaml:"health"`
	Breaker     breaker.Config   `yaml:"breaker"`
	Degradation degrade.Config   `yaml:"degradation"`
	Redis       RedisConfig      `yaml:"redis"`
	Logging     LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// AuthConfig holds the gateway credential.
type AuthConfig struct {
	Token     string `yaml:"token"`
	SessionID string `yaml:"session_id"`
}

// ConnectionConfig holds orchestrator reconnection behavior.
type ConnectionConfig struct {
	AutoReconnect     bool          `yaml:"auto_reconnect"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
}

// RedisConfig holds the optional event journal settings.
type RedisConfig struct {
	Enabled            bool `yaml:"enabled"`
	redisclient.Config `yaml:",inline"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}
