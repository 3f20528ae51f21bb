package config

import (
	"os"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "config_*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	if _, err := tmpFile.Write([]byte(content)); err != nil {
		t.Fatalf("Failed to write to temp file: %v", err)
	}
	tmpFile.Close()
	return tmpFile.Name()
}

func TestLoad_EnvSubstitution(t *testing.T) {
	os.Setenv("TEST_GATEWAY_TOKEN", "secret-token")
	defer os.Unsetenv("TEST_GATEWAY_TOKEN")

	path := writeConfig(t, `
gateway:
  url: wss://gateway.example.com/ws
auth:
  token: ${TEST_GATEWAY_TOKEN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Auth.Token != "secret-token" {
		t.Errorf("Expected token secret-token, got %s", cfg.Auth.Token)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
gateway:
  url: wss://gateway.example.com/ws
auth:
  token: abc
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Connection.ReconnectDelay != time.Second {
		t.Errorf("Expected default reconnect delay 1s, got %s", cfg.Connection.ReconnectDelay)
	}
	if cfg.Connection.MaxReconnectDelay != time.Minute {
		t.Errorf("Expected default max reconnect delay 1m, got %s", cfg.Connection.MaxReconnectDelay)
	}
}

func TestLoad_RequiredFields(t *testing.T) {
	if _, err := Load(writeConfig(t, "auth:\n  token: abc\n")); err == nil {
		t.Error("Expected error for missing gateway.url")
	}
	if _, err := Load(writeConfig(t, "gateway:\n  url: wss://x\n")); err == nil {
		t.Error("Expected error for missing auth.token")
	}
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
gateway:
  url: wss://gateway.example.com/ws
  handshake_timeout: 5s
auth:
  token: abc
connection:
  auto_reconnect: true
  reconnect_delay: 2s
  max_reconnect_delay: 30s
breaker:
  failure_threshold: 3
  cooldown_period: 10s
degradation:
  levels:
    - level: 1
      consecutive_errors: 3
      actions: [reduce_probe_rate]
redis:
  enabled: true
  url: redis://localhost:6379/0
  max_events: 500
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Connection.AutoReconnect {
		t.Error("Expected auto_reconnect enabled")
	}
	if cfg.Gateway.HandshakeTimeout != 5*time.Second {
		t.Errorf("Expected handshake timeout 5s, got %s", cfg.Gateway.HandshakeTimeout)
	}
	if cfg.Connection.ReconnectDelay != 2*time.Second {
		t.Errorf("Expected reconnect delay 2s, got %s", cfg.Connection.ReconnectDelay)
	}
	if cfg.Connection.MaxReconnectDelay != 30*time.Second {
		t.Errorf("Expected max reconnect delay 30s, got %s", cfg.Connection.MaxReconnectDelay)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("Expected failure threshold 3, got %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.CooldownPeriod != 10*time.Second {
		t.Errorf("Expected cooldown period 10s, got %s", cfg.Breaker.CooldownPeriod)
	}
	if len(cfg.Degradation.Levels) != 1 || cfg.Degradation.Levels[0].Actions[0] != "reduce_probe_rate" {
		t.Errorf("Unexpected degradation levels: %+v", cfg.Degradation.Levels)
	}
	if !cfg.Redis.Enabled || cfg.Redis.MaxEvents != 500 {
		t.Errorf("Unexpected redis config: %+v", cfg.Redis)
	}
}
