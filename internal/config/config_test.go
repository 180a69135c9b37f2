package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %s, want info", cfg.Logging.Level)
	}
	if cfg.Proxy.Address != "127.0.0.1:1080" {
		t.Errorf("Proxy.Address = %s, want 127.0.0.1:1080", cfg.Proxy.Address)
	}
	if cfg.Proxy.DialTimeout != 30*time.Second {
		t.Errorf("Proxy.DialTimeout = %v, want 30s", cfg.Proxy.DialTimeout)
	}
	if cfg.Admin.Address != "127.0.0.1:9090" {
		t.Errorf("Admin.Address = %s, want 127.0.0.1:9090", cfg.Admin.Address)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() config should validate, got: %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
logging:
  level: debug
  format: json

proxy:
  address: "0.0.0.0:1080"
  max_connections: 500
  dial_timeout: 15s

auth:
  required: true
  users:
    - username: alice
      password_hash: "$2a$10$abcdefghijklmnopqrstuv"

admin:
  enabled: true
  address: "127.0.0.1:9100"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
	}
	if cfg.Proxy.Address != "0.0.0.0:1080" {
		t.Errorf("Proxy.Address = %s, want 0.0.0.0:1080", cfg.Proxy.Address)
	}
	if cfg.Proxy.MaxConnections != 500 {
		t.Errorf("Proxy.MaxConnections = %d, want 500", cfg.Proxy.MaxConnections)
	}
	if cfg.Proxy.DialTimeout != 15*time.Second {
		t.Errorf("Proxy.DialTimeout = %v, want 15s", cfg.Proxy.DialTimeout)
	}
	if !cfg.Auth.Required {
		t.Error("Auth.Required = false, want true")
	}
	if len(cfg.Auth.Users) != 1 || cfg.Auth.Users[0].Username != "alice" {
		t.Errorf("Auth.Users = %+v, want one user 'alice'", cfg.Auth.Users)
	}
	if !cfg.Admin.Enabled || cfg.Admin.Address != "127.0.0.1:9100" {
		t.Errorf("Admin = %+v, want enabled at 127.0.0.1:9100", cfg.Admin)
	}

	// Proxy timeouts left unset in YAML should retain their defaults.
	if cfg.Proxy.GreetingTimeout != 10*time.Second {
		t.Errorf("Proxy.GreetingTimeout = %v, want default 10s", cfg.Proxy.GreetingTimeout)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("not: valid: yaml: at all: ["))
	if err == nil {
		t.Fatal("Parse() expected error for invalid YAML, got nil")
	}
}

func TestValidate_MissingProxyAddress(t *testing.T) {
	cfg := Default()
	cfg.Proxy.Address = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for empty proxy.address")
	}
	if !strings.Contains(err.Error(), "proxy.address") {
		t.Errorf("error = %v, want mention of proxy.address", err)
	}
}

func TestValidate_RequiredAuthWithoutUsers(t *testing.T) {
	cfg := Default()
	cfg.Auth.Required = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error when auth.required with no users")
	}
}

func TestValidate_UserMissingPassword(t *testing.T) {
	cfg := Default()
	cfg.Auth.Users = []UserConfig{{Username: "bob"}}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for user without password or hash")
	}
}

func TestValidate_WebSocketRequiresTLSUnlessPlaintext(t *testing.T) {
	cfg := Default()
	cfg.WS.Enabled = true
	cfg.WS.Address = "0.0.0.0:8443"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected error for WebSocket without TLS or plaintext")
	}

	cfg.WS.PlainText = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error with plaintext=true: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "verbose"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected error for invalid log level")
	}
}

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("SOCKS5D_TEST_ADDR", "127.0.0.1:2000")
	defer os.Unsetenv("SOCKS5D_TEST_ADDR")

	yamlConfig := `
proxy:
  address: "${SOCKS5D_TEST_ADDR}"
admin:
  address: "${SOCKS5D_MISSING_VAR:-127.0.0.1:9999}"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Proxy.Address != "127.0.0.1:2000" {
		t.Errorf("Proxy.Address = %s, want 127.0.0.1:2000", cfg.Proxy.Address)
	}
	if cfg.Admin.Address != "127.0.0.1:9999" {
		t.Errorf("Admin.Address = %s, want 127.0.0.1:9999 (default fallback)", cfg.Admin.Address)
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Auth.Users = []UserConfig{
		{Username: "alice", Password: "hunter2"},
		{Username: "bob", PasswordHash: "$2a$10$somehash"},
	}

	red := cfg.Redacted()
	if red.Auth.Users[0].Password != "" {
		t.Error("Redacted() should clear plaintext password")
	}
	if red.Auth.Users[1].PasswordHash == "$2a$10$somehash" {
		t.Error("Redacted() should redact password hash")
	}
	// Original must be untouched.
	if cfg.Auth.Users[0].Password != "hunter2" {
		t.Error("Redacted() must not mutate the original config")
	}
}

func TestString_DoesNotLeakPassword(t *testing.T) {
	cfg := Default()
	cfg.Auth.Users = []UserConfig{{Username: "alice", Password: "hunter2"}}

	out := cfg.String()
	if strings.Contains(out, "hunter2") {
		t.Error("String() leaked plaintext password")
	}
}
