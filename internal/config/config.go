// Package config provides configuration parsing and validation for the
// SOCKS5 proxy.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete proxy configuration.
type Config struct {
	Logging LoggingConfig   `yaml:"logging"`
	Proxy   ProxyConfig     `yaml:"proxy"`
	Auth    AuthConfig      `yaml:"auth"`
	WS      WebSocketConfig `yaml:"websocket"`
	Admin   AdminConfig     `yaml:"admin"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ProxyConfig defines the SOCKS5 TCP listener and per-phase timeouts.
type ProxyConfig struct {
	// Address to listen on, e.g. "127.0.0.1:1080".
	Address string `yaml:"address"`

	// MaxConnections limits concurrent sessions (0 = unlimited).
	MaxConnections int `yaml:"max_connections"`

	// GreetingTimeout bounds how long the client has to send the greeting.
	GreetingTimeout time.Duration `yaml:"greeting_timeout"`

	// AuthTimeout bounds the auth sub-protocol exchange.
	AuthTimeout time.Duration `yaml:"auth_timeout"`

	// RequestTimeout bounds how long the client has to send the request
	// after authentication completes.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// DialTimeout bounds resolving and dialing the CONNECT target.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// AuthConfig defines SOCKS5 authentication settings.
type AuthConfig struct {
	// Required, when true, disables the No-Auth (0x00) method entirely;
	// only Username/Password sessions are accepted.
	Required bool `yaml:"required"`

	Users []UserConfig `yaml:"users"`
}

// UserConfig defines a single username/password credential.
type UserConfig struct {
	Username string `yaml:"username"`
	// PasswordHash is the bcrypt hash of the password (recommended).
	// Generate one with: socks5d hash-password <password>
	PasswordHash string `yaml:"password_hash,omitempty"`
	// Password is the plaintext password. Deprecated: use PasswordHash.
	Password string `yaml:"password,omitempty"`
}

// WebSocketConfig defines the optional WebSocket-carried SOCKS5 listener.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
	// PlainText allows serving without TLS (e.g. behind a reverse proxy).
	PlainText bool `yaml:"plaintext"`
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`
}

// AdminConfig defines the HTTP endpoint serving /healthz and /metrics.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the configuration's built-in defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Proxy: ProxyConfig{
			Address:         "127.0.0.1:1080",
			MaxConnections:  1000,
			GreetingTimeout: 10 * time.Second,
			AuthTimeout:     30 * time.Second,
			RequestTimeout:  10 * time.Second,
			DialTimeout:     30 * time.Second,
		},
		WS: WebSocketConfig{
			Path: "/socks5",
		},
		Admin: AdminConfig{
			Address: "127.0.0.1:9090",
		},
	}
}

// Load reads and parses configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, applying environment variable
// expansion before unmarshalling and validating the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// Supports ${VAR:-default} for a fallback when VAR is unset.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("logging.level invalid: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("logging.format invalid: %s (must be text or json)", c.Logging.Format))
	}

	if c.Proxy.Address == "" {
		errs = append(errs, "proxy.address is required")
	}
	if c.Proxy.MaxConnections < 0 {
		errs = append(errs, "proxy.max_connections must not be negative")
	}
	for i, d := range []struct {
		name string
		val  time.Duration
	}{
		{"greeting_timeout", c.Proxy.GreetingTimeout},
		{"auth_timeout", c.Proxy.AuthTimeout},
		{"request_timeout", c.Proxy.RequestTimeout},
		{"dial_timeout", c.Proxy.DialTimeout},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Sprintf("proxy.%s must be positive", d.name))
		}
		_ = i
	}

	for i, u := range c.Auth.Users {
		if u.Username == "" {
			errs = append(errs, fmt.Sprintf("auth.users[%d]: username is required", i))
		}
		if u.PasswordHash == "" && u.Password == "" {
			errs = append(errs, fmt.Sprintf("auth.users[%d]: password or password_hash is required", i))
		}
	}
	if c.Auth.Required && len(c.Auth.Users) == 0 {
		errs = append(errs, "auth.required is true but no auth.users are configured")
	}

	if c.WS.Enabled {
		if c.WS.Address == "" {
			errs = append(errs, "websocket.address is required when websocket.enabled")
		}
		if !c.WS.PlainText && (c.WS.CertFile == "" || c.WS.KeyFile == "") {
			errs = append(errs, "websocket requires cert_file and key_file unless plaintext is true")
		}
	}

	if c.Admin.Enabled && c.Admin.Address == "" {
		errs = append(errs, "admin.address is required when admin.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	default:
		return false
	}
}

// Redacted returns a copy of the config with password material cleared,
// suitable for logging.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Auth.Users = make([]UserConfig, len(c.Auth.Users))
	for i, u := range c.Auth.Users {
		u.Password = ""
		if u.PasswordHash != "" {
			u.PasswordHash = "<redacted>"
		}
		cp.Auth.Users[i] = u
	}
	return &cp
}

// String renders the config as YAML with secrets redacted.
func (c *Config) String() string {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return fmt.Sprintf("<config marshal error: %v>", err)
	}
	return string(data)
}
