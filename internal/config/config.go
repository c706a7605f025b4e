// Package config loads server settings from the environment and an optional
// YAML file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	apperrors "github.com/p-blackswan/circuit-idle/internal/errors"
)

// Duration is a time.Duration that also accepts a bare integer as a number
// of milliseconds, the unit used by MaxIdleTimeAllowed-style settings.
type Duration time.Duration

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	parsed, err := parseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.Decode(node.Value)
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: expected milliseconds or a Go duration", value)
	}
	return d, nil
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`

	// Circuit socket
	CircuitPath           string        `envconfig:"CIRCUIT_PATH" default:"/ws/circuit"`
	CircuitAllowedOrigins string        `envconfig:"CIRCUIT_ALLOWED_ORIGINS"` // Comma-separated; empty allows any origin
	BridgeInvokeTimeout   time.Duration `envconfig:"BRIDGE_INVOKE_TIMEOUT" default:"10s"`
	CircuitSoftLimit      int           `envconfig:"CIRCUIT_SOFT_LIMIT" default:"0"` // Readiness degrades above this; 0 disables

	// Idle detection. Integers are milliseconds.
	IdleCircuitTimeout       Duration `envconfig:"IDLE_CIRCUIT_TIMEOUT" default:"5m"`
	MaxIdleTimeAllowed       Duration `envconfig:"MAX_IDLE_TIME_ALLOWED" default:"900000"`
	MaxIdleAlertResponseTime Duration `envconfig:"MAX_IDLE_ALERT_RESPONSE_TIME" default:"60000"`

	// Optional YAML overlay for the idle settings
	ConfigFile string `envconfig:"CONFIG_FILE"`

	// Management API
	MgmtListenAddr  string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode    string `envconfig:"MGMT_AUTH_MODE" default:"api-key"` // "api-key", "jwt", "none"
	MgmtAPIKey      string `envconfig:"MGMT_API_KEY"`
	MgmtJWTSecret   string `envconfig:"MGMT_JWT_SECRET"`
	MgmtCORSOrigins string `envconfig:"MGMT_CORS_ORIGINS"`
	MgmtRateLimit   int    `envconfig:"MGMT_RATE_LIMIT" default:"600"` // Requests per minute per IP; 0 disables
}

// FileConfig is the optional YAML overlay loaded from CONFIG_FILE.
type FileConfig struct {
	Idle IdleSection `yaml:"idle"`
}

// IdleSection overrides idle settings when present.
type IdleSection struct {
	CircuitTimeout           *Duration `yaml:"circuit_timeout"`
	MaxIdleTimeAllowed       *Duration `yaml:"max_idle_time_allowed"`
	MaxIdleAlertResponseTime *Duration `yaml:"max_idle_alert_response_time"`
}

// AllowedOriginList returns the parsed list of allowed circuit origins.
// Returns nil if not configured.
func (c *Config) AllowedOriginList() []string {
	if c.CircuitAllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CircuitAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, o := range parts {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// ClientIdle builds the client inactivity settings.
func (c *Config) ClientIdle() (IdleTimeoutConfig, error) {
	return NewIdleTimeoutConfig(c.MaxIdleTimeAllowed.Std(), c.MaxIdleAlertResponseTime.Std())
}

// Load reads configuration from environment variables, then applies
// CONFIG_FILE if set.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		if prefix == "" {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if cfg.ConfigFile != "" {
		fc, err := LoadFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg.apply(fc)
	}
	return &cfg, nil
}

// LoadFile parses the YAML overlay at path.
func LoadFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	fc, err := LoadFileBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return fc, nil
}

// LoadFileBytes parses a YAML overlay from raw bytes. ${VAR} and $VAR
// references are expanded from the environment before parsing.
func LoadFileBytes(data []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

func (c *Config) apply(fc *FileConfig) {
	if v := fc.Idle.CircuitTimeout; v != nil {
		c.IdleCircuitTimeout = *v
	}
	if v := fc.Idle.MaxIdleTimeAllowed; v != nil {
		c.MaxIdleTimeAllowed = *v
	}
	if v := fc.Idle.MaxIdleAlertResponseTime; v != nil {
		c.MaxIdleAlertResponseTime = *v
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}

// IdleTimeoutConfig is the immutable pair of client inactivity settings.
type IdleTimeoutConfig struct {
	idleTimeout          time.Duration
	alertResponseTimeout time.Duration
}

// NewIdleTimeoutConfig validates and builds an IdleTimeoutConfig. Both
// timeouts must be positive; a missing value decodes to zero and is rejected.
func NewIdleTimeoutConfig(idleTimeout, alertResponseTimeout time.Duration) (IdleTimeoutConfig, error) {
	if idleTimeout <= 0 {
		return IdleTimeoutConfig{}, apperrors.Invalidf("idle timeout must be positive, got %s", idleTimeout)
	}
	if alertResponseTimeout <= 0 {
		return IdleTimeoutConfig{}, apperrors.Invalidf("alert response timeout must be positive, got %s", alertResponseTimeout)
	}
	return IdleTimeoutConfig{idleTimeout: idleTimeout, alertResponseTimeout: alertResponseTimeout}, nil
}

// IdleTimeout is the silence that triggers an inactivity notification.
func (c IdleTimeoutConfig) IdleTimeout() time.Duration { return c.idleTimeout }

// AlertResponseTimeout bounds the UI response after an alert. It is not
// enforced by the idle timer.
func (c IdleTimeoutConfig) AlertResponseTimeout() time.Duration { return c.alertResponseTimeout }
