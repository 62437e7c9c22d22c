// Package config provides configuration structures and loading logic for polis-flow.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-flow/pkg/domain"
)

// Write modes supported by the group writers.
const (
	WriteModeOverwrite = "overwrite"
	WriteModeAppend    = "append"
)

// DefaultConnectionID names the connection used by the gate and the extractor.
const DefaultConnectionID = "user_api"

// Config holds the global configuration for polis-flow.
type Config struct {
	Server      ServerConfig                `yaml:"server"`
	Telemetry   TelemetryConfig             `yaml:"telemetry"`
	Logging     LoggingConfig               `yaml:"logging"`
	Defaults    DefaultsConfig              `yaml:"defaults"`
	Connections map[string]ConnectionConfig `yaml:"connections"`
	Gate        GateConfig                  `yaml:"gate"`
	Extract     ExtractConfig               `yaml:"extract"`
	Outputs     OutputsConfig               `yaml:"outputs"`
	Alerting    AlertingConfig              `yaml:"alerting"`
	History     HistoryConfig               `yaml:"history"`
}

// ServerConfig holds configuration for the HTTP run API.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// DefaultsConfig is the governance applied uniformly to every step.
type DefaultsConfig struct {
	Retries       int           `yaml:"retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	Backoff       string        `yaml:"backoff"` // fixed or exponential
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	StepTimeout   time.Duration `yaml:"step_timeout"`
	RunTimeout    time.Duration `yaml:"run_timeout"`
}

// ConnectionConfig describes an HTTP endpoint the pipeline talks to.
type ConnectionConfig struct {
	BaseURL string            `yaml:"base_url"`
	Headers map[string]string `yaml:"headers"`
}

// GateConfig configures the availability sensor.
type GateConfig struct {
	Connection   string        `yaml:"connection"`
	Path         string        `yaml:"path"`
	PokeInterval time.Duration `yaml:"poke_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ExtractConfig configures the user fetch.
type ExtractConfig struct {
	Connection   string `yaml:"connection"`
	Path         string `yaml:"path"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// OutputsConfig holds the destinations of the two group writers.
type OutputsConfig struct {
	GroupA    string `yaml:"group_a"`
	GroupB    string `yaml:"group_b"`
	WriteMode string `yaml:"write_mode"`
}

// AlertingConfig selects who is notified about failed and retried steps.
type AlertingConfig struct {
	Email          []string   `yaml:"email"`
	EmailOnFailure bool       `yaml:"email_on_failure"`
	EmailOnRetry   bool       `yaml:"email_on_retry"`
	SMTP           SMTPConfig `yaml:"smtp"`
}

// SMTPConfig holds the mail relay used for alert e-mails.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// HistoryConfig selects the run history store.
type HistoryConfig struct {
	Driver string `yaml:"driver"` // memory or sqlite
	DSN    string `yaml:"dsn"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Defaults: DefaultsConfig{
			Retries:    3,
			RetryDelay: 5 * time.Minute,
			Backoff:    "fixed",
		},
		Connections: map[string]ConnectionConfig{},
		Gate: GateConfig{
			Connection:   DefaultConnectionID,
			Path:         "api/",
			PokeInterval: 60 * time.Second,
			Timeout:      7 * 24 * time.Hour,
		},
		Extract: ExtractConfig{
			Connection:   DefaultConnectionID,
			Path:         "api/",
			MaxBodyBytes: 1 << 20,
		},
		Outputs: OutputsConfig{
			GroupA:    "data/group_a.csv",
			GroupB:    "data/group_b.csv",
			WriteMode: WriteModeOverwrite,
		},
		Alerting: AlertingConfig{
			SMTP: SMTPConfig{Port: 25},
		},
		History: HistoryConfig{
			Driver: "memory",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

//nolint:gocyclo // one branch per supported variable
func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("POLIS_FLOW_ADDR"); val != "" {
		cfg.Server.Address = val
	}

	if val := os.Getenv("POLIS_FLOW_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("POLIS_FLOW_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("POLIS_FLOW_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("POLIS_FLOW_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	if val := os.Getenv("POLIS_FLOW_RETRIES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: POLIS_FLOW_RETRIES: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Defaults.Retries = n
	}
	if val := os.Getenv("POLIS_FLOW_RETRY_DELAY"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%w: POLIS_FLOW_RETRY_DELAY: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Defaults.RetryDelay = d
	}

	if val := os.Getenv("POLIS_FLOW_OUTPUT_GROUP_A"); val != "" {
		cfg.Outputs.GroupA = val
	}
	if val := os.Getenv("POLIS_FLOW_OUTPUT_GROUP_B"); val != "" {
		cfg.Outputs.GroupB = val
	}
	if val := os.Getenv("POLIS_FLOW_WRITE_MODE"); val != "" {
		cfg.Outputs.WriteMode = val
	}

	if val := os.Getenv("POLIS_FLOW_HISTORY_DRIVER"); val != "" {
		cfg.History.Driver = val
	}
	if val := os.Getenv("POLIS_FLOW_HISTORY_DSN"); val != "" {
		cfg.History.DSN = val
	}

	if val := os.Getenv("POLIS_FLOW_ALERT_EMAIL"); val != "" {
		cfg.Alerting.Email = splitList(val)
	}
	if val := os.Getenv("POLIS_FLOW_SMTP_HOST"); val != "" {
		cfg.Alerting.SMTP.Host = val
	}
	if val := os.Getenv("POLIS_FLOW_SMTP_PASSWORD"); val != "" {
		cfg.Alerting.SMTP.Password = val
	}

	return nil
}

// Validate performs comprehensive validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("defaults configuration: %w", err)
	}
	if err := c.Gate.Validate(); err != nil {
		return fmt.Errorf("gate configuration: %w", err)
	}
	if err := c.Extract.Validate(); err != nil {
		return fmt.Errorf("extract configuration: %w", err)
	}
	if err := c.Outputs.Validate(); err != nil {
		return fmt.Errorf("outputs configuration: %w", err)
	}
	if err := c.Alerting.Validate(); err != nil {
		return fmt.Errorf("alerting configuration: %w", err)
	}
	if strings.TrimSpace(c.Server.Address) == "" {
		c.Server.Address = ":8080"
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("%w: invalid log level %q, supported levels: debug, info, warn, error", domain.ErrConfigInvalid, c.Level)
	}

	switch strings.ToLower(c.Format) {
	case "", "json":
		c.Format = "json"
	case "text":
		c.Format = "text"
	default:
		return fmt.Errorf("%w: invalid log format %q", domain.ErrConfigInvalid, c.Format)
	}
	return nil
}

// Validate performs validation of the retry and timeout defaults.
func (c *DefaultsConfig) Validate() error {
	if c.Retries < 0 {
		return fmt.Errorf("%w: retries must not be negative", domain.ErrConfigInvalid)
	}
	if c.RetryDelay < 0 || c.MaxRetryDelay < 0 || c.StepTimeout < 0 || c.RunTimeout < 0 {
		return fmt.Errorf("%w: durations must not be negative", domain.ErrConfigInvalid)
	}
	switch strings.ToLower(c.Backoff) {
	case "":
		c.Backoff = "fixed"
	case "fixed", "exponential":
		c.Backoff = strings.ToLower(c.Backoff)
	default:
		return fmt.Errorf("%w: unknown backoff %q", domain.ErrConfigInvalid, c.Backoff)
	}
	return nil
}

// Validate performs validation of the gate configuration.
func (c *GateConfig) Validate() error {
	if c.Connection == "" {
		c.Connection = DefaultConnectionID
	}
	if c.PokeInterval <= 0 {
		return fmt.Errorf("%w: poke_interval must be positive", domain.ErrConfigInvalid)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", domain.ErrConfigInvalid)
	}
	return nil
}

// Validate performs validation of the extract configuration.
func (c *ExtractConfig) Validate() error {
	if c.Connection == "" {
		c.Connection = DefaultConnectionID
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	return nil
}

// Validate performs validation of the writer destinations.
func (c *OutputsConfig) Validate() error {
	if strings.TrimSpace(c.GroupA) == "" || strings.TrimSpace(c.GroupB) == "" {
		return fmt.Errorf("%w: both group_a and group_b outputs are required", domain.ErrConfigInvalid)
	}
	switch strings.ToLower(c.WriteMode) {
	case "":
		c.WriteMode = WriteModeOverwrite
	case WriteModeOverwrite, WriteModeAppend:
		c.WriteMode = strings.ToLower(c.WriteMode)
	default:
		return fmt.Errorf("%w: unknown write_mode %q", domain.ErrConfigInvalid, c.WriteMode)
	}
	return nil
}

// Validate performs validation of the alerting configuration.
func (c *AlertingConfig) Validate() error {
	if (c.EmailOnFailure || c.EmailOnRetry) && len(c.Email) > 0 && c.SMTP.Host == "" {
		return fmt.Errorf("%w: e-mail alerts require smtp.host", domain.ErrConfigInvalid)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
