// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Manager   ManagerConfig   `yaml:"manager"`
	Pump      PumpConfig      `yaml:"pump"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Stream    StreamConfig    `yaml:"stream"`
	Signals   SignalsConfig   `yaml:"signals"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Orders    OrdersConfig    `yaml:"orders"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// ManagerConfig contains the broker manager connection settings
type ManagerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Login    int64  `yaml:"login"`
	Password Secret `yaml:"password"`
	MockMode bool   `yaml:"mock_mode"`
}

// PumpConfig contains pumping adapter settings
type PumpConfig struct {
	HandoffCapacity int `yaml:"handoff_capacity"`
	StartupWindow   int `yaml:"startup_window"` // seconds
	PingInterval    int `yaml:"ping_interval"`  // seconds, broker liveness pings
}

// DispatchConfig contains event dispatcher settings
type DispatchConfig struct {
	SubscriberMailbox        int `yaml:"subscriber_mailbox"`
	TradeCacheSize           int `yaml:"trade_cache_size"`
	MaxQuoteUpdatesPerSecond int `yaml:"max_quote_updates_per_second"`
}

// StreamConfig contains streaming gateway settings
type StreamConfig struct {
	BindAddress    string   `yaml:"bind_address"`
	ClientMailbox  int      `yaml:"client_mailbox"`
	PingInterval   int      `yaml:"ping_interval"` // seconds
	PongDeadline   int      `yaml:"pong_deadline"` // seconds
	BearerSecret   Secret   `yaml:"bearer_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
	ConnRatePerIP  int      `yaml:"conn_rate_per_ip"` // connections per second per IP
}

// SignalsConfig contains signal ingestion settings
type SignalsConfig struct {
	JournalPath         string `yaml:"journal_path"`
	SignalDebounce      int    `yaml:"signal_debounce"`       // seconds
	SignalCheckInterval int    `yaml:"signal_check_interval"` // seconds, polling backup
	AutoExecute         bool   `yaml:"auto_execute"`
}

// ApprovalConfig contains approval state machine settings
type ApprovalConfig struct {
	RetentionWindow int `yaml:"retention_window"` // seconds
	ExecutorWorkers int `yaml:"executor_workers"`
}

// OrdersConfig contains order client retry policy
type OrdersConfig struct {
	RetryMax   int `yaml:"retry_max"`
	RetryDelay int `yaml:"retry_delay"` // seconds
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertsConfig contains notification fan-out settings
type AlertsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion, fills unset knobs with their defaults, and validates.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills zero-valued optional knobs with their documented
// defaults.
func (c *Config) applyDefaults() {
	if c.Pump.HandoffCapacity == 0 {
		c.Pump.HandoffCapacity = 4096
	}
	if c.Pump.StartupWindow == 0 {
		c.Pump.StartupWindow = 10
	}
	if c.Pump.PingInterval == 0 {
		c.Pump.PingInterval = 5
	}
	if c.Dispatch.SubscriberMailbox == 0 {
		c.Dispatch.SubscriberMailbox = 256
	}
	if c.Dispatch.TradeCacheSize == 0 {
		c.Dispatch.TradeCacheSize = 10000
	}
	if c.Dispatch.MaxQuoteUpdatesPerSecond == 0 {
		c.Dispatch.MaxQuoteUpdatesPerSecond = 10
	}
	if c.Stream.BindAddress == "" {
		c.Stream.BindAddress = "localhost:8765"
	}
	if c.Stream.ClientMailbox == 0 {
		c.Stream.ClientMailbox = 256
	}
	if c.Stream.PingInterval == 0 {
		c.Stream.PingInterval = 20
	}
	if c.Stream.PongDeadline == 0 {
		c.Stream.PongDeadline = 10
	}
	if c.Stream.MaxConnections == 0 {
		c.Stream.MaxConnections = 1000
	}
	if c.Stream.ConnRatePerIP == 0 {
		c.Stream.ConnRatePerIP = 10
	}
	if c.Signals.SignalDebounce == 0 {
		c.Signals.SignalDebounce = 1
	}
	if c.Signals.SignalCheckInterval == 0 {
		c.Signals.SignalCheckInterval = 30
	}
	if c.Approval.RetentionWindow == 0 {
		c.Approval.RetentionWindow = 3600
	}
	if c.Approval.ExecutorWorkers == 0 {
		c.Approval.ExecutorWorkers = 4
	}
	if c.Orders.RetryMax == 0 {
		c.Orders.RetryMax = 3
	}
	if c.Orders.RetryDelay == 0 {
		c.Orders.RetryDelay = 2
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateManagerConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validatePumpConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateStreamConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSignalsConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateManagerConfig() error {
	if c.Manager.MockMode {
		return nil
	}
	if c.Manager.Host == "" {
		return ValidationError{
			Field:   "manager.host",
			Message: "manager host is required unless mock_mode is enabled",
		}
	}
	if c.Manager.Port <= 0 || c.Manager.Port > 65535 {
		return ValidationError{
			Field:   "manager.port",
			Value:   c.Manager.Port,
			Message: "must be a valid TCP port",
		}
	}
	if c.Manager.Login <= 0 {
		return ValidationError{
			Field:   "manager.login",
			Value:   c.Manager.Login,
			Message: "manager login is required unless mock_mode is enabled",
		}
	}
	return nil
}

func (c *Config) validatePumpConfig() error {
	if c.Pump.HandoffCapacity < 16 {
		return ValidationError{
			Field:   "pump.handoff_capacity",
			Value:   c.Pump.HandoffCapacity,
			Message: "must be at least 16",
		}
	}
	return nil
}

func (c *Config) validateStreamConfig() error {
	if c.Stream.BearerSecret == "" {
		return ValidationError{
			Field:   "stream.bearer_secret",
			Message: "bearer secret is required",
		}
	}
	if c.Stream.PongDeadline >= c.Stream.PingInterval {
		return ValidationError{
			Field:   "stream.pong_deadline",
			Value:   c.Stream.PongDeadline,
			Message: "must be shorter than ping_interval",
		}
	}
	if c.Stream.ClientMailbox < 1 {
		return ValidationError{
			Field:   "stream.client_mailbox",
			Value:   c.Stream.ClientMailbox,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateSignalsConfig() error {
	if c.Signals.JournalPath == "" {
		return ValidationError{
			Field:   "signals.journal_path",
			Message: "journal path is required",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// Duration accessors: the YAML carries plain seconds.

func (c *PumpConfig) StartupWindowDuration() time.Duration {
	return time.Duration(c.StartupWindow) * time.Second
}

func (c *PumpConfig) PingIntervalDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

func (c *StreamConfig) PingIntervalDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

func (c *StreamConfig) PongDeadlineDuration() time.Duration {
	return time.Duration(c.PongDeadline) * time.Second
}

func (c *SignalsConfig) DebounceDuration() time.Duration {
	return time.Duration(c.SignalDebounce) * time.Second
}

func (c *SignalsConfig) CheckIntervalDuration() time.Duration {
	return time.Duration(c.SignalCheckInterval) * time.Second
}

func (c *ApprovalConfig) RetentionDuration() time.Duration {
	return time.Duration(c.RetentionWindow) * time.Second
}

func (c *OrdersConfig) RetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay) * time.Second
}

// String returns a string representation of the configuration with
// sensitive data masked by the Secret type.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		Manager: ManagerConfig{
			Host:     "localhost",
			Port:     443,
			Login:    1,
			Password: Secret("test_password"),
			MockMode: true,
		},
		Stream: StreamConfig{
			BearerSecret: Secret("test_bearer_secret"),
		},
		Signals: SignalsConfig{
			JournalPath: "signals.json",
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: false,
		},
	}
	cfg.applyDefaults()
	return cfg
}
