package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main roomsync configuration
type Config struct {
	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Database
	Database DatabaseConfig `json:"database" mapstructure:"database"`

	// Rocket.Chat connection, authenticated as the technical user
	RocketChat RocketChatConfig `json:"rocketchat" mapstructure:"rocketchat"`

	// Service accounts kept in every room
	Accounts AccountsConfig `json:"accounts" mapstructure:"accounts"`

	// Assignment behaviour
	Assignment AssignmentConfig `json:"assignment" mapstructure:"assignment"`

	// Settings cache
	Cache CacheConfig `json:"cache" mapstructure:"cache"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DatabaseConfig holds the sqlite location
type DatabaseConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// RocketChatConfig holds Rocket.Chat REST settings
type RocketChatConfig struct {
	URL       string `json:"url" mapstructure:"url"`
	UserID    string `json:"user_id" mapstructure:"user_id"`
	AuthToken string `json:"auth_token" mapstructure:"auth_token"`
	Username  string `json:"username" mapstructure:"username"`
	Timeout   int    `json:"timeout" mapstructure:"timeout"` // seconds
}

// AccountsConfig holds the principal ids of the service accounts
type AccountsConfig struct {
	TechnicalPrincipalID string `json:"technical_principal_id" mapstructure:"technical_principal_id"`
	SystemPrincipalID    string `json:"system_principal_id" mapstructure:"system_principal_id"`
}

// AssignmentConfig holds assignment and reconciliation settings
type AssignmentConfig struct {
	BackgroundReconcile bool   `json:"background_reconcile" mapstructure:"background_reconcile"`
	SweepEnabled        bool   `json:"sweep_enabled" mapstructure:"sweep_enabled"`
	SweepSchedule       string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// CacheConfig holds the consulting type settings cache
type CacheConfig struct {
	Enabled         bool `json:"enabled" mapstructure:"enabled"`
	TTL             int  `json:"ttl" mapstructure:"ttl"`                           // seconds
	CleanupInterval int  `json:"cleanup_interval" mapstructure:"cleanup_interval"` // seconds
}

// MetricsConfig holds the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		RocketChat: RocketChatConfig{
			Timeout: 10,
		},
		Assignment: AssignmentConfig{
			BackgroundReconcile: true,
			SweepEnabled:        false,
			SweepSchedule:       "*/15 * * * *",
		},
		Cache: CacheConfig{
			Enabled:         true,
			TTL:             300,
			CleanupInterval: 600,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9090,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "roomsync",
			SampleRatio: 1.0,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.RocketChat.AuthToken != "" {
		masked.RocketChat.AuthToken = "********"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is usable for assignment work
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.RocketChat.URL == "" {
		return fmt.Errorf("rocketchat url is required")
	}
	if c.RocketChat.UserID == "" || c.RocketChat.AuthToken == "" {
		return fmt.Errorf("rocketchat user_id and auth_token of the technical user are required")
	}

	if c.Accounts.TechnicalPrincipalID == "" {
		return fmt.Errorf("accounts technical_principal_id is required")
	}
	if c.Accounts.SystemPrincipalID == "" {
		return fmt.Errorf("accounts system_principal_id is required")
	}

	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return errs[0]
	}

	return nil
}
