package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/harun/roomsync/pkg/sweep"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateURL validates the Rocket.Chat base URL
func (v *Validator) ValidateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("rocketchat url cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid rocketchat url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid rocketchat url scheme %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("rocketchat url has no host")
	}
	return nil
}

// ValidateSchedule validates the sweep cron expression
func (v *Validator) ValidateSchedule(expr string) error {
	if expr == "" {
		return nil // Use default
	}
	_, err := sweep.ParseSchedule(expr)
	return err
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePort validates a listen port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateSampleRatio validates the trace sample ratio
func (v *Validator) ValidateSampleRatio(ratio float64) error {
	if ratio < 0 || ratio > 1 {
		return fmt.Errorf("sample ratio must be between 0 and 1, got %f", ratio)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if cfg.RocketChat.URL != "" {
		if err := v.ValidateURL(cfg.RocketChat.URL); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.RocketChat.Timeout < 0 {
		errors = append(errors, fmt.Errorf("rocketchat.timeout must be >= 0"))
	}

	if cfg.Accounts.TechnicalPrincipalID != "" && cfg.Accounts.TechnicalPrincipalID == cfg.Accounts.SystemPrincipalID {
		errors = append(errors, fmt.Errorf("technical and system principal must differ"))
	}

	if err := v.ValidateSchedule(cfg.Assignment.SweepSchedule); err != nil {
		errors = append(errors, fmt.Errorf("assignment.sweep_schedule: %w", err))
	}

	if cfg.Cache.TTL < 0 {
		errors = append(errors, fmt.Errorf("cache.ttl must be >= 0"))
	}
	if cfg.Cache.CleanupInterval < 0 {
		errors = append(errors, fmt.Errorf("cache.cleanup_interval must be >= 0"))
	}

	if cfg.Metrics.Enabled {
		if err := v.ValidatePort(cfg.Metrics.Port); err != nil {
			errors = append(errors, fmt.Errorf("metrics: %w", err))
		}
	}

	if cfg.Tracing.Enabled {
		if err := v.ValidateSampleRatio(cfg.Tracing.SampleRatio); err != nil {
			errors = append(errors, fmt.Errorf("tracing: %w", err))
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
