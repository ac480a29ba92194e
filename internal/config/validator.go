package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "worker.max_attempts")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidOutputFormats returns the list of valid output formats
func ValidOutputFormats() []string {
	return []string{"auto", "json", "text", "tui"}
}

// ValidPartialPolicies returns the list of partial-success policies
func ValidPartialPolicies() []string {
	return []string{PartialContinue, PartialHalt}
}

// ValidBackends returns the list of artifact backends
func ValidBackends() []string {
	return []string{BackendFS, BackendRemote}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	errors = append(errors, c.validateWorker()...)
	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validatePlanner()...)
	errors = append(errors, c.validateArtifacts()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateOutput()...)
	return errors
}

func (c *Config) validateWorker() []ValidationError {
	var errors []ValidationError
	w := c.Worker

	if strings.TrimSpace(w.Command) == "" {
		errors = append(errors, ValidationError{Field: "worker.command", Value: w.Command, Message: "must not be empty"})
	}
	if w.MaxTurns <= 0 {
		errors = append(errors, ValidationError{Field: "worker.max_turns", Value: w.MaxTurns, Message: "must be positive"})
	}
	// A worker invocation gets at most one retry.
	if w.MaxAttempts < 1 || w.MaxAttempts > 2 {
		errors = append(errors, ValidationError{Field: "worker.max_attempts", Value: w.MaxAttempts, Message: "must be 1 or 2"})
	}
	if w.DefaultTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{Field: "worker.default_timeout_seconds", Value: w.DefaultTimeoutSeconds, Message: "must be positive"})
	}
	if w.KillGraceSeconds < 0 {
		errors = append(errors, ValidationError{Field: "worker.kill_grace_seconds", Value: w.KillGraceSeconds, Message: "must be non-negative"})
	}
	if w.ReapGraceSeconds < 0 {
		errors = append(errors, ValidationError{Field: "worker.reap_grace_seconds", Value: w.ReapGraceSeconds, Message: "must be non-negative"})
	}
	const minLine = 64 * 1024
	if w.MaxLineBytes < minLine {
		errors = append(errors, ValidationError{Field: "worker.max_line_bytes", Value: w.MaxLineBytes, Message: fmt.Sprintf("must be at least %d", minLine)})
	}
	return errors
}

func (c *Config) validateScheduler() []ValidationError {
	if !slices.Contains(ValidPartialPolicies(), c.Scheduler.PartialSuccess) {
		return []ValidationError{{
			Field:   "scheduler.partial_success",
			Value:   c.Scheduler.PartialSuccess,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidPartialPolicies(), ", ")),
		}}
	}
	return nil
}

func (c *Config) validatePlanner() []ValidationError {
	var errors []ValidationError
	if c.Planner.TimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{Field: "planner.timeout_seconds", Value: c.Planner.TimeoutSeconds, Message: "must be positive"})
	}
	if c.Planner.MaxTurns <= 0 {
		errors = append(errors, ValidationError{Field: "planner.max_turns", Value: c.Planner.MaxTurns, Message: "must be positive"})
	}
	return errors
}

func (c *Config) validateArtifacts() []ValidationError {
	var errors []ValidationError
	a := c.Artifacts

	if !slices.Contains(ValidBackends(), a.Backend) {
		errors = append(errors, ValidationError{
			Field:   "artifacts.backend",
			Value:   a.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidBackends(), ", ")),
		})
	}
	if a.Backend == BackendFS && strings.ContainsRune(a.LocalDir, '\x00') {
		errors = append(errors, ValidationError{Field: "artifacts.local_dir", Value: a.LocalDir, Message: "path contains invalid null character"})
	}
	if a.Backend == BackendRemote {
		if u, err := url.Parse(a.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, ValidationError{Field: "artifacts.base_url", Value: a.BaseURL, Message: "must be an absolute URL"})
		}
	}
	if a.RequestTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{Field: "artifacts.request_timeout_seconds", Value: a.RequestTimeoutSeconds, Message: "must be positive"})
	}
	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB <= 0 || c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("must be between 1 and %d", maxLogSizeMB),
		})
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{Field: "logging.max_backups", Value: c.Logging.MaxBackups, Message: "must be non-negative"})
	}
	return errors
}

func (c *Config) validateOutput() []ValidationError {
	if !slices.Contains(ValidOutputFormats(), c.Output.Format) {
		return []ValidationError{{
			Field:   "output.format",
			Value:   c.Output.Format,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidOutputFormats(), ", ")),
		}}
	}
	return nil
}
