package config

import (
	"fmt"
	"strings"

	"github.com/busybox42/mailarchive/internal/archive"
	"github.com/busybox42/mailarchive/internal/logging"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
	Err     error
}

func (e ValidationError) Unwrap() error {
	return e.Err
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate checks every section of the configuration. Sanitised values are
// written back into c.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}
	sv := NewSecurityValidator()

	c.validateServer(result, sv)
	c.validateLogging(result)
	c.validateLimits(result, sv)
	c.validateArchivers(result, sv)

	return result
}

func (c *Config) validateServer(result *ValidationResult, sv *SecurityValidator) {
	if c.Listen == "" {
		result.Errors = append(result.Errors, ValidationError{Message: ErrNoListen.Error(), Err: ErrNoListen})
		result.Valid = false
	} else {
		c.Listen = sv.SanitizeString(c.Listen)
		if err := sv.ValidateNetworkAddress(c.Listen, "listen"); err != nil {
			result.AddError("listen", c.Listen, err.Error())
		}
	}

	if c.ServerName != "" {
		c.ServerName = sv.SanitizeString(c.ServerName)
		if err := sv.ValidateHostname(c.ServerName, "servername"); err != nil {
			result.AddError("servername", c.ServerName, err.Error())
		}
	}

	if c.MetricsListen != "" {
		if err := sv.ValidateNetworkAddress(c.MetricsListen, "metrics_listen"); err != nil {
			result.AddError("metrics_listen", c.MetricsListen, err.Error())
		} else if c.MetricsListen == c.Listen {
			result.AddError("metrics_listen", c.MetricsListen, "must differ from listen")
		}
	}

	if (c.User == "") != (c.Group == "") {
		result.AddWarning("user/group", c.User+"/"+c.Group, "only one of user and group is set")
	}
}

func (c *Config) validateLogging(result *ValidationResult) {
	if _, err := logging.StringToLevel(c.LogLevel); err != nil {
		result.AddError("log_level", c.LogLevel, "invalid log level, must be one of: DEBUG, INFO, WARN, ERROR")
	}

	validFormats := []string{"text", "json"}
	if !contains(validFormats, strings.ToLower(c.LogFormat)) {
		result.AddError("log_format", c.LogFormat, fmt.Sprintf("invalid log format, must be one of: %s", strings.Join(validFormats, ", ")))
	}
}

func (c *Config) validateLimits(result *ValidationResult, sv *SecurityValidator) {
	if err := sv.ValidateNumericBounds(int64(c.IdleTimeout), "idle_timeout", 0, int64(sv.config.MaxIdleTimeout)); err != nil {
		result.AddError("idle_timeout", c.IdleTimeout, err.Error())
	}
	if err := sv.ValidateNumericBounds(int64(c.MaxConnections), "max_connections", 0, int64(sv.config.MaxConnections)); err != nil {
		result.AddError("max_connections", c.MaxConnections, err.Error())
	}
	if err := sv.ValidatePath(c.FallbackDir, "fallback_dir"); err != nil {
		result.AddError("fallback_dir", c.FallbackDir, err.Error())
	}
}

func (c *Config) validateArchivers(result *ValidationResult, sv *SecurityValidator) {
	if len(c.Archivers) == 0 {
		result.AddWarning("archivers", nil, "no archivers configured, every message goes to fallback_dir")
	}

	seen := make(map[string]int)
	for i, a := range c.Archivers {
		field := fmt.Sprintf("archivers[%d]", i)
		switch {
		case a.Recipient != "" && a.ArchivePath == "":
			result.Errors = append(result.Errors, ValidationError{
				Message: fmt.Sprintf("found recipient %s, but no archive path, in '%s'", a.Recipient, field),
			})
			result.Valid = false
			continue
		case a.Recipient == "" && a.ArchivePath != "":
			result.Errors = append(result.Errors, ValidationError{
				Message: fmt.Sprintf("found archive_path %s, but no recipient, in '%s'", a.ArchivePath, field),
			})
			result.Valid = false
			continue
		case a.Recipient == "" && a.ArchivePath == "":
			result.Errors = append(result.Errors, ValidationError{
				Message: fmt.Sprintf("malformed entries in '%s'", field),
			})
			result.Valid = false
			continue
		}

		if err := sv.ValidatePath(a.ArchivePath, field+".archive_path"); err != nil {
			result.AddError(field+".archive_path", a.ArchivePath, err.Error())
		}

		key := archive.NormalizeAddress(a.Recipient)
		if prev, dup := seen[key]; dup {
			result.AddWarning(field+".recipient", a.Recipient,
				fmt.Sprintf("duplicates archivers[%d], the later entry wins", prev))
		}
		seen[key] = i
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
