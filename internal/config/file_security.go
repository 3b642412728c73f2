package config

import (
	"fmt"
	"os"
	"syscall"
)

// ConfigFileSecurity checks the configuration file itself before it is read
type ConfigFileSecurity struct {
	securityValidator *SecurityValidator
}

// NewConfigFileSecurity creates a new configuration file security handler
func NewConfigFileSecurity() *ConfigFileSecurity {
	return &ConfigFileSecurity{
		securityValidator: NewSecurityValidator(),
	}
}

// ValidateConfigFileSecurity rejects config files that are oversized or
// world-writable. Files owned by another user are reported as a warning.
func (cfs *ConfigFileSecurity) ValidateConfigFileSecurity(filePath string) ([]ValidationError, error) {
	if filePath == "" {
		return nil, fmt.Errorf("config file path cannot be empty")
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("config file does not exist: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config file %s is a directory", filePath)
	}

	if err := cfs.securityValidator.ValidateConfigFileSize(filePath); err != nil {
		return nil, err
	}

	if info.Mode().Perm()&0002 != 0 {
		return nil, fmt.Errorf("config file %s is world-writable (%s)", filePath, info.Mode().Perm())
	}

	var warnings []ValidationError
	if err := cfs.validateFileOwnership(info); err != nil {
		warnings = append(warnings, ValidationError{Field: "config_file", Value: filePath, Message: err.Error()})
	}
	return warnings, nil
}

func (cfs *ConfigFileSecurity) validateFileOwnership(info os.FileInfo) error {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	currentUID := os.Getuid()
	if int(stat.Uid) != currentUID && stat.Uid != 0 {
		return fmt.Errorf("file is not owned by current user or root (owner: %d, current: %d)", stat.Uid, currentUID)
	}
	return nil
}
