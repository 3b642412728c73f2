package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/busybox42/mailarchive/internal/archive"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ErrNoListen is returned when the required listen address is missing.
var ErrNoListen = errors.New("required configuration parameter 'listen' not found")

// Archiver routes one recipient to a directory pattern.
type Archiver struct {
	Recipient   string `yaml:"recipient" toml:"recipient"`
	ArchivePath string `yaml:"archive_path" toml:"archive_path"`
}

// Config represents the daemon configuration
type Config struct {
	Listen     string `yaml:"listen" toml:"listen"`
	ServerName string `yaml:"servername" toml:"servername"`
	LogLevel   string `yaml:"log_level" toml:"log_level"`
	LogFormat  string `yaml:"log_format" toml:"log_format"`
	User       string `yaml:"user" toml:"user"`
	Group      string `yaml:"group" toml:"group"`

	// MetricsListen enables the Prometheus and health endpoint
	MetricsListen string `yaml:"metrics_listen" toml:"metrics_listen"`
	// IdleTimeout in seconds, 0 disables
	IdleTimeout    int    `yaml:"idle_timeout" toml:"idle_timeout"`
	MaxConnections int    `yaml:"max_connections" toml:"max_connections"`
	FallbackDir    string `yaml:"fallback_dir" toml:"fallback_dir"`

	Archivers []Archiver `yaml:"archivers" toml:"archivers"`

	// Warnings collected by the last successful validation
	Warnings []ValidationError `yaml:"-" toml:"-"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel:    "INFO",
		LogFormat:   "text",
		IdleTimeout: 300,
		FallbackDir: archive.DefaultFallbackDir,
	}
	return cfg
}

// Load reads and validates a configuration file. Files ending in .toml are
// parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	fileWarnings, err := NewConfigFileSecurity().ValidateConfigFileSecurity(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open configuration file due to: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open configuration file due to: %w", err)
	}

	cfg, err := Parse(data, formatFor(path))
	if err != nil {
		return nil, err
	}
	cfg.Warnings = append(fileWarnings, cfg.Warnings...)
	return cfg, nil
}

// Format selects the configuration decoder.
type Format int

const (
	FormatYAML Format = iota
	FormatTOML
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes data, applies defaults and validates the result.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := DefaultConfig()

	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("error parsing YAML configuration: %w", err)
		}
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	result := cfg.Validate()
	if !result.Valid {
		errs := make([]error, 0, len(result.Errors))
		for _, e := range result.Errors {
			errs = append(errs, e)
		}
		return nil, fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	cfg.Warnings = result.Warnings
	return cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.ServerName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("servername not configured and could not be determined: %w", err)
		}
		c.ServerName = hostname
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.FallbackDir == "" {
		c.FallbackDir = archive.DefaultFallbackDir
	}
	return nil
}

// Rules returns the archiver routing rules in configuration order. Recipients
// are compared without surrounding spaces and angle brackets.
func (c *Config) Rules() []archive.Rule {
	rules := make([]archive.Rule, 0, len(c.Archivers))
	for _, a := range c.Archivers {
		rules = append(rules, archive.Rule{
			Recipient:   archive.NormalizeAddress(a.Recipient),
			PathPattern: a.ArchivePath,
		})
	}
	return rules
}

// Template returns a sample configuration.
func Template() string {
	return `---
listen: 192.168.1.77:25
servername: server.domain.com
user: mailarchive
group: mailarchive
log_level: DEBUG
log_format: text
# metrics_listen: 127.0.0.1:9125
idle_timeout: 300
max_connections: 0
fallback_dir: /tmp
archivers:
    - recipient: archive@domain.com
      archive_path: /mnt/storage/archive/%Y/%m-%d/%H:00
    - recipient: smallarchive@domain.com
      archive_path: /mnt/storage/smallarchive/%Y/%m-%d
`
}
