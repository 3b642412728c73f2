package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/busybox42/mailarchive/internal/archive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 300, cfg.IdleTimeout)
	assert.Equal(t, archive.DefaultFallbackDir, cfg.FallbackDir)
	assert.Empty(t, cfg.Listen)
}

func TestParse_YAML(t *testing.T) {
	cfg, err := Parse([]byte(`
listen: 127.0.0.1:2525
servername: mx.example.com
log_level: debug
archivers:
  - recipient: archive@example.com
    archive_path: /srv/archive/%Y
  - recipient: "<other@example.com>"
    archive_path: /srv/other
`), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:2525", cfg.Listen)
	assert.Equal(t, "mx.example.com", cfg.ServerName)
	assert.Equal(t, 300, cfg.IdleTimeout)
	require.Len(t, cfg.Archivers, 2)

	rules := cfg.Rules()
	assert.Equal(t, archive.Rule{Recipient: "archive@example.com", PathPattern: "/srv/archive/%Y"}, rules[0])
	assert.Equal(t, "other@example.com", rules[1].Recipient)
}

func TestParse_TOML(t *testing.T) {
	cfg, err := Parse([]byte(`
listen = ":2525"
servername = "mx.example.com"
idle_timeout = 30
max_connections = 10

[[archivers]]
recipient = "archive@example.com"
archive_path = "/srv/archive/%Y/%m-%d"
`), FormatTOML)
	require.NoError(t, err)

	assert.Equal(t, ":2525", cfg.Listen)
	assert.Equal(t, 30, cfg.IdleTimeout)
	assert.Equal(t, 10, cfg.MaxConnections)
	assert.Equal(t, "text", cfg.LogFormat)
	require.Len(t, cfg.Archivers, 1)
	assert.Equal(t, "/srv/archive/%Y/%m-%d", cfg.Archivers[0].ArchivePath)
}

func TestParse_ServerNameDefaultsToHostname(t *testing.T) {
	hostname, err := os.Hostname()
	require.NoError(t, err)

	cfg, err := Parse([]byte("listen: 127.0.0.1:2525\n"), FormatYAML)
	if err != nil {
		t.Skipf("hostname %q is not a valid servername: %v", hostname, err)
	}
	assert.Equal(t, hostname, cfg.ServerName)
}

func TestParse_MissingListen(t *testing.T) {
	_, err := Parse([]byte("servername: mx.example.com\n"), FormatYAML)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoListen)
	assert.Contains(t, err.Error(), "required configuration parameter 'listen' not found")
}

func TestParse_EmptyDocument(t *testing.T) {
	_, err := Parse(nil, FormatYAML)
	assert.ErrorIs(t, err, ErrNoListen)
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("listen: [unterminated\n"), FormatYAML)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error parsing YAML configuration")
}

func TestParse_ArchiverErrors(t *testing.T) {
	tests := []struct {
		name    string
		entry   string
		message string
	}{
		{
			name:    "recipient without path",
			entry:   "  - recipient: a@example.com\n",
			message: "found recipient a@example.com, but no archive path, in 'archivers[0]'",
		},
		{
			name:    "path without recipient",
			entry:   "  - archive_path: /srv/a\n",
			message: "found archive_path /srv/a, but no recipient, in 'archivers[0]'",
		},
		{
			name:    "empty entry",
			entry:   "  - {}\n",
			message: "malformed entries in 'archivers[0]'",
		},
		{
			name:    "path traversal",
			entry:   "  - recipient: a@example.com\n    archive_path: /srv/../etc\n",
			message: "path traversal detected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := "listen: 127.0.0.1:2525\nservername: mx.example.com\narchivers:\n" + tt.entry
			_, err := Parse([]byte(data), FormatYAML)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestParse_DuplicateRecipientWarns(t *testing.T) {
	cfg, err := Parse([]byte(`
listen: 127.0.0.1:2525
servername: mx.example.com
archivers:
  - recipient: a@example.com
    archive_path: /srv/first
  - recipient: <a@example.com>
    archive_path: /srv/second
`), FormatYAML)
	require.NoError(t, err)
	require.Len(t, cfg.Warnings, 1)
	assert.Equal(t, "archivers[1].recipient", cfg.Warnings[0].Field)

	path, ok := archive.NewTable(cfg.Rules()).Resolve("a@example.com")
	assert.True(t, ok)
	assert.Equal(t, "/srv/second", path)
}

func TestParse_InvalidValues(t *testing.T) {
	tests := map[string]string{
		"log_level":       "log_level: LOUD\n",
		"log_format":      "log_format: xml\n",
		"idle_timeout":    "idle_timeout: -1\n",
		"max_connections": "max_connections: 20000\n",
		"metrics_listen":  "metrics_listen: 127.0.0.1:2525\n",
		"servername":      "servername: \"bad;host\"\n",
	}
	for field, line := range tests {
		t.Run(field, func(t *testing.T) {
			data := "listen: 127.0.0.1:2525\n"
			if !strings.HasPrefix(line, "servername") {
				data += "servername: mx.example.com\n"
			}
			_, err := Parse([]byte(data+line), FormatYAML)
			require.Error(t, err)
			assert.Contains(t, err.Error(), field)
		})
	}
}

func TestTemplateParses(t *testing.T) {
	cfg, err := Parse([]byte(Template()), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.77:25", cfg.Listen)
	assert.Equal(t, "mailarchive", cfg.User)
	assert.Len(t, cfg.Archivers, 2)
	assert.Empty(t, cfg.Warnings)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "mail-archiver.toml", "listen = \"127.0.0.1:2525\"\nservername = \"mx.example.com\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2525", cfg.Listen)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot open configuration file due to")
}

func TestLoad_RejectsWorldWritable(t *testing.T) {
	path := writeConfig(t, "mail-archiver.yaml", "listen: 127.0.0.1:2525\n")
	require.NoError(t, os.Chmod(path, 0666))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "world-writable")
}

func TestLoad_RejectsOversized(t *testing.T) {
	path := writeConfig(t, "mail-archiver.yaml", "listen: 127.0.0.1:2525\n#"+strings.Repeat("x", 1024*1024)+"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestSecurityValidator(t *testing.T) {
	sv := NewSecurityValidator()

	assert.NoError(t, sv.ValidateNetworkAddress(":25", "listen"))
	assert.NoError(t, sv.ValidateNetworkAddress("[::1]:25", "listen"))
	assert.Error(t, sv.ValidateNetworkAddress("127.0.0.1", "listen"))
	assert.Error(t, sv.ValidateNetworkAddress("127.0.0.1:99999", "listen"))
	assert.Error(t, sv.ValidateNetworkAddress("$(id):25", "listen"))

	assert.NoError(t, sv.ValidateHostname("mail.example.com", "servername"))
	assert.NoError(t, sv.ValidateHostname("localhost", "servername"))
	assert.Error(t, sv.ValidateHostname("-bad.example.com", "servername"))

	assert.NoError(t, sv.ValidatePath("/srv/archive/%Y/%m-%d/%H:00", "archive_path"))
	assert.Error(t, sv.ValidatePath("/srv/\x00", "archive_path"))
	assert.NoError(t, sv.CheckPathTraversal("/srv/..hidden"))
	assert.Error(t, sv.CheckPathTraversal("srv/../../etc"))

	assert.Equal(t, "abc", sv.SanitizeString("a\x00b\x1bc"))
}
