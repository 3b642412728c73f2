package archive

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/strftime"
)

const (
	// FlushThreshold is the number of buffered lines above which the buffer
	// is written to the spool file.
	FlushThreshold = 64

	// DefaultFallbackDir receives messages whose directory pattern cannot be
	// expanded.
	DefaultFallbackDir = "/tmp"

	fileMode = 0o640
	dirMode  = 0o750
)

// Options configures a Spool for one transaction.
type Options struct {
	// Prefix identifies the connection; it starts every file name.
	Prefix string
	// Pattern is the strftime directory template selected by routing.
	Pattern string
	// Start is the moment DATA was accepted; Pattern is expanded against it.
	Start time.Time
	// FallbackDir defaults to DefaultFallbackDir.
	FallbackDir string
	Logger      *slog.Logger
	// NewID generates the identifier used when no Message-ID is usable.
	// Defaults to a random UUID.
	NewID func() string
}

// Result describes a finished spool file.
type Result struct {
	Path  string
	Bytes int64
	// FromMessageID is false when the name came from a generated identifier.
	FromMessageID bool
}

// Spool buffers the lines of one message and writes them to a file whose
// name is chosen once, either from the Message-ID header or, at the end of
// the header block, from a generated identifier.
type Spool struct {
	opts    Options
	logger  *slog.Logger
	pending []string

	file    *os.File
	w       *bufio.Writer
	path    string
	written int64
	fromID  bool
}

// NewSpool prepares a spool; no file is created until a name is decided.
func NewSpool(opts Options) *Spool {
	if opts.FallbackDir == "" {
		opts.FallbackDir = DefaultFallbackDir
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Spool{
		opts:    opts,
		logger:  logger.With("component", "spool"),
		pending: make([]string, 0, FlushThreshold+1),
	}
}

// ExpandPath expands pattern against t. An empty pattern or a failed
// expansion yields fallback.
func ExpandPath(pattern string, t time.Time, fallback string) string {
	if pattern == "" {
		return fallback
	}
	dir, err := strftime.Format(pattern, t)
	if err != nil || dir == "" {
		return fallback
	}
	return dir
}

// Line handles one DATA line, before the terminator.
func (s *Spool) Line(ctx context.Context, line string) error {
	if s.file == nil {
		switch {
		case strings.HasPrefix(line, MessageIDHeader):
			if _, safe, err := ParseMessageID(line); err == nil {
				if err := s.open(ctx, safe, true); err != nil {
					return err
				}
				if err := s.flush(); err != nil {
					return err
				}
			} else {
				s.logger.DebugContext(ctx, "Message-ID too short, keeping it as header text")
			}
		case line == "":
			if err := s.openGenerated(ctx); err != nil {
				return err
			}
			if err := s.flush(); err != nil {
				return err
			}
		}
	}

	s.pending = append(s.pending, line)

	if len(s.pending) > FlushThreshold {
		if s.file == nil {
			if err := s.openGenerated(ctx); err != nil {
				return err
			}
		}
		return s.flush()
	}
	return nil
}

// Finish writes everything still buffered and closes the file. A message
// that never decided on a name gets a generated one here.
func (s *Spool) Finish(ctx context.Context) (Result, error) {
	if s.file == nil {
		if err := s.openGenerated(ctx); err != nil {
			return Result{}, err
		}
	}
	if err := s.flush(); err != nil {
		return Result{}, err
	}

	res := Result{Path: s.path, Bytes: s.written, FromMessageID: s.fromID}
	err := s.file.Close()
	s.file, s.w = nil, nil
	if err != nil {
		return res, fmt.Errorf("close spool file %s: %w", res.Path, err)
	}

	s.logger.InfoContext(ctx, fmt.Sprintf("Spooled %d bytes to file", res.Bytes), "path", res.Path)
	return res, nil
}

// Close releases the file without writing buffered lines. The partial file
// stays on disk.
func (s *Spool) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.w = nil, nil
	s.pending = s.pending[:0]
	return err
}

// Opened reports whether a spool file has been created.
func (s *Spool) Opened() bool {
	return s.file != nil
}

// Path returns the spool file path, or "" before one is decided.
func (s *Spool) Path() string {
	return s.path
}

// Buffered returns the number of lines not yet written.
func (s *Spool) Buffered() int {
	return len(s.pending)
}

func (s *Spool) openGenerated(ctx context.Context) error {
	return s.open(ctx, s.opts.NewID(), false)
}

func (s *Spool) open(ctx context.Context, name string, fromID bool) error {
	dir := ExpandPath(s.opts.Pattern, s.opts.Start, s.opts.FallbackDir)
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.eml", s.opts.Prefix, name))

	s.logger.InfoContext(ctx, "Spooling mail to "+path)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		// the directory tree may not exist yet
		if mkErr := os.MkdirAll(dir, dirMode); mkErr != nil {
			s.logger.WarnContext(ctx, "Failed to create archive directory", "dir", dir, "error", mkErr)
		}
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
		if err != nil {
			return fmt.Errorf("create spool file %s: %w", path, err)
		}
	}

	s.file = f
	s.w = bufio.NewWriter(f)
	s.path = path
	s.fromID = fromID
	return nil
}

// flush is a no-op until a file exists.
func (s *Spool) flush() error {
	if s.file == nil {
		return nil
	}
	for _, line := range s.pending {
		n, err := s.w.WriteString(line)
		s.written += int64(n)
		if err != nil {
			return fmt.Errorf("write spool file %s: %w", s.path, err)
		}
		n, err = s.w.WriteString("\r\n")
		s.written += int64(n)
		if err != nil {
			return fmt.Errorf("write spool file %s: %w", s.path, err)
		}
	}
	s.pending = s.pending[:0]
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("write spool file %s: %w", s.path, err)
	}
	return nil
}
