package smtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/busybox42/mailarchive/internal/archive"
	"github.com/busybox42/mailarchive/internal/codec"
	"github.com/busybox42/mailarchive/internal/logging"
)

const (
	replyOk      = "250 Ok"
	replyQueued  = "250 Ok: queued"
	replyData    = "354 End data with <CR><LF>.<CR><LF>"
	replyBadHelo = "502 invalid helo"
	replyBadMail = "502 Invalid mail from"
	replyBadCmd  = "502 Invalid command"
	replyBye     = "221 Bye"
	replyTimeout = "421 Timeout"

	// rcptPrefixLen is the number of bytes stripped from a RCPT TO line
	// before the address is looked up.
	rcptPrefixLen = 9
)

var (
	// ErrSessionClosed is returned when a line arrives after QUIT
	ErrSessionClosed = errors.New("session closed")
	// ErrIdleTimeout is returned when the client stays silent too long
	ErrIdleTimeout = errors.New("idle timeout")
)

// Snapshot is the configuration a session works with for its whole
// lifetime. Snapshots are never modified after they are published.
type Snapshot struct {
	ServerName  string
	Routes      *archive.Table
	IdleTimeout time.Duration
	FallbackDir string
	// Generation counts reloads, starting at 1
	Generation uint64
}

// SessionConfig holds the per-connection dependencies of a Session
type SessionConfig struct {
	Snapshot *Snapshot
	// Prefix starts every spool file name of this connection
	Prefix  string
	Logger  *slog.Logger
	Metrics *Metrics
	// NewID and Now replace the UUID generator and clock
	NewID func() string
	Now   func() time.Time
}

// Session is the state of one SMTP connection. It is owned by a single
// goroutine and needs no locking.
type Session struct {
	snap    *Snapshot
	prefix  string
	logger  *slog.Logger
	metrics *Metrics
	newID   func() string
	now     func() time.Time

	state          State
	clientGreeting string

	// transaction
	mailFrom         string
	recipients       []string
	archivePath      string
	transactionStart time.Time
	spool            *archive.Spool
}

// NewSession creates a session in the Greet state
func NewSession(cfg SessionConfig) *Session {
	snap := cfg.Snapshot
	if snap == nil {
		snap = &Snapshot{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		snap:    snap,
		prefix:  cfg.Prefix,
		logger:  logger.With("component", "smtp-session"),
		metrics: cfg.Metrics,
		newID:   cfg.NewID,
		now:     now,
		state:   StateGreet,
	}
}

// State returns the current dialogue state
func (s *Session) State() State {
	return s.state
}

// ClientGreeting returns the HELO/EHLO line of the client
func (s *Session) ClientGreeting() string {
	return s.clientGreeting
}

// Recipients returns the RCPT TO lines of the current transaction
func (s *Session) Recipients() []string {
	return append([]string(nil), s.recipients...)
}

// ArchivePath returns the path pattern selected for the current transaction
func (s *Session) ArchivePath() string {
	return s.archivePath
}

// Greet returns the server greeting and moves the session to WaitHelo
func (s *Session) Greet() string {
	s.state = StateWaitHelo
	return "220 " + s.snap.ServerName
}

// Handle feeds one decoded line into the state machine. It returns the
// reply to send, if any. An error is fatal to the connection.
func (s *Session) Handle(ctx context.Context, line string) (string, bool, error) {
	switch s.state {
	case StateGreet:
		return "", false, fmt.Errorf("line received before greeting")

	case StateWaitHelo:
		switch {
		case strings.HasPrefix(line, "HELO"), strings.HasPrefix(line, "EHLO"):
			s.clientGreeting = line
			s.state = StateWaitMailFrom
			s.logger.DebugContext(ctx, "Client greeting", "helo", logging.Sanitize(line))
			return replyOk, true, nil
		case strings.HasPrefix(line, "QUIT"):
			return s.quit(ctx)
		}
		return s.reject(ctx, line, replyBadHelo)

	case StateWaitMailFrom:
		switch {
		case strings.HasPrefix(line, "MAIL FROM:"):
			s.mailFrom = line
			s.state = StateWaitRcptTo
			return replyOk, true, nil
		case strings.HasPrefix(line, "QUIT"):
			return s.quit(ctx)
		}
		return s.reject(ctx, line, replyBadMail)

	case StateWaitRcptTo:
		switch {
		case strings.HasPrefix(line, "RCPT TO:"):
			s.recipients = append(s.recipients, line)
			s.route(ctx, line)
			return replyOk, true, nil
		case strings.HasPrefix(line, "DATA") && len(s.recipients) > 0:
			s.beginData(ctx)
			return replyData, true, nil
		}
		return s.reject(ctx, line, replyBadCmd)

	case StateReceivingData:
		if line == "." {
			return s.endData(ctx)
		}
		if err := s.spool.Line(ctx, line); err != nil {
			s.metrics.spoolFailed()
			return "", false, err
		}
		return "", false, nil
	}

	return "", false, ErrSessionClosed
}

func (s *Session) quit(ctx context.Context) (string, bool, error) {
	s.state = StateClosing
	s.logger.DebugContext(ctx, "Client quit")
	return replyBye, true, nil
}

func (s *Session) reject(ctx context.Context, line, reply string) (string, bool, error) {
	s.metrics.commandRejected(s.state)
	s.logger.DebugContext(ctx, "Rejected command",
		"state", s.state.String(),
		"line", logging.Sanitize(line),
	)
	return reply, true, nil
}

// route selects the archive path for a recipient line. Later matches
// replace earlier ones; unknown recipients leave the selection unchanged.
func (s *Session) route(ctx context.Context, line string) {
	var addr string
	if len(line) >= rcptPrefixLen {
		addr = archive.NormalizeAddress(line[rcptPrefixLen:])
	}
	if pattern, ok := s.snap.Routes.Resolve(addr); ok {
		s.archivePath = pattern
		s.logger.DebugContext(ctx, fmt.Sprintf("Setting archive path for recipient %s to %s",
			logging.Sanitize(addr), pattern))
	}
}

func (s *Session) beginData(ctx context.Context) {
	s.transactionStart = s.now().UTC()
	s.spool = archive.NewSpool(archive.Options{
		Prefix:      s.prefix,
		Pattern:     s.archivePath,
		Start:       s.transactionStart,
		FallbackDir: s.snap.FallbackDir,
		Logger:      s.logger,
		NewID:       s.newID,
	})
	s.state = StateReceivingData
	s.logger.DebugContext(ctx, "Receiving message",
		"mail_from", logging.Sanitize(s.mailFrom),
		"recipients", len(s.recipients),
	)
}

func (s *Session) endData(ctx context.Context) (string, bool, error) {
	res, err := s.spool.Finish(ctx)
	if err != nil {
		s.metrics.spoolFailed()
		return "", false, err
	}
	s.metrics.messageArchived(res.Bytes)
	s.reset()
	s.state = StateWaitMailFrom
	return replyQueued, true, nil
}

// reset clears the transaction. The greeting survives.
func (s *Session) reset() {
	s.mailFrom = ""
	s.recipients = nil
	s.archivePath = ""
	s.transactionStart = time.Time{}
	s.spool = nil
}

// Close releases the spool file of an unfinished transaction. Whatever was
// already written stays on disk.
func (s *Session) Close() error {
	if s.spool == nil {
		return nil
	}
	err := s.spool.Close()
	s.spool = nil
	return err
}

// Serve runs the dialogue on conn until the client quits, disconnects or a
// fatal error occurs. Cancelling ctx interrupts a blocked read.
func (s *Session) Serve(ctx context.Context, conn net.Conn) error {
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.WarnContext(ctx, "Failed to close spool file", "error", err)
		}
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now()) // Best effort
	})
	defer stop()

	if err := codec.WriteLine(conn, s.Greet()); err != nil {
		return fmt.Errorf("failed to write greeting: %w", err)
	}

	reader := codec.NewLineReader(conn)
	for {
		if s.snap.IdleTimeout > 0 && ctx.Err() == nil {
			if err := conn.SetReadDeadline(time.Now().Add(s.snap.IdleTimeout)); err != nil {
				s.logger.WarnContext(ctx, "Failed to set read deadline", "error", err)
			}
		}

		line, err := reader.ReadLine()
		if err != nil {
			return s.readFailed(ctx, conn, err)
		}

		reply, ok, err := s.Handle(ctx, line)
		if err != nil {
			return err
		}
		if ok {
			if err := codec.WriteLine(conn, reply); err != nil {
				return fmt.Errorf("failed to write response: %w", err)
			}
		}
		if s.state == StateClosing {
			return nil
		}
	}
}

func (s *Session) readFailed(ctx context.Context, conn net.Conn, err error) error {
	if ctx.Err() != nil {
		s.logger.DebugContext(ctx, "Session interrupted by shutdown", "state", s.state.String())
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		s.logger.InfoContext(ctx, "Session timeout", "state", s.state.String())
		_ = codec.WriteLine(conn, replyTimeout) // Best effort
		return ErrIdleTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		s.logger.DebugContext(ctx, "Client disconnected", "state", s.state.String())
		return nil
	}
	return fmt.Errorf("failed to read command: %w", err)
}
