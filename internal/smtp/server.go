// Package smtp implements the archiving SMTP dialogue and the server that
// runs one session per connection.
package smtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrServerClosed is returned by Serve after Shutdown or Close
var ErrServerClosed = errors.New("smtp: server closed")

// ServerConfig configures a Server
type ServerConfig struct {
	Snapshot *Snapshot
	// MaxConnections bounds concurrent sessions, 0 means unlimited
	MaxConnections int
	Logger         *slog.Logger
	Metrics        *Metrics
	// Start is the server start time used in connection prefixes
	Start time.Time
	// NewID replaces the spool identifier generator
	NewID func() string
}

// Server accepts connections and runs a Session for each of them. Every
// session uses the snapshot that was current when it was accepted.
type Server struct {
	logger  *slog.Logger
	metrics *Metrics
	newID   func() string

	snapshot atomic.Pointer[Snapshot]
	sem      *semaphore.Weighted

	started    time.Time
	startStamp string
	seq        atomic.Uint64
	active     atomic.Int64

	// Concurrency management. rootCtx interrupts sessions, acceptCtx
	// stops waiting for a connection slot.
	rootCtx      context.Context
	rootCancel   context.CancelFunc
	acceptCtx    context.Context
	acceptCancel context.CancelFunc
	errGroup     *errgroup.Group

	mu        sync.Mutex
	listener  net.Listener
	serveDone chan struct{}
	closed    bool
}

// NewServer creates a new server
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Snapshot == nil {
		return nil, fmt.Errorf("snapshot cannot be nil")
	}
	if cfg.MaxConnections < 0 {
		return nil, fmt.Errorf("max connections cannot be negative: %d", cfg.MaxConnections)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := cfg.Start
	if start.IsZero() {
		start = time.Now()
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	errGroup, gctx := errgroup.WithContext(rootCtx)
	acceptCtx, acceptCancel := context.WithCancel(rootCtx)

	s := &Server{
		logger:       logger.With("component", "smtp-server"),
		metrics:      cfg.Metrics,
		newID:        cfg.NewID,
		started:      start,
		startStamp:   start.UTC().Format("150405"),
		rootCtx:      gctx,
		rootCancel:   rootCancel,
		acceptCtx:    acceptCtx,
		acceptCancel: acceptCancel,
		errGroup:     errGroup,
	}
	if cfg.MaxConnections > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}

	first := *cfg.Snapshot
	first.Generation = 1
	s.snapshot.Store(&first)
	return s, nil
}

// Snapshot returns the snapshot new connections receive
func (s *Server) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Reload publishes snap for connections accepted from now on. Sessions
// already running keep their snapshot. The published copy is returned.
func (s *Server) Reload(snap *Snapshot) *Snapshot {
	next := *snap
	for {
		current := s.snapshot.Load()
		next.Generation = current.Generation + 1
		if s.snapshot.CompareAndSwap(current, &next) {
			s.logger.Info("Configuration snapshot replaced",
				"generation", next.Generation,
				"servername", next.ServerName,
				"archivers", next.Routes.Len(),
			)
			return &next
		}
	}
}

// ActiveConnections returns the number of sessions in progress
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

// Uptime returns the time since the server was created
func (s *Server) Uptime() time.Duration {
	return time.Since(s.started)
}

// nextPrefix returns the token identifying the next connection in spool
// file names.
func (s *Server) nextPrefix() string {
	n := s.seq.Add(1) - 1
	return fmt.Sprintf("%s-%06x", s.startStamp, n)
}

// Serve accepts connections on ln until Shutdown or Close is called, then
// returns ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.listener = ln
	s.serveDone = make(chan struct{})
	s.mu.Unlock()
	defer close(s.serveDone)

	s.logger.Info("Starting connection acceptance loop", "addr", ln.Addr().String())

	for {
		if s.sem != nil {
			if err := s.sem.Acquire(s.acceptCtx, 1); err != nil {
				return ErrServerClosed
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			s.release()
			if s.isClosed() {
				return ErrServerClosed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warn("Temporary accept failure", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		snap := s.snapshot.Load()
		prefix := s.nextPrefix()
		s.errGroup.Go(func() error {
			s.handleConnection(conn, snap, prefix)
			return nil
		})
	}
}

func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// handleConnection runs one session with guaranteed cleanup
func (s *Server) handleConnection(conn net.Conn, snap *Snapshot, prefix string) {
	start := time.Now()
	logger := s.logger.With(
		"remote_addr", conn.RemoteAddr().String(),
		"prefix", prefix,
	)

	s.active.Add(1)
	s.metrics.connectionOpened()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in session handling",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Debug("Failed to close connection", "error", err)
		}
		s.active.Add(-1)
		s.metrics.connectionClosed(time.Since(start))
		s.release()
	}()

	logger.Info("Connection accepted", "generation", snap.Generation)

	session := NewSession(SessionConfig{
		Snapshot: snap,
		Prefix:   prefix,
		Logger:   logger,
		Metrics:  s.metrics,
		NewID:    s.newID,
	})

	err := session.Serve(s.rootCtx, conn)
	switch {
	case err == nil:
		logger.Debug("Connection closed", "duration", time.Since(start))
	case errors.Is(err, ErrIdleTimeout):
		logger.Info("Connection closed after idle timeout")
	default:
		logger.Error("Session terminated", "error", err)
	}
}

// Shutdown stops accepting connections and waits for running sessions to
// finish. When ctx expires first the remaining sessions are interrupted.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	serveDone := s.serveDone
	s.mu.Unlock()

	s.acceptCancel()

	var shutdownErr error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			shutdownErr = err
		}
		<-serveDone
	}

	done := make(chan struct{})
	go func() {
		_ = s.errGroup.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Shutdown deadline reached, interrupting sessions",
			"active", s.active.Load())
		s.rootCancel()
		<-done
		shutdownErr = errors.Join(shutdownErr, ctx.Err())
	}
	s.rootCancel()

	s.logger.Info("Server stopped")
	return shutdownErr
}

// Close interrupts all sessions and stops the server
func (s *Server) Close() error {
	s.rootCancel()
	return s.Shutdown(context.Background())
}
