package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/busybox42/mailarchive/internal/archive"
	"github.com/busybox42/mailarchive/internal/config"
	"github.com/busybox42/mailarchive/internal/logging"
	"github.com/busybox42/mailarchive/internal/privilege"
	"github.com/busybox42/mailarchive/internal/smtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const shutdownTimeout = 30 * time.Second

// daemon wires configuration, listener, privilege drop and reloads around
// an smtp.Server.
type daemon struct {
	configPath string
	logOutput  io.Writer
	listen     func(network, address string) (net.Listener, error)
	drop       func(privilege.IDs) error

	// ready is closed once signals are handled, if set
	ready chan struct{}

	cfg     *config.Config
	logger  *slog.Logger
	server  *smtp.Server
	metrics *smtp.Metrics
}

func newDaemon(configPath string, logOutput io.Writer) *daemon {
	return &daemon{
		configPath: configPath,
		logOutput:  logOutput,
		listen:     net.Listen,
		drop:       privilege.Drop,
	}
}

func snapshotFor(cfg *config.Config) *smtp.Snapshot {
	return &smtp.Snapshot{
		ServerName:  cfg.ServerName,
		Routes:      archive.NewTable(cfg.Rules()),
		IdleTimeout: time.Duration(cfg.IdleTimeout) * time.Second,
		FallbackDir: cfg.FallbackDir,
	}
}

func (d *daemon) logWarnings(cfg *config.Config) {
	for _, w := range cfg.Warnings {
		d.logger.Warn("Configuration warning", "warning", w.Error())
	}
}

// start performs everything up to the point where connections can be
// served and returns the bound listeners.
func (d *daemon) start() (smtpLn, metricsLn net.Listener, err error) {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return nil, nil, err
	}
	d.cfg = cfg
	d.logger = logging.Setup(d.logOutput, cfg.LogLevel, cfg.LogFormat).With("component", "daemon")
	d.logWarnings(cfg)

	d.logger.Info("Starting mail-archiver",
		"pid", os.Getpid(),
		"config", d.configPath,
		"listen", cfg.Listen,
		"archivers", len(cfg.Archivers),
		"log_level", cfg.LogLevel,
	)

	ids, err := privilege.Resolve(cfg.User, cfg.Group)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve user/group: %w", err)
	}

	smtpLn, err = d.listen("tcp", cfg.Listen)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	if cfg.MetricsListen != "" {
		metricsLn, err = d.listen("tcp", cfg.MetricsListen)
		if err != nil {
			smtpLn.Close()
			return nil, nil, fmt.Errorf("failed to listen on %s: %w", cfg.MetricsListen, err)
		}
	}

	// sockets are bound, give up root
	if err := d.drop(ids); err != nil {
		smtpLn.Close()
		if metricsLn != nil {
			metricsLn.Close()
		}
		return nil, nil, fmt.Errorf("failed to drop privileges: %w", err)
	}
	if !ids.Empty() {
		d.logger.Info("Dropped privileges", "user", cfg.User, "group", cfg.Group, "uid", ids.UID, "gid", ids.GID)
	}
	return smtpLn, metricsLn, nil
}

func (d *daemon) run(ctx context.Context) error {
	smtpLn, metricsLn, err := d.start()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.metrics = smtp.NewMetrics(reg)

	d.server, err = smtp.NewServer(smtp.ServerConfig{
		Snapshot:       snapshotFor(d.cfg),
		MaxConnections: d.cfg.MaxConnections,
		Logger:         slog.Default(),
		Metrics:        d.metrics,
	})
	if err != nil {
		smtpLn.Close()
		if metricsLn != nil {
			metricsLn.Close()
		}
		return fmt.Errorf("failed to create SMTP server: %w", err)
	}

	serverErrors := make(chan error, 2)
	go func() {
		if err := d.server.Serve(smtpLn); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			serverErrors <- fmt.Errorf("SMTP server error: %w", err)
		}
	}()

	var httpServer *http.Server
	if metricsLn != nil {
		httpServer = &http.Server{
			Handler:           smtp.NewHTTPHandler(reg, d.server.Health),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			d.logger.Info("Metrics server listening", "addr", metricsLn.Addr().String())
			if err := httpServer.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan)
	if d.ready != nil {
		close(d.ready)
	}

	var runErr error
loop:
	for {
		select {
		case sig := <-signalChan:
			if sig == syscall.SIGUSR1 || sig == syscall.SIGHUP {
				d.logger.Info("Received signal, reloading configuration", "signal", sig.String())
				if err := d.reload(); err != nil {
					d.logger.Error("Configuration reload failed, keeping previous configuration", "error", err)
				}
				continue
			}
			d.logger.Info("Received signal, shutting down gracefully", "signal", sig.String())
			break loop
		case err := <-serverErrors:
			d.logger.Error("Server error", "error", err)
			runErr = err
			break loop
		case <-ctx.Done():
			d.logger.Info("Context cancelled, shutting down")
			break loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("Error stopping SMTP server", "error", err)
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("Error stopping metrics server", "error", err)
		}
	}

	d.logger.Info("Shutdown complete")
	return runErr
}

// reload re-reads the configuration file. On failure the running
// configuration stays in effect.
func (d *daemon) reload() error {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		d.metrics.ReloadFailed()
		return err
	}
	d.logWarnings(cfg)

	old := d.cfg
	restartOnly := map[string][2]string{
		"listen":         {old.Listen, cfg.Listen},
		"user":           {old.User, cfg.User},
		"group":          {old.Group, cfg.Group},
		"metrics_listen": {old.MetricsListen, cfg.MetricsListen},
		"log_format":     {old.LogFormat, cfg.LogFormat},
	}
	for field, v := range restartOnly {
		if v[0] != v[1] {
			d.logger.Warn("Configuration change requires a restart", "field", field, "running", v[0], "configured", v[1])
		}
	}
	if old.MaxConnections != cfg.MaxConnections {
		d.logger.Warn("Configuration change requires a restart", "field", "max_connections",
			"running", old.MaxConnections, "configured", cfg.MaxConnections)
	}

	if level, err := logging.StringToLevel(cfg.LogLevel); err == nil {
		logging.GetLogLevelManager().SetLevel(level)
	}

	snap := d.server.Reload(snapshotFor(cfg))

	// keep reporting restart-only settings against what is running
	cfg.Listen, cfg.User, cfg.Group = old.Listen, old.User, old.Group
	cfg.MetricsListen, cfg.LogFormat, cfg.MaxConnections = old.MetricsListen, old.LogFormat, old.MaxConnections
	d.cfg = cfg
	d.metrics.ReloadSucceeded()

	d.logger.Info("Configuration reloaded",
		"generation", snap.Generation,
		"servername", cfg.ServerName,
		"archivers", len(cfg.Archivers),
		"log_level", cfg.LogLevel,
	)
	return nil
}
