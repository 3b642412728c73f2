package smtp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the archiver. A nil *Metrics
// records nothing.
type Metrics struct {
	// Connection metrics
	ConnectionsTotal   prometheus.Counter
	ConnectionsActive  prometheus.Gauge
	ConnectionDuration prometheus.Histogram

	// Message metrics
	MessagesArchived prometheus.Counter
	SpooledBytes     prometheus.Counter
	SpoolErrors      prometheus.Counter

	CommandsRejected *prometheus.CounterVec
	Reloads          *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailarchive_connections_total",
			Help: "Total number of accepted SMTP connections",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mailarchive_connections_active",
			Help: "Number of active SMTP connections",
		}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailarchive_connection_duration_seconds",
			Help:    "Duration of SMTP connections",
			Buckets: prometheus.DefBuckets,
		}),
		MessagesArchived: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailarchive_messages_archived_total",
			Help: "Total number of messages written to the archive",
		}),
		SpooledBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailarchive_spooled_bytes_total",
			Help: "Total number of bytes written to spool files",
		}),
		SpoolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailarchive_spool_errors_total",
			Help: "Total number of spool file failures",
		}),
		CommandsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailarchive_commands_rejected_total",
			Help: "Total number of rejected commands by session state",
		}, []string{"state"}),
		Reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailarchive_reloads_total",
			Help: "Total number of configuration reloads by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

func (m *Metrics) connectionClosed(d time.Duration) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
	m.ConnectionDuration.Observe(d.Seconds())
}

func (m *Metrics) messageArchived(bytes int64) {
	if m == nil {
		return
	}
	m.MessagesArchived.Inc()
	m.SpooledBytes.Add(float64(bytes))
}

func (m *Metrics) spoolFailed() {
	if m == nil {
		return
	}
	m.SpoolErrors.Inc()
}

func (m *Metrics) commandRejected(state State) {
	if m == nil {
		return
	}
	m.CommandsRejected.WithLabelValues(state.String()).Inc()
}

// ReloadSucceeded counts a successful configuration reload
func (m *Metrics) ReloadSucceeded() {
	if m == nil {
		return
	}
	m.Reloads.WithLabelValues("success").Inc()
}

// ReloadFailed counts a rejected configuration reload
func (m *Metrics) ReloadFailed() {
	if m == nil {
		return
	}
	m.Reloads.WithLabelValues("failure").Inc()
}
