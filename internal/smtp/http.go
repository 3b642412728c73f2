package smtp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health is the body of the /healthz endpoint
type Health struct {
	Status            string `json:"status"`
	Uptime            string `json:"uptime"`
	ActiveConnections int64  `json:"active_connections"`
	Generation        uint64 `json:"config_generation"`
}

// Health reports the current state of the server
func (s *Server) Health() Health {
	status := "ok"
	if s.isClosed() {
		status = "stopping"
	}
	return Health{
		Status:            status,
		Uptime:            s.Uptime().Truncate(time.Second).String(),
		ActiveConnections: s.ActiveConnections(),
		Generation:        s.Snapshot().Generation,
	}
}

// NewHTTPHandler serves /metrics from gatherer and /healthz from health
func NewHTTPHandler(gatherer prometheus.Gatherer, health func() Health) http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		h := health()
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(h); err != nil {
			slog.Default().Debug("Failed to write health response", "error", err)
		}
	}).Methods("GET")

	return r
}
