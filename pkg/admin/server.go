// Package admin exposes the reset-metrics admin HTTP API (§6 "Admin HTTP
// API (exposed)"), adapted from the reference agent's health-server
// Start(port) pattern (mux + goroutine + klog) but serving the contract of
// the original metrics_reset_server.py rather than a Kubernetes probe.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/yale-nova/spirit/pkg/types"
)

// Monitor is the subset of the telemetry buffer the admin server resets.
type Monitor interface {
	ResetMetricsForApp(appID types.AppID) bool
}

// Server implements §6's three endpoints: GET /, POST /reset_metrics,
// GET /metrics.
type Server struct {
	monitor Monitor
}

// New constructs an admin server over monitor. monitor may be nil during
// startup; requests against a nil monitor answer 500 (§6, §7).
func New(monitor Monitor) *Server {
	return &Server{monitor: monitor}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"message": "Metrics reset API is running",
		"usage":   "POST /reset_metrics with {\"app_id\": <int>} or ?app_id=<int>",
	})
}

func (s *Server) handleResetMetrics(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "monitor not available"})
		return
	}

	appIDStr := r.URL.Query().Get("app_id")
	if appIDStr == "" {
		var body struct {
			AppID json.Number `json:"app_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			appIDStr = body.AppID.String()
		}
	}

	if appIDStr == "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "missing app_id"})
		return
	}

	appIDInt, err := strconv.Atoi(appIDStr)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "app_id must be an integer"})
		return
	}

	if !s.monitor.ResetMetricsForApp(types.AppID(appIDInt)) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": fmt.Sprintf("unknown app_id %d", appIDInt)})
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "message": fmt.Sprintf("metrics reset for app_id %d", appIDInt)})
}

// Start serves the admin API in a background goroutine, mirroring the
// reference health server's Start(port) (§5 "admin HTTP server thread").
func (s *Server) Start(port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.handleIndex(w, r)
	})
	mux.HandleFunc("/reset_metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.handleResetMetrics(w, r)
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	klog.InfoS("Starting admin server", "address", addr)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			klog.ErrorS(err, "Admin server failed")
		}
	}()
}
