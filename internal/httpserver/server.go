// Package httpserver exposes the device collection and process attribution
// over HTTP. Every endpoint performs one synchronous pass per request; there
// is no background refresh.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gpumon/gpumon/device"
	"github.com/gpumon/gpumon/internal/config"
	"github.com/gpumon/gpumon/internal/version"
	"github.com/gpumon/gpumon/procmon"
	"github.com/gpumon/gpumon/registry"
)

const readHeaderTimeout = 5 * time.Second

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	collection *registry.Collection
	monitor    *procmon.Monitor

	requestIDs atomic.Uint64
}

// New assembles a Server with its handlers. The monitor may be nil when
// process attribution is not wired, in which case /api/processes answers 503.
func New(cfg config.Config, logger *slog.Logger, collection *registry.Collection, monitor *procmon.Monitor) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		collection: collection,
		monitor:    monitor,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/processes", s.handleProcesses)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	handler := s.withRequestLogging(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Handler returns the assembled HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}

	resp := healthResponse{
		Status:        "ok",
		Devices:       s.collection.DeviceCount(),
		ProbeFailures: len(s.collection.ProbeFailures()),
	}

	s.writeJSON(w, r, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	s.writeJSON(w, r, version.Current())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}

	devices := s.collection.Devices()
	out := make([]deviceInfo, 0, len(devices))
	for i, dev := range devices {
		static, _ := s.collection.StaticInfo(i)
		out = append(out, deviceInfo{
			Index:  i,
			Vendor: dev.Vendor(),
			Name:   dev.Name(),
			UUID:   dev.UUID(),
			Static: static,
		})
	}
	s.writeJSON(w, r, out)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	s.writeJSON(w, r, s.collection.SnapshotAll(r.Context()))
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	if s.monitor == nil {
		http.Error(w, "process attribution unavailable", http.StatusServiceUnavailable)
		return
	}

	logger := s.loggerFromContext(r.Context())

	set, err := s.monitor.Snapshot(r.Context())
	if err != nil {
		logger.Error("attribution pass failed", "err", err)
		http.Error(w, "process enumeration failed", http.StatusServiceUnavailable)
		return
	}

	var records []procmon.ProcessRecord
	gpuOnly := r.URL.Query().Get("gpu") == "only"
	switch sortKey := r.URL.Query().Get("sort"); sortKey {
	case "", "pid":
		records = set.Processes()
	case "cpu":
		records = set.ByCPU()
	case "gpu":
		records = set.ByGPUMemory()
	default:
		http.Error(w, "unknown sort "+strconv.Quote(sortKey), http.StatusBadRequest)
		return
	}
	if gpuOnly {
		filtered := records[:0:0]
		for _, rec := range records {
			if rec.OnGPU() {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	s.writeJSON(w, r, processResponse{
		Taken:     set.Taken(),
		Processes: records,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, payload any) {
	logger := s.loggerFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to encode response", "path", r.URL.Path, "err", err)
	}
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(newDeviceCollector(s.collection, s.logger))
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

type healthResponse struct {
	Status        string `json:"status"`
	Devices       int    `json:"devices"`
	ProbeFailures int    `json:"probe_failures,omitempty"`
}

type deviceInfo struct {
	Index  int               `json:"index"`
	Vendor device.Vendor     `json:"vendor"`
	Name   string            `json:"name"`
	UUID   string            `json:"uuid"`
	Static device.StaticInfo `json:"static"`
}

type processResponse struct {
	Taken     time.Time               `json:"taken"`
	Processes []procmon.ProcessRecord `json:"processes"`
}
