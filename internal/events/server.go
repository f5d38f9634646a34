package events

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ralphbot/ralph/internal/config"
)

// Metrics holds the daemon-level instruments the dashboard exposes. The bus
// registers its own event counter on the same registry.
type Metrics struct {
	Registry *prometheus.Registry

	WorkersRunning prometheus.Gauge
	QueueDepth     prometheus.Gauge
	WatchdogTrips  *prometheus.CounterVec
	MergesTotal    prometheus.Counter
}

// NewMetrics builds an independent registry so repeated construction (tests)
// never collides on the global default.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		WorkersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ralph_workers_running",
			Help: "Workers currently holding a task.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ralph_queue_depth",
			Help: "Issues in the queued state across all repos.",
		}),
		WatchdogTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ralph_watchdog_trips_total",
			Help: "Watchdog trips by kind (watchdog, stall, loop).",
		}, []string{"kind"}),
		MergesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ralph_merges_total",
			Help: "Pull requests merged by the merge gate.",
		}),
	}
	reg.MustRegister(m.WorkersRunning, m.QueueDepth, m.WatchdogTrips, m.MergesTotal)
	reg.MustRegister(collectors.NewGoCollector())
	return m
}

// Server is the localhost dashboard listener: SSE events, the recent-event
// ring, a status snapshot, and /metrics.
type Server struct {
	Cfg     config.DashboardConfig
	Bus     *Bus
	Metrics *Metrics

	// Status produces the /api/status snapshot.
	Status func(ctx context.Context) (interface{}, error)
}

// Run serves until ctx is cancelled. A zero port disables the listener.
func (s *Server) Run(ctx context.Context) error {
	if s.Cfg.Port == 0 {
		<-ctx.Done()
		return nil
	}
	addr := fmt.Sprintf("127.0.0.1:%d", s.Cfg.Port)
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Dashboard listening", "addr", "http://"+addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Handler wires the routes onto a new ServeMux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.authorized(s.handleStatus))
	mux.HandleFunc("GET /api/events", s.authorized(s.handleRecent))
	mux.HandleFunc("GET /events", s.authorized(s.handleSSE))
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.authorizedHandler(
			promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{})))
	}
	return mux
}

// authorized gates a handler on the configured token. With a token set,
// requests must carry it as a bearer credential; without one, only loopback
// peers are served.
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorizedHandler(next http.Handler) http.HandlerFunc {
	return s.authorized(next.ServeHTTP)
}

func (s *Server) allow(r *http.Request) bool {
	if s.Cfg.Token != "" {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		return subtle.ConstantTimeCompare([]byte(got), []byte(s.Cfg.Token)) == 1
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.Status == nil {
		writeError(w, http.StatusNotFound, "status unavailable")
		return
	}
	snap, err := s.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": s.Bus.Recent()})
}

// handleSSE streams live events. Clients receive a "connected" event
// immediately, then each published event as a JSON data frame.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Bus.Subscribe()
	defer s.Bus.Unsubscribe(ch)

	connected, _ := json.Marshal(Event{Type: "connected", At: time.Now().UTC().Format(time.RFC3339)})
	fmt.Fprintf(w, "data: %s\n\n", connected)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			w.Write(frame)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
