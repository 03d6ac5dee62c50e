// Package server exposes the presence table over HTTP. It is strictly
// read-only: all writes come from the poll scheduler, and readers never
// coordinate with it beyond the table's own locking.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/delaneymorgan/anybodyhome/internal/presence"
	"github.com/delaneymorgan/anybodyhome/internal/store"
	"github.com/delaneymorgan/anybodyhome/internal/version"
)

// HistoryReader serves historical roll-call queries. Optional; nil disables
// the history route.
type HistoryReader interface {
	RollCallsSince(ctx context.Context, since time.Time) ([]store.RollCall, error)
}

// Server is the presence query interface.
type Server struct {
	httpServer *http.Server
	table      *presence.Table
	history    HistoryReader
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a Server serving the given presence table. gatherer feeds the
// /metrics endpoint; history may be nil.
func New(addr string, table *presence.Table, history HistoryReader, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		table:   table,
		history: history,
		logger:  logger,
		mux:     mux,
	}

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/presence", s.handlePresence)
	mux.HandleFunc("GET /api/v1/presence/watch", s.handleWatch)
	mux.HandleFunc("GET /api/v1/presence/{device}", s.handleDevice)
	mux.HandleFunc("GET /api/v1/anyone", s.handleAnyone)
	if history != nil {
		mux.HandleFunc("GET /api/v1/history", s.handleHistory)
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return s
}

// Handler returns the route handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleHealth returns the service health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "anybodyhome",
		"version": version.Map(),
	})
}

// handlePresence returns the roll-call as a name-to-present map, e.g.
// {"freds_mobile": true, "petes_mobile": false}.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	snapshot := s.table.Snapshot()
	out := make(map[string]bool, len(snapshot))
	for name, v := range snapshot {
		out[name] = v.Present()
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDevice returns the full verdict for one device.
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("device")
	verdict, ok := s.table.Get(name)
	if !ok {
		NotFound(w, fmt.Sprintf("device %q is not configured", name), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

// handleAnyone reports whether any device is present.
func (s *Server) handleAnyone(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"anyone_home": s.table.Anyone()})
}

// handleHistory returns roll-call records since the optional ?since
// timestamp (RFC 3339), defaulting to the last 24 hours.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			BadRequest(w, fmt.Sprintf("invalid since timestamp %q", raw), r.URL.Path)
			return
		}
		since = parsed
	}

	records, err := s.history.RollCallsSince(r.Context(), since)
	if err != nil {
		s.logger.Warn("history query failed", zap.Error(err))
		InternalError(w, "history query failed", r.URL.Path)
		return
	}
	if records == nil {
		records = []store.RollCall{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleWatch streams verdict updates over a websocket until the client
// disconnects. Each message is one verdict JSON object.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	updates := s.table.Subscribe()
	defer s.table.Unsubscribe(updates)

	// Send the current snapshot first so clients start consistent.
	for _, v := range s.table.Snapshot() {
		if err := wsjson.Write(r.Context(), conn, v); err != nil {
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		case v, ok := <-updates:
			if !ok {
				return
			}
			if err := wsjson.Write(r.Context(), conn, v); err != nil {
				return
			}
		}
	}
}
