package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/guardsys/guard/internal/config"
	"github.com/guardsys/guard/internal/event"
	"github.com/guardsys/guard/internal/store"
)

// Controller is the pipeline operational surface exposed over HTTP.
// Every operation is idempotent.
type Controller interface {
	StartCapture(ctx context.Context) error
	StopCapture() error
	StartDetection() error
	StopDetection()
	Running() bool
	Detecting() bool
}

// Server exposes the viewer endpoints (WebSocket push, MJPEG pull) and the
// minimal operational API.
type Server struct {
	cfg        config.StreamConfig
	hub        *Hub
	controller Controller
	events     store.Store
	logger     *zap.Logger
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer wires the routes.
func NewServer(cfg config.StreamConfig, hub *Hub, controller Controller, events store.Store, logger *zap.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		hub:        hub,
		controller: controller,
		events:     events,
		logger:     logger.Named("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Viewers connect from mobile apps on the local network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/stream", s.handleMJPEG)
	mux.HandleFunc("/api/stream/info", s.handleStreamInfo)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/events/cleanup", s.handleCleanup)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/capture/start", s.opHandler(func(ctx context.Context) error {
		return controller.StartCapture(ctx)
	}))
	mux.HandleFunc("/api/capture/stop", s.opHandler(func(context.Context) error {
		return controller.StopCapture()
	}))
	mux.HandleFunc("/api/detection/start", s.opHandler(func(context.Context) error {
		return controller.StartDetection()
	}))
	mux.HandleFunc("/api/detection/stop", s.opHandler(func(context.Context) error {
		controller.StopDetection()
		return nil
	}))
	mux.HandleFunc("/api/broadcast/start", s.opHandler(func(ctx context.Context) error {
		return hub.Start(ctx)
	}))
	mux.HandleFunc("/api/broadcast/stop", s.opHandler(func(context.Context) error {
		hub.Stop()
		return nil
	}))
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleWebSocket upgrades the connection and registers the viewer session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(s.hub, conn)
	s.hub.register(client)
	go client.writePump()
	go client.readPump()
}

// handleMJPEG serves the pull-based continuous image stream: one JPEG per
// frame interval until streaming stops or the client goes away.
func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	interval := time.Second / time.Duration(s.cfg.FrameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	deadline := time.Now().Add(s.cfg.PullTimeout)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !s.hub.Streaming() || time.Now().After(deadline) {
				return
			}
			jpeg, ok := s.hub.EncodeCurrentFrame()
			if !ok {
				continue
			}
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpeg)); err != nil {
				return
			}
			if _, err := w.Write(jpeg); err != nil {
				return
			}
			if _, err := w.Write([]byte("\r\n")); err != nil {
				return
			}
			flusher.Flush()
			s.hub.bytesSent.Add(int64(len(jpeg)))
		}
	}
}

func (s *Server) handleStreamInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stream":    s.hub.GetStats(),
		"capture":   s.controller.Running(),
		"detecting": s.controller.Detecting(),
	})
}

// handleEvents lists (GET) or deletes (DELETE) a user's fall events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id required"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		limit := 10
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		events, err := s.events.List(r.Context(), userID, limit)
		if err != nil {
			s.logger.Error("event list failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events": events,
			"count":  len(events),
		})

	case http.MethodDelete:
		eventID := r.URL.Query().Get("event_id")
		if eventID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "event_id required"})
			return
		}
		if err := s.events.Delete(r.Context(), userID, eventID); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"deleted": eventID})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCleanup removes a user's events older than the supplied cutoff
// (unix seconds) and reports the count removed.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	cutoffRaw := r.URL.Query().Get("cutoff")
	if userID == "" || cutoffRaw == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and cutoff required"})
		return
	}
	cutoffSec, err := strconv.ParseInt(cutoffRaw, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cutoff must be unix seconds"})
		return
	}

	removed, err := s.events.CleanupOlderThan(r.Context(), userID, time.Unix(cutoffSec, 0))
	if err != nil {
		s.logger.Error("event cleanup failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// handleStats aggregates simple per-user event counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id required"})
		return
	}

	events, err := s.events.List(r.Context(), userID, 1000)
	if err != nil {
		s.logger.Error("stats query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats failed"})
		return
	}

	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekStart := now.AddDate(0, 0, -7)
	monthStart := now.AddDate(0, 0, -30)

	stats := struct {
		TotalEvents     int              `json:"total_events"`
		EventsToday     int              `json:"events_today"`
		EventsThisWeek  int              `json:"events_this_week"`
		EventsThisMonth int              `json:"events_this_month"`
		LastEvent       *event.FallEvent `json:"last_event"`
	}{TotalEvents: len(events)}

	for _, ev := range events {
		if !ev.Timestamp.Before(dayStart) {
			stats.EventsToday++
		}
		if !ev.Timestamp.Before(weekStart) {
			stats.EventsThisWeek++
		}
		if !ev.Timestamp.Before(monthStart) {
			stats.EventsThisMonth++
		}
	}
	if len(events) > 0 {
		stats.LastEvent = events[0]
	}
	writeJSON(w, http.StatusOK, stats)
}

// opHandler wraps an idempotent control operation as a POST endpoint.
func (s *Server) opHandler(op func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := op(context.WithoutCancel(r.Context())); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
