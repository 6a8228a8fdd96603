// Package broadcast pushes annotated live frames to connected viewers over
// WebSocket and serves a pull-based MJPEG stream, plus out-of-band fall
// alerts to every viewer.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/guardsys/guard/internal/config"
	"github.com/guardsys/guard/internal/event"
)

// FrameProvider hands out copies of the current annotated frame.
type FrameProvider interface {
	SnapshotProcessed() (gocv.Mat, bool)
}

// Message types on the viewer socket.
const (
	msgVideoFrame    = "video_frame"
	msgFallDetection = "fall_detection"
	msgConnStatus    = "connection_status"
	msgStreamStopped = "stream_stopped"
)

type frameMessage struct {
	Type      string    `json:"type"`
	Frame     []byte    `json:"frame"` // JSON marshals []byte as base64
	Timestamp time.Time `json:"timestamp"`
	Format    string    `json:"format"`
}

type alertMessage struct {
	Type      string           `json:"type"`
	Event     *event.FallEvent `json:"event"`
	Timestamp time.Time        `json:"timestamp"`
	Severity  string           `json:"severity"`
}

type statusMessage struct {
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	ClientID   string    `json:"client_id,omitempty"`
	ServerTime time.Time `json:"server_time"`
}

// Hub owns the registry of viewer sessions and the broadcast loop.
type Hub struct {
	cfg      config.StreamConfig
	provider FrameProvider
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}

	streaming atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	totalConnections atomic.Int64
	bytesSent        atomic.Int64
	startedAt        time.Time
}

// NewHub builds an idle hub; Start begins the push loop.
func NewHub(cfg config.StreamConfig, provider FrameProvider, logger *zap.Logger) *Hub {
	return &Hub{
		cfg:       cfg,
		provider:  provider,
		logger:    logger.Named("broadcast"),
		clients:   map[*Client]struct{}{},
		startedAt: time.Now(),
	}
}

// Start begins pushing frames at the configured rate. Idempotent.
func (h *Hub) Start(ctx context.Context) error {
	if !h.streaming.CompareAndSwap(false, true) {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.wg.Add(1)
	go h.pushLoop(loopCtx)

	h.logger.Info("broadcast started", zap.Int("frame_rate", h.cfg.FrameRate))
	return nil
}

// Stop halts the push loop and notifies viewers. Idempotent.
func (h *Hub) Stop() {
	if !h.streaming.CompareAndSwap(true, false) {
		return
	}

	h.cancel()
	h.wg.Wait()

	if raw, err := json.Marshal(statusMessage{
		Type:       msgStreamStopped,
		Status:     "stopped",
		ServerTime: time.Now(),
	}); err == nil {
		h.deliverAll(raw)
	}
	h.logger.Info("broadcast stopped")
}

// Streaming reports whether the push loop is active.
func (h *Hub) Streaming() bool { return h.streaming.Load() }

// pushLoop encodes the current frame once per tick and fans the bytes out
// to every connected viewer.
func (h *Hub) pushLoop(ctx context.Context) {
	defer h.wg.Done()

	interval := time.Second / time.Duration(h.cfg.FrameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.ViewerCount() == 0 {
				continue
			}
			jpeg, ok := h.EncodeCurrentFrame()
			if !ok {
				continue
			}
			raw, err := json.Marshal(frameMessage{
				Type:      msgVideoFrame,
				Frame:     jpeg,
				Timestamp: time.Now(),
				Format:    "jpeg",
			})
			if err != nil {
				h.logger.Error("frame message encode failed", zap.Error(err))
				continue
			}
			h.deliverAll(raw)
		}
	}
}

// EncodeCurrentFrame snapshots the provider's frame and encodes it as JPEG.
func (h *Hub) EncodeCurrentFrame() ([]byte, bool) {
	mat, ok := h.provider.SnapshotProcessed()
	if !ok {
		return nil, false
	}
	defer mat.Close()

	quality := h.cfg.JPEGQuality
	if quality <= 0 {
		quality = 70
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat,
		[]int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		h.logger.Error("frame encode failed", zap.Error(err))
		return nil, false
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, true
}

// deliverAll hands the payload to every client without blocking: a viewer
// whose send slot is still occupied silently misses this payload.
func (h *Hub) deliverAll(raw []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.deliver(raw) {
			h.bytesSent.Add(int64(len(raw)))
		}
	}
}

// BroadcastAlert pushes the fall notice to all viewers immediately,
// independent of the frame cadence.
func (h *Hub) BroadcastAlert(ev *event.FallEvent) {
	raw, err := json.Marshal(alertMessage{
		Type:      msgFallDetection,
		Event:     ev,
		Timestamp: time.Now(),
		Severity:  "critical",
	})
	if err != nil {
		h.logger.Error("alert encode failed", zap.Error(err))
		return
	}
	h.deliverAll(raw)
	h.logger.Info("fall alert broadcast",
		zap.String("event_id", ev.ID),
		zap.Int("viewers", h.ViewerCount()))
}

// register adds the session and acknowledges the connection.
func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.totalConnections.Add(1)
	h.logger.Info("viewer connected",
		zap.String("client_id", client.ID),
		zap.Int("viewers", h.ViewerCount()))

	if raw, err := json.Marshal(statusMessage{
		Type:       msgConnStatus,
		Status:     "connected",
		ClientID:   client.ID,
		ServerTime: time.Now(),
	}); err == nil {
		client.deliver(raw)
	}
}

// unregister drops the session; safe to call more than once.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
	}
	h.mu.Unlock()

	if ok {
		close(client.send)
		h.logger.Info("viewer disconnected",
			zap.String("client_id", client.ID),
			zap.Int("viewers", h.ViewerCount()))
	}
}

// ViewerCount returns the registry size.
func (h *Hub) ViewerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats describes the hub for the operational surface.
type Stats struct {
	Streaming        bool    `json:"streaming"`
	ConnectedClients int     `json:"connected_clients"`
	TotalConnections int64   `json:"total_connections"`
	BytesSent        int64   `json:"bytes_sent"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// GetStats snapshots the hub counters.
func (h *Hub) GetStats() Stats {
	return Stats{
		Streaming:        h.streaming.Load(),
		ConnectedClients: h.ViewerCount(),
		TotalConnections: h.totalConnections.Load(),
		BytesSent:        h.bytesSent.Load(),
		UptimeSeconds:    time.Since(h.startedAt).Seconds(),
	}
}
