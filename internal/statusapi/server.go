// Package statusapi serves the local status surface: health, status JSON,
// live alert streams over SSE and websocket, the overlay image and
// Prometheus metrics.
package statusapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/padetect-agent/internal/agent"
	"github.com/dj-oyu/padetect-agent/internal/logger"
)

const (
	DefaultStreamInterval = 2 * time.Second

	keepaliveInterval = 30 * time.Second
	wsWriteTimeout    = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Provider is what the server reads from. *agent.Agent implements it.
type Provider interface {
	Report(ctx context.Context) agent.Report
	OverlaySnapshot() (image.Image, bool)
}

// Server serves the status endpoints.
type Server struct {
	provider       Provider
	broadcaster    *Broadcaster
	metrics        http.Handler
	streamInterval time.Duration
	upgrader       websocket.Upgrader
	httpServer     *http.Server
}

// NewServer returns a server. metricsHandler may be nil.
func NewServer(p Provider, b *Broadcaster, metricsHandler http.Handler, streamInterval time.Duration) *Server {
	if streamInterval <= 0 {
		streamInterval = DefaultStreamInterval
	}
	return &Server{
		provider:       p,
		broadcaster:    b,
		metrics:        metricsHandler,
		streamInterval: streamInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/alerts/stream", s.handleAlertStream)
	mux.HandleFunc("/api/alerts/ws", s.handleAlertWS)
	mux.HandleFunc("/api/overlay.png", s.handleOverlay)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("StatusAPI", "Listening on %s", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// Streams only end when their clients go away.
	s.broadcaster.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	r2 := s.provider.Report(r.Context())
	status := http.StatusOK
	if !r2.Alive {
		status = http.StatusServiceUnavailable
	}
	writeJSONWithStatus(w, map[string]any{
		"alive": r2.Alive,
		"state": r2.Worker.State,
	}, status)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.provider.Report(r.Context()))
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	setSSEHeaders(w)

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()
	for {
		if err := writeSSE(w, s.provider.Report(r.Context())); err != nil {
			return
		}
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	id, eventCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)

	setSSEHeaders(w)
	w.Header().Set("X-Content-Format", "application/json")
	// Headers go out now so clients see the stream before the first alert.
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.JSONData); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}

// handleAlertWS streams protobuf-encoded events as binary messages. Anything
// the client sends is discarded; a read error ends the session.
func (s *Server) handleAlertWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket", "Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	id, eventCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, ev.ProtobufData); err != nil {
				logger.Debug("WebSocket", "Client disconnected: %v", err)
				return
			}
		}
	}
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	img, ok := s.provider.OverlaySnapshot()
	if !ok {
		http.Error(w, "No overlay shown", http.StatusNotFound)
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		http.Error(w, "Failed to encode overlay", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(buf.Bytes())
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
