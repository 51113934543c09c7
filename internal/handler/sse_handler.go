package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aditya/tow-dispatch/internal/fanout"
	"github.com/go-chi/chi/v5"
)

const defaultHeartbeat = 15 * time.Second

// StreamHandler serves the change stream over SSE and WebSocket. Messages are
// hints; clients re-fetch jobs and presence over HTTP for authoritative state.
type StreamHandler struct {
	hub       *fanout.Hub
	driverCmd *DriverCommands
	heartbeat time.Duration
	logger    *slog.Logger
}

func NewStreamHandler(hub *fanout.Hub, driverCmd *DriverCommands, heartbeat time.Duration, logger *slog.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		hub:       hub,
		driverCmd: driverCmd,
		heartbeat: heartbeat,
		logger:    logger,
	}
}

func (h *StreamHandler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/dispatch", h.StreamDispatch)
	r.Get("/drivers/{id}/stream", h.StreamDriver)
	r.Get("/drivers/{id}/ws", h.DriverSocket)
}

// GET /v1/stream/dispatch
func (h *StreamHandler) StreamDispatch(w http.ResponseWriter, r *http.Request) {
	sub := h.hub.SubscribeDispatcher()
	defer sub.Close()
	h.serveSSE(w, r, sub)
}

// GET /v1/drivers/{id}/stream
func (h *StreamHandler) StreamDriver(w http.ResponseWriter, r *http.Request) {
	id, ok := driverID(w, r)
	if !ok {
		return
	}
	sub := h.hub.SubscribeDriver(id)
	defer sub.Close()
	h.serveSSE(w, r, sub)
}

func (h *StreamHandler) serveSSE(w http.ResponseWriter, r *http.Request, sub *fanout.Subscription) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ctx := r.Context()
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(msg.Data)
			if err != nil {
				h.logger.Warn("stream message encode failed", slog.Any("error", err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Kind, data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, "event: heartbeat\ndata: {\"time\": \"%s\"}\n\n", time.Now().UTC().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}
