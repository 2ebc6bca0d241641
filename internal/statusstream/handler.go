package statusstream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/ashureev/zapbridge/internal/domain"
	"github.com/ashureev/zapbridge/internal/statuscache"
)

const writeTimeout = 5 * time.Second

// Source returns the current status of an instance.
type Source interface {
	Status(ctx context.Context, instance string) (domain.StatusSnapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, instance string) (domain.StatusSnapshot, error)

// Status calls f.
func (f SourceFunc) Status(ctx context.Context, instance string) (domain.StatusSnapshot, error) {
	return f(ctx, instance)
}

// Message is one frame sent to the client.
type Message struct {
	Instance  string                  `json:"instance"`
	Status    domain.ConnectionStatus `json:"status,omitempty"`
	Details   any                     `json:"details,omitempty"`
	FetchedAt *time.Time              `json:"fetched_at,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// Handler upgrades requests to status streams.
type Handler struct {
	registry *Registry
	source   Source
	interval time.Duration
	origins  []string
}

// NewHandler creates a stream handler that polls source every interval.
func NewHandler(registry *Registry, source Source, interval time.Duration, origins []string) *Handler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Handler{
		registry: registry,
		source:   source,
		interval: interval,
		origins:  origins,
	}
}

// Serve streams status frames for instance until the client goes away or the
// instance is deleted. Authorization is the caller's job.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, instance string) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "instance", instance)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "instance", instance)
		}
	}()

	streamID := uuid.NewString()
	h.registry.Register(instance, streamID, ws)
	defer h.registry.Unregister(instance, streamID, ws)

	// Clients only listen; CloseRead handles their control frames and cancels
	// ctx when they disconnect.
	ctx := ws.CloseRead(r.Context())

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var lastSent time.Time
	for {
		sent, err := h.push(ctx, ws, instance, lastSent)
		if err != nil {
			if ctx.Err() == nil {
				slog.Debug("Status stream write failed", "instance", instance, "error", err)
			}
			return
		}
		if !sent.IsZero() {
			lastSent = sent
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// push sends the current snapshot unless it was already sent. It returns the
// FetchedAt of the frame written, or zero when nothing was written.
func (h *Handler) push(ctx context.Context, ws *websocket.Conn, instance string, lastSent time.Time) (time.Time, error) {
	snap, err := h.source.Status(ctx, instance)
	if err != nil {
		if ctx.Err() != nil {
			return time.Time{}, ctx.Err()
		}
		msg := Message{Instance: instance, Error: "status_unavailable"}
		if !errors.Is(err, statuscache.ErrStatusUnavailable) {
			msg.Error = "internal_error"
		}
		return time.Time{}, h.write(ctx, ws, msg)
	}

	if !lastSent.IsZero() && !snap.FetchedAt.After(lastSent) {
		return time.Time{}, nil
	}

	fetchedAt := snap.FetchedAt
	msg := Message{Instance: instance, Status: snap.Status, FetchedAt: &fetchedAt}
	if len(snap.Details) > 0 {
		msg.Details = snap.Details
	}
	return snap.FetchedAt, h.write(ctx, ws, msg)
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, msg Message) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, ws, msg)
}
