// Package ws bridges the in-process event bus to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/dlorp/synapse-engine/internal/bus"
)

// Hub upgrades connections on /ws/events and streams every bus event to
// each client. Backpressure is handled by the bus's per-subscriber
// drop-oldest buffer, so one stalled client never slows the others.
type Hub struct {
	bus         *bus.Bus
	allowOrigin string

	mu    sync.Mutex
	conns int
	total atomic.Int64
}

// NewHub creates a hub over the given bus with optional origin
// validation.
func NewHub(b *bus.Bus, allowOrigin string) *Hub {
	return &Hub{bus: b, allowOrigin: allowOrigin}
}

// HandleWS upgrades the request and streams events until the client
// disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if h.allowOrigin != "" {
		opts.OriginPatterns = []string{h.allowOrigin}
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	h.mu.Lock()
	h.conns++
	h.mu.Unlock()
	h.total.Add(1)
	slog.Info("websocket connected", "remote", r.RemoteAddr)

	defer func() {
		h.mu.Lock()
		h.conns--
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		slog.Info("websocket disconnected", "remote", r.RemoteAddr, "dropped", sub.Dropped())
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read loop: the protocol is server-push only, but reading keeps the
	// connection's control frames serviced and detects the close.
	go func() {
		defer cancel()
		for {
			if _, _, rerr := conn.Read(ctx); rerr != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			data, merr := json.Marshal(evt)
			if merr != nil {
				slog.Error("marshal ws event", "type", evt.Type, "error", merr)
				continue
			}
			if werr := conn.Write(ctx, websocket.MessageText, data); werr != nil {
				return
			}
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns
}
