package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/dlorp/synapse-engine/internal/adapter/ws"
	"github.com/dlorp/synapse-engine/internal/bus"
	"github.com/dlorp/synapse-engine/internal/domain/event"
)

func TestHubStreamsBusEvents(t *testing.T) {
	b := bus.New(16)
	hub := ws.NewHub(b, "")

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	// Wait for the subscription to register before emitting.
	deadline := time.After(2 * time.Second)
	for b.SubscriberCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("subscription never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	b.Emit(event.Event{Type: event.TypePipelineComplete, Message: "done"})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var evt event.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Type != event.TypePipelineComplete {
		t.Errorf("type = %s", evt.Type)
	}
	if evt.Timestamp.IsZero() {
		t.Error("timestamp missing on the wire")
	}
}

func TestHubReplaysBacklogToNewClients(t *testing.T) {
	b := bus.New(16)
	hub := ws.NewHub(b, "")
	b.Emit(event.Event{Type: event.TypeServerReady, Message: "earlier"})

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var evt event.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Type != event.TypeServerReady {
		t.Errorf("replayed type = %s, want server.ready", evt.Type)
	}
}
