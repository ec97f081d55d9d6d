package hitl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ClawScope/ClawScope/internal/fanout"
	"github.com/ClawScope/ClawScope/internal/store"
)

func newTestRouter(t *testing.T) (*Router, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "events.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewRouter(st, fanout.NewHub()), st
}

func insertHITLEvent(t *testing.T, st *store.Store, wsURL string) *store.Event {
	t.Helper()
	req := map[string]any{
		"type":                 "question",
		"question":             "Proceed?",
		"responseWebSocketUrl": wsURL,
	}
	reqJSON, _ := json.Marshal(req)
	ev, err := st.InsertEvent(&store.Event{
		SourceApp:      "demo",
		SessionID:      "session-1",
		HookEventType:  "Notification",
		Payload:        json.RawMessage(`{}`),
		HumanInTheLoop: reqJSON,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return ev
}

func TestRespondUnknownID(t *testing.T) {
	r, _ := newTestRouter(t)

	ev, err := r.Respond(context.Background(), 99, json.RawMessage(`{"answer":"yes"}`))
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected nil for unknown id")
	}
}

func TestRespondWithoutDeliveryURL(t *testing.T) {
	r, st := newTestRouter(t)
	ev := insertHITLEvent(t, st, "")

	updated, err := r.Respond(context.Background(), ev.ID, json.RawMessage(`{"answer":"yes"}`))
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if updated.HumanInTheLoopStatus.Status != store.HITLResponded {
		t.Fatalf("expected responded, got %s", updated.HumanInTheLoopStatus.Status)
	}
}

func TestRespondDeliversOverWebSocket(t *testing.T) {
	r, st := newTestRouter(t)

	upgrader := websocket.Upgrader{CheckOrigin: func(req *http.Request) bool { return true }}
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- data
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ev := insertHITLEvent(t, st, wsURL)

	response := json.RawMessage(`{"answer":"option-b"}`)
	updated, err := r.Respond(context.Background(), ev.ID, response)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if updated.HumanInTheLoopStatus.Status != store.HITLResponded {
		t.Fatalf("expected responded, got %s", updated.HumanInTheLoopStatus.Status)
	}

	select {
	case data := <-received:
		if string(data) != string(response) {
			t.Fatalf("expected %s delivered, got %s", response, data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
}

func TestRespondSurvivesUnreachableDeliveryURL(t *testing.T) {
	r, st := newTestRouter(t)
	// Nothing listens on this port; dial must fail fast and the response must
	// still be persisted.
	ev := insertHITLEvent(t, st, "ws://127.0.0.1:1/respond")

	start := time.Now()
	updated, err := r.Respond(context.Background(), ev.ID, json.RawMessage(`{"answer":"yes"}`))
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if elapsed := time.Since(start); elapsed > DeliveryTimeout+time.Second {
		t.Fatalf("respond took %v, exceeds delivery timeout", elapsed)
	}
	if updated.HumanInTheLoopStatus.Status != store.HITLResponded {
		t.Fatalf("expected responded despite delivery failure, got %s", updated.HumanInTheLoopStatus.Status)
	}

	stored, err := st.GetEvent(ev.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.HumanInTheLoopStatus.Status != store.HITLResponded {
		t.Fatalf("expected responded persisted, got %s", stored.HumanInTheLoopStatus.Status)
	}
}
