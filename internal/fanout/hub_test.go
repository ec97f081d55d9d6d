package fanout

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// dialTestConn spins up a one-shot upgrade endpoint and returns both ends of
// a live WebSocket connection.
func dialTestConn(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	serverConns := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-serverConns:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for server conn")
	}
	t.Cleanup(func() { server.Close() })
	return server, client
}

var errSnapshot = errors.New("snapshot failed")

func staticSnapshot(recentEvents any, hierarchy any) func() (any, any, error) {
	return func() (any, any, error) { return recentEvents, hierarchy, nil }
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

func TestAddSendsSnapshotBeforeLive(t *testing.T) {
	hub := NewHub()
	server, client := dialTestConn(t)

	id, err := hub.Add(server, staticSnapshot([]string{"e1", "e2"}, []string{"agent"}))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id == "" {
		t.Fatalf("expected subscriber id")
	}
	if hub.Count() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.Count())
	}

	hub.Broadcast(Message{Type: TypeEvent, Data: "live"})

	// Snapshot messages arrive in order, then the live push.
	if msg := readMessage(t, client); msg.Type != TypeInitial {
		t.Fatalf("expected initial first, got %s", msg.Type)
	}
	if msg := readMessage(t, client); msg.Type != TypeAgentRegistry {
		t.Fatalf("expected agent_registry second, got %s", msg.Type)
	}
	if msg := readMessage(t, client); msg.Type != TypeEvent || msg.Data != "live" {
		t.Fatalf("expected live event third, got %+v", msg)
	}
}

func TestBroadcastEvictsDeadSubscriber(t *testing.T) {
	hub := NewHub()
	server, client := dialTestConn(t)

	if _, err := hub.Add(server, staticSnapshot(nil, nil)); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Kill both ends so the next write fails.
	client.Close()
	server.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() > 0 && time.Now().Before(deadline) {
		hub.Broadcast(Message{Type: TypeEvent, Data: "x"})
		time.Sleep(10 * time.Millisecond)
	}
	if hub.Count() != 0 {
		t.Fatalf("expected dead subscriber evicted, count=%d", hub.Count())
	}
}

func TestAddDeliversBroadcastConcurrentWithJoin(t *testing.T) {
	hub := NewHub()
	server, client := dialTestConn(t)

	// Fire a broadcast while the snapshot is being taken. It must block on
	// the hub lock and land as a live push after registration; it can never
	// fall between the snapshot and the subscription.
	broadcastDone := make(chan struct{})
	snapshot := func() (any, any, error) {
		go func() {
			hub.Broadcast(Message{Type: TypeEvent, Data: "concurrent"})
			close(broadcastDone)
		}()
		// Give the broadcast time to reach the hub lock.
		time.Sleep(50 * time.Millisecond)
		return []string{}, []string{}, nil
	}

	if _, err := hub.Add(server, snapshot); err != nil {
		t.Fatalf("add: %v", err)
	}
	<-broadcastDone

	if msg := readMessage(t, client); msg.Type != TypeInitial {
		t.Fatalf("expected initial first, got %s", msg.Type)
	}
	if msg := readMessage(t, client); msg.Type != TypeAgentRegistry {
		t.Fatalf("expected agent_registry second, got %s", msg.Type)
	}
	if msg := readMessage(t, client); msg.Type != TypeEvent || msg.Data != "concurrent" {
		t.Fatalf("expected the concurrent event delivered live, got %+v", msg)
	}
}

func TestAddSnapshotError(t *testing.T) {
	hub := NewHub()
	server, _ := dialTestConn(t)

	_, err := hub.Add(server, func() (any, any, error) {
		return nil, nil, errSnapshot
	})
	if err == nil {
		t.Fatalf("expected snapshot error surfaced")
	}
	if hub.Count() != 0 {
		t.Fatalf("expected no subscriber after failed snapshot, got %d", hub.Count())
	}
}

func TestRemoveIdempotent(t *testing.T) {
	hub := NewHub()
	server, _ := dialTestConn(t)

	id, err := hub.Add(server, staticSnapshot(nil, nil))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	hub.Remove(id)
	hub.Remove(id)
	if hub.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", hub.Count())
	}
}

func TestBroadcastMultipleSubscribers(t *testing.T) {
	hub := NewHub()
	serverA, clientA := dialTestConn(t)
	serverB, clientB := dialTestConn(t)

	if _, err := hub.Add(serverA, staticSnapshot(nil, nil)); err != nil {
		t.Fatalf("add A: %v", err)
	}
	if _, err := hub.Add(serverB, staticSnapshot(nil, nil)); err != nil {
		t.Fatalf("add B: %v", err)
	}

	// Drain snapshots.
	for _, c := range []*websocket.Conn{clientA, clientB} {
		readMessage(t, c)
		readMessage(t, c)
	}

	hub.Broadcast(Message{Type: TypeAgentUpdate, Data: "entry"})
	for _, c := range []*websocket.Conn{clientA, clientB} {
		if msg := readMessage(t, c); msg.Type != TypeAgentUpdate {
			t.Fatalf("expected agent_update, got %s", msg.Type)
		}
	}
}
