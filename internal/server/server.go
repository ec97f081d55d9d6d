// Package server exposes the REST and WebSocket surface over the event store,
// registry resolver, fanout hub, and HITL router.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ClawScope/ClawScope/internal/fanout"
	"github.com/ClawScope/ClawScope/internal/hitl"
	"github.com/ClawScope/ClawScope/internal/mirror"
	"github.com/ClawScope/ClawScope/internal/notify"
	"github.com/ClawScope/ClawScope/internal/registry"
	"github.com/ClawScope/ClawScope/internal/store"
	webassets "github.com/ClawScope/ClawScope/web"
)

// snapshotLimit is how many recent events seed a new /stream subscriber.
const snapshotLimit = 100

// Server holds the process-scoped state injected into every handler, so
// independent test instances can run side by side.
type Server struct {
	Store    *store.Store
	Registry *registry.Resolver
	Hub      *fanout.Hub
	Router   *hitl.Router
	Mirror   *mirror.Mirror
	Notifier *notify.SlackNotifier
	Version  string

	upgrader  websocket.Upgrader
	startTime time.Time
}

// New wires a server over its collaborators. Mirror and Notifier may be nil.
func New(st *store.Store, reg *registry.Resolver, hub *fanout.Hub, router *hitl.Router, m *mirror.Mirror, n *notify.SlackNotifier, version string) *Server {
	return &Server{
		Store:    st,
		Registry: reg,
		Hub:      hub,
		Router:   router,
		Mirror:   m,
		Notifier: n,
		Version:  version,
		upgrader: websocket.Upgrader{
			// Trusted local/network deployment; CORS is fully open.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}
}

// Handler builds the HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/events/", s.handleEventSubpath)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/signals/rules", s.handleSignalRules)
	mux.HandleFunc("/signals", s.handleSignals)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/", s.handleIndex)
	return mux
}

// cors opens the endpoint to any origin. Appropriate only for trusted
// local/network deployment.
func cors(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "*")
	w.Header().Set("Access-Control-Allow-Headers", "*")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type insertRequest struct {
	SourceApp      string          `json:"source_app"`
	SessionID      string          `json:"session_id"`
	HookEventType  string          `json:"hook_event_type"`
	Payload        json.RawMessage `json:"payload"`
	Chat           json.RawMessage `json:"chat"`
	Summary        string          `json:"summary"`
	ModelName      string          `json:"model_name"`
	Tags           []string        `json:"tags"`
	Timestamp      *time.Time      `json:"timestamp"`
	HumanInTheLoop json.RawMessage `json:"humanInTheLoop"`
}

// handleEvents ingests a producer event: POST /events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	cors(w)
	if r.Method == http.MethodOptions {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body insertRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.SourceApp == "" || body.SessionID == "" || body.HookEventType == "" || len(body.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "source_app, session_id, hook_event_type, and payload are required")
		return
	}

	ev := &store.Event{
		SourceApp:      body.SourceApp,
		SessionID:      body.SessionID,
		HookEventType:  body.HookEventType,
		Payload:        body.Payload,
		Chat:           body.Chat,
		Summary:        body.Summary,
		ModelName:      body.ModelName,
		Tags:           body.Tags,
		HumanInTheLoop: body.HumanInTheLoop,
	}
	if body.Timestamp != nil {
		ev.Timestamp = *body.Timestamp
	}

	inserted, err := s.ingest(ev)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inserted)
}

// ingest is the shared insert path for /events and /signals: durable write,
// registry derivation, fanout, then the best-effort mirrors. The store write
// always succeeds or fails independently of everything downstream.
func (s *Server) ingest(ev *store.Event) (*store.Event, error) {
	inserted, err := s.Store.InsertEvent(ev)
	if err != nil {
		return nil, err
	}

	// Registry derivation errors are absorbed: losing registry fidelity is
	// preferred over losing the event.
	changed, regErr := s.Registry.Apply(inserted)
	if regErr != nil {
		fmt.Printf("⚠️ registry derivation failed for event %d: %v\n", inserted.ID, regErr)
	}

	s.Hub.Broadcast(fanout.Message{Type: fanout.TypeEvent, Data: inserted})
	for _, entry := range changed {
		s.Hub.Broadcast(fanout.Message{Type: fanout.TypeAgentUpdate, Data: entry})
	}

	// Best-effort mirrors run detached from the request: its context dies
	// with the handler, before the goroutines finish.
	if s.Mirror != nil {
		go func() {
			if err := s.Mirror.Publish(context.Background(), inserted); err != nil {
				fmt.Printf("⚠️ %v\n", err)
			}
		}()
	}
	if s.Notifier != nil && len(inserted.HumanInTheLoop) > 0 {
		go func() {
			if err := s.Notifier.HITLPending(context.Background(), inserted); err != nil {
				fmt.Printf("⚠️ %v\n", err)
			}
		}()
	}
	return inserted, nil
}

// handleEventSubpath dispatches /events/recent, /events/query, /events/export,
// /events/filter-options, /events/{id}/tag, and /events/{id}/respond.
func (s *Server) handleEventSubpath(w http.ResponseWriter, r *http.Request) {
	cors(w)
	if r.Method == http.MethodOptions {
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/events/"), "/")
	switch rest {
	case "recent":
		s.handleRecent(w, r)
		return
	case "query":
		s.handleQuery(w, r)
		return
	case "export":
		s.handleExport(w, r)
		return
	case "filter-options":
		s.handleFilterOptions(w, r)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid event id")
		return
	}
	switch parts[1] {
	case "tag":
		s.handleTag(w, r, id)
	case "respond":
		s.handleRespond(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.Store.RecentEvents(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func parseFilter(r *http.Request) store.FilterArgs {
	q := r.URL.Query()
	filter := store.FilterArgs{
		Type:      q.Get("type"),
		SessionID: q.Get("session_id"),
		SourceApp: q.Get("source_app"),
		Tag:       q.Get("tag"),
	}
	if v := q.Get("signal_only"); v == "true" || v == "1" {
		filter.SignalOnly = true
	}
	if t := parseTime(q.Get("since")); t != nil {
		filter.Since = t
	}
	if t := parseTime(q.Get("until")); t != nil {
		filter.Until = t
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	return filter
}

func parseTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t
		}
	}
	// Unix epoch seconds as a convenience for scripts.
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		t := time.Unix(secs, 0).UTC()
		return &t
	}
	return nil
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	events, total, err := s.Store.QueryEvents(parseFilter(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": total})
}

func (s *Server) handleFilterOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := s.Store.FilterOptions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

type tagRequest struct {
	Tags json.RawMessage `json:"tags"`
	Note string          `json:"note"`
}

func (s *Server) handleTag(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body tagRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var tags []string
	if err := json.Unmarshal(body.Tags, &tags); err != nil {
		writeError(w, http.StatusBadRequest, "tags must be an array of strings")
		return
	}

	ev, err := s.Store.TagEvent(id, tags, body.Note)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	s.Hub.Broadcast(fanout.Message{Type: fanout.TypeEvent, Data: ev})
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ev, err := s.Router.Respond(r.Context(), id, body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	cors(w)
	if r.Method == http.MethodOptions {
		return
	}
	hierarchy, err := s.Registry.Hierarchy()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, hierarchy)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cors(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        s.Version,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"subscribers":    s.Hub.Count(),
	})
}

// handleSignalRules reads or replaces the auto-detection rule document. The
// document is an opaque pass-through; rules are evaluated by the producers.
func (s *Server) handleSignalRules(w http.ResponseWriter, r *http.Request) {
	cors(w)
	switch r.Method {
	case http.MethodOptions:
		return
	case http.MethodGet:
		doc, err := s.Store.SignalRules()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil || !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.Store.SetSignalRules(body); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type signalRequest struct {
	Type      string `json:"type"`
	Context   string `json:"context"`
	SourceApp string `json:"source_app"`
	SessionID string `json:"session_id"`
}

// handleSignals creates an ExplicitSignal-typed event programmatically.
func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	cors(w)
	if r.Method == http.MethodOptions {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body signalRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Type == "" || body.Context == "" {
		writeError(w, http.StatusBadRequest, "type and context are required")
		return
	}
	if body.SourceApp == "" {
		body.SourceApp = "signals"
	}
	if body.SessionID == "" {
		body.SessionID = fmt.Sprintf("signal-%d", time.Now().UnixNano())
	}

	payload, _ := json.Marshal(map[string]string{"type": body.Type, "context": body.Context})
	inserted, err := s.ingest(&store.Event{
		SourceApp:     body.SourceApp,
		SessionID:     body.SessionID,
		HookEventType: store.SignalEventType,
		Payload:       payload,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inserted)
}

// handleStream upgrades to the server→client WebSocket. No client→server
// protocol exists beyond the handshake; the read loop only detects closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// The snapshot closure runs under the hub lock, so events committed
	// while this subscriber joins are either in the snapshot or pushed live.
	id, err := s.Hub.Add(conn, func() (any, any, error) {
		events, err := s.Store.RecentEvents(snapshotLimit)
		if err != nil {
			return nil, nil, err
		}
		if events == nil {
			events = []store.Event{}
		}
		hierarchy, err := s.Registry.Hierarchy()
		if err != nil {
			return nil, nil, err
		}
		return events, hierarchy, nil
	})
	if err != nil {
		return
	}

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.Hub.Remove(id)
				return
			}
		}
	}()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	data, err := webassets.Files.ReadFile("index.html")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}
