// Package store provides the durable SQLite event log.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store owns the events, agents, and settings tables.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the event database and applies the schema.
// Migrations are additive only: columns introduced after the original schema
// are added with best-effort ALTERs that no-op when the column already exists,
// so startup is safe against a database from any historical version.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open event db: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	// Best-effort migrations for columns added after the original schema
	// (no-op if the column exists). Order is fixed but each statement is
	// independent, so a partially migrated db converges.
	_, _ = db.Exec(`ALTER TABLE events ADD COLUMN model_name TEXT DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE events ADD COLUMN tags TEXT DEFAULT '[]'`)
	_, _ = db.Exec(`ALTER TABLE events ADD COLUMN notes TEXT DEFAULT '[]'`)
	_, _ = db.Exec(`ALTER TABLE events ADD COLUMN human_in_the_loop TEXT`)
	_, _ = db.Exec(`ALTER TABLE events ADD COLUMN human_in_the_loop_status TEXT`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_tags ON events(tags)`)
	// Backfill for rows created before the tag/note columns existed.
	_, _ = db.Exec(`UPDATE events SET tags = '[]' WHERE tags IS NULL OR tags = ''`)
	_, _ = db.Exec(`UPDATE events SET notes = '[]' WHERE notes IS NULL OR notes = ''`)

	return &Store{db: db}, nil
}

// DB returns the underlying *sql.DB for shared access (e.g. the registry).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

const eventColumns = `id, source_app, session_id, hook_event_type,
	COALESCE(payload,'{}'), chat, COALESCE(summary,''), COALESCE(model_name,''),
	timestamp, COALESCE(tags,'[]'), COALESCE(notes,'[]'),
	human_in_the_loop, human_in_the_loop_status`

// InsertEvent persists a new event and returns it with its assigned id.
// Missing timestamp defaults to now; tags and notes default to empty; an
// embedded HITL request without a supplied status is initialized to pending.
func (s *Store) InsertEvent(ev *Event) (*Event, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Tags == nil {
		ev.Tags = []string{}
	}
	if ev.Notes == nil {
		ev.Notes = []Note{}
	}
	if len(ev.HumanInTheLoop) > 0 && ev.HumanInTheLoopStatus == nil {
		ev.HumanInTheLoopStatus = &HITLStatus{Status: HITLPending}
	}
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage("{}")
	}

	tagsJSON, _ := json.Marshal(ev.Tags)
	notesJSON, _ := json.Marshal(ev.Notes)
	var chat, hitl, hitlStatus any
	if len(ev.Chat) > 0 {
		chat = string(ev.Chat)
	}
	if len(ev.HumanInTheLoop) > 0 {
		hitl = string(ev.HumanInTheLoop)
	}
	if ev.HumanInTheLoopStatus != nil {
		b, _ := json.Marshal(ev.HumanInTheLoopStatus)
		hitlStatus = string(b)
	}

	result, err := s.db.Exec(`INSERT INTO events
		(source_app, session_id, hook_event_type, payload, chat, summary, model_name, timestamp, tags, notes, human_in_the_loop, human_in_the_loop_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SourceApp, ev.SessionID, ev.HookEventType, string(ev.Payload),
		chat, ev.Summary, ev.ModelName, ev.Timestamp,
		string(tagsJSON), string(notesJSON), hitl, hitlStatus)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	id, _ := result.LastInsertId()
	return s.GetEvent(id)
}

// GetEvent returns an event by id, or nil if unknown.
func (s *Store) GetEvent(id int64) (*Event, error) {
	row := s.db.QueryRow(`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// RecentEvents returns the most recent limit events in ascending chronological
// order. The query retrieves descending for the id index, then reverses, so
// callers see a replayable timeline.
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+eventColumns+` FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// QueryEvents returns a page of events matching the filters plus the total
// matching count for pagination.
func (s *Store) QueryEvents(filter FilterArgs) ([]Event, int, error) {
	where, args := buildWhere(filter)

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("query events count: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + eventColumns + ` FROM events` + where + ` ORDER BY timestamp ASC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// ExportEvents returns the full filtered set for bulk dumps. Same filter
// semantics as QueryEvents, default cap 1000, no total count.
func (s *Store) ExportEvents(filter FilterArgs) ([]Event, error) {
	if filter.Limit <= 0 {
		filter.Limit = 1000
	}
	where, args := buildWhere(filter)
	query := `SELECT ` + eventColumns + ` FROM events` + where + ` ORDER BY timestamp ASC, id ASC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("export events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func buildWhere(filter FilterArgs) (string, []any) {
	where := ` WHERE 1=1`
	args := []any{}

	if filter.SignalOnly {
		filter.Type = SignalEventType
	}
	if filter.Type != "" {
		where += ` AND hook_event_type = ?`
		args = append(args, filter.Type)
	}
	if filter.SessionID != "" {
		where += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.SourceApp != "" {
		where += ` AND source_app = ?`
		args = append(args, filter.SourceApp)
	}
	if filter.Since != nil {
		where += ` AND timestamp >= ?`
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		where += ` AND timestamp <= ?`
		args = append(args, *filter.Until)
	}
	if filter.Tag != "" {
		// Tags are a serialized JSON array; the quote-delimited pattern keeps
		// one tag name from matching a prefix of another.
		where += ` AND tags LIKE ?`
		args = append(args, `%"`+filter.Tag+`"%`)
	}
	return where, args
}

// TagEvent merges tags as a set union (never shrinks) and optionally appends
// a note. Returns nil if the id is unknown.
func (s *Store) TagEvent(id int64, tags []string, note string) (*Event, error) {
	ev, err := s.GetEvent(id)
	if err != nil || ev == nil {
		return nil, err
	}

	seen := make(map[string]bool, len(ev.Tags))
	for _, t := range ev.Tags {
		seen[t] = true
	}
	for _, t := range tags {
		if t != "" && !seen[t] {
			ev.Tags = append(ev.Tags, t)
			seen[t] = true
		}
	}
	if note != "" {
		ev.Notes = append(ev.Notes, Note{Text: note, Timestamp: time.Now().UTC(), Source: "dashboard"})
	}

	tagsJSON, _ := json.Marshal(ev.Tags)
	notesJSON, _ := json.Marshal(ev.Notes)
	if _, err := s.db.Exec(`UPDATE events SET tags = ?, notes = ? WHERE id = ?`,
		string(tagsJSON), string(notesJSON), id); err != nil {
		return nil, fmt.Errorf("tag event: %w", err)
	}
	return ev, nil
}

// UpdateHITLResponse marks the event's HITL status as responded with the
// given response body and a respondedAt stamp. It does not check the prior
// status before overwriting. Returns nil if the id is unknown.
func (s *Store) UpdateHITLResponse(id int64, response json.RawMessage) (*Event, error) {
	ev, err := s.GetEvent(id)
	if err != nil || ev == nil {
		return nil, err
	}

	now := time.Now().UTC()
	ev.HumanInTheLoopStatus = &HITLStatus{
		Status:      HITLResponded,
		Response:    response,
		RespondedAt: &now,
	}
	statusJSON, _ := json.Marshal(ev.HumanInTheLoopStatus)
	if _, err := s.db.Exec(`UPDATE events SET human_in_the_loop_status = ? WHERE id = ?`,
		string(statusJSON), id); err != nil {
		return nil, fmt.Errorf("update hitl response: %w", err)
	}
	return ev, nil
}

// HITLRequest parses the embedded request on the event, if any.
func (e *Event) HITLRequest() *HITLRequest {
	if len(e.HumanInTheLoop) == 0 {
		return nil
	}
	var req HITLRequest
	if err := json.Unmarshal(e.HumanInTheLoop, &req); err != nil {
		return nil
	}
	return &req
}

// FilterOptions returns the distinct values used to populate filter UIs:
// all source_apps, the most recent 300 session_ids, all hook_event_types.
func (s *Store) FilterOptions() (*FilterOptions, error) {
	opts := &FilterOptions{
		SourceApps:     []string{},
		SessionIDs:     []string{},
		HookEventTypes: []string{},
	}

	collect := func(query string, out *[]string) error {
		rows, err := s.db.Query(query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				return err
			}
			*out = append(*out, v)
		}
		return rows.Err()
	}

	if err := collect(`SELECT DISTINCT source_app FROM events ORDER BY source_app`, &opts.SourceApps); err != nil {
		return nil, fmt.Errorf("filter options: %w", err)
	}
	if err := collect(`SELECT session_id FROM (
			SELECT session_id, MAX(id) AS last_id FROM events GROUP BY session_id
		) ORDER BY last_id DESC LIMIT 300`, &opts.SessionIDs); err != nil {
		return nil, fmt.Errorf("filter options: %w", err)
	}
	if err := collect(`SELECT DISTINCT hook_event_type FROM events ORDER BY hook_event_type`, &opts.HookEventTypes); err != nil {
		return nil, fmt.Errorf("filter options: %w", err)
	}
	return opts, nil
}

const signalRulesKey = "signal_rules"

// SignalRules returns the auto-detection rule document. The document is
// opaque to this service; rule evaluation happens in the producers.
func (s *Store) SignalRules() (json.RawMessage, error) {
	var val string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, signalRulesKey).Scan(&val)
	if err == sql.ErrNoRows {
		return json.RawMessage(`{"rules":[]}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("signal rules: %w", err)
	}
	return json.RawMessage(val), nil
}

// SetSignalRules replaces the auto-detection rule document.
func (s *Store) SetSignalRules(doc json.RawMessage) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, signalRulesKey, string(doc))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var payload, tags, notes string
	var chat, hitl, hitlStatus sql.NullString
	err := row.Scan(&ev.ID, &ev.SourceApp, &ev.SessionID, &ev.HookEventType,
		&payload, &chat, &ev.Summary, &ev.ModelName,
		&ev.Timestamp, &tags, &notes, &hitl, &hitlStatus)
	if err != nil {
		return nil, err
	}
	ev.Payload = json.RawMessage(payload)
	if chat.Valid && chat.String != "" {
		ev.Chat = json.RawMessage(chat.String)
	}
	ev.Tags = []string{}
	_ = json.Unmarshal([]byte(tags), &ev.Tags)
	ev.Notes = []Note{}
	_ = json.Unmarshal([]byte(notes), &ev.Notes)
	if hitl.Valid && hitl.String != "" {
		ev.HumanInTheLoop = json.RawMessage(hitl.String)
	}
	if hitlStatus.Valid && hitlStatus.String != "" {
		var st HITLStatus
		if err := json.Unmarshal([]byte(hitlStatus.String), &st); err == nil {
			ev.HumanInTheLoopStatus = &st
		}
	}
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}
