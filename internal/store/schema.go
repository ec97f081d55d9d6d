package store

import (
	"encoding/json"
	"time"
)

// Event is a single hook lifecycle event from an agent process.
type Event struct {
	ID                   int64           `json:"id"`
	SourceApp            string          `json:"source_app"`
	SessionID            string          `json:"session_id"`
	HookEventType        string          `json:"hook_event_type"`
	Payload              json.RawMessage `json:"payload"`
	Chat                 json.RawMessage `json:"chat,omitempty"`
	Summary              string          `json:"summary,omitempty"`
	ModelName            string          `json:"model_name,omitempty"`
	Timestamp            time.Time       `json:"timestamp"`
	Tags                 []string        `json:"tags"`
	Notes                []Note          `json:"notes"`
	HumanInTheLoop       json.RawMessage `json:"humanInTheLoop,omitempty"`
	HumanInTheLoopStatus *HITLStatus     `json:"humanInTheLoopStatus,omitempty"`
}

// Note is a single append-only annotation on an event.
type Note struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// HITLRequest is the embedded human-in-the-loop request on an event.
type HITLRequest struct {
	Type                 string   `json:"type"` // question, permission, choice
	Question             string   `json:"question"`
	Choices              []string `json:"choices,omitempty"`
	ResponseWebSocketURL string   `json:"responseWebSocketUrl,omitempty"`
}

// HITLStatus tracks whether an embedded HITL request has been answered.
type HITLStatus struct {
	Status      string          `json:"status"` // pending, responded
	Response    json.RawMessage `json:"response,omitempty"`
	RespondedAt *time.Time      `json:"respondedAt,omitempty"`
}

const (
	HITLPending   = "pending"
	HITLResponded = "responded"

	// SignalEventType is the hook_event_type assigned to programmatic signals.
	SignalEventType = "ExplicitSignal"
)

// FilterArgs composes conjunctive event filters. Zero values are skipped.
type FilterArgs struct {
	Type       string
	SessionID  string
	SourceApp  string
	Since      *time.Time
	Until      *time.Time
	Tag        string
	SignalOnly bool
	Limit      int
	Offset     int
}

// FilterOptions holds the distinct values used to populate filter UIs.
type FilterOptions struct {
	SourceApps     []string `json:"source_apps"`
	SessionIDs     []string `json:"session_ids"`
	HookEventTypes []string `json:"hook_event_types"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_app TEXT NOT NULL,
	session_id TEXT NOT NULL,
	hook_event_type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	chat TEXT,
	summary TEXT DEFAULT '',
	timestamp DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_source_app ON events(source_app);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(hook_event_type);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT,
	updated_at DATETIME
);

CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	parent_id TEXT DEFAULT '',
	agent_type TEXT DEFAULT '',
	model_name TEXT DEFAULT '',
	team_name TEXT DEFAULT '',
	first_prompt TEXT DEFAULT '',
	lifecycle_status TEXT NOT NULL DEFAULT 'active',
	first_seen_at DATETIME NOT NULL,
	last_seen_at DATETIME NOT NULL,
	event_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_agents_parent ON agents(parent_id);
`
