// Package registry projects the event stream into a hierarchy of agent
// instances. There is no API to create or delete an agent directly; every
// incoming event implicitly upserts registry state.
package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ClawScope/ClawScope/internal/store"
)

// Lifecycle states inferred from the event stream.
const (
	StatusActive    = "active"
	StatusIdle      = "idle"
	StatusCompleted = "completed"
	StatusErrored   = "errored"
)

// Entry is one agent instance derived from the event stream.
type Entry struct {
	AgentID         string    `json:"agent_id"`
	DisplayName     string    `json:"display_name"`
	AgentType       string    `json:"agent_type,omitempty"`
	ModelName       string    `json:"model_name,omitempty"`
	ParentID        string    `json:"parent_id,omitempty"`
	TeamName        string    `json:"team_name,omitempty"`
	FirstPrompt     string    `json:"first_prompt,omitempty"`
	LifecycleStatus string    `json:"lifecycle_status"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	EventCount      int       `json:"event_count"`
	Children        []Entry   `json:"children,omitempty"`
}

// Resolver applies events to the agents table. It never fails the underlying
// event write: callers treat a resolver error as loss of registry fidelity,
// not loss of the event.
type Resolver struct {
	db *sql.DB
}

// NewResolver wires the resolver to the store's database handle.
func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

// TopLevelID computes the composite id for a top-level agent.
func TopLevelID(sourceApp, sessionID string) string {
	prefix := sessionID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return sourceApp + ":" + prefix
}

// SubagentID computes the composite id for a sub-agent. When the event payload
// carries no agent_id, a time-derived fallback keeps the row addressable.
func SubagentID(sourceApp, agentID string) string {
	short := agentID
	if short == "" {
		short = fmt.Sprintf("%07x", time.Now().UnixNano()&0xfffffff)
	}
	if len(short) > 7 {
		short = short[:7]
	}
	return sourceApp + ":" + short
}

// eventPayload holds the payload sub-fields the resolver cares about.
// Missing or malformed fields default to empty values.
type eventPayload struct {
	AgentID   string `json:"agent_id"`
	AgentType string `json:"agent_type"`
	ModelName string `json:"model_name"`
	Prompt    string `json:"prompt"`
	ToolName  string `json:"tool_name"`
	ToolInput struct {
		TeamName string `json:"team_name"`
	} `json:"tool_input"`
}

// Apply upserts registry state for one event and returns the entries whose
// material fields changed (new entry, lifecycle transition, identity fields).
// Pure last_seen/event_count bumps are not material, so unrelated events do
// not flood subscribers with agent updates.
func (r *Resolver) Apply(ev *store.Event) ([]Entry, error) {
	var payload eventPayload
	_ = json.Unmarshal(ev.Payload, &payload)

	topID := TopLevelID(ev.SourceApp, ev.SessionID)
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var changed []Entry

	top, created, err := r.touch(topID, "", ts)
	if err != nil {
		return nil, err
	}
	if created {
		changed = append(changed, *top)
	}

	switch ev.HookEventType {
	case "SubagentStart":
		childID := SubagentID(ev.SourceApp, payload.AgentID)
		child, childCreated, err := r.touch(childID, topID, ts)
		if err != nil {
			return changed, err
		}
		before := *child
		child.ParentID = topID
		child.LifecycleStatus = StatusActive
		if payload.AgentType != "" {
			child.AgentType = payload.AgentType
		}
		if payload.ModelName != "" {
			child.ModelName = payload.ModelName
		}
		if err := r.save(child); err != nil {
			return changed, err
		}
		// A brand-new child is always announced, even when the payload
		// carried no identity fields beyond the agent_id.
		if childCreated || material(before, *child) {
			changed = append(changed, *child)
		}

	case "SubagentStop":
		childID := SubagentID(ev.SourceApp, payload.AgentID)
		child, childCreated, err := r.touch(childID, topID, ts)
		if err != nil {
			return changed, err
		}
		before := *child
		// Out-of-order or dropped start: the touched row lands directly
		// in completed state.
		child.ParentID = topID
		child.LifecycleStatus = StatusCompleted
		if err := r.save(child); err != nil {
			return changed, err
		}
		if childCreated || material(before, *child) {
			changed = append(changed, *child)
		}

	case "SessionStart":
		before := *top
		top.LifecycleStatus = StatusActive
		if payload.AgentType != "" {
			top.AgentType = payload.AgentType
		}
		modelName := ev.ModelName
		if modelName == "" {
			modelName = payload.ModelName
		}
		if modelName != "" {
			top.ModelName = modelName
		}
		if err := r.save(top); err != nil {
			return changed, err
		}
		if !created && material(before, *top) {
			changed = append(changed, *top)
		}

	case "SessionEnd", "Stop":
		before := *top
		top.LifecycleStatus = StatusCompleted
		if err := r.save(top); err != nil {
			return changed, err
		}
		if !created && material(before, *top) {
			changed = append(changed, *top)
		}

	case "UserPromptSubmit":
		if top.FirstPrompt == "" && payload.Prompt != "" {
			before := *top
			top.FirstPrompt = truncate(payload.Prompt, 80)
			if err := r.save(top); err != nil {
				return changed, err
			}
			if !created && material(before, *top) {
				changed = append(changed, *top)
			}
		}

	case "TeammateIdle":
		before := *top
		top.LifecycleStatus = StatusIdle
		if err := r.save(top); err != nil {
			return changed, err
		}
		if !created && material(before, *top) {
			changed = append(changed, *top)
		}

	case "PreToolUse":
		if payload.ToolName == "TeamCreate" && payload.ToolInput.TeamName != "" {
			before := *top
			top.TeamName = payload.ToolInput.TeamName
			if err := r.save(top); err != nil {
				return changed, err
			}
			if !created && material(before, *top) {
				changed = append(changed, *top)
			}
		}
	}

	return changed, nil
}

// touch loads an entry, creating it lazily on first sight, and always bumps
// last_seen_at and event_count.
func (r *Resolver) touch(agentID, parentID string, ts time.Time) (*Entry, bool, error) {
	e, err := r.get(agentID)
	if err != nil {
		return nil, false, err
	}
	if e == nil {
		e = &Entry{
			AgentID:         agentID,
			ParentID:        parentID,
			LifecycleStatus: StatusActive,
			FirstSeenAt:     ts,
			LastSeenAt:      ts,
			EventCount:      1,
		}
		if err := r.save(e); err != nil {
			return nil, false, err
		}
		return e, true, nil
	}
	e.LastSeenAt = ts
	e.EventCount++
	if err := r.save(e); err != nil {
		return nil, false, err
	}
	return e, false, nil
}

func (r *Resolver) get(agentID string) (*Entry, error) {
	row := r.db.QueryRow(`SELECT agent_id, COALESCE(parent_id,''), COALESCE(agent_type,''),
		COALESCE(model_name,''), COALESCE(team_name,''), COALESCE(first_prompt,''),
		lifecycle_status, first_seen_at, last_seen_at, event_count
		FROM agents WHERE agent_id = ?`, agentID)
	var e Entry
	err := row.Scan(&e.AgentID, &e.ParentID, &e.AgentType, &e.ModelName, &e.TeamName,
		&e.FirstPrompt, &e.LifecycleStatus, &e.FirstSeenAt, &e.LastSeenAt, &e.EventCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &e, nil
}

// save idempotently upserts the entry by composite id, so receiving the
// defining event twice never creates duplicate rows.
func (r *Resolver) save(e *Entry) error {
	_, err := r.db.Exec(`INSERT INTO agents
		(agent_id, parent_id, agent_type, model_name, team_name, first_prompt, lifecycle_status, first_seen_at, last_seen_at, event_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			parent_id = excluded.parent_id,
			agent_type = excluded.agent_type,
			model_name = excluded.model_name,
			team_name = excluded.team_name,
			first_prompt = excluded.first_prompt,
			lifecycle_status = excluded.lifecycle_status,
			last_seen_at = excluded.last_seen_at,
			event_count = excluded.event_count`,
		e.AgentID, e.ParentID, e.AgentType, e.ModelName, e.TeamName, e.FirstPrompt,
		e.LifecycleStatus, e.FirstSeenAt, e.LastSeenAt, e.EventCount)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

// Hierarchy returns the parentless entries with their children attached.
// Display names are recomputed globally on every call (disambiguation spans
// the entire snapshot, not just new entries).
func (r *Resolver) Hierarchy() ([]Entry, error) {
	rows, err := r.db.Query(`SELECT agent_id, COALESCE(parent_id,''), COALESCE(agent_type,''),
		COALESCE(model_name,''), COALESCE(team_name,''), COALESCE(first_prompt,''),
		lifecycle_status, first_seen_at, last_seen_at, event_count
		FROM agents ORDER BY first_seen_at ASC, agent_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("hierarchy: %w", err)
	}
	defer rows.Close()

	var all []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.AgentID, &e.ParentID, &e.AgentType, &e.ModelName, &e.TeamName,
			&e.FirstPrompt, &e.LifecycleStatus, &e.FirstSeenAt, &e.LastSeenAt, &e.EventCount); err != nil {
			return nil, err
		}
		all = append(all, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	assignDisplayNames(all)

	byParent := make(map[string][]Entry)
	var roots []Entry
	for _, e := range all {
		if e.ParentID == "" {
			roots = append(roots, e)
		} else {
			byParent[e.ParentID] = append(byParent[e.ParentID], e)
		}
	}
	for i := range roots {
		roots[i].Children = byParent[roots[i].AgentID]
	}
	if roots == nil {
		roots = []Entry{}
	}
	return roots, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
