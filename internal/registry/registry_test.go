package registry

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ClawScope/ClawScope/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "events.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewResolver(st.DB()), st
}

func applyEvent(t *testing.T, r *Resolver, sourceApp, sessionID, eventType, payload string) []Entry {
	t.Helper()
	if payload == "" {
		payload = "{}"
	}
	changed, err := r.Apply(&store.Event{
		SourceApp:     sourceApp,
		SessionID:     sessionID,
		HookEventType: eventType,
		Payload:       json.RawMessage(payload),
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("apply %s: %v", eventType, err)
	}
	return changed
}

func findEntry(t *testing.T, r *Resolver, agentID string) *Entry {
	t.Helper()
	roots, err := r.Hierarchy()
	if err != nil {
		t.Fatalf("hierarchy: %v", err)
	}
	for i := range roots {
		if roots[i].AgentID == agentID {
			return &roots[i]
		}
		for j := range roots[i].Children {
			if roots[i].Children[j].AgentID == agentID {
				return &roots[i].Children[j]
			}
		}
	}
	return nil
}

func TestTopLevelIDUsesSessionPrefix(t *testing.T) {
	if got := TopLevelID("demo", "abcdef1234567890"); got != "demo:abcdef12" {
		t.Fatalf("unexpected top-level id: %s", got)
	}
	if got := TopLevelID("demo", "short"); got != "demo:short" {
		t.Fatalf("expected short session id kept whole, got %s", got)
	}
}

func TestSessionStartCreatesActiveAgent(t *testing.T) {
	r, _ := newTestResolver(t)

	changed := applyEvent(t, r, "demo", "abcdef1234567890", "SessionStart", `{"agent_type":"lead"}`)
	if len(changed) != 1 {
		t.Fatalf("expected one changed entry, got %d", len(changed))
	}

	e := findEntry(t, r, "demo:abcdef12")
	if e == nil {
		t.Fatalf("expected agent demo:abcdef12 in hierarchy")
	}
	if e.LifecycleStatus != StatusActive {
		t.Fatalf("expected active, got %s", e.LifecycleStatus)
	}
	if e.AgentType != "lead" {
		t.Fatalf("expected agent_type lead, got %q", e.AgentType)
	}
}

func TestSubagentLifecycle(t *testing.T) {
	r, _ := newTestResolver(t)

	applyEvent(t, r, "demo", "abcdef1234567890", "SessionStart", "")
	applyEvent(t, r, "demo", "abcdef1234567890", "SubagentStart", `{"agent_id":"agent-007","agent_type":"researcher"}`)

	child := findEntry(t, r, "demo:agent-0")
	if child == nil {
		t.Fatalf("expected subagent row")
	}
	if child.ParentID != "demo:abcdef12" {
		t.Fatalf("expected parent demo:abcdef12, got %s", child.ParentID)
	}
	if child.LifecycleStatus != StatusActive {
		t.Fatalf("expected active child, got %s", child.LifecycleStatus)
	}

	applyEvent(t, r, "demo", "abcdef1234567890", "SubagentStop", `{"agent_id":"agent-007"}`)
	child = findEntry(t, r, "demo:agent-0")
	if child.LifecycleStatus != StatusCompleted {
		t.Fatalf("expected completed child, got %s", child.LifecycleStatus)
	}

	// Start+Stop for the same agent_id must yield exactly one row.
	roots, err := r.Hierarchy()
	if err != nil {
		t.Fatalf("hierarchy: %v", err)
	}
	if len(roots) != 1 || len(roots[0].Children) != 1 {
		t.Fatalf("expected 1 root with 1 child, got %+v", roots)
	}
}

func TestSubagentStartWithBareAgentIDIsAnnounced(t *testing.T) {
	r, _ := newTestResolver(t)

	applyEvent(t, r, "demo", "abcdef1234567890", "SessionStart", "")

	// No agent_type or model_name in the payload: the new child must still
	// appear in the changed set so subscribers learn about it.
	changed := applyEvent(t, r, "demo", "abcdef1234567890", "SubagentStart", `{"agent_id":"deadbeefcafe"}`)

	found := false
	for _, e := range changed {
		if e.AgentID == "demo:deadbee" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected new child demo:deadbee in changed set, got %+v", changed)
	}
}

func TestOrphanSubagentStopSynthesizesRow(t *testing.T) {
	r, _ := newTestResolver(t)

	applyEvent(t, r, "demo", "abcdef1234567890", "SubagentStop", `{"agent_id":"agent-007"}`)

	child := findEntry(t, r, "demo:agent-0")
	if child == nil {
		t.Fatalf("expected synthesized subagent row for orphan stop")
	}
	if child.LifecycleStatus != StatusCompleted {
		t.Fatalf("expected completed, got %s", child.LifecycleStatus)
	}
}

func TestSessionEndCompletesAgent(t *testing.T) {
	r, _ := newTestResolver(t)

	applyEvent(t, r, "demo", "abcdef1234567890", "SessionStart", "")
	applyEvent(t, r, "demo", "abcdef1234567890", "SessionEnd", "")

	e := findEntry(t, r, "demo:abcdef12")
	if e.LifecycleStatus != StatusCompleted {
		t.Fatalf("expected completed, got %s", e.LifecycleStatus)
	}
}

func TestFirstPromptFirstWriteWins(t *testing.T) {
	r, _ := newTestResolver(t)

	applyEvent(t, r, "demo", "abcdef1234567890", "UserPromptSubmit", `{"prompt":"first question"}`)
	applyEvent(t, r, "demo", "abcdef1234567890", "UserPromptSubmit", `{"prompt":"second question"}`)

	e := findEntry(t, r, "demo:abcdef12")
	if e.FirstPrompt != "first question" {
		t.Fatalf("expected first prompt to stick, got %q", e.FirstPrompt)
	}
}

func TestFirstPromptTruncated(t *testing.T) {
	r, _ := newTestResolver(t)

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	applyEvent(t, r, "demo", "abcdef1234567890", "UserPromptSubmit", `{"prompt":"`+string(long)+`"}`)

	e := findEntry(t, r, "demo:abcdef12")
	if len(e.FirstPrompt) != 80 {
		t.Fatalf("expected 80-char prompt, got %d", len(e.FirstPrompt))
	}
}

func TestFirstPromptTruncationKeepsValidUTF8(t *testing.T) {
	r, _ := newTestResolver(t)

	// 78 ASCII bytes followed by a 3-byte rune straddling the 80-byte cut.
	prompt := strings.Repeat("x", 78) + "日本語"
	applyEvent(t, r, "demo", "abcdef1234567890", "UserPromptSubmit", `{"prompt":"`+prompt+`"}`)

	e := findEntry(t, r, "demo:abcdef12")
	if !utf8.ValidString(e.FirstPrompt) {
		t.Fatalf("expected valid UTF-8 after truncation, got %q", e.FirstPrompt)
	}
	if len(e.FirstPrompt) > 80 {
		t.Fatalf("expected at most 80 bytes, got %d", len(e.FirstPrompt))
	}
	if e.FirstPrompt != strings.Repeat("x", 78) {
		t.Fatalf("expected the straddling rune dropped whole, got %q", e.FirstPrompt)
	}
}

func TestTeamCreateSetsTeamName(t *testing.T) {
	r, _ := newTestResolver(t)

	applyEvent(t, r, "demo", "abcdef1234567890", "PreToolUse",
		`{"tool_name":"TeamCreate","tool_input":{"team_name":"blue"}}`)

	e := findEntry(t, r, "demo:abcdef12")
	if e.TeamName != "blue" {
		t.Fatalf("expected team blue, got %q", e.TeamName)
	}
}

func TestUnrelatedEventIsNotMaterial(t *testing.T) {
	r, _ := newTestResolver(t)

	applyEvent(t, r, "demo", "abcdef1234567890", "SessionStart", "")
	changed := applyEvent(t, r, "demo", "abcdef1234567890", "PostToolUse", "")
	if len(changed) != 0 {
		t.Fatalf("expected no material change from PostToolUse, got %d", len(changed))
	}

	e := findEntry(t, r, "demo:abcdef12")
	if e.EventCount != 2 {
		t.Fatalf("expected event_count 2, got %d", e.EventCount)
	}
}

func TestDisplayNameStripsBoilerplate(t *testing.T) {
	e := Entry{AgentID: "demo-cc-agent-hooks:abcdef12"}
	if got := baseDisplayName(e); got != "agent" {
		t.Fatalf("expected base name agent, got %q", got)
	}

	e.AgentType = "lead"
	if got := baseDisplayName(e); got != "agent-lead" {
		t.Fatalf("expected agent-lead, got %q", got)
	}
}

func TestDisplayNameDisambiguation(t *testing.T) {
	entries := []Entry{
		{AgentID: "demo:aaaaaaaa"},
		{AgentID: "demo:bbbbbbbb"},
		{AgentID: "other:cccccccc"},
	}
	assignDisplayNames(entries)

	if entries[0].DisplayName != "demo A" || entries[1].DisplayName != "demo B" {
		t.Fatalf("expected lettered suffixes, got %q / %q", entries[0].DisplayName, entries[1].DisplayName)
	}
	if entries[2].DisplayName != "other" {
		t.Fatalf("expected unique name without suffix, got %q", entries[2].DisplayName)
	}
}

func TestLetterSuffixWrapsPastZ(t *testing.T) {
	if got := letterSuffix(25); got != "Z" {
		t.Fatalf("expected Z, got %q", got)
	}
	if got := letterSuffix(26); got != "AA" {
		t.Fatalf("expected AA, got %q", got)
	}
}

func TestHierarchyNeverNil(t *testing.T) {
	r, _ := newTestResolver(t)

	roots, err := r.Hierarchy()
	if err != nil {
		t.Fatalf("hierarchy: %v", err)
	}
	if roots == nil {
		t.Fatalf("expected empty slice, got nil")
	}
}
