package registry

import "strings"

// Tokens stripped from source_app before deriving a display name. Producers
// commonly ship apps named like "demo-cc-agent-hooks" where the trailing
// segments carry no identity.
var boilerplateTokens = map[string]bool{
	"hook":   true,
	"hooks":  true,
	"cli":    true,
	"claude": true,
	"code":   true,
}

// baseDisplayName derives a short human name for an entry: strip boilerplate
// segments from source_app, keep the last remaining hyphen segment (max 10
// chars), append the agent type when known, else fall back to the id suffix
// (the session prefix or short agent id).
func baseDisplayName(e Entry) string {
	sourceApp := e.AgentID
	suffix := ""
	if i := strings.LastIndex(e.AgentID, ":"); i >= 0 {
		sourceApp = e.AgentID[:i]
		suffix = e.AgentID[i+1:]
	}

	var kept []string
	for _, seg := range strings.Split(sourceApp, "-") {
		if seg == "" || boilerplateTokens[strings.ToLower(seg)] {
			continue
		}
		kept = append(kept, seg)
	}

	name := ""
	if len(kept) > 0 {
		name = kept[len(kept)-1]
		if len(name) > 10 {
			name = name[:10]
		}
	}
	switch {
	case name != "" && e.AgentType != "":
		return name + "-" + e.AgentType
	case name != "":
		return name
	case e.AgentType != "":
		return e.AgentType
	default:
		return suffix
	}
}

// assignDisplayNames computes display names for the whole snapshot, appending
// sequential letter suffixes when two distinct agents share a base name.
// Entries must arrive in first-seen order; suffixes follow that order.
func assignDisplayNames(entries []Entry) {
	counts := make(map[string]int, len(entries))
	for i := range entries {
		counts[baseDisplayName(entries[i])]++
	}
	next := make(map[string]int, len(counts))
	for i := range entries {
		base := baseDisplayName(entries[i])
		if counts[base] <= 1 {
			entries[i].DisplayName = base
			continue
		}
		entries[i].DisplayName = base + " " + letterSuffix(next[base])
		next[base]++
	}
}

// letterSuffix maps 0→A, 1→B, … 25→Z, 26→AA.
func letterSuffix(i int) string {
	s := ""
	for {
		s = string(rune('A'+i%26)) + s
		i = i/26 - 1
		if i < 0 {
			return s
		}
	}
}

// material reports whether an entry change is worth broadcasting. Pure
// last_seen/event_count bumps are not.
func material(before, after Entry) bool {
	return before.LifecycleStatus != after.LifecycleStatus ||
		before.AgentType != after.AgentType ||
		before.ModelName != after.ModelName ||
		before.ParentID != after.ParentID ||
		before.TeamName != after.TeamName ||
		before.FirstPrompt != after.FirstPrompt
}
