package server

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ClawScope/ClawScope/internal/store"
)

// handleExport streams filtered events as json, jsonl, or csv. The same
// filter parameters as /events/query apply; the store caps unbounded exports.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	events, err := s.Store.ExportEvents(parseFilter(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []store.Event{}
	}

	switch format {
	case "json":
		writeJSON(w, http.StatusOK, events)
	case "jsonl":
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		for i := range events {
			_ = enc.Encode(events[i])
		}
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="events.csv"`)
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"id", "timestamp", "source_app", "session_id", "hook_event_type", "model_name", "summary", "tags", "payload"})
		for i := range events {
			ev := &events[i]
			_ = cw.Write([]string{
				strconv.FormatInt(ev.ID, 10),
				ev.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
				ev.SourceApp,
				ev.SessionID,
				ev.HookEventType,
				ev.ModelName,
				ev.Summary,
				strings.Join(ev.Tags, ","),
				string(ev.Payload),
			})
		}
		cw.Flush()
	default:
		writeError(w, http.StatusBadRequest, "format must be json, jsonl, or csv")
	}
}
