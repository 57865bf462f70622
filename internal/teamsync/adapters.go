package teamsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type TrackerAction string

const (
	TrackerActionClosed TrackerAction = "closed"
)

// TrackerEvent is the subset of an issue webhook the bridge acts on.
type TrackerEvent struct {
	Action     TrackerAction
	IssueID    string
	Repository string
}

func (e TrackerEvent) Closure() bool {
	return e.Action == TrackerActionClosed
}

// ParseTrackerEvent extracts action, issue id and repository from an
// untrusted webhook body. ok is false when the body is not JSON or lacks the
// action or issue fields; such payloads are ignored rather than rejected.
func ParseTrackerEvent(body []byte) (TrackerEvent, bool) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil {
		return TrackerEvent{}, false
	}
	action := strings.TrimSpace(toString(payload["action"]))
	issue, _ := payload["issue"].(map[string]any)
	if action == "" || issue == nil {
		return TrackerEvent{}, false
	}
	event := TrackerEvent{
		Action:  TrackerAction(action),
		IssueID: strings.TrimSpace(toString(issue["id"])),
	}
	if repository, ok := payload["repository"].(map[string]any); ok {
		event.Repository = toString(repository["full_name"])
	}
	return event, true
}

func toString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case json.Number:
		return typed.String()
	case float64:
		return fmt.Sprintf("%.0f", typed)
	case bool:
		if typed {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}
