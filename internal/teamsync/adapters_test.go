package teamsync

import "testing"

func TestParseTrackerEvent(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		ok      bool
		closure bool
		issueID string
		repo    string
	}{
		{
			name:    "closed issue with numeric id",
			body:    `{"action":"closed","issue":{"id":123456789012,"number":7},"repository":{"full_name":"acme/app"}}`,
			ok:      true,
			closure: true,
			issueID: "123456789012",
			repo:    "acme/app",
		},
		{
			name:    "reopened issue",
			body:    `{"action":"reopened","issue":{"id":"42"}}`,
			ok:      true,
			issueID: "42",
		},
		{name: "missing issue", body: `{"action":"closed"}`},
		{name: "missing action", body: `{"issue":{"id":1}}`},
		{name: "not json", body: `action=closed`},
		{name: "array body", body: `[1,2,3]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event, ok := ParseTrackerEvent([]byte(tc.body))
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v (%+v)", tc.ok, ok, event)
			}
			if !ok {
				return
			}
			if event.Closure() != tc.closure || event.IssueID != tc.issueID || event.Repository != tc.repo {
				t.Fatalf("unexpected event %+v", event)
			}
		})
	}
}
