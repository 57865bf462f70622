package teamsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// fakeTracker serves fixed pages and can fail once failAt pages were served.
type fakeTracker struct {
	mu     sync.Mutex
	pages  [][]TrackerIssue
	failAt int
	tokens []string
}

func (f *fakeTracker) ListOpenIssues(ctx context.Context, token, owner, repo string, page func([]TrackerIssue) error) error {
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()
	for i, issues := range f.pages {
		if f.failAt > 0 && i == f.failAt {
			return errors.New("tracker returned 502")
		}
		if err := page(issues); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTracker) ListRepositories(ctx context.Context, token string) ([]TrackerRepository, error) {
	return []TrackerRepository{{ID: "1", FullName: "acme/app", Owner: "acme", Name: "app"}}, nil
}

type bridgeFixture struct {
	engineFixture
	tracker *fakeTracker
	bridge  *Bridge
}

func newBridgeFixture(t *testing.T, tracker *fakeTracker) bridgeFixture {
	t.Helper()
	f := newEngineFixture(t)
	if _, err := f.gateway.PutUser(context.Background(), User{ID: "dana", Username: "dana", Active: true, TrackerToken: "stored-token"}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	bridge, err := NewBridge(BridgeOptions{Engine: f.engine, Client: tracker})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	return bridgeFixture{engineFixture: f, tracker: tracker, bridge: bridge}
}

func issues(ids ...int) []TrackerIssue {
	out := make([]TrackerIssue, 0, len(ids))
	for _, id := range ids {
		out = append(out, TrackerIssue{ID: fmt.Sprint(id), Number: id, Title: fmt.Sprintf("Issue %d", id), Labels: []string{"imported"}})
	}
	return out
}

func TestBridgeImportIsIdempotent(t *testing.T) {
	f := newBridgeFixture(t, &fakeTracker{pages: [][]TrackerIssue{issues(1, 2), issues(3)}})
	ctx := context.Background()
	actor := Actor{UserID: "alice", TrackerToken: "request-token"}

	result, err := f.bridge.Import(ctx, actor, "acme", "app")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.ImportedCount != 3 || len(result.Tasks) != 3 {
		t.Fatalf("expected 3 imported, got %+v", result)
	}
	task := result.Tasks[0]
	if task.ExternalRepo != "acme/app" || task.ExternalIssueID != "1" || task.Status != StatusTodo || task.CreatedBy.ID != "alice" {
		t.Fatalf("unexpected imported task: %+v", task)
	}

	again, err := f.bridge.Import(ctx, actor, "acme", "app")
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if again.ImportedCount != 0 {
		t.Fatalf("second import should create nothing, got %d", again.ImportedCount)
	}
	tasks, _ := f.gateway.FindTasks(ctx, TaskFilter{})
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks total, got %d", len(tasks))
	}

	notifications, _ := f.gateway.ListNotifications(ctx, "alice", 0)
	if len(notifications) != 1 || notifications[0].Kind != NotificationTracker || notifications[0].Message != "Imported 3 new tasks from acme/app" {
		t.Fatalf("expected a single import summary, got %+v", notifications)
	}
	if f.tracker.tokens[0] != "request-token" {
		t.Fatalf("request credential should win, got %q", f.tracker.tokens[0])
	}
}

func TestBridgeImportPartialFailureKeepsCreatedTasks(t *testing.T) {
	f := newBridgeFixture(t, &fakeTracker{pages: [][]TrackerIssue{issues(1, 2), issues(3)}, failAt: 1})
	ctx := context.Background()

	result, err := f.bridge.Import(ctx, Actor{UserID: "dana"}, "acme", "app")
	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.Imported != 2 {
		t.Fatalf("expected upstream error after 2 imports, got %v", err)
	}
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable")
	}
	if result.ImportedCount != 2 {
		t.Fatalf("partial result should report 2, got %d", result.ImportedCount)
	}
	tasks, _ := f.gateway.FindTasks(ctx, TaskFilter{})
	if len(tasks) != 2 {
		t.Fatalf("created tasks must be kept, got %d", len(tasks))
	}
	if f.tracker.tokens[0] != "stored-token" {
		t.Fatalf("stored credential should be used, got %q", f.tracker.tokens[0])
	}
}

func TestBridgeImportRequiresCredential(t *testing.T) {
	f := newBridgeFixture(t, &fakeTracker{pages: [][]TrackerIssue{issues(1)}})
	_, err := f.bridge.Import(context.Background(), Actor{UserID: "bob"}, "acme", "app")
	if !errors.Is(err, ErrCredentialMissing) {
		t.Fatalf("expected ErrCredentialMissing, got %v", err)
	}
	if _, err := f.bridge.ListRepositories(context.Background(), Actor{UserID: "bob"}); !errors.Is(err, ErrCredentialMissing) {
		t.Fatalf("expected ErrCredentialMissing for repositories, got %v", err)
	}
	if _, err := f.bridge.Import(context.Background(), Actor{UserID: "dana"}, "acme", " "); !errors.Is(err, ErrInvalidEntity) {
		t.Fatalf("expected invalid entity for blank repo, got %v", err)
	}
	if len(f.tracker.tokens) != 0 {
		t.Fatalf("tracker must not be called without a credential")
	}
}

func TestBridgeListRepositories(t *testing.T) {
	f := newBridgeFixture(t, &fakeTracker{})
	repos, err := f.bridge.ListRepositories(context.Background(), Actor{UserID: "dana"})
	if err != nil || len(repos) != 1 || repos[0].FullName != "acme/app" {
		t.Fatalf("unexpected repositories %+v err=%v", repos, err)
	}
}

func TestBridgeReconcileFromEvent(t *testing.T) {
	f := newBridgeFixture(t, &fakeTracker{pages: [][]TrackerIssue{issues(10)}})
	ctx := context.Background()
	if _, err := f.bridge.Import(ctx, Actor{UserID: "dana"}, "acme", "app"); err != nil {
		t.Fatalf("import: %v", err)
	}

	cases := []struct {
		name   string
		body   string
		reason string
	}{
		{"garbage", `not json`, "payload has no issue or action"},
		{"reopened", `{"action":"reopened","issue":{"id":10}}`, "action reopened ignored"},
		{"unknown issue", `{"action":"closed","issue":{"id":99}}`, "no task linked to issue 99"},
	}
	for _, tc := range cases {
		result, err := f.bridge.ReconcileFromEvent(ctx, []byte(tc.body))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if result.Outcome != ReconcileNoOp || result.Reason != tc.reason {
			t.Fatalf("%s: expected noop %q, got %+v", tc.name, tc.reason, result)
		}
	}

	closed := `{"action":"closed","issue":{"id":10},"repository":{"full_name":"acme/app"}}`
	result, err := f.bridge.ReconcileFromEvent(ctx, []byte(closed))
	if err != nil {
		t.Fatalf("reconcile closure: %v", err)
	}
	if result.Outcome != ReconcileApplied || result.Task.Status != StatusDone {
		t.Fatalf("expected task closed, got %+v", result)
	}
	entries, _ := f.gateway.FindFeedbackForTask(ctx, result.Task.ID)
	if len(entries) != 1 || entries[0].Kind != FeedbackStatusChange || entries[0].UserID != "system" {
		t.Fatalf("expected a status-change entry by system, got %+v", entries)
	}

	again, err := f.bridge.ReconcileFromEvent(ctx, []byte(closed))
	if err != nil || again.Outcome != ReconcileNoOp || again.Reason != "task already done" {
		t.Fatalf("repeated closure should be a no-op, got %+v err=%v", again, err)
	}
}
