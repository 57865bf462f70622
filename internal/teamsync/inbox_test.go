package teamsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"
)

func newTestInbox(t *testing.T, f bridgeFixture, opts InboxOptions) *Inbox {
	t.Helper()
	opts.Bridge = f.bridge
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	inbox, err := NewInbox(opts)
	if err != nil {
		t.Fatalf("new inbox: %v", err)
	}
	t.Cleanup(func() { _ = inbox.Close() })
	return inbox
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestInboxVerifySignature(t *testing.T) {
	f := newBridgeFixture(t, &fakeTracker{})
	body := []byte(`{"action":"closed"}`)

	open := newTestInbox(t, f, InboxOptions{})
	if err := open.VerifySignature(body, ""); err != nil {
		t.Fatalf("no secret should accept everything: %v", err)
	}

	inbox := newTestInbox(t, f, InboxOptions{WebhookSecret: "s3cret"})
	if err := inbox.VerifySignature(body, sign("s3cret", body)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	for _, header := range []string{"", "sha1=abc", sign("other", body)} {
		if err := inbox.VerifySignature(body, header); !errors.Is(err, ErrForbidden) {
			t.Fatalf("header %q should be rejected, got %v", header, err)
		}
	}
}

func TestInboxDeduplicatesDeliveries(t *testing.T) {
	f := newBridgeFixture(t, &fakeTracker{})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	inbox := newTestInbox(t, f, InboxOptions{
		DedupeWindow: time.Minute,
		Now:          func() time.Time { return now },
	})
	ctx := context.Background()
	body := []byte(`{"action":"opened","issue":{"id":1}}`)

	first, err := inbox.Accept(ctx, "d-1", "issues", body)
	if err != nil || first.Duplicate || first.DeliveryID != "d-1" {
		t.Fatalf("first accept: %+v err=%v", first, err)
	}
	second, err := inbox.Accept(ctx, "d-1", "issues", body)
	if err != nil || !second.Duplicate {
		t.Fatalf("redelivery should be flagged duplicate: %+v err=%v", second, err)
	}
	generated, err := inbox.Accept(ctx, "", "issues", body)
	if err != nil || generated.DeliveryID == "" {
		t.Fatalf("missing delivery id should be generated: %+v err=%v", generated, err)
	}

	now = now.Add(2 * time.Minute)
	third, err := inbox.Accept(ctx, "d-1", "issues", body)
	if err != nil || third.Duplicate {
		t.Fatalf("delivery outside the window should be accepted again: %+v err=%v", third, err)
	}

	stats := inbox.Stats()
	if stats.Accepted != 3 || stats.Deduped != 1 || stats.Depth != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestInboxQueueFullForgetsDelivery(t *testing.T) {
	f := newBridgeFixture(t, &fakeTracker{})
	inbox := newTestInbox(t, f, InboxOptions{Queue: NewInMemoryEnvelopeQueue(1)})
	ctx := context.Background()
	if _, err := inbox.Accept(ctx, "a", "issues", []byte(`{}`)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := inbox.Accept(ctx, "b", "issues", []byte(`{}`)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	// a rejected delivery is not remembered, so the tracker's retry is queued
	if _, ok := inbox.queue.Dequeue(ctx); !ok {
		t.Fatalf("expected queued envelope")
	}
	result, err := inbox.Accept(ctx, "b", "issues", []byte(`{}`))
	if err != nil || result.Duplicate {
		t.Fatalf("retry after queue full should be accepted: %+v err=%v", result, err)
	}
}

func TestInboxWorkersReconcileClosures(t *testing.T) {
	f := newBridgeFixture(t, &fakeTracker{pages: [][]TrackerIssue{issues(7)}})
	ctx := context.Background()
	if _, err := f.bridge.Import(ctx, Actor{UserID: "dana"}, "acme", "app"); err != nil {
		t.Fatalf("import: %v", err)
	}
	inbox := newTestInbox(t, f, InboxOptions{Workers: 2})
	inbox.Start(ctx)

	if _, err := inbox.Accept(ctx, "x-1", "issues", []byte(`{"action":"labeled","issue":{"id":7}}`)); err != nil {
		t.Fatalf("accept labeled: %v", err)
	}
	if _, err := inbox.Accept(ctx, "x-2", "issues", []byte(`{"action":"closed","issue":{"id":7}}`)); err != nil {
		t.Fatalf("accept closed: %v", err)
	}
	if _, err := inbox.Accept(ctx, "x-3", "ping", []byte(`zen`)); err != nil {
		t.Fatalf("accept non-json: %v", err)
	}

	waitFor(t, "inbox to drain", func() bool {
		stats := inbox.Stats()
		return stats.Applied == 1 && stats.NoOps == 2
	})
	task, err := f.gateway.FindTaskByExternalIssue(ctx, "7")
	if err != nil || task.Status != StatusDone {
		t.Fatalf("linked task should be done: %+v err=%v", task, err)
	}
}

func TestInboxDeadLettersAfterMaxAttempts(t *testing.T) {
	cases := []struct {
		name        string
		maxAttempts int
		wantRetries uint64
	}{
		{name: "single attempt", maxAttempts: 1, wantRetries: 0},
		{name: "three attempts", maxAttempts: 3, wantRetries: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &failingStore{DocumentStore: NewInMemoryDocumentStore(), collection: collectionTasks}
			gateway, err := NewGateway(store, GatewayOptions{})
			if err != nil {
				t.Fatalf("new gateway: %v", err)
			}
			engine, err := NewEngine(EngineOptions{Gateway: gateway})
			if err != nil {
				t.Fatalf("new engine: %v", err)
			}
			bridge, err := NewBridge(BridgeOptions{Engine: engine, Client: &fakeTracker{}})
			if err != nil {
				t.Fatalf("new bridge: %v", err)
			}
			ctx := context.Background()
			created, err := engine.Apply(ctx, Actor{UserID: "alice"}, CreateTask{Title: "Linked", ExternalIssueID: "5"})
			if err != nil {
				t.Fatalf("create task: %v", err)
			}
			store.arm()

			inbox, err := NewInbox(InboxOptions{Bridge: bridge, Workers: 1, MaxAttempts: tc.maxAttempts, RetryDelay: time.Millisecond})
			if err != nil {
				t.Fatalf("new inbox: %v", err)
			}
			defer inbox.Close()
			inbox.Start(ctx)
			if _, err := inbox.Accept(ctx, "dl-1", "issues", []byte(`{"action":"closed","issue":{"id":5}}`)); err != nil {
				t.Fatalf("accept: %v", err)
			}
			waitFor(t, "dead letter", func() bool { return inbox.Stats().DeadLetters == 1 })
			stats := inbox.Stats()
			if stats.Failed != tc.wantRetries || stats.Applied != 0 || stats.Depth != 0 {
				t.Fatalf("expected %d retries before dead-lettering, got %+v", tc.wantRetries, stats)
			}
			entries, _ := gateway.FindFeedbackForTask(ctx, created.Task.ID)
			if len(entries) != 0 {
				t.Fatalf("failed reconciles must leave no feedback, got %+v", entries)
			}
		})
	}
}

func TestNewInboxRequiresBridge(t *testing.T) {
	if _, err := NewInbox(InboxOptions{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
