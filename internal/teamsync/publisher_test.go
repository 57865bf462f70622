package teamsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return event
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func assertNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case event := <-sub.Events():
		t.Fatalf("unexpected event for %s: %+v", sub.UserID(), event)
	default:
	}
}

func TestHubBroadcastsEntityEvents(t *testing.T) {
	hub := NewHub(HubOptions{})
	alice := hub.Subscribe("alice")
	bob := hub.Subscribe("bob")
	defer alice.Close()
	defer bob.Close()

	if err := hub.Publish(context.Background(), Event{Kind: EventTaskCreated, TaskID: "t1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, sub := range []*Subscription{alice, bob} {
		event := receive(t, sub)
		if event.Kind != EventTaskCreated || event.ID == "" || event.Timestamp.IsZero() {
			t.Fatalf("expected stamped task-created, got %+v", event)
		}
	}
}

func TestHubTargetsAndPersistsNotifications(t *testing.T) {
	gateway := newTestGateway(t)
	hub := NewHub(HubOptions{Gateway: gateway})
	alice := hub.Subscribe("alice")
	bob := hub.Subscribe("bob")
	defer alice.Close()
	defer bob.Close()

	err := hub.Publish(context.Background(), Event{
		Kind:         EventNotificationCreated,
		TargetUserID: "bob",
		Payload:      Notification{Title: "Task assigned", Message: "You have a task"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	event := receive(t, bob)
	notification, ok := event.Payload.(Notification)
	if !ok || notification.ID == "" || notification.UserID != "bob" {
		t.Fatalf("expected persisted notification payload, got %+v", event.Payload)
	}
	assertNoEvent(t, alice)

	stored, err := gateway.ListNotifications(context.Background(), "bob", 0)
	if err != nil || len(stored) != 1 || stored[0].ID != notification.ID {
		t.Fatalf("expected stored notification %s, got %+v err=%v", notification.ID, stored, err)
	}
}

func TestHubRejectsMalformedNotificationEvent(t *testing.T) {
	hub := NewHub(HubOptions{Gateway: newTestGateway(t)})
	err := hub.Publish(context.Background(), Event{Kind: EventNotificationCreated, Payload: "not a notification"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub(HubOptions{SubscriberBuffer: 2})
	slow := hub.Subscribe("alice")
	fast := hub.Subscribe("bob")
	defer fast.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := hub.Publish(ctx, Event{Kind: EventTaskUpdated}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		receive(t, fast)
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatalf("slow subscriber should have been removed")
	}
	if hub.SubscriberCount() != 1 {
		t.Fatalf("expected 1 remaining subscriber, got %d", hub.SubscriberCount())
	}
	drained := 0
	for range slow.Events() {
		drained++
	}
	if drained != 2 {
		t.Fatalf("buffered events stay readable before close, got %d", drained)
	}
	slow.Close()
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	hub := NewHub(HubOptions{})
	sub := hub.Subscribe("alice")
	sub.Close()
	sub.Close()
	if hub.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers, got %d", hub.SubscriberCount())
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("events channel should be closed")
	}
}
