package teamsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventTaskCreated         EventKind = "task-created"
	EventTaskUpdated         EventKind = "task-updated"
	EventMeetingCreated      EventKind = "meeting-created"
	EventMeetingUpdated      EventKind = "meeting-updated"
	EventMeetingDeleted      EventKind = "meeting-deleted"
	EventFeedbackAdded       EventKind = "feedback-added"
	EventNotificationCreated EventKind = "notification-created"
)

// Event is one entry of a mutation's derived event list. Notification events
// carry a Notification payload addressed to TargetUserID.
type Event struct {
	ID           string    `json:"id"`
	Kind         EventKind `json:"type"`
	TaskID       string    `json:"taskId,omitempty"`
	TargetUserID string    `json:"-"`
	Payload      any       `json:"payload"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e Event) notificationClass() bool {
	return e.Kind == EventNotificationCreated
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type HubOptions struct {
	Gateway          *Gateway
	SubscriberBuffer int
	Logger           *slog.Logger
}

// Hub owns the live subscriber registry. Delivery never blocks: a subscriber
// whose buffer is full is disconnected and expected to re-fetch on reconnect.
type Hub struct {
	gateway *Gateway
	buffer  int
	logger  *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
}

func NewHub(opts HubOptions) *Hub {
	buffer := opts.SubscriberBuffer
	if buffer <= 0 {
		buffer = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		gateway: opts.Gateway,
		buffer:  buffer,
		logger:  logger,
		subs:    map[uint64]*Subscription{},
	}
}

type Subscription struct {
	id     uint64
	userID string
	hub    *Hub
	ch     chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Done is closed once the subscription is removed from the hub, either by
// Close or because it fell behind.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) UserID() string {
	return s.userID
}

func (s *Subscription) Close() {
	s.hub.remove(s)
}

func (h *Hub) Subscribe(userID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{
		id:     h.nextID,
		userID: userID,
		hub:    h,
		ch:     make(chan Event, h.buffer),
		done:   make(chan struct{}),
	}
	h.subs[sub.id] = sub
	return sub
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	sub.once.Do(func() {
		close(sub.done)
		close(sub.ch)
	})
}

// Publish delivers event to the matching subscribers. Notification events go
// only to their target user; a draft notification without an ID is persisted
// before delivery.
func (h *Hub) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.notificationClass() {
		persisted, err := h.persistNotification(ctx, event)
		if err != nil {
			return err
		}
		event.Payload = persisted
		event.TargetUserID = persisted.UserID
	}

	var slow []*Subscription
	h.mu.RLock()
	for _, sub := range h.subs {
		if event.notificationClass() && sub.userID != event.TargetUserID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn("dropping slow subscriber", "user_id", sub.userID, "event", string(event.Kind))
		h.remove(sub)
	}
	return nil
}

func (h *Hub) persistNotification(ctx context.Context, event Event) (Notification, error) {
	draft, ok := event.Payload.(Notification)
	if !ok {
		return Notification{}, fmt.Errorf("%w: notification event without notification payload", ErrInvalidInput)
	}
	if draft.UserID == "" {
		draft.UserID = event.TargetUserID
	}
	if draft.ID != "" || h.gateway == nil {
		return draft, nil
	}
	return h.gateway.CreateNotification(ctx, draft)
}
