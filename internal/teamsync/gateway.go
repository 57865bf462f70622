package teamsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type GatewayOptions struct {
	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

// Gateway is the typed, validating view over a DocumentStore. It never
// derives side effects; that is the Engine's job.
type Gateway struct {
	store     DocumentStore
	validator *schemaValidator
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger

	linkMu   sync.Mutex
	entityMu keyedMutex

	stampMu        sync.Mutex
	lastFeedbackAt time.Time
}

func NewGateway(store DocumentStore, opts GatewayOptions) (*Gateway, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	validator, err := loadSchemaValidator()
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:     store,
		validator: validator,
		now:       now,
		newID:     newID,
		logger:    logger,
	}, nil
}

func (g *Gateway) Store() DocumentStore {
	return g.store
}

// keyedMutex serializes read-modify-write cycles on a single entity while
// leaving different entities independent.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyedLock{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func getDocument[T any](ctx context.Context, g *Gateway, collection, id string) (T, error) {
	var out T
	if strings.TrimSpace(id) == "" {
		return out, ErrNotFound
	}
	data, err := g.store.Get(ctx, collection, id)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return out, nil
}

func findDocuments[T any](ctx context.Context, g *Gateway, collection string, q Query) ([]T, error) {
	docs, err := g.store.Find(ctx, collection, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, data := range docs {
		var item T
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("decode %s document: %w", collection, err)
		}
		out = append(out, item)
	}
	return out, nil
}

// putDocument validates v against the collection schema and writes it. A
// validation failure performs no write.
func (g *Gateway) putDocument(ctx context.Context, collection, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := g.validator.validate(collection, data); err != nil {
		return err
	}
	if err := g.store.Put(ctx, collection, id, data); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return invalidf(schemaFiles[collection], "external issue is already linked to another task")
		}
		return err
	}
	return nil
}

// CheckTask runs the task schema without writing anything.
func (g *Gateway) CheckTask(task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return g.validator.validate(collectionTasks, data)
}

func (g *Gateway) deleteDocument(ctx context.Context, collection, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, nil
	}
	return g.store.Delete(ctx, collection, id)
}

// Tasks

type TaskFilter struct {
	Status   TaskStatus
	Assignee string
}

func (g *Gateway) GetTask(ctx context.Context, id string) (Task, error) {
	return getDocument[Task](ctx, g, collectionTasks, id)
}

// FindTasks returns matching tasks, newest first.
func (g *Gateway) FindTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	q := Where()
	if filter.Status != "" {
		q.Where["status"] = string(filter.Status)
	}
	if filter.Assignee != "" {
		q.Where["assignee"] = filter.Assignee
	}
	tasks, err := findDocuments[Task](ctx, g, collectionTasks, q)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

func (g *Gateway) FindTaskByExternalIssue(ctx context.Context, externalIssueID string) (Task, error) {
	if strings.TrimSpace(externalIssueID) == "" {
		return Task{}, ErrNotFound
	}
	tasks, err := findDocuments[Task](ctx, g, collectionTasks, Where("externalIssueId", externalIssueID))
	if err != nil {
		return Task{}, err
	}
	if len(tasks) == 0 {
		return Task{}, ErrNotFound
	}
	return tasks[0], nil
}

func (g *Gateway) CreateTask(ctx context.Context, task Task) (Task, error) {
	now := g.now()
	task.ID = g.newID()
	task.Title = strings.TrimSpace(task.Title)
	if task.Status == "" {
		task.Status = StatusTodo
	}
	if task.Priority == "" {
		task.Priority = PriorityMedium
	}
	if task.Tags == nil {
		task.Tags = []string{}
	}
	if task.Attachments == nil {
		task.Attachments = []Attachment{}
	}
	task.Version = 1
	task.CreatedAt = now
	task.UpdatedAt = now

	if task.Linked() {
		g.linkMu.Lock()
		defer g.linkMu.Unlock()
		if err := g.checkLinkageLocked(ctx, task); err != nil {
			return Task{}, err
		}
	}
	if err := g.putDocument(ctx, collectionTasks, task.ID, task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// checkLinkageLocked enforces one task per external issue. Callers hold linkMu.
func (g *Gateway) checkLinkageLocked(ctx context.Context, task Task) error {
	existing, err := g.FindTaskByExternalIssue(ctx, task.ExternalIssueID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.ID == task.ID {
		return nil
	}
	g.logger.Debug("external issue already linked", "external_issue_id", task.ExternalIssueID, "task_id", existing.ID)
	return invalidf("task", "external issue %s is already linked to another task", task.ExternalIssueID)
}

// UpdateTask loads the task, runs mutate against it and persists the result
// with a bumped version. expectedVersion 0 skips the optimistic check.
// mutate runs while the task is locked, so it observes the state it replaces.
func (g *Gateway) UpdateTask(ctx context.Context, id string, expectedVersion int64, mutate func(current Task, next *Task) error) (Task, Task, error) {
	unlock := g.entityMu.lock(collectionTasks + "/" + id)
	defer unlock()

	current, err := g.GetTask(ctx, id)
	if err != nil {
		return Task{}, Task{}, err
	}
	if expectedVersion > 0 && expectedVersion != current.Version {
		return current, Task{}, &ConflictError{ExpectedVersion: expectedVersion, CurrentVersion: current.Version}
	}
	next := current
	next.Tags = append([]string(nil), current.Tags...)
	next.Attachments = append([]Attachment(nil), current.Attachments...)
	if mutate != nil {
		if err := mutate(current, &next); err != nil {
			return current, Task{}, err
		}
	}
	next.ID = current.ID
	next.CreatedBy = current.CreatedBy
	next.CreatedAt = current.CreatedAt
	next.Title = strings.TrimSpace(next.Title)
	if next.Tags == nil {
		next.Tags = []string{}
	}
	if next.Attachments == nil {
		next.Attachments = []Attachment{}
	}
	next.Version = current.Version + 1
	next.UpdatedAt = g.now()

	if next.Linked() && next.ExternalIssueID != current.ExternalIssueID {
		g.linkMu.Lock()
		defer g.linkMu.Unlock()
		if err := g.checkLinkageLocked(ctx, next); err != nil {
			return current, Task{}, err
		}
	}
	if err := g.putDocument(ctx, collectionTasks, next.ID, next); err != nil {
		return current, Task{}, err
	}
	return current, next, nil
}

// Feedback

func (g *Gateway) GetFeedback(ctx context.Context, id string) (Feedback, error) {
	return getDocument[Feedback](ctx, g, collectionFeedback, id)
}

func (g *Gateway) CreateFeedback(ctx context.Context, feedback Feedback) (Feedback, error) {
	now := g.feedbackStamp()
	feedback.ID = g.newID()
	feedback.Content = strings.TrimSpace(feedback.Content)
	if feedback.Kind == "" {
		feedback.Kind = FeedbackComment
	}
	feedback.CreatedAt = now
	feedback.UpdatedAt = now
	if err := g.putDocument(ctx, collectionFeedback, feedback.ID, feedback); err != nil {
		return Feedback{}, err
	}
	return feedback, nil
}

// feedbackStamp never returns the same instant twice, so entries written by a
// single mutation keep their creation order in the thread.
func (g *Gateway) feedbackStamp() time.Time {
	g.stampMu.Lock()
	defer g.stampMu.Unlock()
	now := g.now()
	if !now.After(g.lastFeedbackAt) {
		now = g.lastFeedbackAt.Add(time.Microsecond)
	}
	g.lastFeedbackAt = now
	return now
}

// FindFeedbackForTask returns the task's thread, newest first.
func (g *Gateway) FindFeedbackForTask(ctx context.Context, taskID string) ([]Feedback, error) {
	entries, err := findDocuments[Feedback](ctx, g, collectionFeedback, Where("taskId", taskID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

func (g *Gateway) DeleteFeedback(ctx context.Context, id string) (bool, error) {
	return g.deleteDocument(ctx, collectionFeedback, id)
}

// Notifications

func (g *Gateway) GetNotification(ctx context.Context, id string) (Notification, error) {
	return getDocument[Notification](ctx, g, collectionNotifications, id)
}

func (g *Gateway) CreateNotification(ctx context.Context, notification Notification) (Notification, error) {
	now := g.now()
	notification.ID = g.newID()
	notification.Read = false
	if notification.Kind == "" {
		notification.Kind = NotificationTask
	}
	if notification.Priority == "" {
		notification.Priority = NotificationPriorityMedium
	}
	notification.CreatedAt = now
	notification.UpdatedAt = now
	if err := g.putDocument(ctx, collectionNotifications, notification.ID, notification); err != nil {
		return Notification{}, err
	}
	return notification, nil
}

// ListNotifications returns the user's most recent notifications, newest
// first, capped at limit when limit > 0.
func (g *Gateway) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	items, err := findDocuments[Notification](ctx, g, collectionNotifications, Where("userId", userID))
	if err != nil {
		return nil, err
	}
	sortNotificationsNewestFirst(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func sortNotificationsNewestFirst(items []Notification) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
}

// MarkNotificationRead flips the read flag on one of userID's notifications.
// Notifications owned by someone else report ErrNotFound.
func (g *Gateway) MarkNotificationRead(ctx context.Context, userID, id string) (Notification, error) {
	unlock := g.entityMu.lock(collectionNotifications + "/" + id)
	defer unlock()

	notification, err := g.GetNotification(ctx, id)
	if err != nil {
		return Notification{}, err
	}
	if notification.UserID != userID {
		return Notification{}, ErrNotFound
	}
	if notification.Read {
		return notification, nil
	}
	notification.Read = true
	notification.UpdatedAt = g.now()
	if err := g.putDocument(ctx, collectionNotifications, notification.ID, notification); err != nil {
		return Notification{}, err
	}
	return notification, nil
}

func (g *Gateway) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	unread, err := findDocuments[Notification](ctx, g, collectionNotifications, Where("userId", userID, "read", false))
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, notification := range unread {
		if _, err := g.MarkNotificationRead(ctx, userID, notification.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return marked, err
		}
		marked++
	}
	return marked, nil
}

func (g *Gateway) DeleteNotification(ctx context.Context, userID, id string) error {
	notification, err := g.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if notification.UserID != userID {
		return ErrNotFound
	}
	deleted, err := g.deleteDocument(ctx, collectionNotifications, id)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// Meetings

func (g *Gateway) GetMeeting(ctx context.Context, id string) (Meeting, error) {
	return getDocument[Meeting](ctx, g, collectionMeetings, id)
}

func (g *Gateway) CreateMeeting(ctx context.Context, meeting Meeting) (Meeting, error) {
	now := g.now()
	meeting.ID = g.newID()
	meeting.Title = strings.TrimSpace(meeting.Title)
	if meeting.Kind == "" {
		meeting.Kind = MeetingVideo
	}
	if meeting.Status == "" {
		meeting.Status = MeetingScheduled
	}
	meeting.CreatedAt = now
	meeting.UpdatedAt = now
	if err := checkMeetingTimes(meeting); err != nil {
		return Meeting{}, err
	}
	if err := g.putDocument(ctx, collectionMeetings, meeting.ID, meeting); err != nil {
		return Meeting{}, err
	}
	return meeting, nil
}

func checkMeetingTimes(meeting Meeting) error {
	if meeting.StartTime.IsZero() {
		return invalidf("meeting", "startTime is required")
	}
	if meeting.EndTime.IsZero() {
		return invalidf("meeting", "endTime is required")
	}
	if meeting.EndTime.Before(meeting.StartTime) {
		return invalidf("meeting", "endTime must not be before startTime")
	}
	return nil
}

// UpdateMeeting applies mutate to the stored meeting. The organizer cannot
// change.
func (g *Gateway) UpdateMeeting(ctx context.Context, id string, mutate func(next *Meeting) error) (Meeting, Meeting, error) {
	unlock := g.entityMu.lock(collectionMeetings + "/" + id)
	defer unlock()

	current, err := g.GetMeeting(ctx, id)
	if err != nil {
		return Meeting{}, Meeting{}, err
	}
	next := current
	next.Attendees = append([]string(nil), current.Attendees...)
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return current, Meeting{}, err
		}
	}
	if next.Organizer != current.Organizer {
		return current, Meeting{}, invalidf("meeting", "organizer cannot be changed")
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.Title = strings.TrimSpace(next.Title)
	next.UpdatedAt = g.now()
	if err := checkMeetingTimes(next); err != nil {
		return current, Meeting{}, err
	}
	if err := g.putDocument(ctx, collectionMeetings, next.ID, next); err != nil {
		return current, Meeting{}, err
	}
	return current, next, nil
}

func (g *Gateway) DeleteMeeting(ctx context.Context, id string) (bool, error) {
	return g.deleteDocument(ctx, collectionMeetings, id)
}

// FindMeetingsForUser returns meetings userID organizes or attends, ordered
// by start time.
func (g *Gateway) FindMeetingsForUser(ctx context.Context, userID string) ([]Meeting, error) {
	all, err := findDocuments[Meeting](ctx, g, collectionMeetings, Query{})
	if err != nil {
		return nil, err
	}
	meetings := make([]Meeting, 0, len(all))
	for _, meeting := range all {
		if meeting.Organizer == userID || meeting.HasAttendee(userID) {
			meetings = append(meetings, meeting)
		}
	}
	sort.SliceStable(meetings, func(i, j int) bool {
		if !meetings[i].StartTime.Equal(meetings[j].StartTime) {
			return meetings[i].StartTime.Before(meetings[j].StartTime)
		}
		return meetings[i].ID < meetings[j].ID
	})
	return meetings, nil
}

// Users

func (g *Gateway) GetUser(ctx context.Context, id string) (User, error) {
	return getDocument[User](ctx, g, collectionUsers, id)
}

// PutUser creates or replaces a user directory entry. Unlike the other
// collections, user ids come from the identity provider.
func (g *Gateway) PutUser(ctx context.Context, user User) (User, error) {
	user.ID = strings.TrimSpace(user.ID)
	if user.ID == "" {
		return User{}, invalidf("user", "id is required")
	}
	now := g.now()
	existing, err := g.GetUser(ctx, user.ID)
	switch {
	case err == nil:
		user.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrNotFound):
		user.CreatedAt = now
	default:
		return User{}, err
	}
	user.UpdatedAt = now
	if err := g.putDocument(ctx, collectionUsers, user.ID, user); err != nil {
		return User{}, err
	}
	return user, nil
}

// ActiveUsers lists active users ordered by username.
func (g *Gateway) ActiveUsers(ctx context.Context) ([]User, error) {
	users, err := findDocuments[User](ctx, g, collectionUsers, Where("active", true))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(users, func(i, j int) bool {
		if users[i].Username != users[j].Username {
			return users[i].Username < users[j].Username
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}
