package teamsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Mutation is one of the request types accepted by Engine.Apply.
type Mutation interface {
	mutationName() string
}

type CreateTask struct {
	Title           string
	Description     string
	Status          TaskStatus
	Priority        TaskPriority
	Assignee        string
	DueDate         *time.Time
	Tags            []string
	ExternalIssueID string
	ExternalRepo    string
	Attachments     []Attachment
}

// TaskPatch holds the fields an UpdateTask changes. Nil fields are left alone;
// an empty Assignee unassigns the task.
type TaskPatch struct {
	Title       *string
	Description *string
	Status      *TaskStatus
	Priority    *TaskPriority
	Assignee    *string
	DueDate     *time.Time
	ClearDue    bool
	Tags        []string
	SetTags     bool
	Attachments []Attachment
	SetAttach   bool
}

type UpdateTask struct {
	TaskID          string
	ExpectedVersion int64
	Patch           TaskPatch
}

type AddFeedback struct {
	TaskID   string
	Content  string
	Kind     FeedbackKind
	Metadata *FeedbackMetadata
}

type DeleteFeedback struct {
	FeedbackID string
}

type CreateMeeting struct {
	Title           string
	Description     string
	StartTime       time.Time
	EndTime         time.Time
	Attendees       []string
	Location        string
	Kind            MeetingKind
	CalendarEventID string
}

type MeetingPatch struct {
	Title           *string
	Description     *string
	StartTime       *time.Time
	EndTime         *time.Time
	Attendees       []string
	SetAttendees    bool
	Location        *string
	Kind            *MeetingKind
	Status          *MeetingStatus
	CalendarEventID *string
}

type UpdateMeeting struct {
	MeetingID string
	Patch     MeetingPatch
}

type DeleteMeeting struct {
	MeetingID string
}

type MarkNotificationRead struct {
	NotificationID string
}

type MarkAllNotificationsRead struct{}

type DeleteNotification struct {
	NotificationID string
}

func (CreateTask) mutationName() string               { return "create_task" }
func (UpdateTask) mutationName() string               { return "update_task" }
func (AddFeedback) mutationName() string              { return "add_feedback" }
func (DeleteFeedback) mutationName() string           { return "delete_feedback" }
func (CreateMeeting) mutationName() string            { return "create_meeting" }
func (UpdateMeeting) mutationName() string            { return "update_meeting" }
func (DeleteMeeting) mutationName() string            { return "delete_meeting" }
func (MarkNotificationRead) mutationName() string     { return "mark_notification_read" }
func (MarkAllNotificationsRead) mutationName() string { return "mark_all_notifications_read" }
func (DeleteNotification) mutationName() string       { return "delete_notification" }

// Result reports what a mutation changed. Only the fields relevant to the
// mutation are set. Events lists what was handed to the publisher, in order.
type Result struct {
	Task         *TaskView
	Feedback     *FeedbackView
	Meeting      *MeetingView
	Notification *Notification
	Derived      []Feedback
	Marked       int
	Events       []Event
}

type FeedbackAdded struct {
	TaskID   string       `json:"taskId"`
	Feedback FeedbackView `json:"feedback"`
}

type EngineOptions struct {
	Gateway   *Gateway
	Publisher Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

// Engine applies mutations, derives their audit and notification side
// effects, persists everything through the Gateway and then publishes the
// resulting events.
type Engine struct {
	gateway   *Gateway
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("%w: engine requires a gateway", ErrInvalidInput)
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = discardPublisher{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		gateway:   opts.Gateway,
		publisher: publisher,
		logger:    logger,
		now:       now,
	}, nil
}

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, Event) error { return nil }

func (e *Engine) Gateway() *Gateway {
	return e.gateway
}

func (e *Engine) Apply(ctx context.Context, actor Actor, mutation Mutation) (Result, error) {
	if strings.TrimSpace(actor.UserID) == "" {
		return Result{}, fmt.Errorf("%w: mutation requires an acting user", ErrForbidden)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	// An accepted mutation runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	var (
		result Result
		err    error
	)
	switch m := mutation.(type) {
	case CreateTask:
		result, err = e.createTask(ctx, actor, m)
	case UpdateTask:
		result, err = e.updateTask(ctx, actor, m)
	case AddFeedback:
		result, err = e.addFeedback(ctx, actor, m)
	case DeleteFeedback:
		result, err = e.deleteFeedback(ctx, actor, m)
	case CreateMeeting:
		result, err = e.createMeeting(ctx, actor, m)
	case UpdateMeeting:
		result, err = e.updateMeeting(ctx, actor, m)
	case DeleteMeeting:
		result, err = e.deleteMeeting(ctx, actor, m)
	case MarkNotificationRead:
		result, err = e.markNotificationRead(ctx, actor, m)
	case MarkAllNotificationsRead:
		result, err = e.markAllNotificationsRead(ctx, actor)
	case DeleteNotification:
		err = e.gateway.DeleteNotification(ctx, actor.UserID, m.NotificationID)
	case nil:
		return Result{}, fmt.Errorf("%w: nil mutation", ErrInvalidInput)
	default:
		return Result{}, fmt.Errorf("%w: unsupported mutation %T", ErrInvalidInput, mutation)
	}
	if err != nil {
		e.logger.Debug("mutation rejected", "mutation", mutation.mutationName(), "user_id", actor.UserID, "error", err)
		return Result{}, err
	}
	e.publish(ctx, result.Events)
	return result, nil
}

// publish hands events to the publisher in order. Entities, derived
// notifications included, are already persisted, so a delivery failure is
// logged and does not fail the mutation.
func (e *Engine) publish(ctx context.Context, events []Event) {
	for _, event := range events {
		if err := e.publisher.Publish(ctx, event); err != nil {
			e.logger.Error("publish event failed", "event", string(event.Kind), "task_id", event.TaskID, "error", err)
		}
	}
}

func (e *Engine) newEvent(kind EventKind, taskID string, payload any) Event {
	return Event{Kind: kind, TaskID: taskID, Payload: payload, Timestamp: e.now()}
}

func (e *Engine) createTask(ctx context.Context, actor Actor, m CreateTask) (Result, error) {
	task, err := e.gateway.CreateTask(ctx, Task{
		Title:           m.Title,
		Description:     m.Description,
		Status:          m.Status,
		Priority:        m.Priority,
		Assignee:        strings.TrimSpace(m.Assignee),
		CreatedBy:       actor.UserID,
		DueDate:         m.DueDate,
		Tags:            m.Tags,
		ExternalIssueID: m.ExternalIssueID,
		ExternalRepo:    m.ExternalRepo,
		Attachments:     m.Attachments,
	})
	if err != nil {
		return Result{}, err
	}
	view := newUserResolver(e.gateway).taskView(ctx, task)
	return Result{
		Task:   &view,
		Events: []Event{e.newEvent(EventTaskCreated, task.ID, view)},
	}, nil
}

func (p TaskPatch) apply(next *Task) {
	if p.Title != nil {
		next.Title = *p.Title
	}
	if p.Description != nil {
		next.Description = *p.Description
	}
	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.Priority != nil {
		next.Priority = *p.Priority
	}
	if p.Assignee != nil {
		next.Assignee = strings.TrimSpace(*p.Assignee)
	}
	if p.ClearDue {
		next.DueDate = nil
	} else if p.DueDate != nil {
		due := *p.DueDate
		next.DueDate = &due
	}
	if p.SetTags {
		next.Tags = append([]string(nil), p.Tags...)
	}
	if p.SetAttach {
		next.Attachments = append([]Attachment(nil), p.Attachments...)
	}
}

func (e *Engine) updateTask(ctx context.Context, actor Actor, m UpdateTask) (Result, error) {
	var (
		derived       []Feedback
		notifications []Notification
	)
	_, updated, err := e.gateway.UpdateTask(ctx, m.TaskID, m.ExpectedVersion, func(current Task, next *Task) error {
		m.Patch.apply(next)
		if err := e.gateway.CheckTask(*next); err != nil {
			return err
		}
		var deriveErr error
		derived, notifications, deriveErr = e.deriveTaskEffects(ctx, actor, current, *next)
		return deriveErr
	})
	if err != nil {
		e.compensate(ctx, derived, notifications)
		return Result{}, err
	}

	resolver := newUserResolver(e.gateway)
	view := resolver.taskView(ctx, updated)
	events := make([]Event, 0, len(notifications)+1)
	for _, notification := range notifications {
		events = append(events, Event{
			Kind:         EventNotificationCreated,
			TaskID:       updated.ID,
			TargetUserID: notification.UserID,
			Payload:      notification,
			Timestamp:    e.now(),
		})
	}
	events = append(events, e.newEvent(EventTaskUpdated, updated.ID, view))
	return Result{Task: &view, Derived: derived, Events: events}, nil
}

// deriveTaskEffects persists the audit entries and notifications a task
// transition implies. It runs before the task itself is written, so on error
// the caller compensates whatever it returns.
func (e *Engine) deriveTaskEffects(ctx context.Context, actor Actor, current, next Task) ([]Feedback, []Notification, error) {
	var (
		derived       []Feedback
		notifications []Notification
	)
	record := func(entry Feedback) error {
		entry.TaskID = current.ID
		entry.UserID = actor.UserID
		created, err := e.gateway.CreateFeedback(ctx, entry)
		if err != nil {
			return err
		}
		derived = append(derived, created)
		return nil
	}

	if next.Status != current.Status {
		err := record(Feedback{
			Kind:    FeedbackStatusChange,
			Content: fmt.Sprintf("Status changed from %s to %s", current.Status, next.Status),
			Metadata: &FeedbackMetadata{
				OldValue: string(current.Status),
				NewValue: string(next.Status),
			},
		})
		if err != nil {
			return derived, notifications, err
		}
	}

	if next.Assignee != "" && next.Assignee != current.Assignee {
		assignee := newUserResolver(e.gateway).ref(ctx, next.Assignee)
		err := record(Feedback{
			Kind:    FeedbackAssignment,
			Content: "Assigned to " + assignee.Username,
			Metadata: &FeedbackMetadata{
				OldValue: current.Assignee,
				NewValue: next.Assignee,
			},
		})
		if err != nil {
			return derived, notifications, err
		}
		notification, err := e.gateway.CreateNotification(ctx, Notification{
			UserID:   next.Assignee,
			Title:    "Task assigned",
			Message:  fmt.Sprintf("You have been assigned to %q", next.Title),
			Kind:     NotificationTask,
			Priority: NotificationPriorityMedium,
			Data:     NotificationRefs{TaskID: current.ID},
		})
		if err != nil {
			return derived, notifications, err
		}
		notifications = append(notifications, notification)
	}

	existing := make(map[string]bool, len(current.Attachments))
	for _, attachment := range current.Attachments {
		existing[attachment.Path] = true
	}
	for _, attachment := range next.Attachments {
		if existing[attachment.Path] {
			continue
		}
		err := record(Feedback{
			Kind:     FeedbackAttachment,
			Content:  "Attached " + attachment.Filename,
			Metadata: &FeedbackMetadata{Attachment: attachment.Path},
		})
		if err != nil {
			return derived, notifications, err
		}
	}
	return derived, notifications, nil
}

// compensate removes derived entities whose primary write did not happen.
func (e *Engine) compensate(ctx context.Context, derived []Feedback, notifications []Notification) {
	for _, entry := range derived {
		if _, err := e.gateway.DeleteFeedback(ctx, entry.ID); err != nil {
			e.logger.Error("compensating derived feedback failed", "feedback_id", entry.ID, "task_id", entry.TaskID, "error", err)
		}
	}
	for _, notification := range notifications {
		if err := e.gateway.DeleteNotification(ctx, notification.UserID, notification.ID); err != nil {
			e.logger.Error("compensating derived notification failed", "notification_id", notification.ID, "user_id", notification.UserID, "error", err)
		}
	}
}

func (e *Engine) addFeedback(ctx context.Context, actor Actor, m AddFeedback) (Result, error) {
	if _, err := e.gateway.GetTask(ctx, m.TaskID); err != nil {
		return Result{}, err
	}
	feedback, err := e.gateway.CreateFeedback(ctx, Feedback{
		TaskID:   m.TaskID,
		UserID:   actor.UserID,
		Content:  m.Content,
		Kind:     m.Kind,
		Metadata: m.Metadata,
	})
	if err != nil {
		return Result{}, err
	}
	view := newUserResolver(e.gateway).feedbackView(ctx, feedback)
	return Result{
		Feedback: &view,
		Events: []Event{e.newEvent(EventFeedbackAdded, feedback.TaskID, FeedbackAdded{
			TaskID:   feedback.TaskID,
			Feedback: view,
		})},
	}, nil
}

func (e *Engine) deleteFeedback(ctx context.Context, actor Actor, m DeleteFeedback) (Result, error) {
	feedback, err := e.gateway.GetFeedback(ctx, m.FeedbackID)
	if err != nil {
		return Result{}, err
	}
	if feedback.UserID != actor.UserID {
		return Result{}, fmt.Errorf("%w: only the author can delete feedback", ErrForbidden)
	}
	deleted, err := e.gateway.DeleteFeedback(ctx, feedback.ID)
	if err != nil {
		return Result{}, err
	}
	if !deleted {
		return Result{}, ErrNotFound
	}
	return Result{}, nil
}

func (e *Engine) createMeeting(ctx context.Context, actor Actor, m CreateMeeting) (Result, error) {
	attendees := dedupeStrings(m.Attendees)
	if len(attendees) == 0 {
		// an empty attendee list invites every active user
		users, err := e.gateway.ActiveUsers(ctx)
		if err != nil {
			return Result{}, err
		}
		for _, user := range users {
			attendees = append(attendees, user.ID)
		}
	}
	meeting, err := e.gateway.CreateMeeting(ctx, Meeting{
		Title:           m.Title,
		Description:     m.Description,
		StartTime:       m.StartTime,
		EndTime:         m.EndTime,
		Attendees:       attendees,
		Organizer:       actor.UserID,
		Location:        m.Location,
		Kind:            m.Kind,
		CalendarEventID: m.CalendarEventID,
	})
	if err != nil {
		return Result{}, err
	}
	view := newUserResolver(e.gateway).meetingView(ctx, meeting)
	return Result{
		Meeting: &view,
		Events:  []Event{e.newEvent(EventMeetingCreated, "", view)},
	}, nil
}

func (p MeetingPatch) apply(next *Meeting) {
	if p.Title != nil {
		next.Title = *p.Title
	}
	if p.Description != nil {
		next.Description = *p.Description
	}
	if p.StartTime != nil {
		next.StartTime = *p.StartTime
	}
	if p.EndTime != nil {
		next.EndTime = *p.EndTime
	}
	if p.SetAttendees {
		next.Attendees = dedupeStrings(p.Attendees)
	}
	if p.Location != nil {
		next.Location = *p.Location
	}
	if p.Kind != nil {
		next.Kind = *p.Kind
	}
	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.CalendarEventID != nil {
		next.CalendarEventID = *p.CalendarEventID
	}
}

func (e *Engine) updateMeeting(ctx context.Context, actor Actor, m UpdateMeeting) (Result, error) {
	_, updated, err := e.gateway.UpdateMeeting(ctx, m.MeetingID, func(next *Meeting) error {
		m.Patch.apply(next)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	view := newUserResolver(e.gateway).meetingView(ctx, updated)
	return Result{
		Meeting: &view,
		Events:  []Event{e.newEvent(EventMeetingUpdated, "", view)},
	}, nil
}

func (e *Engine) deleteMeeting(ctx context.Context, actor Actor, m DeleteMeeting) (Result, error) {
	meeting, err := e.gateway.GetMeeting(ctx, m.MeetingID)
	if err != nil {
		return Result{}, err
	}
	if meeting.Organizer != actor.UserID {
		return Result{}, fmt.Errorf("%w: only the organizer can delete a meeting", ErrForbidden)
	}
	deleted, err := e.gateway.DeleteMeeting(ctx, meeting.ID)
	if err != nil {
		return Result{}, err
	}
	if !deleted {
		return Result{}, ErrNotFound
	}
	view := newUserResolver(e.gateway).meetingView(ctx, meeting)
	return Result{
		Meeting: &view,
		Events:  []Event{e.newEvent(EventMeetingDeleted, "", view)},
	}, nil
}

func (e *Engine) markNotificationRead(ctx context.Context, actor Actor, m MarkNotificationRead) (Result, error) {
	notification, err := e.gateway.MarkNotificationRead(ctx, actor.UserID, m.NotificationID)
	if err != nil {
		return Result{}, err
	}
	return Result{Notification: &notification}, nil
}

func (e *Engine) markAllNotificationsRead(ctx context.Context, actor Actor) (Result, error) {
	marked, err := e.gateway.MarkAllNotificationsRead(ctx, actor.UserID)
	if err != nil {
		return Result{}, err
	}
	return Result{Marked: marked}, nil
}

// Notify stores and publishes a standalone notification for its user. It is
// used for notifications that are not tied to a single mutation, such as
// import summaries. Once stored, a delivery failure is only logged.
func (e *Engine) Notify(ctx context.Context, notification Notification) error {
	if strings.TrimSpace(notification.UserID) == "" {
		return fmt.Errorf("%w: notification requires a target user", ErrInvalidInput)
	}
	notification, err := e.gateway.CreateNotification(context.WithoutCancel(ctx), notification)
	if err != nil {
		return err
	}
	e.publish(ctx, []Event{{
		Kind:         EventNotificationCreated,
		TaskID:       notification.Data.TaskID,
		TargetUserID: notification.UserID,
		Payload:      notification,
		Timestamp:    e.now(),
	}})
	return nil
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, value)
	}
	return out
}
