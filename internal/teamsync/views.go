package teamsync

import (
	"context"
)

// userResolver fills in display fields for user references, caching lookups
// for the duration of one request.
type userResolver struct {
	gateway *Gateway
	cache   map[string]UserRef
}

func newUserResolver(gateway *Gateway) *userResolver {
	return &userResolver{gateway: gateway, cache: map[string]UserRef{}}
}

// ref never fails: an unknown user renders with its id as the username.
func (r *userResolver) ref(ctx context.Context, userID string) UserRef {
	if ref, ok := r.cache[userID]; ok {
		return ref
	}
	ref := UserRef{ID: userID, Username: userID}
	if user, err := r.gateway.GetUser(ctx, userID); err == nil {
		ref = UserRef{ID: user.ID, Username: user.Username, Avatar: user.Avatar, Email: user.Email}
	}
	r.cache[userID] = ref
	return ref
}

func (r *userResolver) taskView(ctx context.Context, task Task) TaskView {
	view := TaskView{Task: task, CreatedBy: r.ref(ctx, task.CreatedBy)}
	if task.Assignee != "" {
		assignee := r.ref(ctx, task.Assignee)
		view.Assignee = &assignee
	}
	return view
}

func (r *userResolver) feedbackView(ctx context.Context, feedback Feedback) FeedbackView {
	return FeedbackView{Feedback: feedback, Author: r.ref(ctx, feedback.UserID)}
}

func (r *userResolver) meetingView(ctx context.Context, meeting Meeting) MeetingView {
	view := MeetingView{
		Meeting:   meeting,
		Organizer: r.ref(ctx, meeting.Organizer),
		Attendees: make([]UserRef, 0, len(meeting.Attendees)),
	}
	for _, attendee := range meeting.Attendees {
		view.Attendees = append(view.Attendees, r.ref(ctx, attendee))
	}
	return view
}

func (e *Engine) ListTasks(ctx context.Context, filter TaskFilter) ([]TaskView, error) {
	tasks, err := e.gateway.FindTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	resolver := newUserResolver(e.gateway)
	views := make([]TaskView, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, resolver.taskView(ctx, task))
	}
	return views, nil
}

func (e *Engine) GetTaskDetail(ctx context.Context, taskID string) (TaskDetail, error) {
	task, err := e.gateway.GetTask(ctx, taskID)
	if err != nil {
		return TaskDetail{}, err
	}
	entries, err := e.gateway.FindFeedbackForTask(ctx, taskID)
	if err != nil {
		return TaskDetail{}, err
	}
	resolver := newUserResolver(e.gateway)
	detail := TaskDetail{
		Task:     resolver.taskView(ctx, task),
		Feedback: make([]FeedbackView, 0, len(entries)),
	}
	for _, entry := range entries {
		detail.Feedback = append(detail.Feedback, resolver.feedbackView(ctx, entry))
	}
	return detail, nil
}

func (e *Engine) ListMeetings(ctx context.Context, userID string) ([]MeetingView, error) {
	meetings, err := e.gateway.FindMeetingsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	resolver := newUserResolver(e.gateway)
	views := make([]MeetingView, 0, len(meetings))
	for _, meeting := range meetings {
		views = append(views, resolver.meetingView(ctx, meeting))
	}
	return views, nil
}

func (e *Engine) ListNotifications(ctx context.Context, userID string) ([]Notification, error) {
	return e.gateway.ListNotifications(ctx, userID, NotificationListLimit)
}
