package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/teamsync/internal/teamsync"
)

type createTaskRequest struct {
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Status      teamsync.TaskStatus   `json:"status"`
	Priority    teamsync.TaskPriority `json:"priority"`
	Assignee    string                `json:"assignee"`
	DueDate     *time.Time            `json:"dueDate"`
	Tags        []string              `json:"tags"`
	Attachments []teamsync.Attachment `json:"attachments"`
}

// updateTaskRequest distinguishes absent fields from explicit nulls: a null
// dueDate clears it, an empty assignee unassigns.
type updateTaskRequest struct {
	Title       *string                `json:"title"`
	Description *string                `json:"description"`
	Status      *teamsync.TaskStatus   `json:"status"`
	Priority    *teamsync.TaskPriority `json:"priority"`
	Assignee    *string                `json:"assignee"`
	DueDate     json.RawMessage        `json:"dueDate"`
	Tags        *[]string              `json:"tags"`
	Attachments *[]teamsync.Attachment `json:"attachments"`
}

func (req updateTaskRequest) patch() (teamsync.TaskPatch, error) {
	patch := teamsync.TaskPatch{
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		Priority:    req.Priority,
		Assignee:    req.Assignee,
	}
	if len(req.DueDate) > 0 {
		if bytes.Equal(bytes.TrimSpace(req.DueDate), []byte("null")) {
			patch.ClearDue = true
		} else {
			var due time.Time
			if err := json.Unmarshal(req.DueDate, &due); err != nil {
				return teamsync.TaskPatch{}, err
			}
			patch.DueDate = &due
		}
	}
	if req.Tags != nil {
		patch.Tags = *req.Tags
		patch.SetTags = true
	}
	if req.Attachments != nil {
		patch.Attachments = *req.Attachments
		patch.SetAttach = true
	}
	return patch, nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, correlationID string) {
	tasks, err := s.engine.ListTasks(r.Context(), teamsync.TaskFilter{
		Status:   teamsync.TaskStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Assignee: strings.TrimSpace(r.URL.Query().Get("assignee")),
	})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, actor teamsync.Actor, correlationID string) {
	var body createTaskRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	result, err := s.engine.Apply(r.Context(), actor, teamsync.CreateTask{
		Title:       body.Title,
		Description: body.Description,
		Status:      body.Status,
		Priority:    body.Priority,
		Assignee:    body.Assignee,
		DueDate:     body.DueDate,
		Tags:        body.Tags,
		Attachments: body.Attachments,
	})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	setVersionETag(w, result.Task.Version)
	writeJSON(w, http.StatusCreated, result.Task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, taskID, correlationID string) {
	detail, err := s.engine.GetTaskDetail(r.Context(), taskID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	setVersionETag(w, detail.Task.Version)
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request, actor teamsync.Actor, taskID, correlationID string) {
	var expectedVersion int64
	if ifMatch := normalizeIfMatchHeader(r.Header.Get("If-Match")); ifMatch != "" && ifMatch != "*" {
		parsed, err := strconv.ParseInt(ifMatch, 10, 64)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", "If-Match must be a task version", correlationID)
			return
		}
		expectedVersion = parsed
	}
	var body updateTaskRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	patch, err := body.patch()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid dueDate", correlationID)
		return
	}
	result, err := s.engine.Apply(r.Context(), actor, teamsync.UpdateTask{
		TaskID:          taskID,
		ExpectedVersion: expectedVersion,
		Patch:           patch,
	})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	setVersionETag(w, result.Task.Version)
	writeJSON(w, http.StatusOK, map[string]any{
		"task":     result.Task,
		"feedback": result.Derived,
	})
}

func (s *Server) handleAddFeedback(w http.ResponseWriter, r *http.Request, actor teamsync.Actor, taskID, correlationID string) {
	var body struct {
		Content  string                     `json:"content"`
		Type     teamsync.FeedbackKind      `json:"type"`
		Metadata *teamsync.FeedbackMetadata `json:"metadata"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	result, err := s.engine.Apply(r.Context(), actor, teamsync.AddFeedback{
		TaskID:   taskID,
		Content:  body.Content,
		Kind:     body.Type,
		Metadata: body.Metadata,
	})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, result.Feedback)
}

func (s *Server) handleDeleteFeedback(w http.ResponseWriter, r *http.Request, actor teamsync.Actor, feedbackID, correlationID string) {
	if _, err := s.engine.Apply(r.Context(), actor, teamsync.DeleteFeedback{FeedbackID: feedbackID}); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type meetingRequest struct {
	Title           *string                 `json:"title"`
	Description     *string                 `json:"description"`
	StartTime       *time.Time              `json:"startTime"`
	EndTime         *time.Time              `json:"endTime"`
	Attendees       *[]string               `json:"attendees"`
	Location        *string                 `json:"location"`
	Kind            *teamsync.MeetingKind   `json:"meetingType"`
	Status          *teamsync.MeetingStatus `json:"status"`
	CalendarEventID *string                 `json:"calendarEventId"`
}

func (s *Server) handleListMeetings(w http.ResponseWriter, r *http.Request, actor teamsync.Actor, correlationID string) {
	meetings, err := s.engine.ListMeetings(r.Context(), actor.UserID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"meetings": meetings})
}

func (s *Server) handleCreateMeeting(w http.ResponseWriter, r *http.Request, actor teamsync.Actor, correlationID string) {
	var body meetingRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	mutation := teamsync.CreateMeeting{
		Title:           deref(body.Title),
		Description:     deref(body.Description),
		Location:        deref(body.Location),
		CalendarEventID: deref(body.CalendarEventID),
	}
	if body.StartTime != nil {
		mutation.StartTime = *body.StartTime
	}
	if body.EndTime != nil {
		mutation.EndTime = *body.EndTime
	}
	if body.Attendees != nil {
		mutation.Attendees = *body.Attendees
	}
	if body.Kind != nil {
		mutation.Kind = *body.Kind
	}
	result, err := s.engine.Apply(r.Context(), actor, mutation)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, result.Meeting)
}

func (s *Server) handleUpdateMeeting(w http.ResponseWriter, r *http.Request, actor teamsync.Actor, meetingID, correlationID string) {
	var body meetingRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	patch := teamsync.MeetingPatch{
		Title:           body.Title,
		Description:     body.Description,
		StartTime:       body.StartTime,
		EndTime:         body.EndTime,
		Location:        body.Location,
		Kind:            body.Kind,
		Status:          body.Status,
		CalendarEventID: body.CalendarEventID,
	}
	if body.Attendees != nil {
		patch.Attendees = *body.Attendees
		patch.SetAttendees = true
	}
	result, err := s.engine.Apply(r.Context(), actor, teamsync.UpdateMeeting{MeetingID: meetingID, Patch: patch})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result.Meeting)
}

func (s *Server) handleDeleteMeeting(w http.ResponseWriter, r *http.Request, actor teamsync.Actor, meetingID, correlationID string) {
	if _, err := s.engine.Apply(r.Context(), actor, teamsync.DeleteMeeting{MeetingID: meetingID}); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request, actor teamsync.Actor, correlationID string) {
	notifications, err := s.engine.ListNotifications(r.Context(), actor.UserID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	unread := 0
	for _, notification := range notifications {
		if !notification.Read {
			unread++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"unreadCount":   unread,
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, actor teamsync.Actor, notificationID, correlationID string) {
	result, err := s.engine.Apply(r.Context(), actor, teamsync.MarkNotificationRead{NotificationID: notificationID})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result.Notification)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request, actor teamsync.Actor, correlationID string) {
	result, err := s.engine.Apply(r.Context(), actor, teamsync.MarkAllNotificationsRead{})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": result.Marked})
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request, actor teamsync.Actor, notificationID, correlationID string) {
	if _, err := s.engine.Apply(r.Context(), actor, teamsync.DeleteNotification{NotificationID: notificationID}); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrackerImport(w http.ResponseWriter, r *http.Request, actor teamsync.Actor, correlationID string) {
	var body struct {
		Owner string `json:"owner"`
		Repo  string `json:"repo"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	result, err := s.bridge.Import(r.Context(), actor, body.Owner, body.Repo)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTrackerRepositories(w http.ResponseWriter, r *http.Request, actor teamsync.Actor, correlationID string) {
	repos, err := s.bridge.ListRepositories(r.Context(), actor)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repositories": repos})
}

func setVersionETag(w http.ResponseWriter, version int64) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(version, 10)))
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
