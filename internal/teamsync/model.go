package teamsync

import (
	"time"
)

type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in-progress"
	StatusDone       TaskStatus = "done"
)

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

type FeedbackKind string

const (
	FeedbackComment      FeedbackKind = "comment"
	FeedbackStatusChange FeedbackKind = "status-change"
	FeedbackAssignment   FeedbackKind = "assignment"
	FeedbackAttachment   FeedbackKind = "attachment"
)

type NotificationKind string

const (
	NotificationTask    NotificationKind = "task"
	NotificationTracker NotificationKind = "github"
	NotificationMeeting NotificationKind = "meeting"
	NotificationReport  NotificationKind = "report"
	NotificationSystem  NotificationKind = "system"
)

type NotificationPriority string

const (
	NotificationPriorityLow    NotificationPriority = "low"
	NotificationPriorityMedium NotificationPriority = "medium"
	NotificationPriorityHigh   NotificationPriority = "high"
)

type MeetingKind string

const (
	MeetingInPerson MeetingKind = "in-person"
	MeetingVideo    MeetingKind = "video"
	MeetingHybrid   MeetingKind = "hybrid"
)

type MeetingStatus string

const (
	MeetingScheduled  MeetingStatus = "scheduled"
	MeetingInProgress MeetingStatus = "in-progress"
	MeetingCompleted  MeetingStatus = "completed"
	MeetingCancelled  MeetingStatus = "cancelled"
)

const (
	collectionTasks         = "tasks"
	collectionFeedback      = "feedback"
	collectionNotifications = "notifications"
	collectionMeetings      = "meetings"
	collectionUsers         = "users"
)

// NotificationListLimit bounds how many notifications a user listing returns.
const NotificationListLimit = 50

type Attachment struct {
	Filename   string    `json:"filename"`
	Path       string    `json:"path"`
	UploadedAt time.Time `json:"uploadedAt"`
}

type Task struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	Status          TaskStatus   `json:"status"`
	Priority        TaskPriority `json:"priority"`
	Assignee        string       `json:"assignee,omitempty"`
	CreatedBy       string       `json:"createdBy"`
	DueDate         *time.Time   `json:"dueDate,omitempty"`
	Tags            []string     `json:"tags"`
	ExternalIssueID string       `json:"externalIssueId,omitempty"`
	ExternalRepo    string       `json:"externalRepo,omitempty"`
	Attachments     []Attachment `json:"attachments"`
	Version         int64        `json:"version"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

func (t Task) Linked() bool {
	return t.ExternalIssueID != ""
}

type FeedbackMetadata struct {
	OldValue   string `json:"oldValue,omitempty"`
	NewValue   string `json:"newValue,omitempty"`
	Attachment string `json:"attachment,omitempty"`
}

type Feedback struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"taskId"`
	UserID    string            `json:"userId"`
	Content   string            `json:"content"`
	Kind      FeedbackKind      `json:"type"`
	Metadata  *FeedbackMetadata `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type NotificationRefs struct {
	TaskID       string `json:"taskId,omitempty"`
	MeetingID    string `json:"meetingId,omitempty"`
	TrackerEvent string `json:"githubEvent,omitempty"`
	ReportURL    string `json:"reportUrl,omitempty"`
}

type Notification struct {
	ID        string               `json:"id"`
	UserID    string               `json:"userId"`
	Title     string               `json:"title"`
	Message   string               `json:"message"`
	Kind      NotificationKind     `json:"type"`
	Read      bool                 `json:"read"`
	Priority  NotificationPriority `json:"priority"`
	Data      NotificationRefs     `json:"data"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

type Meeting struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	Description     string        `json:"description"`
	StartTime       time.Time     `json:"startTime"`
	EndTime         time.Time     `json:"endTime"`
	Attendees       []string      `json:"attendees"`
	Organizer       string        `json:"organizer"`
	Location        string        `json:"location"`
	Kind            MeetingKind   `json:"meetingType"`
	CalendarEventID string        `json:"calendarEventId,omitempty"`
	Status          MeetingStatus `json:"status"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

func (m Meeting) HasAttendee(userID string) bool {
	for _, attendee := range m.Attendees {
		if attendee == userID {
			return true
		}
	}
	return false
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	Avatar       string    `json:"avatar,omitempty"`
	Active       bool      `json:"active"`
	TrackerToken string    `json:"trackerToken,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Actor is the authenticated identity a mutation runs as.
type Actor struct {
	UserID       string
	TrackerToken string
}

type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Email    string `json:"email,omitempty"`
}

type TaskView struct {
	Task
	Assignee  *UserRef `json:"assignee,omitempty"`
	CreatedBy UserRef  `json:"createdBy"`
}

type FeedbackView struct {
	Feedback
	Author UserRef `json:"author"`
}

type MeetingView struct {
	Meeting
	Attendees []UserRef `json:"attendees"`
	Organizer UserRef   `json:"organizer"`
}

type TaskDetail struct {
	Task     TaskView       `json:"task"`
	Feedback []FeedbackView `json:"feedback"`
}
