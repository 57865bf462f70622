package teamsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

type BridgeOptions struct {
	Engine     *Engine
	Client     TrackerClient
	SystemUser string
	Logger     *slog.Logger
}

// Bridge links tasks to tracker issues: bulk import of open issues and
// reconciliation of task state from tracker webhooks.
type Bridge struct {
	engine     *Engine
	gateway    *Gateway
	client     TrackerClient
	systemUser string
	logger     *slog.Logger
}

func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("%w: bridge requires an engine", ErrInvalidInput)
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("%w: bridge requires a tracker client", ErrInvalidInput)
	}
	systemUser := strings.TrimSpace(opts.SystemUser)
	if systemUser == "" {
		systemUser = "system"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		engine:     opts.Engine,
		gateway:    opts.Engine.Gateway(),
		client:     opts.Client,
		systemUser: systemUser,
		logger:     logger,
	}, nil
}

type ImportResult struct {
	ImportedCount int        `json:"importedCount"`
	Tasks         []TaskView `json:"tasks"`
}

// trackerToken prefers the credential attached to the request and falls back
// to the one stored in the user directory.
func (b *Bridge) trackerToken(ctx context.Context, actor Actor) (string, error) {
	if token := strings.TrimSpace(actor.TrackerToken); token != "" {
		return token, nil
	}
	user, err := b.gateway.GetUser(ctx, actor.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if token := strings.TrimSpace(user.TrackerToken); token != "" {
		return token, nil
	}
	return "", ErrCredentialMissing
}

// Import creates a task for every open issue in owner/repo that is not yet
// linked. It is idempotent. A tracker failure part way through keeps the
// tasks already created and reports how many there were.
func (b *Bridge) Import(ctx context.Context, actor Actor, owner, repo string) (ImportResult, error) {
	owner = strings.TrimSpace(owner)
	repo = strings.TrimSpace(repo)
	if owner == "" || repo == "" {
		return ImportResult{}, invalidf("import", "owner and repo are required")
	}
	token, err := b.trackerToken(ctx, actor)
	if err != nil {
		return ImportResult{}, err
	}
	repository := owner + "/" + repo

	result := ImportResult{Tasks: []TaskView{}}
	var pageErr error
	err = b.client.ListOpenIssues(ctx, token, owner, repo, func(issues []TrackerIssue) error {
		for _, issue := range issues {
			created, ok, err := b.importIssue(ctx, actor, repository, issue)
			if err != nil {
				pageErr = err
				return err
			}
			if ok {
				result.ImportedCount++
				result.Tasks = append(result.Tasks, created)
			}
		}
		return nil
	})
	if err != nil {
		if pageErr != nil {
			return result, pageErr
		}
		b.logger.Warn("tracker import interrupted", "repository", repository, "imported", result.ImportedCount, "error", err)
		return result, &UpstreamError{Imported: result.ImportedCount, Err: err}
	}

	if result.ImportedCount > 0 {
		notifyErr := b.engine.Notify(ctx, Notification{
			UserID:   actor.UserID,
			Title:    "GitHub Import Complete",
			Message:  fmt.Sprintf("Imported %d new tasks from %s", result.ImportedCount, repository),
			Kind:     NotificationTracker,
			Priority: NotificationPriorityLow,
			Data:     NotificationRefs{TrackerEvent: "import"},
		})
		if notifyErr != nil {
			b.logger.Error("import notification failed", "repository", repository, "error", notifyErr)
		}
	}
	b.logger.Info("tracker import finished", "repository", repository, "imported", result.ImportedCount)
	return result, nil
}

func (b *Bridge) importIssue(ctx context.Context, actor Actor, repository string, issue TrackerIssue) (TaskView, bool, error) {
	if issue.ID == "" {
		return TaskView{}, false, nil
	}
	if _, err := b.gateway.FindTaskByExternalIssue(ctx, issue.ID); err == nil {
		return TaskView{}, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return TaskView{}, false, err
	}
	title := strings.TrimSpace(issue.Title)
	if title == "" {
		title = fmt.Sprintf("Issue #%d", issue.Number)
	}
	res, err := b.engine.Apply(ctx, actor, CreateTask{
		Title:           title,
		Description:     issue.Body,
		Status:          StatusTodo,
		Priority:        PriorityMedium,
		Tags:            issue.Labels,
		ExternalIssueID: issue.ID,
		ExternalRepo:    repository,
	})
	if err != nil {
		// a concurrent import may have linked the issue in the meantime
		if errors.Is(err, ErrInvalidEntity) {
			if _, findErr := b.gateway.FindTaskByExternalIssue(ctx, issue.ID); findErr == nil {
				return TaskView{}, false, nil
			}
		}
		return TaskView{}, false, err
	}
	return *res.Task, true, nil
}

func (b *Bridge) ListRepositories(ctx context.Context, actor Actor) ([]TrackerRepository, error) {
	token, err := b.trackerToken(ctx, actor)
	if err != nil {
		return nil, err
	}
	repos, err := b.client.ListRepositories(ctx, token)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	return repos, nil
}

type ReconcileOutcome string

const (
	ReconcileApplied ReconcileOutcome = "applied"
	ReconcileNoOp    ReconcileOutcome = "noop"
)

type ReconcileResult struct {
	Outcome ReconcileOutcome `json:"outcome"`
	Reason  string           `json:"reason,omitempty"`
	Task    *TaskView        `json:"task,omitempty"`
}

func noop(reason string) ReconcileResult {
	return ReconcileResult{Outcome: ReconcileNoOp, Reason: reason}
}

// ReconcileFromEvent applies a tracker webhook body. Only closure of a linked
// issue changes anything; it moves the task to done through the Engine so the
// usual audit entry and events are produced.
func (b *Bridge) ReconcileFromEvent(ctx context.Context, body []byte) (ReconcileResult, error) {
	event, ok := ParseTrackerEvent(body)
	if !ok {
		return noop("payload has no issue or action"), nil
	}
	if !event.Closure() {
		return noop("action " + string(event.Action) + " ignored"), nil
	}
	task, err := b.gateway.FindTaskByExternalIssue(ctx, event.IssueID)
	if errors.Is(err, ErrNotFound) {
		return noop("no task linked to issue " + event.IssueID), nil
	}
	if err != nil {
		return ReconcileResult{}, err
	}
	if task.Status == StatusDone {
		return noop("task already done"), nil
	}
	done := StatusDone
	res, err := b.engine.Apply(ctx, Actor{UserID: b.systemUser}, UpdateTask{
		TaskID: task.ID,
		Patch:  TaskPatch{Status: &done},
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	b.logger.Info("task closed from tracker", "task_id", task.ID, "issue_id", event.IssueID, "repository", event.Repository)
	return ReconcileResult{Outcome: ReconcileApplied, Task: res.Task}, nil
}
