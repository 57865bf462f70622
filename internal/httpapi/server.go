package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/teamsync/internal/teamsync"
	"github.com/google/uuid"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	StoreBackend    string
	Logger          *slog.Logger
}

// Services are the collaborators the HTTP layer routes to. Bridge, Inbox and
// Hub are optional; their routes answer 404 when absent.
type Services struct {
	Engine *teamsync.Engine
	Bridge *teamsync.Bridge
	Inbox  *teamsync.Inbox
	Hub    *teamsync.Hub
}

type Server struct {
	engine      *teamsync.Engine
	bridge      *teamsync.Bridge
	inbox       *teamsync.Inbox
	hub         *teamsync.Hub
	cfg         ServerConfig
	logger      *slog.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(services Services, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      services.Engine,
		bridge:      services.Bridge,
		inbox:       services.Inbox,
		hub:         services.Hub,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/v1/tracker/webhook" && r.Method == http.MethodPost {
		s.handleTrackerWebhook(w, r, correlationID)
		return
	}
	if r.URL.Path == "/v1/events" && r.Method == http.MethodGet {
		s.handleEventStream(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "tasks" && r.Method == http.MethodGet:
		requiredScope, route = "tasks:read", "list_tasks"
	case len(parts) == 2 && parts[1] == "tasks" && r.Method == http.MethodPost:
		requiredScope, route = "tasks:write", "create_task"
	case len(parts) == 3 && parts[1] == "tasks" && r.Method == http.MethodGet:
		requiredScope, route = "tasks:read", "get_task"
	case len(parts) == 3 && parts[1] == "tasks" && r.Method == http.MethodPut:
		requiredScope, route = "tasks:write", "update_task"
	case len(parts) == 4 && parts[1] == "tasks" && parts[3] == "feedback" && r.Method == http.MethodPost:
		requiredScope, route = "tasks:write", "add_feedback"
	case len(parts) == 3 && parts[1] == "feedback" && r.Method == http.MethodDelete:
		requiredScope, route = "tasks:write", "delete_feedback"
	case len(parts) == 2 && parts[1] == "meetings" && r.Method == http.MethodGet:
		requiredScope, route = "meetings:read", "list_meetings"
	case len(parts) == 2 && parts[1] == "meetings" && r.Method == http.MethodPost:
		requiredScope, route = "meetings:write", "create_meeting"
	case len(parts) == 3 && parts[1] == "meetings" && r.Method == http.MethodPut:
		requiredScope, route = "meetings:write", "update_meeting"
	case len(parts) == 3 && parts[1] == "meetings" && r.Method == http.MethodDelete:
		requiredScope, route = "meetings:write", "delete_meeting"
	case len(parts) == 2 && parts[1] == "notifications" && r.Method == http.MethodGet:
		requiredScope, route = "notifications:read", "list_notifications"
	case len(parts) == 3 && parts[1] == "notifications" && parts[2] == "read-all" && r.Method == http.MethodPut:
		requiredScope, route = "notifications:write", "mark_all_read"
	case len(parts) == 4 && parts[1] == "notifications" && parts[3] == "read" && r.Method == http.MethodPut:
		requiredScope, route = "notifications:write", "mark_read"
	case len(parts) == 3 && parts[1] == "notifications" && r.Method == http.MethodDelete:
		requiredScope, route = "notifications:write", "delete_notification"
	case len(parts) == 3 && parts[1] == "tracker" && parts[2] == "import" && r.Method == http.MethodPost && s.bridge != nil:
		requiredScope, route = "tracker:import", "tracker_import"
	case len(parts) == 3 && parts[1] == "tracker" && parts[2] == "repositories" && r.Method == http.MethodGet && s.bridge != nil:
		requiredScope, route = "tracker:import", "tracker_repositories"
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "status" && r.Method == http.MethodGet:
		requiredScope, route = "admin:read", "admin_status"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}
	actor := teamsync.Actor{
		UserID:       claims.Subject,
		TrackerToken: strings.TrimSpace(r.Header.Get("X-Tracker-Token")),
	}

	switch route {
	case "list_tasks":
		s.handleListTasks(w, r, correlationID)
	case "create_task":
		s.handleCreateTask(w, r, actor, correlationID)
	case "get_task":
		s.handleGetTask(w, r, parts[2], correlationID)
	case "update_task":
		s.handleUpdateTask(w, r, actor, parts[2], correlationID)
	case "add_feedback":
		s.handleAddFeedback(w, r, actor, parts[2], correlationID)
	case "delete_feedback":
		s.handleDeleteFeedback(w, r, actor, parts[2], correlationID)
	case "list_meetings":
		s.handleListMeetings(w, r, actor, correlationID)
	case "create_meeting":
		s.handleCreateMeeting(w, r, actor, correlationID)
	case "update_meeting":
		s.handleUpdateMeeting(w, r, actor, parts[2], correlationID)
	case "delete_meeting":
		s.handleDeleteMeeting(w, r, actor, parts[2], correlationID)
	case "list_notifications":
		s.handleListNotifications(w, r, actor, correlationID)
	case "mark_all_read":
		s.handleMarkAllRead(w, r, actor, correlationID)
	case "mark_read":
		s.handleMarkRead(w, r, actor, parts[2], correlationID)
	case "delete_notification":
		s.handleDeleteNotification(w, r, actor, parts[2], correlationID)
	case "tracker_import":
		s.handleTrackerImport(w, r, actor, correlationID)
	case "tracker_repositories":
		s.handleTrackerRepositories(w, r, actor, correlationID)
	case "admin_status":
		s.handleAdminStatus(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handleTrackerWebhook is unauthenticated unless a webhook secret is
// configured. The body is queued and reconciled by the inbox workers.
func (s *Server) handleTrackerWebhook(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.inbox == nil {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := s.inbox.VerifySignature(body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	result, err := s.inbox.Accept(r.Context(), r.Header.Get("X-GitHub-Delivery"), r.Header.Get("X-GitHub-Event"), body)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

type adminStatus struct {
	StoreBackend string               `json:"storeBackend"`
	Subscribers  int                  `json:"subscribers"`
	Inbox        *teamsync.InboxStats `json:"inbox,omitempty"`
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, _ *http.Request, _ string) {
	status := adminStatus{StoreBackend: s.cfg.StoreBackend}
	if s.hub != nil {
		status.Subscribers = s.hub.SubscriberCount()
	}
	if s.inbox != nil {
		stats := s.inbox.Stats()
		status.Inbox = &stats
	}
	writeJSON(w, http.StatusOK, status)
}

// writeDomainError maps a teamsync error onto its HTTP status. Internal
// failures are logged and reported without detail.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	code := teamsync.ErrorCode(err)
	message := teamsync.PublicMessage(err)
	var status int
	switch code {
	case "not_found":
		status = http.StatusNotFound
	case "invalid_entity", "credential_missing":
		status = http.StatusBadRequest
	case "forbidden":
		status = http.StatusForbidden
	case "upstream_unavailable":
		status = http.StatusBadGateway
	case "version_conflict":
		status = http.StatusConflict
	case "queue_full":
		w.Header().Set("Retry-After", "1")
		status = http.StatusTooManyRequests
	default:
		s.logger.Error("request failed", "correlation_id", correlationID, "error", err)
		status = http.StatusInternalServerError
	}

	var conflict *teamsync.ConflictError
	var upstream *teamsync.UpstreamError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, status, map[string]any{
			"code":            code,
			"message":         message,
			"correlationId":   correlationID,
			"expectedVersion": conflict.ExpectedVersion,
			"currentVersion":  conflict.CurrentVersion,
		})
	case errors.As(err, &upstream):
		writeJSON(w, status, map[string]any{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
			"imported":      upstream.Imported,
		})
	default:
		writeError(w, status, code, message, correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "corr_" + uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "W/") || strings.HasPrefix(value, "w/") {
		value = strings.TrimSpace(value[2:])
	}
	if len(value) >= 2 && strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
}
