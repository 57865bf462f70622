package teamsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidEntity       = errors.New("invalid entity")
	ErrForbidden           = errors.New("forbidden")
	ErrCredentialMissing   = errors.New("tracker credential missing")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrVersionConflict     = errors.New("version conflict")
	ErrDuplicate           = errors.New("duplicate key")
	ErrInvalidInput        = errors.New("invalid input")
	ErrQueueFull           = errors.New("queue full")
	ErrNotImplemented      = errors.New("not implemented")
)

type ValidationError struct {
	Kind   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Kind == "" {
		return "invalid entity: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Kind, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidEntity
}

func invalidf(kind, format string, args ...any) error {
	return &ValidationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

type ConflictError struct {
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, current %d", e.ExpectedVersion, e.CurrentVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// UpstreamError reports a tracker failure together with how much of the
// batch was already applied before it happened.
type UpstreamError struct {
	Imported int
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tracker unavailable after importing %d tasks", e.Imported)
	}
	return fmt.Sprintf("tracker unavailable after importing %d tasks: %v", e.Imported, e.Err)
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ErrorCode maps err onto the stable code reported to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidEntity), errors.Is(err, ErrDuplicate), errors.Is(err, ErrInvalidInput):
		return "invalid_entity"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrCredentialMissing):
		return "credential_missing"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	default:
		return "internal_error"
	}
}

// PublicMessage returns a message safe to show to a user. Internal errors
// collapse to a generic message.
func PublicMessage(err error) string {
	switch ErrorCode(err) {
	case "", "internal_error":
		return "internal error"
	case "not_found":
		return "not found"
	case "forbidden":
		// forbidden errors are built locally from a fixed reason string
		return err.Error()
	case "invalid_entity":
		var ve *ValidationError
		if errors.As(err, &ve) {
			return ve.Error()
		}
		if errors.Is(err, ErrDuplicate) {
			return "invalid task: external issue is already linked to another task"
		}
		return "invalid entity"
	case "credential_missing":
		return "tracker token not configured"
	case "upstream_unavailable":
		var ue *UpstreamError
		if errors.As(err, &ue) {
			return fmt.Sprintf("tracker unavailable after importing %d tasks", ue.Imported)
		}
		return "tracker unavailable"
	case "version_conflict":
		var ce *ConflictError
		if errors.As(err, &ce) {
			return ce.Error()
		}
		return "version conflict"
	case "queue_full":
		return "queue full"
	}
	return "internal error"
}
