package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/booking/booking/internal/platform/timezone"
)

// Kind is the machine-readable error category returned to callers.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindStale       Kind = "stale_snapshot"
	KindRule        Kind = "rule_violation"
	KindTransient   Kind = "transient"
	KindNonexistent Kind = "nonexistent_local_time"
	KindAmbiguous   Kind = "ambiguous_local_time"
	KindInternal    Kind = "internal"
)

type Error struct {
	Kind         Kind   `json:"kind"`
	Message      string `json:"message"`
	RuleID       string `json:"rule_id,omitempty"`
	RuleKind     string `json:"rule_kind,omitempty"`
	ResourceKind string `json:"resource_kind,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	Err          error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(what string, id interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %v not found", what, id)}
}

// Conflict names the resource whose existing reservations collided.
func Conflict(resourceKind string, resourceID interface{}) *Error {
	return &Error{
		Kind:         KindConflict,
		Message:      fmt.Sprintf("%s %v is already reserved for this time", resourceKind, resourceID),
		ResourceKind: resourceKind,
		ResourceID:   fmt.Sprint(resourceID),
	}
}

// InvalidTransition reports a lifecycle move the state machine forbids.
func InvalidTransition(from, to string) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf("reservation cannot move from %s to %s", from, to)}
}

func Stale(age, max time.Duration) *Error {
	return &Error{
		Kind:    KindStale,
		Message: fmt.Sprintf("availability fetched %s ago exceeds %s, query again", age.Round(time.Second), max),
	}
}

func RuleViolation(ruleID, ruleKind, reason string) *Error {
	return &Error{Kind: KindRule, Message: reason, RuleID: ruleID, RuleKind: ruleKind}
}

func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Message: "temporarily unavailable, retry later", Err: err}
}

// FromTime converts local-time resolution failures into their own kinds.
func FromTime(err error) error {
	switch {
	case errors.Is(err, timezone.ErrNonexistent):
		return &Error{Kind: KindNonexistent, Message: err.Error(), Err: err}
	case errors.Is(err, timezone.ErrAmbiguous):
		return &Error{Kind: KindAmbiguous, Message: err.Error(), Err: err}
	}
	return err
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Status(kind Kind) int {
	switch kind {
	case KindValidation, KindNonexistent, KindAmbiguous:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindStale:
		return http.StatusConflict
	case KindRule:
		return http.StatusUnprocessableEntity
	case KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// ToHTTP renders err as an echo.HTTPError with the typed body. Untyped errors
// become a 500 without leaking their text.
func ToHTTP(err error) error {
	var e *Error
	if !errors.As(err, &e) {
		return echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
			"kind":    string(KindInternal),
			"message": "internal server error",
		}).SetInternal(err)
	}
	return echo.NewHTTPError(Status(e.Kind), e).SetInternal(err)
}
