package admission

import (
	"errors"
	"net/http"
	"time"
)

// Kind discriminates admission errors. Callers switch on Kind instead of on
// concrete error types.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindProhibitedContent Kind = "prohibited_content"
	KindHighRiskContent   Kind = "high_risk_content"
	KindContentFlagged    Kind = "content_flagged"
	KindRateLimitExceeded Kind = "rate_limit_exceeded"
	KindStoreUnavailable  Kind = "store_unavailable"
	KindInvalidConfig     Kind = "invalid_config"
)

var kindCodes = map[Kind]string{
	KindValidation:        "VALIDATION_ERROR",
	KindProhibitedContent: "PROHIBITED_CONTENT",
	KindHighRiskContent:   "HIGH_RISK_CONTENT",
	KindContentFlagged:    "CONTENT_FLAGGED",
	KindRateLimitExceeded: "RATE_LIMIT_EXCEEDED",
	KindStoreUnavailable:  "ADMISSION_UNAVAILABLE",
	KindInvalidConfig:     "INVALID_CONFIG",
}

var kindStatus = map[Kind]int{
	KindValidation:        http.StatusBadRequest,
	KindProhibitedContent: http.StatusForbidden,
	KindHighRiskContent:   http.StatusForbidden,
	KindContentFlagged:    http.StatusForbidden,
	KindRateLimitExceeded: http.StatusTooManyRequests,
	KindStoreUnavailable:  http.StatusServiceUnavailable,
	KindInvalidConfig:     http.StatusInternalServerError,
}

// Error is the single error type surfaced by admission checks.
//
// Message is safe to show to clients: it never contains submitted content or
// store connection details. The underlying cause, if any, is kept in Err for
// logging only.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	Flags      []string
	Score      int
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same Kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// StatusCode returns the HTTP status matching the error kind.
func (e *Error) StatusCode() int {
	if status, ok := kindStatus[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Sentinels for errors.Is checks.
var (
	ErrValidation        = &Error{Kind: KindValidation, Code: kindCodes[KindValidation], Message: "invalid input"}
	ErrProhibitedContent = &Error{Kind: KindProhibitedContent, Code: kindCodes[KindProhibitedContent], Message: "content is prohibited"}
	ErrHighRiskContent   = &Error{Kind: KindHighRiskContent, Code: kindCodes[KindHighRiskContent], Message: "content is high risk"}
	ErrContentFlagged    = &Error{Kind: KindContentFlagged, Code: kindCodes[KindContentFlagged], Message: "content was flagged"}
	ErrRateLimitExceeded = &Error{Kind: KindRateLimitExceeded, Code: kindCodes[KindRateLimitExceeded], Message: "rate limit exceeded"}
	ErrStoreUnavailable  = &Error{Kind: KindStoreUnavailable, Code: kindCodes[KindStoreUnavailable], Message: "admission is temporarily unavailable"}
	ErrInvalidConfig     = &Error{Kind: KindInvalidConfig, Code: kindCodes[KindInvalidConfig], Message: "invalid rate limit configuration"}
)

// NewError builds an *Error of the given kind with its stable code.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Code: kindCodes[kind], Message: message}
}

// ValidationError reports malformed or schema-violating input.
func ValidationError(message string) *Error {
	return NewError(KindValidation, message)
}

// ProhibitedContentError reports critical flags. There is no override for it.
func ProhibitedContentError(flags []string) *Error {
	e := NewError(KindProhibitedContent, "content contains prohibited material")
	e.Flags = flags
	e.Score = 100
	return e
}

// HighRiskContentError reports high-risk flags without an authorized override.
func HighRiskContentError(flags []string, score int) *Error {
	e := NewError(KindHighRiskContent, "content is high risk and requires an authorized override")
	e.Flags = flags
	e.Score = score
	return e
}

// ContentFlaggedError reports free-text content scoring at or above the reject threshold.
func ContentFlaggedError(flags []string, score int) *Error {
	e := NewError(KindContentFlagged, "content was flagged by automated review")
	e.Flags = flags
	e.Score = score
	return e
}

// RateLimitError reports a denied admission with a client backoff hint.
func RateLimitError(retryAfter time.Duration) *Error {
	e := NewError(KindRateLimitExceeded, "rate limit exceeded, slow down please")
	e.RetryAfter = retryAfter
	return e
}

// StoreUnavailableError reports a fail-closed denial caused by the backing store.
func StoreUnavailableError(cause error) *Error {
	e := NewError(KindStoreUnavailable, "admission is temporarily unavailable")
	e.Err = cause
	return e
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
