// Package apperr defines the error taxonomy shared by the messaging core,
// the websocket protocol and the REST API.
//
// Components return (or wrap with %w) one of the sentinels below. Callers at
// the edge translate them with Code (wire protocol) or HTTPStatus (REST).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrPermissionDenied   = errors.New("permission denied")
	ErrChatNotFound       = errors.New("chat not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrMessageTombstoned  = errors.New("message deleted")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrInvalidTransition  = errors.New("invalid delivery transition")
	ErrDuplicateRequest   = errors.New("duplicate request")
	ErrAuth               = errors.New("authentication failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrTransport          = errors.New("transport error")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUserNotFound       = errors.New("user not found")
)

// ErrNotAMember is returned by membership lookups. It matches
// ErrPermissionDenied so callers that only care about authorization
// can check for that instead.
var ErrNotAMember = &notAMemberError{}

type notAMemberError struct{}

func (*notAMemberError) Error() string { return "not a member of this chat" }

func (*notAMemberError) Is(target error) bool { return target == ErrPermissionDenied }

// RateLimitedError carries a retry-after hint. errors.Is(err, ErrRateLimited)
// is true for it.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfter extracts the retry hint from err, or zero.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// Wire error codes.
const (
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodeChatNotFound       = "CHAT_NOT_FOUND"
	CodeMessageNotFound    = "MESSAGE_NOT_FOUND"
	CodeMessageTombstoned  = "MESSAGE_TOMBSTONED"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeDuplicateRequest   = "DUPLICATE_REQUEST"
	CodeAuth               = "UNAUTHENTICATED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeTransport          = "TRANSPORT_ERROR"
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeUserNotFound       = "USER_NOT_FOUND"
	CodeInternal           = "INTERNAL"
)

type mapping struct {
	err    error
	code   string
	status int
}

// ErrNotAMember resolves through ErrPermissionDenied.
var mappings = []mapping{
	{ErrRateLimited, CodeRateLimited, http.StatusTooManyRequests},
	{ErrPermissionDenied, CodePermissionDenied, http.StatusForbidden},
	{ErrChatNotFound, CodeChatNotFound, http.StatusNotFound},
	{ErrMessageNotFound, CodeMessageNotFound, http.StatusNotFound},
	{ErrUserNotFound, CodeUserNotFound, http.StatusNotFound},
	{ErrMessageTombstoned, CodeMessageTombstoned, http.StatusGone},
	{ErrInvariantViolation, CodeInvariantViolation, http.StatusConflict},
	{ErrInvalidTransition, CodeInvalidTransition, http.StatusConflict},
	{ErrDuplicateRequest, CodeDuplicateRequest, http.StatusOK},
	{ErrAuth, CodeAuth, http.StatusUnauthorized},
	{ErrInvalidArgument, CodeInvalidArgument, http.StatusBadRequest},
	{ErrTransport, CodeTransport, http.StatusBadGateway},
}

// Code maps err to its wire protocol code. Unknown errors are INTERNAL.
func Code(err error) string {
	for _, m := range mappings {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return CodeInternal
}

// HTTPStatus maps err to a REST status code. Unknown errors are 500.
func HTTPStatus(err error) int {
	for _, m := range mappings {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// IsInternal reports whether err falls outside the taxonomy, meaning it
// should be logged and hidden from clients.
func IsInternal(err error) bool {
	return Code(err) == CodeInternal
}

// Invalid wraps ErrInvalidArgument with a message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Violation wraps ErrInvariantViolation with a message.
func Violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// Denied wraps ErrPermissionDenied with a message.
func Denied(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermissionDenied, fmt.Sprintf(format, args...))
}
