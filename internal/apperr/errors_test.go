package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCodeAndStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"wrapped chat not found", fmt.Errorf("load chat: %w", ErrChatNotFound), CodeChatNotFound, http.StatusNotFound},
		{"not a member is permission denied", ErrNotAMember, CodePermissionDenied, http.StatusForbidden},
		{"violation helper", Violation("direct chat is full"), CodeInvariantViolation, http.StatusConflict},
		{"rate limited", &RateLimitedError{RetryAfter: time.Second}, CodeRateLimited, http.StatusTooManyRequests},
		{"unknown", errors.New("boom"), CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, Code(tc.err))
			assert.Equal(t, tc.status, HTTPStatus(tc.err))
		})
	}
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("send: %w", &RateLimitedError{RetryAfter: 250 * time.Millisecond})
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, 250*time.Millisecond, RetryAfter(err))
	assert.Zero(t, RetryAfter(ErrAuth))
}
