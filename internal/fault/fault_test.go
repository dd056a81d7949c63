package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(RateLimited, "bucket empty for %s", "build")
	assert.Equal(t, RateLimited, KindOf(err))
	assert.True(t, Is(err, RateLimited))
	assert.False(t, Is(err, Duplicate))

	// Wrapped chains keep their kind.
	wrapped := fmt.Errorf("handler: %w", err)
	assert.Equal(t, RateLimited, KindOf(wrapped))

	// Unclassified errors are internal by definition.
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestCodedErrors(t *testing.T) {
	err := Coded(PolicyDenied, "SUBCOMMAND_DENIED", "systemctl sub %q not allowed", "mask")
	assert.Equal(t, "SUBCOMMAND_DENIED", CodeOf(err))
	assert.Contains(t, err.Error(), "policy_denied")
	assert.Contains(t, err.Error(), "SUBCOMMAND_DENIED")

	assert.Equal(t, "", CodeOf(New(BadRequest, "no code here")))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(TransientIO, cause, "publish to %s", "god.button")
	assert.ErrorIs(t, err, cause)
	assert.True(t, Retryable(err))
	assert.False(t, Retryable(New(FailClosed, "vault down")))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{BadRequest, http.StatusBadRequest},
		{NotAllowlisted, http.StatusForbidden},
		{RateLimited, http.StatusTooManyRequests},
		{Duplicate, http.StatusConflict},
		{CapabilityDenied, http.StatusForbidden},
		{PolicyDenied, http.StatusForbidden},
		{TransientIO, http.StatusServiceUnavailable},
		{FailClosed, http.StatusServiceUnavailable},
		{ExecutionFailed, http.StatusInternalServerError},
		{Internal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.kind), string(tc.kind))
	}
}
