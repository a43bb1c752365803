package domain

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{ErrNotAuthorized, ClassAuthorization},
		{fmt.Errorf("change permission: %w", ErrCannotDemoteOwner), ClassAuthorization},
		{&LockHeldError{By: "alice"}, ClassContention},
		{ErrRevisionMismatch, ClassContention},
		{fmt.Errorf("fetch: %w", ErrUnavailable), ClassTransient},
		{context.DeadlineExceeded, ClassTransient},
		{&DataError{EntityID: "e1", Reason: "bad"}, ClassData},
		{Invalid("name is required"), ClassValidation},
		{ErrInvitationNotFound, ClassNotFound},
		{fmt.Errorf("boom"), ClassInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), "%v", tc.err)
	}
	assert.True(t, Retryable(ErrRateLimited))
	assert.False(t, Retryable(ErrNotAuthorized))
}

func TestUserMessage(t *testing.T) {
	msg := UserMessage(&LockHeldError{By: "alice", Wait: 90 * time.Second})
	assert.Contains(t, msg, "alice")
	assert.Contains(t, msg, "1m30s")

	msg = UserMessage(&DataError{EntityID: "e1", Reason: "payload is not valid JSON"})
	assert.Contains(t, msg, "Restore the last known-good version")

	assert.Contains(t, UserMessage(ErrNotAuthorized), "permission")
	assert.Contains(t, UserMessage(fmt.Errorf("boom")), "plain text")
}
