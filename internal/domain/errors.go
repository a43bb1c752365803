package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrNotAuthorized     = errors.New("not authorized")
	ErrCannotDemoteOwner = errors.New("cannot demote the sole owner")
	ErrCannotRemoveOwner = errors.New("cannot remove the owner")

	ErrAlreadyMember      = errors.New("user is already a member")
	ErrNotMember          = errors.New("user is not a member")
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrInvitationExpired  = errors.New("invitation expired")
	ErrCollectionFull     = errors.New("collection has reached its member limit")
	ErrCollectionNotFound = errors.New("collection not found")

	ErrEntityNotFound    = errors.New("entity not found")
	ErrEntityDeleted     = errors.New("entity was deleted")
	ErrOperationNotFound = errors.New("operation not found")

	ErrLockExpired      = errors.New("lock expired")
	ErrLockNotFound     = errors.New("lock not found")
	ErrRevisionMismatch = errors.New("revision mismatch")

	ErrUnavailable = errors.New("remote store unavailable")
	ErrRateLimited = errors.New("remote store rate limited")

	ErrInvalidArgument = errors.New("invalid argument")
)

// LockHeldError is returned when another member holds a valid lock.
type LockHeldError struct {
	EntityID  string
	By        string
	ExpiresAt time.Time
	Wait      time.Duration
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("entity %s is being edited by %s until %s", e.EntityID, e.By, e.ExpiresAt.Format(time.RFC3339))
}

// DataError flags a corrupt or incompatible payload. It is never retried.
type DataError struct {
	EntityID string
	Reason   string
	Recovery string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("entity %s: %s", e.EntityID, e.Reason)
}

// Invalid builds a validation error wrapping ErrInvalidArgument.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

type Class int

const (
	ClassInternal Class = iota
	ClassAuthorization
	ClassContention
	ClassTransient
	ClassData
	ClassValidation
	ClassNotFound
)

func (c Class) String() string {
	switch c {
	case ClassAuthorization:
		return "authorization"
	case ClassContention:
		return "contention"
	case ClassTransient:
		return "transient"
	case ClassData:
		return "data"
	case ClassValidation:
		return "validation"
	case ClassNotFound:
		return "not_found"
	}
	return "internal"
}

func Classify(err error) Class {
	if err == nil {
		return ClassInternal
	}
	var lockHeld *LockHeldError
	var dataErr *DataError
	var netErr net.Error
	switch {
	case errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrCannotDemoteOwner), errors.Is(err, ErrCannotRemoveOwner):
		return ClassAuthorization
	case errors.As(err, &lockHeld), errors.Is(err, ErrRevisionMismatch),
		errors.Is(err, ErrLockExpired), errors.Is(err, ErrLockNotFound):
		return ClassContention
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrRateLimited), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.As(err, &netErr):
		return ClassTransient
	case errors.As(err, &dataErr):
		return ClassData
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrAlreadyMember), errors.Is(err, ErrCollectionFull),
		errors.Is(err, ErrInvitationExpired), errors.Is(err, ErrEntityDeleted):
		return ClassValidation
	case errors.Is(err, ErrNotMember), errors.Is(err, ErrInvitationNotFound), errors.Is(err, ErrCollectionNotFound),
		errors.Is(err, ErrEntityNotFound), errors.Is(err, ErrOperationNotFound):
		return ClassNotFound
	}
	return ClassInternal
}

// Retryable reports whether err is a transient infrastructure failure.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}

// UserMessage turns err into a human-readable cause with a suggested action.
func UserMessage(err error) string {
	var lockHeld *LockHeldError
	if errors.As(err, &lockHeld) {
		return fmt.Sprintf("%s is editing this song. Try again in about %s.", lockHeld.By, roundWait(lockHeld.Wait))
	}
	var dataErr *DataError
	if errors.As(err, &dataErr) {
		recovery := dataErr.Recovery
		if recovery == "" {
			recovery = "Restore the last known-good version."
		}
		return fmt.Sprintf("This song could not be read (%s). %s", dataErr.Reason, recovery)
	}
	switch Classify(err) {
	case ClassAuthorization:
		return "You don't have permission to do that. Ask a collection admin for access."
	case ClassContention:
		return "Someone else changed this song at the same time. Resolve the conflict manually."
	case ClassTransient:
		return "The library could not be reached. Your change is saved and will be retried."
	case ClassValidation, ClassNotFound:
		return err.Error()
	}
	return "Something went wrong while syncing. Retry, or import the song as plain text."
}

func roundWait(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d.Round(time.Second)
}
