package wiki

import (
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

func NotFound(what string) error {
	return fmt.Errorf("%s: %w", what, ErrNotFound)
}

type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Message
}

func Conflict(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// RevisionConflictError is returned when a change was based on a revision
// that is no longer the page head.
type RevisionConflictError struct {
	Expected int
	Actual   int
}

func (e *RevisionConflictError) Error() string {
	return fmt.Sprintf("revision conflict: expected %d, actual %d", e.Expected, e.Actual)
}

type LockHeldError struct {
	Holder    string
	ExpiresAt time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lock held by %s until %s", e.Holder, e.ExpiresAt.UTC().Format(time.RFC3339))
}

type PermissionDeniedError struct {
	Reason string
}

func (e *PermissionDeniedError) Error() string {
	return "permission denied: " + e.Reason
}

func PermissionDenied(format string, args ...any) error {
	return &PermissionDeniedError{Reason: fmt.Sprintf(format, args...)}
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func Validation(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

type InvalidStateError struct {
	Status SubmissionStatus
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s submission in status %s", e.Op, e.Status)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func AsRevisionConflict(err error) (*RevisionConflictError, bool) {
	var target *RevisionConflictError
	ok := errors.As(err, &target)
	return target, ok
}

func AsLockHeld(err error) (*LockHeldError, bool) {
	var target *LockHeldError
	ok := errors.As(err, &target)
	return target, ok
}

func IsPermissionDenied(err error) bool {
	var target *PermissionDeniedError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func AsInvalidState(err error) (*InvalidStateError, bool) {
	var target *InvalidStateError
	ok := errors.As(err, &target)
	return target, ok
}
