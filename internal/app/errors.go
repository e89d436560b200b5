package app

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// asDomainError translates the wiki error taxonomy. It returns nil for
// errors that are not expected outcomes.
func asDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if conflict, ok := wiki.AsRevisionConflict(err); ok {
		return domainError(http.StatusConflict, "REVISION_CONFLICT", conflict.Error(), map[string]any{
			"expected": conflict.Expected,
			"actual":   conflict.Actual,
		})
	}
	if held, ok := wiki.AsLockHeld(err); ok {
		return domainError(http.StatusLocked, "LOCK_HELD", held.Error(), map[string]any{
			"holder":    held.Holder,
			"expiresAt": held.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	if invalid, ok := wiki.AsInvalidState(err); ok {
		return domainError(http.StatusConflict, "INVALID_STATE", invalid.Error(), map[string]any{
			"status": invalid.Status,
		})
	}
	var validation *wiki.ValidationError
	if errors.As(err, &validation) {
		var details any
		if validation.Field != "" {
			details = map[string]any{"field": validation.Field}
		}
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", validation.Message, details)
	}
	var denied *wiki.PermissionDeniedError
	if errors.As(err, &denied) {
		return domainError(http.StatusForbidden, "PERMISSION_DENIED", denied.Reason, nil)
	}
	var conflict *wiki.ConflictError
	if errors.As(err, &conflict) {
		return domainError(http.StatusConflict, "CONFLICT", conflict.Message, nil)
	}
	if wiki.IsNotFound(err) {
		return domainError(http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	}
	return nil
}
