// Package pipeline holds the shared error taxonomy for ingestion, job
// execution and dispatch. Classification decides whether a failed job may be
// retried: transient upstream errors are retryable, credential and validation
// errors are terminal until the user acts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/api/googleapi"
)

// CredentialError means the stored credential is missing, disconnected or
// malformed. Never retryable; the user has to re-authenticate.
type CredentialError struct {
	UserID string
	Reason string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential for user %s: %s", e.UserID, e.Reason)
}

// ValidationError means the request itself is malformed. Never retryable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransientError wraps a rate-limit, timeout or network failure from an
// upstream dependency. Always retryable.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NotFoundError means the referenced entity does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Transient wraps err as a retryable upstream failure.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// Retryable classifies err for job retry eligibility. Anything explicitly
// transient, any network timeout, and upstream 429/5xx responses count as
// retryable; credential, validation and not-found errors never do.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var credErr *CredentialError
	var valErr *ValidationError
	var nfErr *NotFoundError
	if errors.As(err, &credErr) || errors.As(err, &valErr) || errors.As(err, &nfErr) {
		return false
	}

	var transErr *TransientError
	if errors.As(err, &transErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}

	return false
}

// Suggestions maps an error to the actionable hints included in API error
// responses.
func Suggestions(err error) []string {
	var credErr *CredentialError
	if errors.As(err, &credErr) {
		return []string{
			"Re-authenticate the mail account",
			"Check that the integration is still connected",
		}
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return []string{fmt.Sprintf("Correct the %s field and resubmit", valErr.Field)}
	}
	if Retryable(err) {
		return []string{"Retry the operation", "Check upstream service status"}
	}
	return nil
}
