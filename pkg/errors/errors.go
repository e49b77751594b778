// Package errors provides error wrapping utilities and the sentinel errors shared by
// the upload pipeline. Callers match sentinels with Is.
package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	// ErrValidation marks a candidate file rejected by the upload policy.
	ErrValidation = stderrors.New("validation failed")
	// ErrCapacityExceeded marks a batch that would exceed the per-owner image limit.
	ErrCapacityExceeded = stderrors.New("image limit exceeded")
	// ErrDuplicateID marks an entry id that is already tracked or was used before.
	ErrDuplicateID = stderrors.New("duplicate entry id")
	ErrNotFound    = stderrors.New("entry not found")
	// ErrInvalidState marks an operation that is not allowed in the entry's current state.
	ErrInvalidState = stderrors.New("operation not allowed in current state")
	// ErrRetryNotAllowed marks a retry on an entry with no local file that is not completed.
	ErrRetryNotAllowed   = stderrors.New("cannot retry: no file present")
	ErrInvalidCredential = stderrors.New("invalid signed URL response")
	ErrMissingLocalFile  = stderrors.New("missing local file")
	ErrCancelled         = stderrors.New("upload cancelled")
	// ErrSuperseded is returned by a pipeline stage whose run was replaced by a newer one.
	ErrSuperseded = stderrors.New("pipeline superseded")
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return stderrors.New(text)
}
