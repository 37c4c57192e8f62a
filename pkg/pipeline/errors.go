package pipeline

import "fmt"

// ValidationError rejects a request before any side effect.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid wraps err as a ValidationError with a user-facing reason.
func Invalid(reason string, err error) error {
	return &ValidationError{Reason: reason, Err: err}
}

// PermissionError rejects a caller that may not perform the operation.
// Unauthenticated distinguishes 401 from 403.
type PermissionError struct {
	Reason          string
	Unauthenticated bool
}

func (e *PermissionError) Error() string { return e.Reason }

// CommitError reports a failed record commit. Staged blobs were deleted
// before it was returned; Cleanup holds deletes that failed and were
// recorded as orphans.
type CommitError struct {
	Cause   error
	Cleanup error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit record: %v", e.Cause)
}

func (e *CommitError) Unwrap() error { return e.Cause }
