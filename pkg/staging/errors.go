package staging

import (
	"errors"
	"fmt"
)

var (
	ErrTooManyFiles    = errors.New("too many files")
	ErrFileTooLarge    = errors.New("file too large")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrInvalidScope    = errors.New("invalid staging scope")
)

// StagingError reports that a Stage call failed. No attachment of the call
// remains in the object store except keys whose cleanup delete also failed,
// and those are handed to the orphan recorder.
type StagingError struct {
	// FailedAt is the index of the input file that failed first.
	FailedAt int
	Cause    error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("stage attachment %d: %v", e.FailedAt, e.Cause)
}

func (e *StagingError) Unwrap() error { return e.Cause }
