package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by artifact stores when a key is absent.
var ErrNotFound = errors.New("artifact not found")

// UploadError reports a failed artifact staging attempt. A job whose
// inputs fail to stage is never enqueued.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string { return fmt.Sprintf("upload %s: %v", e.Key, e.Err) }
func (e *UploadError) Unwrap() error { return e.Err }

// EnqueueError reports a descriptor that could not be enqueued after its
// inputs were already staged. The staged artifacts become orphans; see
// Submitter.SweepOrphans.
type EnqueueError struct {
	JobID string
	Err   error
}

func (e *EnqueueError) Error() string { return fmt.Sprintf("enqueue job %s: %v", e.JobID, e.Err) }
func (e *EnqueueError) Unwrap() error { return e.Err }

// ExecutionError reports a non-zero exit (or hard timeout) from the
// execution hook. It fails the current attempt only; redelivery retries it.
type ExecutionError struct {
	JobID    string
	ExitCode int
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job %s: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("job %s: exit status %d", e.JobID, e.ExitCode)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
