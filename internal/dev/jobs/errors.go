package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidJobID is returned when a job id is not a UUID.
	ErrInvalidJobID = errors.New("invalid job id")

	// ErrJobNotFound is reported when the platform does not know a job.
	ErrJobNotFound = errors.New("job not found")

	// ErrStreamTimeout is reported when the platform gives up streaming a job.
	ErrStreamTimeout = errors.New("job update stream timed out")

	// ErrStreamClosed is reported when the update stream ends before the job completes.
	ErrStreamClosed = errors.New("job update stream closed before completion")

	// ErrNoDatatable is returned when a migration has no target datatable.
	ErrNoDatatable = errors.New("no datatable configured")
)

// JobError is a job that completed unsuccessfully.
// Payload is the job's "error" value, unchanged.
type JobError struct {
	JobID   string
	Payload json.RawMessage
}

func (e *JobError) Error() string {
	var body struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Payload, &body); err == nil && body.Message != "" {
		if body.Name != "" {
			return fmt.Sprintf("job %s failed: %s: %s", e.JobID, body.Name, body.Message)
		}
		return fmt.Sprintf("job %s failed: %s", e.JobID, body.Message)
	}

	var s string
	if err := json.Unmarshal(e.Payload, &s); err == nil {
		return fmt.Sprintf("job %s failed: %s", e.JobID, s)
	}
	return fmt.Sprintf("job %s failed: %s", e.JobID, string(e.Payload))
}

// jobErrorFrom extracts the "error" member of a failed job's result.
// It returns nil when the result is not an object carrying one.
func jobErrorFrom(jobID string, result json.RawMessage) *JobError {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(result, &obj); err != nil || obj == nil {
		return nil
	}
	payload, ok := obj["error"]
	if !ok {
		return nil
	}
	return &JobError{JobID: jobID, Payload: payload}
}
