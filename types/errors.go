package types

import "errors"

var (
	// ErrMissingJobID indicates a job without the mandatory jobId field.
	ErrMissingJobID = errors.New("job is missing jobId")

	// ErrMissingContainer indicates a job without a containerName.
	ErrMissingContainer = errors.New("job is missing containerName")

	// ErrUnknownContainer indicates a containerName no worker is
	// registered for. Such jobs fail fast and are never redelivered.
	ErrUnknownContainer = errors.New("unknown container name")
)
