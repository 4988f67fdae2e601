// Package types defines the core data model shared by the job pipeline:
// jobs, job results, and the worker invocation envelopes.
package types

import (
	"encoding/json"
	"time"
)

// Job is the unit of work submitted to the queue. It is created by the
// ingress, consumed by the dispatcher, and never mutated afterwards.
// JobID doubles as the queue deduplication key and the result store
// partition key.
type Job struct {
	JobID           string          `json:"jobId"`
	ContainerName   string          `json:"containerName"`
	Input           json.RawMessage `json:"input"`
	ThreadID        string          `json:"threadId"`
	SubmittedAt     time.Time       `json:"timestamp"`
	OriginalRequest json.RawMessage `json:"originalRequest,omitempty"`
}

// Validate checks the fields the pipeline cannot operate without.
func (j *Job) Validate() error {
	if j.JobID == "" {
		return ErrMissingJobID
	}
	if j.ContainerName == "" {
		return ErrMissingContainer
	}
	return nil
}

// JobError describes a terminal job failure.
type JobError struct {
	Type    string `json:"type"`
	Message string `json:"error"`
	Trace   string `json:"trace,omitempty"`
}

func (e *JobError) Error() string { return e.Message }

// JobResult is the durable outcome of a job. Exactly one result is ever
// written per JobID; equivalent re-writes under redelivery are safe.
type JobResult struct {
	JobID          string          `json:"jobId"`
	ContainerName  string          `json:"containerName"`
	Success        bool            `json:"success"`
	Data           json.RawMessage `json:"data,omitempty"`
	Error          *JobError       `json:"error,omitempty"`
	ProcessingTime time.Duration   `json:"processingTime"`
	SubmittedAt    time.Time       `json:"submittedAt"`
	CompletedAt    time.Time       `json:"timestamp"`
}

// WorkerRequest is the invocation payload the dispatcher hands to a worker.
type WorkerRequest struct {
	Input    json.RawMessage `json:"input"`
	ThreadID string          `json:"thread_id"`
	JobID    string          `json:"jobId"`
}

// WorkerResponse is the envelope every worker invocation returns. Workers
// never propagate errors past their boundary; failures are reported in the
// body so the invocation channel always receives a structured response.
type WorkerResponse struct {
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"body"`
}

// WorkerFailureBody is the failure body shape inside a WorkerResponse.
type WorkerFailureBody struct {
	Error     string    `json:"error"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	JobID     string    `json:"job_id"`
}

// OK reports whether the response carries a success status.
func (r *WorkerResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// JobStatus is the client-visible lifecycle state of a job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// StatusOf derives the client-visible status from result presence and the
// advisory in-flight marker. A stored result always wins over the marker.
func StatusOf(result *JobResult, inFlight bool) JobStatus {
	switch {
	case result == nil && inFlight:
		return StatusProcessing
	case result == nil:
		return StatusQueued
	case result.Success:
		return StatusCompleted
	default:
		return StatusFailed
	}
}
