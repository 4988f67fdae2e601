// Package store persists job results. Records are addressed by the object
// key "{containerName}/{jobId}/result.json" and written exactly once per
// job by the dispatcher; writes are idempotent upserts so redelivered jobs
// converge to a single stored result. The store also keeps an advisory
// in-flight marker so status queries can distinguish "queued" from
// "processing"; a stored result always wins over the marker.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/webrunner/types"
)

// ErrNotFound is returned when no result exists for the requested key.
var ErrNotFound = errors.New("result not found")

// Metadata annotates a stored record with deployment provenance.
type Metadata struct {
	Region  string `json:"region"`
	Version string `json:"version"`
}

// Record is the durable result document.
type Record struct {
	Job struct {
		JobID          string        `json:"jobId"`
		ContainerName  string        `json:"containerName"`
		SubmittedAt    time.Time     `json:"submittedAt"`
		CompletedAt    time.Time     `json:"completedAt"`
		ProcessingTime time.Duration `json:"processingTime"`
	} `json:"job"`
	Request struct {
		Input           json.RawMessage `json:"input"`
		ThreadID        string          `json:"threadId"`
		OriginalRequest json.RawMessage `json:"originalRequest,omitempty"`
	} `json:"request"`
	Result   types.JobResult `json:"result"`
	Metadata Metadata        `json:"metadata"`
}

// NewRecord assembles the stored document from a job and its result.
func NewRecord(job *types.Job, result *types.JobResult, meta Metadata) *Record {
	rec := &Record{Result: *result, Metadata: meta}
	rec.Job.JobID = job.JobID
	rec.Job.ContainerName = job.ContainerName
	rec.Job.SubmittedAt = job.SubmittedAt
	rec.Job.CompletedAt = result.CompletedAt
	rec.Job.ProcessingTime = result.ProcessingTime
	rec.Request.Input = job.Input
	rec.Request.ThreadID = job.ThreadID
	rec.Request.OriginalRequest = job.OriginalRequest
	return rec
}

// Key returns the object key a record is stored under.
func Key(container, jobID string) string {
	return fmt.Sprintf("%s/%s/result.json", container, jobID)
}

// ResultStore is the durable, key-addressed result storage contract.
type ResultStore interface {
	// Put writes the record under its object key. Re-writing the same key
	// with an equivalent record is safe.
	Put(ctx context.Context, rec *Record) error
	// Get fetches the record for an exact container/jobId pair.
	Get(ctx context.Context, container, jobID string) (*Record, error)
	// FindByJobID scans for a record matching any container.
	FindByJobID(ctx context.Context, jobID string) (*Record, error)
	// MarkProcessing sets the advisory in-flight marker for a job.
	MarkProcessing(ctx context.Context, jobID string) error
	// ClearProcessing removes the in-flight marker.
	ClearProcessing(ctx context.Context, jobID string) error
	// Status derives the client-visible job status.
	Status(ctx context.Context, jobID string) (types.JobStatus, *Record, error)
}

// statusOf is shared by implementations once presence is known.
func statusOf(rec *Record, inFlight bool) types.JobStatus {
	var result *types.JobResult
	if rec != nil {
		result = &rec.Result
	}
	return types.StatusOf(result, inFlight)
}

// nopLogger guards against nil loggers in constructors.
func nopLogger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
