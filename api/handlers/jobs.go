package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/webrunner/internal/metrics"
	"github.com/BaSui01/webrunner/store"
	"github.com/BaSui01/webrunner/types"
)

// Publisher is the slice of the queue the ingress needs.
type Publisher interface {
	Publish(ctx context.Context, job *types.Job) error
}

// ContainerResolver reports whether a container has a registered worker,
// so unknown containers are rejected at the door instead of being queued.
type ContainerResolver interface {
	Containers() []string
}

// JobsHandler serves POST /jobs and GET /jobs/{jobId}.
type JobsHandler struct {
	publisher  Publisher
	store      store.ResultStore
	containers ContainerResolver
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// NewJobsHandler creates the job ingress/status handler.
func NewJobsHandler(p Publisher, s store.ResultStore, c ContainerResolver, m *metrics.Collector, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{
		publisher:  p,
		store:      s,
		containers: c,
		metrics:    m,
		logger:     logger.With(zap.String("component", "jobs_handler")),
	}
}

// submitRequest is the ingress payload.
type submitRequest struct {
	Container string          `json:"container"`
	Prompt    string          `json:"prompt,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ThreadID  string          `json:"threadId,omitempty"`
}

// submitResponse is the accepted-job acknowledgement.
type submitResponse struct {
	JobID          string `json:"jobId"`
	Status         string `json:"status"`
	CheckStatusURL string `json:"checkStatusUrl"`
}

// statusResponse answers "what happened to job X".
type statusResponse struct {
	JobID  string           `json:"jobId"`
	Status types.JobStatus  `json:"status"`
	Result *types.JobResult `json:"result,omitempty"`
}

// ServeHTTP routes /jobs and /jobs/{jobId}.
func (h *JobsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && strings.TrimSuffix(r.URL.Path, "/") == "/jobs":
		h.submit(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/jobs/"):
		h.status(w, r)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "unsupported method or path")
	}
}

// submit accepts a job, publishes it and answers 202 with the status URL.
func (h *JobsHandler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}
	if req.Container == "" {
		WriteError(w, http.StatusBadRequest, "MISSING_CONTAINER", "container field is required")
		return
	}
	if req.Prompt == "" && len(req.Input) == 0 {
		WriteError(w, http.StatusBadRequest, "MISSING_INPUT", "prompt or input field is required")
		return
	}
	if !h.knownContainer(req.Container) {
		WriteError(w, http.StatusBadRequest, "UNKNOWN_CONTAINER",
			fmt.Sprintf("no worker registered for container %q", req.Container))
		return
	}

	input := req.Input
	if len(input) == 0 {
		input, _ = json.Marshal(req.Prompt)
	}
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}
	original, _ := json.Marshal(req)

	job := &types.Job{
		JobID:           uuid.New().String(),
		ContainerName:   req.Container,
		Input:           input,
		ThreadID:        threadID,
		SubmittedAt:     time.Now().UTC(),
		OriginalRequest: original,
	}

	if err := h.publisher.Publish(r.Context(), job); err != nil {
		h.logger.Error("publish failed", zap.String("container", req.Container), zap.Error(err))
		WriteError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "failed to enqueue job")
		return
	}
	if h.metrics != nil {
		h.metrics.JobPublished(req.Container)
	}

	h.logger.Info("job accepted",
		zap.String("job_id", job.JobID),
		zap.String("container", job.ContainerName))

	WriteJSON(w, http.StatusAccepted, submitResponse{
		JobID:          job.JobID,
		Status:         string(types.StatusQueued),
		CheckStatusURL: "/jobs/" + job.JobID,
	})
}

// status resolves the job's lifecycle state from the result store.
func (h *JobsHandler) status(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		WriteError(w, http.StatusBadRequest, "INVALID_JOB_ID", "job id is missing or malformed")
		return
	}

	st, rec, err := h.store.Status(r.Context(), jobID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("status lookup failed", zap.String("job_id", jobID), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to query job status")
		return
	}

	resp := statusResponse{JobID: jobID, Status: st}
	if rec != nil {
		resp.Result = &rec.Result
	}
	WriteSuccess(w, http.StatusOK, resp)
}

func (h *JobsHandler) knownContainer(name string) bool {
	for _, c := range h.containers.Containers() {
		if c == name {
			return true
		}
	}
	return false
}
