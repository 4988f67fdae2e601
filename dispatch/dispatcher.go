// Package dispatch consumes queue messages one at a time per container
// partition, invokes the matching worker synchronously, and persists the
// outcome. Persisting the result is the commit point: the message is only
// acknowledged after the result store write succeeds, so a crash between
// invocation and acknowledgement yields a redelivery that converges on the
// same stored result.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/webrunner/internal/metrics"
	"github.com/BaSui01/webrunner/queue"
	"github.com/BaSui01/webrunner/store"
	"github.com/BaSui01/webrunner/types"
	"github.com/BaSui01/webrunner/worker"
)

// Registry resolves containerName to a worker. Unknown names fail fast
// without invoking anything.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]worker.Worker
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]worker.Worker)}
}

// Register adds a worker under its container name.
func (r *Registry) Register(w worker.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[w.Name()]; exists {
		return fmt.Errorf("worker for container %s already registered", w.Name())
	}
	r.workers[w.Name()] = w
	return nil
}

// Resolve looks up the worker for a container.
func (r *Registry) Resolve(container string) (worker.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[container]
	return w, ok
}

// Containers lists the registered container names, sorted for stable
// startup logging.
func (r *Registry) Containers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workers))
	for name := range r.workers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatcher is the pipeline stage between the queue and the result store.
type Dispatcher struct {
	queue    *queue.Queue
	store    store.ResultStore
	registry *Registry
	meta     store.Metadata
	metrics  *metrics.Collector
	logger   *zap.Logger
	consumer string
}

// New creates a dispatcher.
func New(q *queue.Queue, s store.ResultStore, reg *Registry, meta store.Metadata, collector *metrics.Collector, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:    q,
		store:    s,
		registry: reg,
		meta:     meta,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "dispatcher")),
		consumer: "dispatcher-1",
	}
}

// Run consumes every registered container partition until ctx is
// cancelled. Partitions run concurrently; within a partition processing is
// strictly sequential.
func (d *Dispatcher) Run(ctx context.Context) error {
	containers := d.registry.Containers()
	d.logger.Info("dispatcher starting", zap.Strings("containers", containers))

	g, ctx := errgroup.WithContext(ctx)
	for _, container := range containers {
		container := container
		g.Go(func() error {
			return d.queue.Consume(ctx, container, d.consumer, d.Process)
		})
	}
	return g.Wait()
}

// Process handles one delivery. A nil return acknowledges the message.
// Only failures that redelivery could cure (parse poison pending DLQ,
// store write failure) return an error; everything else is converted into
// a stored JobResult.
func (d *Dispatcher) Process(ctx context.Context, msg queue.Message) error {
	job, err := queue.ParseJob(msg)
	if err != nil {
		// Poison message: leave unacknowledged so the queue's delivery
		// bound moves it to the dead-letter stream.
		d.logger.Error("unparseable job message",
			zap.String("stream_id", msg.ID),
			zap.Error(err))
		return err
	}

	log := d.logger.With(
		zap.String("job_id", job.JobID),
		zap.String("container", job.ContainerName))

	// Redelivery after a stored result: just re-acknowledge. A crash
	// between Put and ClearProcessing can leave the marker behind, so it is
	// cleared here too.
	if _, err := d.store.Get(ctx, job.ContainerName, job.JobID); err == nil {
		if err := d.store.ClearProcessing(ctx, job.JobID); err != nil {
			log.Warn("failed to clear in-flight marker", zap.Error(err))
		}
		log.Info("result already stored, acknowledging redelivery")
		return nil
	}

	if err := d.store.MarkProcessing(ctx, job.JobID); err != nil {
		log.Warn("failed to set in-flight marker, continuing", zap.Error(err))
	}

	result := d.invoke(ctx, job, log)

	rec := store.NewRecord(job, result, d.meta)
	if err := d.store.Put(ctx, rec); err != nil {
		// Not acknowledged: the message stays pending and will be
		// redelivered, and the idempotent Put converges on one record.
		log.Error("failed to persist result, leaving message pending", zap.Error(err))
		return err
	}

	if err := d.store.ClearProcessing(ctx, job.JobID); err != nil {
		log.Warn("failed to clear in-flight marker", zap.Error(err))
	}

	if d.metrics != nil {
		d.metrics.JobProcessed(job.ContainerName, result.Success, result.ProcessingTime)
	}
	log.Info("job dispatched",
		zap.Bool("success", result.Success),
		zap.Duration("processing_time", result.ProcessingTime))
	return nil
}

// invoke runs the worker synchronously and shapes its response into a
// JobResult. Nothing below this boundary is allowed to escape as an error:
// unknown containers, failure envelopes and panics all become failed
// results.
func (d *Dispatcher) invoke(ctx context.Context, job *types.Job, log *zap.Logger) *types.JobResult {
	start := time.Now()
	result := &types.JobResult{
		JobID:         job.JobID,
		ContainerName: job.ContainerName,
		SubmittedAt:   job.SubmittedAt,
	}

	finish := func() {
		result.ProcessingTime = time.Since(start)
		result.CompletedAt = time.Now().UTC()
	}

	w, ok := d.registry.Resolve(job.ContainerName)
	if !ok {
		// Fails fast and is stored as a failed result; redelivering a job
		// no worker serves would never succeed.
		result.Error = &types.JobError{
			Type:    "UnknownContainer",
			Message: fmt.Sprintf("%v: %s", types.ErrUnknownContainer, job.ContainerName),
		}
		finish()
		return result
	}

	resp := d.safeRun(ctx, w, types.WorkerRequest{
		Input:    job.Input,
		ThreadID: job.ThreadID,
		JobID:    job.JobID,
	}, log)

	finish()

	if resp.OK() {
		result.Success = true
		result.Data = resp.Body
		return result
	}

	var failure types.WorkerFailureBody
	if err := json.Unmarshal(resp.Body, &failure); err != nil || failure.Error == "" {
		failure = types.WorkerFailureBody{
			Error: fmt.Sprintf("worker returned status %d", resp.StatusCode),
			Type:  "WorkerInvocationError",
		}
	}
	result.Error = &types.JobError{
		Type:    failure.Type,
		Message: failure.Error,
	}
	return result
}

// safeRun shields the dispatcher from a worker that panics past its own
// recovery.
func (d *Dispatcher) safeRun(ctx context.Context, w worker.Worker, req types.WorkerRequest, log *zap.Logger) (resp types.WorkerResponse) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("worker panicked past its boundary", zap.Any("panic", rec))
			body, _ := json.Marshal(types.WorkerFailureBody{
				Error:     fmt.Sprintf("worker panicked: %v", rec),
				Type:      "PanicError",
				Timestamp: time.Now().UTC(),
				JobID:     req.JobID,
			})
			resp = types.WorkerResponse{StatusCode: 500, Body: body}
		}
	}()
	return w.Run(ctx, req)
}
