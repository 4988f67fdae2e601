package store

import (
	"context"
	"sync"

	"github.com/BaSui01/webrunner/types"
)

// MemoryStore is an in-memory ResultStore for tests and single-process
// development runs.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record // object key → record
	inflight map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		inflight: make(map[string]bool),
	}
}

var _ ResultStore = (*MemoryStore)(nil)

func (s *MemoryStore) Put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[Key(rec.Job.ContainerName, rec.Job.JobID)] = rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, container, jobID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[Key(container, jobID)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) FindByJobID(ctx context.Context, jobID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.Job.JobID == jobID {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) MarkProcessing(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[jobID] = true
	return nil
}

func (s *MemoryStore) ClearProcessing(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, jobID)
	return nil
}

func (s *MemoryStore) Status(ctx context.Context, jobID string) (types.JobStatus, *Record, error) {
	rec, err := s.FindByJobID(ctx, jobID)
	if err != nil && err != ErrNotFound {
		return "", nil, err
	}
	s.mu.RLock()
	inFlight := s.inflight[jobID]
	s.mu.RUnlock()
	return statusOf(rec, rec == nil && inFlight), rec, nil
}
