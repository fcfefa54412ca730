package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]Job
	chunks map[string][]Chunk // keyed by job id
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]Job),
		chunks: make(map[string][]Chunk),
		now:    time.Now,
	}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now().UTC()
	}
	job.UpdatedAt = job.CreatedAt
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

func (s *MemoryStore) TransitionJob(ctx context.Context, id string, from, to JobStatus, errorDetails string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if job.Status != from {
		return false, nil
	}

	job.Status = to
	job.ErrorDetails = errorDetails
	job.UpdatedAt = s.now().UTC()
	s.jobs[id] = job
	return true, nil
}

func (s *MemoryStore) CreateChunks(ctx context.Context, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range chunks {
		if c.Status == "" {
			c.Status = ChunkPending
		}
		c.UpdatedAt = s.now().UTC()
		s.chunks[c.JobID] = append(s.chunks[c.JobID], c)
	}
	return nil
}

func (s *MemoryStore) ClaimChunk(ctx context.Context, jobID, table string, sequence int) (bool, error) {
	return s.transitionChunk(jobID, table, sequence, ChunkPending, ChunkProcessing, nil)
}

func (s *MemoryStore) FinishChunk(ctx context.Context, jobID, table string, sequence int, status ChunkStatus, res ChunkResult) (bool, error) {
	return s.transitionChunk(jobID, table, sequence, ChunkProcessing, status, &res)
}

func (s *MemoryStore) transitionChunk(jobID, table string, sequence int, from, to ChunkStatus, res *ChunkResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks, ok := s.chunks[jobID]
	if !ok {
		return false, ErrNotFound
	}
	for i := range chunks {
		c := &chunks[i]
		if c.Table != table || c.Sequence != sequence {
			continue
		}
		if c.Status != from {
			return false, nil
		}
		c.Status = to
		c.UpdatedAt = s.now().UTC()
		if res != nil {
			c.RecordsProcessed = res.RecordsProcessed
			c.Errors = append([]string(nil), res.Errors...)
		}
		return true, nil
	}
	return false, ErrNotFound
}

func (s *MemoryStore) ListChunks(ctx context.Context, jobID string) ([]Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks := append([]Chunk(nil), s.chunks[jobID]...)
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].Table != chunks[j].Table {
			return chunks[i].Table < chunks[j].Table
		}
		return chunks[i].Sequence < chunks[j].Sequence
	})
	return chunks, nil
}

func (s *MemoryStore) ListOrphanedJobs(ctx context.Context, olderThan time.Duration) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-olderThan)
	var out []Job
	for _, job := range s.jobs {
		if job.Status == JobInitializing && job.CreatedAt.Before(cutoff) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
