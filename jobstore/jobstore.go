// Package jobstore persists job and chunk progress so backfills are
// resumable and safe to re-run. Terminal status writes are conditional
// (compare-and-set) so racing workers cannot clobber each other's
// outcomes.
package jobstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a job or chunk does not exist.
var ErrNotFound = errors.New("jobstore: not found")

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobInitializing        JobStatus = "initializing"
	JobRunning             JobStatus = "running"
	JobCompleted           JobStatus = "completed"
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	JobFailed              JobStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCompletedWithErrors || s == JobFailed
}

// Job is the top-level unit of orchestration work.
type Job struct {
	ID           string
	TenantID     string
	Status       JobStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ErrorDetails string
}

// ChunkStatus is the lifecycle state of a chunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkFailed     ChunkStatus = "failed"
)

// Chunk is a bounded unit of backfill work: one date window of one
// table for one tenant. Chunks are never re-split once created.
type Chunk struct {
	JobID            string
	TenantID         string
	Service          string
	Table            string
	StartDate        time.Time
	EndDate          time.Time
	Sequence         int
	Status           ChunkStatus
	RecordsProcessed int
	Errors           []string
	UpdatedAt        time.Time
}

// ChunkResult is the recorded outcome of processing one chunk.
type ChunkResult struct {
	RecordsProcessed int
	Errors           []string
}

// Store is the persistence contract consumed by the orchestrator.
// Implementations must make ClaimChunk and FinishChunk atomic
// conditional updates: exactly one caller may win each transition.
type Store interface {
	// CreateJob persists a new job record.
	CreateJob(ctx context.Context, job Job) error

	// GetJob fetches a job by id, or ErrNotFound.
	GetJob(ctx context.Context, id string) (Job, error)

	// TransitionJob moves a job from one status to another. Returns
	// false without error when the job was not in the expected status.
	TransitionJob(ctx context.Context, id string, from, to JobStatus, errorDetails string) (bool, error)

	// CreateChunks persists the chunk plan for a job.
	CreateChunks(ctx context.Context, chunks []Chunk) error

	// ClaimChunk transitions a chunk pending → processing. Returns
	// false when another worker already claimed it.
	ClaimChunk(ctx context.Context, jobID, table string, sequence int) (bool, error)

	// FinishChunk transitions a chunk processing → completed|failed,
	// recording its outcome. Returns false when the chunk was not in
	// the processing state.
	FinishChunk(ctx context.Context, jobID, table string, sequence int, status ChunkStatus, res ChunkResult) (bool, error)

	// ListChunks returns all chunks for a job ordered by table then
	// sequence.
	ListChunks(ctx context.Context, jobID string) ([]Chunk, error)

	// ListOrphanedJobs returns jobs stuck in initializing for longer
	// than the given age. The cleanup decision belongs to the caller.
	ListOrphanedJobs(ctx context.Context, olderThan time.Duration) ([]Job, error)
}
