package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable Store backed by Postgres. Conditional
// transitions use single UPDATE statements guarded by the expected
// prior status, so a transition is won by exactly one caller.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and ensures the job and chunk
// tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ingest_jobs (
			job_id        TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL,
			status        TEXT NOT NULL,
			error_details TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create ingest_jobs table: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ingest_chunks (
			job_id            TEXT NOT NULL REFERENCES ingest_jobs(job_id),
			tenant_id         TEXT NOT NULL,
			service           TEXT NOT NULL,
			table_name        TEXT NOT NULL,
			start_date        TIMESTAMPTZ NOT NULL,
			end_date          TIMESTAMPTZ NOT NULL,
			sequence          INT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'pending',
			records_processed BIGINT NOT NULL DEFAULT 0,
			errors            TEXT[] NOT NULL DEFAULT '{}',
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (job_id, table_name, sequence)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create ingest_chunks table: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_jobs (job_id, tenant_id, status, error_details)
		VALUES ($1, $2, $3, $4)
	`, job.ID, job.TenantID, string(job.Status), job.ErrorDetails)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (Job, error) {
	var job Job
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, tenant_id, status, error_details, created_at, updated_at
		FROM ingest_jobs
		WHERE job_id = $1
	`, id).Scan(&job.ID, &job.TenantID, &status, &job.ErrorDetails, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	job.Status = JobStatus(status)
	return job, nil
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id string, from, to JobStatus, errorDetails string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_jobs
		SET status = $1, error_details = $2, updated_at = now()
		WHERE job_id = $3 AND status = $4
	`, string(to), errorDetails, id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CreateChunks(ctx context.Context, chunks []Chunk) error {
	batch := &pgx.Batch{}
	for _, c := range chunks {
		status := c.Status
		if status == "" {
			status = ChunkPending
		}
		batch.Queue(`
			INSERT INTO ingest_chunks
				(job_id, tenant_id, service, table_name, start_date, end_date, sequence, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, c.JobID, c.TenantID, c.Service, c.Table, c.StartDate, c.EndDate, c.Sequence, string(status))
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to create chunks: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ClaimChunk(ctx context.Context, jobID, table string, sequence int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_chunks
		SET status = $1, updated_at = now()
		WHERE job_id = $2 AND table_name = $3 AND sequence = $4 AND status = $5
	`, string(ChunkProcessing), jobID, table, sequence, string(ChunkPending))
	if err != nil {
		return false, fmt.Errorf("failed to claim chunk %s/%s/%d: %w", jobID, table, sequence, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FinishChunk(ctx context.Context, jobID, table string, sequence int, status ChunkStatus, res ChunkResult) (bool, error) {
	errs := res.Errors
	if errs == nil {
		errs = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_chunks
		SET status = $1, records_processed = $2, errors = $3, updated_at = now()
		WHERE job_id = $4 AND table_name = $5 AND sequence = $6 AND status = $7
	`, string(status), res.RecordsProcessed, errs, jobID, table, sequence, string(ChunkProcessing))
	if err != nil {
		return false, fmt.Errorf("failed to finish chunk %s/%s/%d: %w", jobID, table, sequence, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListChunks(ctx context.Context, jobID string) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, tenant_id, service, table_name, start_date, end_date,
		       sequence, status, records_processed, errors, updated_at
		FROM ingest_chunks
		WHERE job_id = $1
		ORDER BY table_name, sequence
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var status string
		if err := rows.Scan(
			&c.JobID, &c.TenantID, &c.Service, &c.Table, &c.StartDate, &c.EndDate,
			&c.Sequence, &status, &c.RecordsProcessed, &c.Errors, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Status = ChunkStatus(status)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *PostgresStore) ListOrphanedJobs(ctx context.Context, olderThan time.Duration) ([]Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, tenant_id, status, error_details, created_at, updated_at
		FROM ingest_jobs
		WHERE status = $1 AND created_at < now() - $2::interval
		ORDER BY created_at
	`, string(JobInitializing), fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		var status string
		if err := rows.Scan(&job.ID, &job.TenantID, &status, &job.ErrorDetails, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job.Status = JobStatus(status)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
