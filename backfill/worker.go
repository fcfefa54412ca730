package backfill

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlake/canonical-ingester/jobstore"
	"github.com/meridianlake/canonical-ingester/metrics"
)

// ChunkProcessor executes the steady-state ingestion path for one
// chunk: fetch raw records for the window, map, merge, write. A
// returned error fails the chunk entirely; recoverable per-record
// problems belong in the result's error list instead.
type ChunkProcessor interface {
	ProcessChunk(ctx context.Context, chunk jobstore.Chunk) (jobstore.ChunkResult, error)
}

// chunkOutcome pairs a chunk with what happened to it.
type chunkOutcome struct {
	chunk jobstore.Chunk
	res   jobstore.ChunkResult
	err   error
}

// worker pulls chunks off the input channel and processes them until
// the channel closes. Chunks are independent units; workers share no
// state beyond the channels and the abort set.
type worker struct {
	id      int
	proc    ChunkProcessor
	store   jobstore.Store
	input   <-chan jobstore.Chunk
	output  chan<- chunkOutcome
	aborted *abortSet
	metrics *metrics.Metrics
	log     *zap.Logger
	wg      *sync.WaitGroup
}

func (w *worker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case chunk, ok := <-w.input:
			if !ok {
				return
			}
			outcome := w.process(ctx, chunk)

			select {
			case w.output <- outcome:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *worker) process(ctx context.Context, chunk jobstore.Chunk) chunkOutcome {
	log := w.log.With(
		zap.String("job_id", chunk.JobID),
		zap.String("table", chunk.Table),
		zap.Int("sequence", chunk.Sequence))

	// A prior fatal error on this table poisons its remaining chunks;
	// processing them would just repeat the same failure.
	if reason, ok := w.aborted.get(chunk.Table); ok {
		err := &ChunkError{Chunk: chunk, Reason: "table aborted: " + reason}
		w.finish(ctx, chunk, jobstore.ChunkFailed, jobstore.ChunkResult{Errors: []string{err.Reason}})
		return chunkOutcome{chunk: chunk, err: err}
	}

	claimed, err := w.store.ClaimChunk(ctx, chunk.JobID, chunk.Table, chunk.Sequence)
	if err != nil {
		return chunkOutcome{chunk: chunk, err: err}
	}
	if !claimed {
		// Another worker owns this chunk. Not silently skipped: the
		// outcome records why no work happened here.
		log.Warn("chunk already claimed")
		return chunkOutcome{chunk: chunk, err: &ChunkError{Chunk: chunk, Reason: "already claimed by another worker"}}
	}

	start := time.Now()
	res, procErr := w.proc.ProcessChunk(ctx, chunk)
	elapsed := time.Since(start)

	w.metrics.RecordChunkDuration(elapsed)

	if procErr != nil {
		log.Error("chunk failed", zap.Error(procErr), zap.Duration("elapsed", elapsed))
		w.metrics.RecordChunkCompleted(false)
		w.metrics.RecordError("chunk")

		if isFatalTableError(procErr) {
			w.aborted.set(chunk.Table, procErr.Error())
		}

		res.Errors = append(res.Errors, procErr.Error())
		w.finish(ctx, chunk, jobstore.ChunkFailed, res)
		return chunkOutcome{chunk: chunk, res: res, err: procErr}
	}

	log.Debug("chunk completed",
		zap.Int("records", res.RecordsProcessed),
		zap.Int("record_errors", len(res.Errors)),
		zap.Duration("elapsed", elapsed))
	w.metrics.RecordChunkCompleted(true)

	w.finish(ctx, chunk, jobstore.ChunkCompleted, res)
	return chunkOutcome{chunk: chunk, res: res}
}

// finish records the chunk's terminal status. The store's conditional
// update makes this safe against racing workers; losing the race means
// another worker already reported, which is fine.
func (w *worker) finish(ctx context.Context, chunk jobstore.Chunk, status jobstore.ChunkStatus, res jobstore.ChunkResult) {
	if status == jobstore.ChunkFailed {
		// A chunk that failed before being claimed must still reach a
		// terminal state; claim it first so the transition is valid.
		w.store.ClaimChunk(ctx, chunk.JobID, chunk.Table, chunk.Sequence)
	}
	if _, err := w.store.FinishChunk(ctx, chunk.JobID, chunk.Table, chunk.Sequence, status, res); err != nil {
		w.log.Error("failed to record chunk outcome",
			zap.String("job_id", chunk.JobID),
			zap.String("table", chunk.Table),
			zap.Int("sequence", chunk.Sequence),
			zap.Error(err))
	}
}

// abortSet tracks tables poisoned by a fatal error during a job run.
type abortSet struct {
	mu     sync.Mutex
	tables map[string]string
}

func newAbortSet() *abortSet {
	return &abortSet{tables: make(map[string]string)}
}

func (s *abortSet) set(table, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table]; !ok {
		s.tables[table] = reason
	}
}

func (s *abortSet) get(table string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.tables[table]
	return reason, ok
}
