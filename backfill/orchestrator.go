package backfill

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianlake/canonical-ingester/jobstore"
	"github.com/meridianlake/canonical-ingester/mapping"
	"github.com/meridianlake/canonical-ingester/metrics"
)

// Invocation actions.
const (
	ActionManualTrigger = "manual_trigger"
	ActionAutoDetect    = "auto_detect"
)

// Request is the invocation payload consumed by the orchestrator.
type Request struct {
	TenantID      string    `json:"tenant_id"`
	Service       string    `json:"service"`
	TableName     string    `json:"table_name,omitempty"`
	StartDate     time.Time `json:"start_date,omitempty"`
	EndDate       time.Time `json:"end_date,omitempty"`
	ChunkSizeDays int       `json:"chunk_size_days,omitempty"`
	Action        string    `json:"action"`
}

// TableOutcome reports one table's processing results within a job.
type TableOutcome struct {
	TableName        string   `json:"table_name"`
	RecordsProcessed int      `json:"records_processed"`
	ChunksProcessed  int      `json:"chunks_processed"`
	TotalChunks      int      `json:"total_chunks"`
	Errors           []string `json:"errors"`
}

// Result is the invocation result. The errors list is always present,
// even on nominal success: job completion does not imply zero per-chunk
// errors.
type Result struct {
	StatusCode      int                `json:"status_code"`
	JobID           string             `json:"job_id"`
	Status          jobstore.JobStatus `json:"status"`
	TotalRecords    int                `json:"total_records"`
	ProcessedTables []TableOutcome     `json:"processed_tables"`
	Errors          []string           `json:"errors"`
}

// Config tunes the orchestrator.
type Config struct {
	// Workers is the number of parallel chunk workers.
	Workers int `yaml:"workers"`

	// QueueSize bounds the chunk input queue.
	QueueSize int `yaml:"queue_size"`

	// DefaultChunkDays is used when the payload omits chunk_size_days.
	DefaultChunkDays int `yaml:"default_chunk_days"`

	// DefaultRangeDays bounds a backfill whose payload omits start_date.
	DefaultRangeDays int `yaml:"default_range_days"`

	// StaleAfterHours is the freshness threshold for auto-detect mode.
	StaleAfterHours int `yaml:"stale_after_hours"`

	// StaleAfter is the resolved freshness threshold. Derived from
	// StaleAfterHours; settable directly in code and tests.
	StaleAfter time.Duration `yaml:"-"`
}

// ApplyDefaults sets default values for orchestrator config.
func (c *Config) ApplyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 2
	}
	if c.DefaultChunkDays <= 0 {
		c.DefaultChunkDays = 30
	}
	if c.DefaultRangeDays <= 0 {
		c.DefaultRangeDays = 90
	}
	if c.StaleAfter <= 0 && c.StaleAfterHours > 0 {
		c.StaleAfter = time.Duration(c.StaleAfterHours) * time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 48 * time.Hour
	}
}

// Orchestrator drives backfill jobs: it plans chunks, runs them on a
// worker pool, and aggregates outcomes into a terminal job status.
type Orchestrator struct {
	cfg       Config
	store     jobstore.Store
	proc      ChunkProcessor
	resolver  *mapping.Resolver
	freshness FreshnessChecker
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time
	newID     func() string
}

// New creates an orchestrator. The freshness checker may be nil when
// auto-detect mode is not used.
func New(cfg Config, store jobstore.Store, proc ChunkProcessor, resolver *mapping.Resolver, freshness FreshnessChecker, m *metrics.Metrics, log *zap.Logger) *Orchestrator {
	cfg.ApplyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(metrics.Config{})
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		proc:      proc,
		resolver:  resolver,
		freshness: freshness,
		metrics:   m,
		log:       log,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// tableRange is one table's backfill window within a job plan.
type tableRange struct {
	Table string
	Start time.Time
	End   time.Time
}

// Execute dispatches an invocation payload. Manual triggers run one
// backfill job; auto-detect scans for stale tables and feeds them
// through the same job machinery.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Result, error) {
	if req.TenantID == "" || req.Service == "" {
		return Result{
			StatusCode: http.StatusBadRequest,
			Errors:     []string{"tenant_id and service are required"},
		}, fmt.Errorf("tenant_id and service are required")
	}

	switch req.Action {
	case "", ActionManualTrigger:
		return o.runManual(ctx, req)
	case ActionAutoDetect:
		return o.runAutoDetect(ctx, req)
	default:
		return Result{
			StatusCode: http.StatusBadRequest,
			Errors:     []string{fmt.Sprintf("unrecognized action %q", req.Action)},
		}, fmt.Errorf("unrecognized action %q", req.Action)
	}
}

func (o *Orchestrator) runManual(ctx context.Context, req Request) (Result, error) {
	end := req.EndDate
	if end.IsZero() {
		end = o.now().UTC()
	}
	start := req.StartDate
	if start.IsZero() {
		start = end.AddDate(0, 0, -o.cfg.DefaultRangeDays)
	}

	var tables []string
	if req.TableName != "" {
		tables = []string{req.TableName}
	} else {
		tables = o.resolver.DefaultTables(req.Service)
	}

	ranges := make([]tableRange, 0, len(tables))
	for _, t := range tables {
		ranges = append(ranges, tableRange{Table: t, Start: start, End: end})
	}

	return o.runJob(ctx, req, ranges)
}

// runJob executes one job over the given per-table ranges.
func (o *Orchestrator) runJob(ctx context.Context, req Request, ranges []tableRange) (Result, error) {
	jobID := o.newID()
	jobStart := o.now()
	log := o.log.With(
		zap.String("job_id", jobID),
		zap.String("tenant_id", req.TenantID),
		zap.String("service", req.Service))

	result := Result{JobID: jobID, Errors: []string{}}

	if err := o.store.CreateJob(ctx, jobstore.Job{
		ID:       jobID,
		TenantID: req.TenantID,
		Status:   jobstore.JobInitializing,
	}); err != nil {
		result.StatusCode = http.StatusInternalServerError
		result.Status = jobstore.JobFailed
		result.Errors = append(result.Errors, err.Error())
		return result, err
	}

	chunkDays := req.ChunkSizeDays
	if chunkDays <= 0 {
		chunkDays = o.cfg.DefaultChunkDays
	}

	var chunks []jobstore.Chunk
	for _, tr := range ranges {
		windows := SplitRange(tr.Start, tr.End, chunkDays)
		if len(windows) == 0 {
			result.Errors = append(result.Errors,
				fmt.Sprintf("table %s: empty backfill range %s to %s", tr.Table,
					tr.Start.Format(time.RFC3339), tr.End.Format(time.RFC3339)))
			continue
		}
		for _, w := range windows {
			chunks = append(chunks, jobstore.Chunk{
				JobID:     jobID,
				TenantID:  req.TenantID,
				Service:   req.Service,
				Table:     tr.Table,
				StartDate: w.Start,
				EndDate:   w.End,
				Sequence:  w.Sequence,
				Status:    jobstore.ChunkPending,
			})
		}
	}

	if len(chunks) == 0 {
		err := &OrchestrationError{JobID: jobID, Reason: "no chunks to process"}
		o.failJob(ctx, jobID, jobstore.JobInitializing, err.Error())
		result.StatusCode = http.StatusInternalServerError
		result.Status = jobstore.JobFailed
		result.Errors = append(result.Errors, err.Error())
		return result, err
	}

	if err := o.store.CreateChunks(ctx, chunks); err != nil {
		o.failJob(ctx, jobID, jobstore.JobInitializing, err.Error())
		result.StatusCode = http.StatusInternalServerError
		result.Status = jobstore.JobFailed
		result.Errors = append(result.Errors, err.Error())
		return result, err
	}

	if _, err := o.store.TransitionJob(ctx, jobID, jobstore.JobInitializing, jobstore.JobRunning, ""); err != nil {
		result.StatusCode = http.StatusInternalServerError
		result.Status = jobstore.JobFailed
		result.Errors = append(result.Errors, err.Error())
		return result, err
	}

	log.Info("job running",
		zap.Int("tables", len(ranges)),
		zap.Int("chunks", len(chunks)),
		zap.Int("chunk_days", chunkDays))

	o.metrics.SetJobsInFlight(1)
	o.metrics.SetPendingChunks(len(chunks))
	o.runPool(ctx, chunks)
	o.metrics.SetPendingChunks(0)
	o.metrics.SetJobsInFlight(0)

	return o.finalize(ctx, jobID, jobStart, result, log)
}

// runPool processes the chunk plan on a bounded worker pool, adapted
// from the parallel batch pipeline this repo's ingestion loop uses.
// Each chunk is an independent unit: one worker owns one chunk's
// terminal status write.
func (o *Orchestrator) runPool(ctx context.Context, chunks []jobstore.Chunk) {
	input := make(chan jobstore.Chunk, o.cfg.QueueSize)
	output := make(chan chunkOutcome, o.cfg.QueueSize)
	aborted := newAbortSet()

	var wg sync.WaitGroup
	wg.Add(o.cfg.Workers)
	o.metrics.SetActiveWorkers(o.cfg.Workers)

	for i := 0; i < o.cfg.Workers; i++ {
		w := &worker{
			id:      i,
			proc:    o.proc,
			store:   o.store,
			input:   input,
			output:  output,
			aborted: aborted,
			metrics: o.metrics,
			log:     o.log,
			wg:      &wg,
		}
		go w.run(ctx)
	}

	go func() {
		defer close(input)
		for _, c := range chunks {
			select {
			case input <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(output)
	}()

	// Outcomes are recorded in the store by the workers; draining here
	// just keeps the pool moving.
	for range output {
	}

	o.metrics.SetActiveWorkers(0)
}

// finalize reads back the authoritative chunk state, aggregates
// per-table outcomes, and moves the job to its terminal status.
//
// A job completes cleanly only when every chunk completed with an empty
// error list. A job with no completed chunk at all has failed. Anything
// between is completed_with_errors.
func (o *Orchestrator) finalize(ctx context.Context, jobID string, jobStart time.Time, result Result, log *zap.Logger) (Result, error) {
	chunks, err := o.store.ListChunks(ctx, jobID)
	if err != nil {
		o.failJob(ctx, jobID, jobstore.JobRunning, err.Error())
		result.StatusCode = http.StatusInternalServerError
		result.Status = jobstore.JobFailed
		result.Errors = append(result.Errors, err.Error())
		return result, err
	}

	outcomes := make(map[string]*TableOutcome)
	var tableOrder []string
	completedChunks := 0
	cleanChunks := 0

	for _, c := range chunks {
		out, ok := outcomes[c.Table]
		if !ok {
			out = &TableOutcome{TableName: c.Table, Errors: []string{}}
			outcomes[c.Table] = out
			tableOrder = append(tableOrder, c.Table)
		}
		out.TotalChunks++

		if c.Status == jobstore.ChunkCompleted {
			completedChunks++
			out.ChunksProcessed++
			out.RecordsProcessed += c.RecordsProcessed
			if len(c.Errors) == 0 {
				cleanChunks++
			}
		}
		out.Errors = append(out.Errors, c.Errors...)
	}

	sort.Strings(tableOrder)
	for _, t := range tableOrder {
		out := outcomes[t]
		result.TotalRecords += out.RecordsProcessed
		result.ProcessedTables = append(result.ProcessedTables, *out)
	}

	var status jobstore.JobStatus
	var details string
	switch {
	case completedChunks == 0:
		status = jobstore.JobFailed
		details = (&OrchestrationError{JobID: jobID, Reason: "no chunk succeeded"}).Error()
		result.Errors = append(result.Errors, details)
	case cleanChunks == len(chunks):
		status = jobstore.JobCompleted
	default:
		status = jobstore.JobCompletedWithErrors
		details = fmt.Sprintf("%d of %d chunks reported errors", len(chunks)-cleanChunks, len(chunks))
	}

	if _, err := o.store.TransitionJob(ctx, jobID, jobstore.JobRunning, status, details); err != nil {
		result.StatusCode = http.StatusInternalServerError
		result.Status = jobstore.JobFailed
		result.Errors = append(result.Errors, err.Error())
		return result, err
	}

	o.metrics.RecordJobDuration(o.now().Sub(jobStart))

	result.Status = status
	switch status {
	case jobstore.JobCompleted:
		result.StatusCode = http.StatusOK
	case jobstore.JobCompletedWithErrors:
		result.StatusCode = http.StatusMultiStatus
	default:
		result.StatusCode = http.StatusInternalServerError
	}

	log.Info("job finished",
		zap.String("status", string(status)),
		zap.Int("total_records", result.TotalRecords),
		zap.Int("chunks", len(chunks)),
		zap.Int("clean_chunks", cleanChunks))

	if status == jobstore.JobFailed {
		return result, &OrchestrationError{JobID: jobID, Reason: "no chunk succeeded"}
	}
	return result, nil
}

// failJob best-effort moves a job to failed; the primary error is
// already on its way to the caller.
func (o *Orchestrator) failJob(ctx context.Context, jobID string, from jobstore.JobStatus, details string) {
	if _, err := o.store.TransitionJob(ctx, jobID, from, jobstore.JobFailed, details); err != nil {
		o.log.Error("failed to mark job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// SweepOrphans fails jobs stuck in initializing longer than the given
// age. A crash between job creation and chunk planning leaves such
// rows behind; sweeping them keeps status queries honest.
func (o *Orchestrator) SweepOrphans(ctx context.Context, olderThan time.Duration) (int, error) {
	jobs, err := o.store.ListOrphanedJobs(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to list orphaned jobs: %w", err)
	}

	swept := 0
	for _, job := range jobs {
		ok, err := o.store.TransitionJob(ctx, job.ID, jobstore.JobInitializing, jobstore.JobFailed,
			"abandoned before chunk planning")
		if err != nil {
			o.log.Error("failed to sweep orphaned job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if ok {
			o.log.Warn("swept orphaned job",
				zap.String("job_id", job.ID),
				zap.String("tenant_id", job.TenantID),
				zap.Time("created_at", job.CreatedAt))
			swept++
		}
	}
	return swept, nil
}
