// Package ingest implements the steady-state ingestion path for one
// chunk: read raw records landed in the object store, map them to
// canonical form, merge against current state, and apply the write-set
// to the warehouse.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlake/canonical-ingester/jobstore"
	"github.com/meridianlake/canonical-ingester/mapping"
	"github.com/meridianlake/canonical-ingester/metrics"
	"github.com/meridianlake/canonical-ingester/scd"
	"github.com/meridianlake/canonical-ingester/schema"
	"github.com/meridianlake/canonical-ingester/sizing"
	"github.com/meridianlake/canonical-ingester/storage"
)

// RawEnvelope is the landing format for raw source pulls: one object
// per pull, carrying the source endpoint it came from so the right
// field map applies at ingestion time.
type RawEnvelope struct {
	Endpoint string           `json:"endpoint"`
	PulledAt time.Time        `json:"pulled_at"`
	Records  []map[string]any `json:"records"`
}

// Warehouse is the canonical table surface the processor writes
// through. *warehouse.Warehouse satisfies it; tests substitute an
// in-memory fake.
type Warehouse interface {
	EnsureTable(ctx context.Context, table string, fields []string) error
	ObservedSchema(ctx context.Context, table string) ([]string, error)
	CurrentState(ctx context.Context, table, tenantID string, scdType mapping.SCDType) (map[string]scd.CurrentRow, error)
	Apply(ctx context.Context, table string, fields []string, ws scd.WriteSet) error
}

// Processor executes chunks. Safe for concurrent use: all mutable
// state is per-call.
type Processor struct {
	resolver *mapping.Resolver
	wh       Warehouse
	objects  storage.ObjectStore
	sizer    *sizing.Processor
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// NewProcessor wires the steady-state ingestion path.
func NewProcessor(resolver *mapping.Resolver, wh Warehouse, objects storage.ObjectStore, sizer *sizing.Processor, m *metrics.Metrics, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(metrics.Config{})
	}
	if sizer == nil {
		sizer = sizing.NewProcessor()
	}
	return &Processor{
		resolver: resolver,
		wh:       wh,
		objects:  objects,
		sizer:    sizer,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// ProcessChunk runs one chunk end to end. Configuration and schema
// misalignment problems return as errors and stop the table; malformed
// individual records land in the result's error list and never abort
// the chunk. Re-running a chunk is safe: unchanged records hash
// identically and produce zero writes.
func (p *Processor) ProcessChunk(ctx context.Context, chunk jobstore.Chunk) (jobstore.ChunkResult, error) {
	result := jobstore.ChunkResult{}

	tm, ok := p.resolver.Table(chunk.Table)
	if !ok {
		p.metrics.RecordError("config")
		return result, &mapping.ConfigError{Table: chunk.Table, Reason: "no mapping declaration"}
	}

	scdType, err := schema.SCDTypeOf(tm)
	if err != nil {
		p.metrics.RecordError("config")
		return result, err
	}

	businessFields := schema.BusinessFields(tm)
	complete, err := schema.Complete(chunk.Table, businessFields, scdType)
	if err != nil {
		p.metrics.RecordError("config")
		return result, err
	}

	if err := p.checkSchema(ctx, chunk.Table, complete); err != nil {
		return result, err
	}

	batch, recordErrs, err := p.loadWindow(ctx, chunk)
	if err != nil {
		return result, err
	}
	result.Errors = append(result.Errors, recordErrs...)

	if len(batch) == 0 {
		return result, nil
	}

	current, err := p.wh.CurrentState(ctx, chunk.Table, chunk.TenantID, scdType)
	if err != nil {
		return result, err
	}

	engine, err := scd.NewEngine(chunk.Table, scdType, businessFields, scd.Options{Now: p.now}, p.log)
	if err != nil {
		return result, err
	}

	// Winner selection runs over the whole window before any split, so
	// duplicates of one key landing in different sub-batches collapse to
	// a single version instead of historizing intermediate states.
	batch, dupErrs := engine.Reduce(batch)
	for _, re := range dupErrs {
		p.metrics.RecordError("record")
		result.Errors = append(result.Errors, re.Error())
	}

	// Sub-batches keep one chunk's in-memory working set under the
	// sizing ceiling even when a window lands more than estimated.
	estimate := p.sizer.EstimateTotalRecords(sizing.TableConfig{Name: chunk.Table, Service: chunk.Service}, true)
	batchCap := p.sizer.CalculateOptimalChunkSize(chunk.Table, estimate)

	for offset := 0; offset < len(batch); offset += batchCap {
		end := offset + batchCap
		if end > len(batch) {
			end = len(batch)
		}

		mergeStart := time.Now()
		res := engine.Merge(batch[offset:end], current)
		p.metrics.RecordMergeDuration(chunk.Table, time.Since(mergeStart))
		p.metrics.RecordMergeResult(chunk.Table, res.New, res.Unchanged, res.Changed)

		if err := p.wh.Apply(ctx, chunk.Table, complete, res.Writes); err != nil {
			return result, err
		}
		p.metrics.RecordRowsWritten(chunk.Table, "insert", len(res.Writes.Inserts))
		p.metrics.RecordRowsWritten(chunk.Table, "update", len(res.Writes.Updates))
		p.metrics.RecordRowsWritten(chunk.Table, "close", len(res.Writes.Closes))

		advanceCurrent(current, res.Writes)

		result.RecordsProcessed += res.New + res.Unchanged + res.Changed
		for _, re := range res.Errors {
			p.metrics.RecordError("record")
			result.Errors = append(result.Errors, re.Error())
		}
	}

	return result, nil
}

// checkSchema verifies the warehouse table matches the expected
// canonical schema, creating it when absent. A misalignment blocks all
// writes to the table; silently coercing columns would corrupt data.
func (p *Processor) checkSchema(ctx context.Context, table string, expected []string) error {
	observed, err := p.wh.ObservedSchema(ctx, table)
	if err != nil {
		return err
	}
	if len(observed) == 0 {
		return p.wh.EnsureTable(ctx, table, expected)
	}

	report := schema.ValidateAlignment(expected, observed)
	if !report.IsAligned {
		p.metrics.RecordError("schema")
		return &schema.MisalignmentError{Table: table, Report: report}
	}
	return nil
}

// loadWindow reads every raw envelope landed for the chunk's table
// whose pull time falls inside [StartDate, EndDate), maps records to
// canonical fields, and stamps the tenant.
func (p *Processor) loadWindow(ctx context.Context, chunk jobstore.Chunk) ([]scd.Record, []string, error) {
	prefix := storage.TablePrefix(chunk.TenantID, storage.StageRaw, chunk.Service, chunk.Table)
	paths, err := p.objects.List(ctx, prefix)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list raw objects for %s: %w", chunk.Table, err)
	}

	var batch []scd.Record
	var recordErrs []string

	for _, path := range paths {
		data, err := p.objects.Read(ctx, path)
		if err != nil {
			recordErrs = append(recordErrs, fmt.Sprintf("object %s: %v", path, err))
			continue
		}

		var env RawEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			recordErrs = append(recordErrs, fmt.Sprintf("object %s: malformed envelope: %v", path, err))
			continue
		}

		if env.PulledAt.Before(chunk.StartDate) || !env.PulledAt.Before(chunk.EndDate) {
			continue
		}

		rule, ok := p.resolver.Rule(chunk.Service, env.Endpoint)
		if !ok {
			recordErrs = append(recordErrs, fmt.Sprintf("object %s: no mapping rule for endpoint %s/%s", path, chunk.Service, env.Endpoint))
			continue
		}

		for _, raw := range env.Records {
			rec := scd.Record(mapping.ApplyFieldMap(rule, raw))
			rec[schema.FieldTenantID] = chunk.TenantID
			batch = append(batch, rec)
		}
	}

	return batch, recordErrs, nil
}

// advanceCurrent folds applied writes back into the current-state map
// so consecutive sub-batches classify against what was just written.
func advanceCurrent(current map[string]scd.CurrentRow, ws scd.WriteSet) {
	for _, rows := range [][]scd.Record{ws.Inserts, ws.Updates} {
		for _, row := range rows {
			id := scd.Canonical(row["id"])
			tenant := scd.Canonical(row[schema.FieldTenantID])
			if id == "" || tenant == "" {
				continue
			}
			cr := scd.CurrentRow{}
			if hash, ok := row[schema.FieldRecordHash].(string); ok {
				cr.Hash = hash
			}
			if ts, ok := row[schema.FieldEffectiveStart].(time.Time); ok {
				cr.EffectiveStart = ts
			}
			current[scd.Key(tenant, id)] = cr
		}
	}
}
