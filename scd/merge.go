package scd

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlake/canonical-ingester/mapping"
	"github.com/meridianlake/canonical-ingester/schema"
)

// DefaultLastModifiedField is the canonical field consulted for the
// in-batch tie-break when a source provides a last-modified timestamp.
const DefaultLastModifiedField = "last_updated"

// CurrentRow is the latest known state for a business key: just enough
// to classify an incoming record without a full field diff.
type CurrentRow struct {
	Hash           string
	EffectiveStart time.Time
}

// Key builds the composite business key a record is tracked under.
// Canonical tables are multi-tenant, so id alone does not identify a
// row; every current-state map is keyed by this.
func Key(tenantID, id string) string {
	return tenantID + "\x1f" + id
}

// RowClose closes a prior current row on a Type 2 table. The row is
// identified by (tenant_id, id, effective_start_date).
type RowClose struct {
	TenantID       string
	ID             string
	EffectiveStart time.Time
	EffectiveEnd   time.Time
}

// WriteSet is the set of storage operations produced by a merge.
// Inserts covers new rows on both SCD types plus new current versions
// on Type 2; Updates covers Type 1 in-place overwrites; Closes covers
// Type 2 prior-current closures.
type WriteSet struct {
	Inserts []Record
	Updates []Record
	Closes  []RowClose
}

// Empty reports whether the merge produced no storage operations.
func (ws WriteSet) Empty() bool {
	return len(ws.Inserts) == 0 && len(ws.Updates) == 0 && len(ws.Closes) == 0
}

// Size returns the total operation count.
func (ws WriteSet) Size() int {
	return len(ws.Inserts) + len(ws.Updates) + len(ws.Closes)
}

// RecordError reports a malformed record rejected from a batch. The
// batch keeps processing; the error is surfaced in the batch result.
type RecordError struct {
	Index  int
	ID     string
	Reason string
}

func (e RecordError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("record %d (id=%s): %s", e.Index, e.ID, e.Reason)
	}
	return fmt.Sprintf("record %d: %s", e.Index, e.Reason)
}

// BatchResult summarizes one merge: classification counts, the
// write-set, and per-record validation errors.
type BatchResult struct {
	New       int
	Unchanged int
	Changed   int
	Writes    WriteSet
	Errors    []RecordError
}

// Options tunes engine behavior.
type Options struct {
	// LastModifiedField names the canonical field carrying the source's
	// last-modified timestamp, used for the in-batch tie-break.
	// Defaults to DefaultLastModifiedField.
	LastModifiedField string

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine merges batches of canonical records against a table's current
// state. An Engine is immutable after construction and safe for
// concurrent use; all mutable state flows through Merge arguments.
type Engine struct {
	table          string
	scdType        mapping.SCDType
	businessFields []string
	lastModField   string
	now            func() time.Time
	log            *zap.Logger
}

// NewEngine creates a merge engine for one canonical table.
func NewEngine(table string, scdType mapping.SCDType, businessFields []string, opts Options, log *zap.Logger) (*Engine, error) {
	if !scdType.Valid() {
		return nil, &mapping.ConfigError{Table: table, Reason: "unrecognized scd_type " + string(scdType)}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.LastModifiedField == "" {
		opts.LastModifiedField = DefaultLastModifiedField
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	fields := make([]string, len(businessFields))
	copy(fields, businessFields)

	return &Engine{
		table:          table,
		scdType:        scdType,
		businessFields: fields,
		lastModField:   opts.LastModifiedField,
		now:            opts.Now,
		log:            log,
	}, nil
}

// candidate is a deduplicated batch entry competing for a business key.
type candidate struct {
	rec     Record
	id      string
	tenant  string
	index   int
	modTime time.Time
	hasMod  bool
}

// reduce validates a batch and selects one winner per (tenant, id) key.
// Keys come back in first-occurrence order so output stays
// deterministic.
func (e *Engine) reduce(batch []Record) (map[string]candidate, []string, []RecordError) {
	winners := make(map[string]candidate, len(batch))
	var order []string
	var errs []RecordError

	for i, rec := range batch {
		id, err := requireString(rec, "id")
		if err != nil {
			errs = append(errs, RecordError{Index: i, Reason: err.Error()})
			continue
		}
		tenant, err := requireString(rec, schema.FieldTenantID)
		if err != nil {
			errs = append(errs, RecordError{Index: i, ID: id, Reason: err.Error()})
			continue
		}

		cand := candidate{rec: rec, id: id, tenant: tenant, index: i}
		cand.modTime, cand.hasMod = parseSourceTime(rec[e.lastModField])

		key := Key(tenant, id)
		prev, seen := winners[key]
		if !seen {
			winners[key] = cand
			order = append(order, key)
			continue
		}
		if supersedes(cand, prev) {
			winners[key] = cand
		}
	}

	return winners, order, errs
}

// Reduce collapses a batch to one record per (tenant, id) key, keeping
// the chronologically last version of each (by source last-modified
// timestamp, falling back to batch order). Callers that split a large
// batch into smaller merge slices run this once over the whole batch
// first, so duplicates straddling a slice boundary never historize
// intermediate states or let a stale version win.
func (e *Engine) Reduce(batch []Record) ([]Record, []RecordError) {
	winners, order, errs := e.reduce(batch)
	out := make([]Record, 0, len(order))
	for _, key := range order {
		out = append(out, winners[key].rec)
	}
	return out, errs
}

// Merge classifies a batch of newly observed records against the
// table's current state and produces the write-set. The current map is
// keyed by Key(tenant, id).
//
// When a batch carries multiple updates for one business key, only the
// chronologically last one wins (by source last-modified timestamp,
// falling back to batch order); intermediate states are discarded, not
// historized. A record missing its tenant or id key is rejected
// individually without aborting the batch.
func (e *Engine) Merge(batch []Record, current map[string]CurrentRow) BatchResult {
	result := BatchResult{}
	ingestedAt := e.now().UTC()

	winners, order, errs := e.reduce(batch)
	result.Errors = errs

	for _, key := range order {
		cand := winners[key]
		hash := RecordHash(cand.rec, e.businessFields)

		prior, exists := current[key]
		switch {
		case !exists:
			result.New++
			result.Writes.Inserts = append(result.Writes.Inserts, e.buildRow(cand.rec, hash, ingestedAt))

		case prior.Hash == hash:
			// The cost-control path: hash comparison only.
			result.Unchanged++

		default:
			result.Changed++
			if e.scdType == mapping.SCDType1 {
				result.Writes.Updates = append(result.Writes.Updates, e.buildRow(cand.rec, hash, ingestedAt))
			} else {
				result.Writes.Closes = append(result.Writes.Closes, RowClose{
					TenantID:       cand.tenant,
					ID:             cand.id,
					EffectiveStart: prior.EffectiveStart,
					EffectiveEnd:   ingestedAt,
				})
				result.Writes.Inserts = append(result.Writes.Inserts, e.buildRow(cand.rec, hash, ingestedAt))
			}
		}
	}

	e.log.Debug("batch merged",
		zap.String("table", e.table),
		zap.Int("new", result.New),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("changed", result.Changed),
		zap.Int("rejected", len(result.Errors)))

	return result
}

// supersedes decides whether a later candidate replaces the current
// winner for a key. Source timestamps take precedence; missing or tied
// timestamps fall back to batch order, last occurrence winning.
func supersedes(next, prev candidate) bool {
	if next.hasMod && prev.hasMod {
		if next.modTime.After(prev.modTime) {
			return true
		}
		if next.modTime.Before(prev.modTime) {
			return false
		}
	}
	return next.index > prev.index
}

// buildRow materializes a storable row: declared business fields plus
// the metadata fields for the table's SCD type.
func (e *Engine) buildRow(rec Record, hash string, ingestedAt time.Time) Record {
	row := make(Record, len(e.businessFields)+6)
	for _, f := range e.businessFields {
		if v, ok := rec[f]; ok {
			row[f] = v
		}
	}

	row[schema.FieldTenantID] = rec[schema.FieldTenantID]
	row[schema.FieldIngestionTimestamp] = ingestedAt
	row[schema.FieldRecordHash] = hash

	if e.scdType == mapping.SCDType2 {
		row[schema.FieldEffectiveStart] = ingestedAt
		row[schema.FieldEffectiveEnd] = nil
		row[schema.FieldIsCurrent] = true
	}

	return row
}

func requireString(rec Record, field string) (string, error) {
	v, ok := rec[field]
	if !ok || v == nil {
		return "", fmt.Errorf("missing required field %s", field)
	}
	s := Canonical(v)
	if s == "" {
		return "", fmt.Errorf("empty required field %s", field)
	}
	return s, nil
}

// parseSourceTime interprets the source-provided last-modified value.
// Sources disagree on formats, so several are accepted.
func parseSourceTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
			"2006-01-02",
		} {
			if t, err := time.Parse(layout, val); err == nil {
				return t, true
			}
		}
	case float64:
		if val > 0 {
			return fromEpoch(int64(val)), true
		}
	case int64:
		if val > 0 {
			return fromEpoch(val), true
		}
	}
	return time.Time{}, false
}

// fromEpoch interprets a numeric epoch value. Values above 1e12 are
// milliseconds; as seconds they would mean a date past the year 33000.
func fromEpoch(n int64) time.Time {
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
