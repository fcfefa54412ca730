package scd

import (
	"testing"
	"time"

	"github.com/meridianlake/canonical-ingester/mapping"
	"github.com/meridianlake/canonical-ingester/schema"
)

var mergeNow = time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, scdType mapping.SCDType) *Engine {
	t.Helper()
	e, err := NewEngine("tickets", scdType, []string{"id", "summary", "status"},
		Options{Now: func() time.Time { return mergeNow }}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func rec(id, summary, status string) Record {
	return Record{
		"id":                 id,
		"summary":            summary,
		"status":             status,
		schema.FieldTenantID: "tenant-1",
	}
}

func TestMergeNewRecords(t *testing.T) {
	e := newTestEngine(t, mapping.SCDType2)

	res := e.Merge([]Record{rec("1", "a", "Open"), rec("2", "b", "Open")}, map[string]CurrentRow{})

	if res.New != 2 || res.Unchanged != 0 || res.Changed != 0 {
		t.Errorf("counts = (%d,%d,%d), want (2,0,0)", res.New, res.Unchanged, res.Changed)
	}
	if len(res.Writes.Inserts) != 2 {
		t.Fatalf("inserts = %d, want 2", len(res.Writes.Inserts))
	}
	if len(res.Writes.Updates) != 0 || len(res.Writes.Closes) != 0 {
		t.Errorf("unexpected updates/closes: %d/%d", len(res.Writes.Updates), len(res.Writes.Closes))
	}

	row := res.Writes.Inserts[0]
	if row[schema.FieldRecordHash] == "" {
		t.Error("insert row missing record hash")
	}
	if row[schema.FieldIngestionTimestamp] != mergeNow {
		t.Errorf("ingestion timestamp = %v, want %v", row[schema.FieldIngestionTimestamp], mergeNow)
	}
	if row[schema.FieldIsCurrent] != true {
		t.Error("Type 2 insert not marked current")
	}
	if row[schema.FieldEffectiveStart] != mergeNow {
		t.Errorf("effective start = %v, want %v", row[schema.FieldEffectiveStart], mergeNow)
	}
	if row[schema.FieldEffectiveEnd] != nil {
		t.Errorf("effective end = %v, want nil", row[schema.FieldEffectiveEnd])
	}
}

func TestMergeUnchangedIsIdempotent(t *testing.T) {
	e := newTestEngine(t, mapping.SCDType2)
	batch := []Record{rec("1", "a", "Open")}

	first := e.Merge(batch, map[string]CurrentRow{})
	hash := first.Writes.Inserts[0][schema.FieldRecordHash].(string)

	// Re-running the same batch against the state it produced must be a
	// no-op.
	second := e.Merge(batch, map[string]CurrentRow{
		Key("tenant-1", "1"): {Hash: hash, EffectiveStart: mergeNow},
	})

	if second.Unchanged != 1 || second.New != 0 || second.Changed != 0 {
		t.Errorf("counts = (%d,%d,%d), want (0,1,0)", second.New, second.Unchanged, second.Changed)
	}
	if !second.Writes.Empty() {
		t.Errorf("unchanged record produced %d writes", second.Writes.Size())
	}
}

func TestMergeType1Overwrite(t *testing.T) {
	e := newTestEngine(t, mapping.SCDType1)

	res := e.Merge([]Record{rec("1", "a", "Closed")}, map[string]CurrentRow{
		Key("tenant-1", "1"): {Hash: "stalehash"},
	})

	if res.Changed != 1 {
		t.Fatalf("changed = %d, want 1", res.Changed)
	}
	if len(res.Writes.Updates) != 1 || len(res.Writes.Inserts) != 0 || len(res.Writes.Closes) != 0 {
		t.Errorf("writes = %d inserts, %d updates, %d closes; want 0/1/0",
			len(res.Writes.Inserts), len(res.Writes.Updates), len(res.Writes.Closes))
	}

	row := res.Writes.Updates[0]
	if _, ok := row[schema.FieldIsCurrent]; ok {
		t.Error("Type 1 row carries effective-dating metadata")
	}
}

func TestMergeType2CloseAndInsert(t *testing.T) {
	e := newTestEngine(t, mapping.SCDType2)
	priorStart := mergeNow.Add(-72 * time.Hour)

	res := e.Merge([]Record{rec("1", "a", "Closed")}, map[string]CurrentRow{
		Key("tenant-1", "1"): {Hash: "stalehash", EffectiveStart: priorStart},
	})

	if res.Changed != 1 {
		t.Fatalf("changed = %d, want 1", res.Changed)
	}
	if len(res.Writes.Closes) != 1 || len(res.Writes.Inserts) != 1 {
		t.Fatalf("writes = %d closes, %d inserts; want 1/1", len(res.Writes.Closes), len(res.Writes.Inserts))
	}

	closeOp := res.Writes.Closes[0]
	if closeOp.ID != "1" || closeOp.TenantID != "tenant-1" {
		t.Errorf("close targets (%s, %s), want (tenant-1, 1)", closeOp.TenantID, closeOp.ID)
	}
	if !closeOp.EffectiveStart.Equal(priorStart) {
		t.Errorf("close effective start = %v, want %v", closeOp.EffectiveStart, priorStart)
	}
	if !closeOp.EffectiveEnd.Equal(mergeNow) {
		t.Errorf("close effective end = %v, want %v", closeOp.EffectiveEnd, mergeNow)
	}

	insert := res.Writes.Inserts[0]
	if insert[schema.FieldIsCurrent] != true {
		t.Error("replacement row not marked current")
	}
}

func TestMergeInBatchTieBreakByTimestamp(t *testing.T) {
	e := newTestEngine(t, mapping.SCDType2)

	older := rec("1", "first", "Open")
	older["last_updated"] = "2026-08-01T10:00:00Z"
	newer := rec("1", "second", "Closed")
	newer["last_updated"] = "2026-08-02T10:00:00Z"

	// Newer timestamp wins regardless of batch position.
	res := e.Merge([]Record{newer, older}, map[string]CurrentRow{})

	if res.New != 1 {
		t.Fatalf("new = %d, want 1 (duplicates collapse to one)", res.New)
	}
	if got := res.Writes.Inserts[0]["summary"]; got != "second" {
		t.Errorf("winner summary = %v, want second", got)
	}
}

func TestMergeInBatchTieBreakFallsBackToBatchOrder(t *testing.T) {
	e := newTestEngine(t, mapping.SCDType2)

	first := rec("1", "first", "Open")
	second := rec("1", "second", "Closed")

	// No timestamps: the later batch entry wins.
	res := e.Merge([]Record{first, second}, map[string]CurrentRow{})

	if res.New != 1 {
		t.Fatalf("new = %d, want 1", res.New)
	}
	if got := res.Writes.Inserts[0]["summary"]; got != "second" {
		t.Errorf("winner summary = %v, want second", got)
	}
}

func TestMergeIntermediateStatesNotHistorized(t *testing.T) {
	e := newTestEngine(t, mapping.SCDType2)

	a := rec("1", "v1", "Open")
	a["last_updated"] = "2026-08-01T10:00:00Z"
	b := rec("1", "v2", "Open")
	b["last_updated"] = "2026-08-02T10:00:00Z"
	c := rec("1", "v3", "Closed")
	c["last_updated"] = "2026-08-03T10:00:00Z"

	res := e.Merge([]Record{a, b, c}, map[string]CurrentRow{})

	// Only the final state lands; v1 and v2 are discarded, not closed.
	if len(res.Writes.Inserts) != 1 || len(res.Writes.Closes) != 0 {
		t.Errorf("writes = %d inserts, %d closes; want 1/0",
			len(res.Writes.Inserts), len(res.Writes.Closes))
	}
	if got := res.Writes.Inserts[0]["summary"]; got != "v3" {
		t.Errorf("winner summary = %v, want v3", got)
	}
}

func TestMergeIsolatesTenantsSharingIDs(t *testing.T) {
	e := newTestEngine(t, mapping.SCDType2)

	mine := rec("1", "a", "Open")
	theirs := rec("1", "a", "Open")
	theirs[schema.FieldTenantID] = "tenant-2"

	first := e.Merge([]Record{mine}, map[string]CurrentRow{})
	hash := first.Writes.Inserts[0][schema.FieldRecordHash].(string)

	// The other tenant's identical record is a new row, never a match
	// against tenant-1's state.
	res := e.Merge([]Record{mine, theirs}, map[string]CurrentRow{
		Key("tenant-1", "1"): {Hash: hash, EffectiveStart: mergeNow},
	})

	if res.Unchanged != 1 || res.New != 1 {
		t.Errorf("counts = (%d new, %d unchanged), want (1, 1)", res.New, res.Unchanged)
	}
	if len(res.Writes.Inserts) != 1 {
		t.Fatalf("inserts = %d, want 1", len(res.Writes.Inserts))
	}
	if got := res.Writes.Inserts[0][schema.FieldTenantID]; got != "tenant-2" {
		t.Errorf("insert tenant = %v, want tenant-2", got)
	}
}

func TestReduceCollapsesDuplicatesForSplitMerges(t *testing.T) {
	e := newTestEngine(t, mapping.SCDType2)

	newer := rec("1", "newer", "Closed")
	newer["last_updated"] = "2026-08-02T10:00:00Z"
	older := rec("1", "older", "Open")
	older["last_updated"] = "2026-08-01T10:00:00Z"

	reduced, errs := e.Reduce([]Record{newer, rec("2", "b", "Open"), older})
	if len(errs) != 0 {
		t.Fatalf("errors = %v, want none", errs)
	}
	if len(reduced) != 2 {
		t.Fatalf("reduced = %d records, want 2", len(reduced))
	}
	if reduced[0]["summary"] != "newer" {
		t.Errorf("winner summary = %v, want newer", reduced[0]["summary"])
	}

	// Merging the reduced set one record at a time must match one merge
	// of the whole batch: a stale duplicate can no longer land in a
	// later slice and historize the winner.
	current := map[string]CurrentRow{}
	var inserts, closes int
	for _, r := range reduced {
		res := e.Merge([]Record{r}, current)
		inserts += len(res.Writes.Inserts)
		closes += len(res.Writes.Closes)
		for _, row := range res.Writes.Inserts {
			current[Key("tenant-1", row["id"].(string))] = CurrentRow{
				Hash: row[schema.FieldRecordHash].(string),
			}
		}
	}
	if inserts != 2 || closes != 0 {
		t.Errorf("writes = %d inserts, %d closes; want 2/0", inserts, closes)
	}
}

func TestReduceReportsMalformedRecords(t *testing.T) {
	e := newTestEngine(t, mapping.SCDType2)

	reduced, errs := e.Reduce([]Record{
		{"summary": "no id", schema.FieldTenantID: "tenant-1"},
		rec("1", "a", "Open"),
	})

	if len(errs) != 1 || errs[0].Index != 0 {
		t.Fatalf("errors = %v, want one at index 0", errs)
	}
	if len(reduced) != 1 {
		t.Errorf("reduced = %d records, want 1", len(reduced))
	}
}

func TestParseSourceTimeEpochUnits(t *testing.T) {
	want := time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)

	ts, ok := parseSourceTime(float64(want.Unix()))
	if !ok || !ts.Equal(want) {
		t.Errorf("seconds epoch parsed as %v (ok=%v), want %v", ts, ok, want)
	}

	// Millisecond epochs must not decode as a far-future seconds value
	// that would win every tie-break.
	tm, ok := parseSourceTime(float64(want.UnixMilli()))
	if !ok || !tm.Equal(want) {
		t.Errorf("milliseconds epoch parsed as %v (ok=%v), want %v", tm, ok, want)
	}
}

func TestMergeRejectsMalformedRecordsIndividually(t *testing.T) {
	e := newTestEngine(t, mapping.SCDType2)

	missingID := Record{"summary": "no id", schema.FieldTenantID: "tenant-1"}
	missingTenant := Record{"id": "9", "summary": "no tenant"}
	good := rec("1", "a", "Open")

	res := e.Merge([]Record{missingID, good, missingTenant}, map[string]CurrentRow{})

	if len(res.Errors) != 2 {
		t.Fatalf("errors = %d, want 2: %v", len(res.Errors), res.Errors)
	}
	if res.New != 1 {
		t.Errorf("new = %d, want 1 (good record still processed)", res.New)
	}
	if res.Errors[0].Index != 0 {
		t.Errorf("first error index = %d, want 0", res.Errors[0].Index)
	}
	if res.Errors[1].ID != "9" {
		t.Errorf("second error id = %q, want 9", res.Errors[1].ID)
	}
}

func TestMergeEmptyBatch(t *testing.T) {
	e := newTestEngine(t, mapping.SCDType2)

	res := e.Merge(nil, map[string]CurrentRow{Key("tenant-1", "1"): {Hash: "h"}})
	if res.New+res.Unchanged+res.Changed != 0 || !res.Writes.Empty() {
		t.Errorf("empty batch produced work: %+v", res)
	}
}

func TestNewEngineRejectsInvalidSCDType(t *testing.T) {
	_, err := NewEngine("tickets", "type_9", []string{"id"}, Options{}, nil)
	if err == nil {
		t.Fatal("expected error for invalid scd_type")
	}
}
