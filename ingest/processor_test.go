package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/meridianlake/canonical-ingester/jobstore"
	"github.com/meridianlake/canonical-ingester/mapping"
	"github.com/meridianlake/canonical-ingester/scd"
	"github.com/meridianlake/canonical-ingester/schema"
	"github.com/meridianlake/canonical-ingester/storage"
)

func testResolver(t *testing.T) *mapping.Resolver {
	t.Helper()
	src := mapping.MemSource{
		"tables/tickets.json": []byte(`{
			"scd_type": "type_2",
			"connectwise": {"service/tickets": {"id": "id", "summary": "summary", "lastUpdated": "last_updated"}}
		}`),
	}
	r, err := mapping.Load(context.Background(), src, nil)
	if err != nil {
		t.Fatalf("mapping.Load failed: %v", err)
	}
	return r
}

func writeEnvelope(t *testing.T, store storage.ObjectStore, name string, env RawEnvelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	path := storage.ObjectPath("tenant-1", storage.StageRaw, "connectwise", "tickets", name, "json")
	if err := store.Write(context.Background(), path, data); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

func testChunk(start, end time.Time) jobstore.Chunk {
	return jobstore.Chunk{
		JobID:     "job-1",
		TenantID:  "tenant-1",
		Service:   "connectwise",
		Table:     "tickets",
		StartDate: start,
		EndDate:   end,
	}
}

func TestLoadWindowFiltersAndMaps(t *testing.T) {
	store := storage.NewMemStore()
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	writeEnvelope(t, store, "inside", RawEnvelope{
		Endpoint: "service/tickets",
		PulledAt: start.Add(24 * time.Hour),
		Records: []map[string]any{
			{"id": 1, "summary": "in window", "lastUpdated": "2026-06-02T00:00:00Z", "board": "noise"},
		},
	})
	writeEnvelope(t, store, "before", RawEnvelope{
		Endpoint: "service/tickets",
		PulledAt: start.Add(-time.Hour),
		Records:  []map[string]any{{"id": 2, "summary": "too early"}},
	})
	writeEnvelope(t, store, "boundary", RawEnvelope{
		Endpoint: "service/tickets",
		PulledAt: end, // end is exclusive
		Records:  []map[string]any{{"id": 3, "summary": "at end"}},
	})

	p := NewProcessor(testResolver(t), nil, store, nil, nil, nil)
	batch, errs, err := p.loadWindow(context.Background(), testChunk(start, end))
	if err != nil {
		t.Fatalf("loadWindow failed: %v", err)
	}
	if len(errs) != 0 {
		t.Errorf("record errors = %v, want none", errs)
	}
	if len(batch) != 1 {
		t.Fatalf("batch = %d records, want 1", len(batch))
	}

	rec := batch[0]
	if rec["summary"] != "in window" {
		t.Errorf("summary = %v, want in window", rec["summary"])
	}
	if rec[schema.FieldTenantID] != "tenant-1" {
		t.Errorf("tenant_id = %v, want tenant-1", rec[schema.FieldTenantID])
	}
	if rec["last_updated"] != "2026-06-02T00:00:00Z" {
		t.Errorf("last_updated = %v, field map not applied", rec["last_updated"])
	}
	if _, ok := rec["board"]; ok {
		t.Error("unmapped source field survived the field map")
	}
}

func TestLoadWindowReportsBadObjects(t *testing.T) {
	store := storage.NewMemStore()
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	path := storage.ObjectPath("tenant-1", storage.StageRaw, "connectwise", "tickets", "garbled", "json")
	store.Write(context.Background(), path, []byte("{not json"))

	writeEnvelope(t, store, "unmapped", RawEnvelope{
		Endpoint: "service/unknown",
		PulledAt: start.Add(time.Hour),
		Records:  []map[string]any{{"id": 1}},
	})
	writeEnvelope(t, store, "good", RawEnvelope{
		Endpoint: "service/tickets",
		PulledAt: start.Add(time.Hour),
		Records:  []map[string]any{{"id": 2, "summary": "ok"}},
	})

	p := NewProcessor(testResolver(t), nil, store, nil, nil, nil)
	batch, errs, err := p.loadWindow(context.Background(), testChunk(start, end))
	if err != nil {
		t.Fatalf("loadWindow failed: %v", err)
	}
	if len(errs) != 2 {
		t.Errorf("record errors = %d, want 2: %v", len(errs), errs)
	}
	if len(batch) != 1 {
		t.Errorf("batch = %d records, want 1 (bad objects skipped, not fatal)", len(batch))
	}
}

func TestAdvanceCurrent(t *testing.T) {
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	current := map[string]scd.CurrentRow{
		scd.Key("tenant-1", "1"): {Hash: "old"},
	}

	ws := scd.WriteSet{
		Inserts: []scd.Record{{
			"id":                       "2",
			schema.FieldTenantID:       "tenant-1",
			schema.FieldRecordHash:     "hash2",
			schema.FieldEffectiveStart: now,
		}},
		Updates: []scd.Record{{
			"id":                   "1",
			schema.FieldTenantID:   "tenant-1",
			schema.FieldRecordHash: "hash1",
		}},
	}

	advanceCurrent(current, ws)

	if current[scd.Key("tenant-1", "1")].Hash != "hash1" {
		t.Errorf("updated row hash = %q, want hash1", current[scd.Key("tenant-1", "1")].Hash)
	}
	got, ok := current[scd.Key("tenant-1", "2")]
	if !ok {
		t.Fatal("inserted row not folded into current state")
	}
	if got.Hash != "hash2" || !got.EffectiveStart.Equal(now) {
		t.Errorf("inserted row state = %+v", got)
	}
}

// fakeWarehouse records write-sets instead of touching a database.
type fakeWarehouse struct {
	observed []string
	current  map[string]scd.CurrentRow
	ensured  []string
	applied  []scd.WriteSet
}

func (f *fakeWarehouse) EnsureTable(_ context.Context, table string, _ []string) error {
	f.ensured = append(f.ensured, table)
	return nil
}

func (f *fakeWarehouse) ObservedSchema(_ context.Context, _ string) ([]string, error) {
	return f.observed, nil
}

func (f *fakeWarehouse) CurrentState(_ context.Context, _, _ string, _ mapping.SCDType) (map[string]scd.CurrentRow, error) {
	state := make(map[string]scd.CurrentRow, len(f.current))
	for k, v := range f.current {
		state[k] = v
	}
	return state, nil
}

func (f *fakeWarehouse) Apply(_ context.Context, _ string, _ []string, ws scd.WriteSet) error {
	f.applied = append(f.applied, ws)
	return nil
}

func TestProcessChunkDeduplicatesAcrossSubBatches(t *testing.T) {
	store := storage.NewMemStore()
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	// 700 records exceed the tickets merge slice cap, forcing the chunk
	// through multiple slices. The duplicated key's newer version lands
	// in the first slice, its stale version in the last.
	records := make([]map[string]any, 0, 700)
	records = append(records, map[string]any{
		"id": "dup", "summary": "newer", "lastUpdated": "2026-06-03T00:00:00Z",
	})
	for i := 0; i < 698; i++ {
		records = append(records, map[string]any{"id": fmt.Sprintf("t-%d", i), "summary": "s"})
	}
	records = append(records, map[string]any{
		"id": "dup", "summary": "older", "lastUpdated": "2026-06-01T00:00:00Z",
	})

	writeEnvelope(t, store, "window", RawEnvelope{
		Endpoint: "service/tickets",
		PulledAt: start.Add(time.Hour),
		Records:  records,
	})

	wh := &fakeWarehouse{current: map[string]scd.CurrentRow{}}
	p := NewProcessor(testResolver(t), wh, store, nil, nil, nil)

	res, err := p.ProcessChunk(context.Background(), testChunk(start, end))
	if err != nil {
		t.Fatalf("ProcessChunk failed: %v", err)
	}
	if len(res.Errors) != 0 {
		t.Errorf("chunk errors = %v, want none", res.Errors)
	}
	if len(wh.applied) < 2 {
		t.Fatalf("write-sets applied = %d, want at least 2 slices", len(wh.applied))
	}

	var inserts, closes int
	var dupVersions []string
	for _, ws := range wh.applied {
		closes += len(ws.Closes)
		for _, row := range ws.Inserts {
			inserts++
			if row["id"] == "dup" {
				dupVersions = append(dupVersions, row["summary"].(string))
			}
		}
	}

	if closes != 0 {
		t.Errorf("closes = %d, want 0 (a stale duplicate must not historize the winner)", closes)
	}
	if inserts != 699 {
		t.Errorf("inserts = %d, want 699 (duplicates collapse to one row)", inserts)
	}
	if len(dupVersions) != 1 || dupVersions[0] != "newer" {
		t.Errorf("duplicated key versions written = %v, want [newer]", dupVersions)
	}
	if res.RecordsProcessed != 699 {
		t.Errorf("records processed = %d, want 699", res.RecordsProcessed)
	}
}
