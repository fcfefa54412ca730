// Package sizing estimates per-table record volume and computes chunk
// sizes that balance throughput against a fixed memory ceiling.
package sizing

import "strings"

// Memory-safety bounds for a single chunk's in-memory batch. The
// per-record byte figures are empirical averages of serialized
// canonical records.
const (
	// MaxChunkBytes caps the materialized size of one chunk's batch.
	MaxChunkBytes = 128 << 20 // 128 MiB

	// DefaultRecordBytes is assumed when a table has no profile.
	DefaultRecordBytes = 2048

	// MinChunkRecords keeps chunks large enough that per-chunk
	// invocation overhead stays negligible.
	MinChunkRecords = 500
)

// tableProfile carries per-table volume heuristics.
type tableProfile struct {
	// baseEstimate is the expected record count for a full historical
	// sync of a mid-sized tenant.
	baseEstimate int

	// recordBytes is the average serialized record size.
	recordBytes int
}

// profiles holds heuristics for the well-known canonical tables.
// Unlisted tables fall back to defaults.
var profiles = map[string]tableProfile{
	"tickets":      {baseEstimate: 250_000, recordBytes: 4096},
	"time_entries": {baseEstimate: 500_000, recordBytes: 1536},
	"contacts":     {baseEstimate: 40_000, recordBytes: 2048},
	"companies":    {baseEstimate: 10_000, recordBytes: 2560},
}

const (
	defaultBaseEstimate = 50_000

	// incrementalFraction scales a full-sync estimate down for
	// incremental pulls, which only see recently modified records.
	incrementalFraction = 20
)

// TableConfig identifies the table/tenant pairing being sized.
type TableConfig struct {
	Name    string
	Service string
}

// Processor computes volume estimates and chunk sizes. Stateless and
// safe for concurrent use.
type Processor struct{}

// NewProcessor creates a table processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// EstimateTotalRecords returns the heuristic record volume for a table.
// The estimate sizes subsequent chunk requests conservatively; it is
// never a live count. Always returns a positive integer.
func (p *Processor) EstimateTotalRecords(cfg TableConfig, fullSync bool) int {
	est := defaultBaseEstimate
	if prof, ok := profiles[normalizeTable(cfg.Name)]; ok {
		est = prof.baseEstimate
	}

	if !fullSync {
		est = est / incrementalFraction
	}
	if est < 1 {
		est = 1
	}
	return est
}

// CalculateOptimalChunkSize returns the record count per chunk for a
// table given its estimated total. The result is non-decreasing in the
// estimated total up to the memory ceiling, then constant, and never
// drops below the invocation-overhead floor.
func (p *Processor) CalculateOptimalChunkSize(tableName string, estimatedTotal int) int {
	recordBytes := DefaultRecordBytes
	if prof, ok := profiles[normalizeTable(tableName)]; ok {
		recordBytes = prof.recordBytes
	}

	ceiling := MaxChunkBytes / recordBytes

	// Target roughly 20 chunks across the estimated volume so progress
	// is observable without excessive invocations.
	size := estimatedTotal / 20
	if size < MinChunkRecords {
		size = MinChunkRecords
	}
	if size > ceiling {
		size = ceiling
	}
	return size
}

func normalizeTable(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
