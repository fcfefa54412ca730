package schema

import (
	"fmt"
	"sort"
	"strings"
)

// AlignmentReport is the result of comparing an expected canonical
// schema against the schema observed in the storage engine. The
// comparison is order-independent set difference.
type AlignmentReport struct {
	IsAligned         bool     `json:"is_aligned"`
	MissingInObserved []string `json:"missing_in_observed"`
	ExtraInObserved   []string `json:"extra_in_observed"`
	ExpectedCount     int      `json:"expected_count"`
	ObservedCount     int      `json:"observed_count"`
}

// ValidateAlignment compares the two field sets. IsAligned is true iff
// they are exactly equal as sets.
func ValidateAlignment(expected, observed []string) AlignmentReport {
	expectedSet := make(map[string]bool, len(expected))
	for _, f := range expected {
		expectedSet[f] = true
	}
	observedSet := make(map[string]bool, len(observed))
	for _, f := range observed {
		observedSet[f] = true
	}

	report := AlignmentReport{
		ExpectedCount: len(expectedSet),
		ObservedCount: len(observedSet),
	}

	for f := range expectedSet {
		if !observedSet[f] {
			report.MissingInObserved = append(report.MissingInObserved, f)
		}
	}
	for f := range observedSet {
		if !expectedSet[f] {
			report.ExtraInObserved = append(report.ExtraInObserved, f)
		}
	}

	sort.Strings(report.MissingInObserved)
	sort.Strings(report.ExtraInObserved)
	report.IsAligned = len(report.MissingInObserved) == 0 && len(report.ExtraInObserved) == 0

	return report
}

// MisalignmentError is raised when the expected and observed schemas
// for a table differ. Writes to the table must stop until the schemas
// are reconciled; continuing would corrupt columns undetectably.
type MisalignmentError struct {
	Table  string
	Report AlignmentReport
}

func (e *MisalignmentError) Error() string {
	var parts []string
	if len(e.Report.MissingInObserved) > 0 {
		parts = append(parts, fmt.Sprintf("missing in observed: %s", strings.Join(e.Report.MissingInObserved, ", ")))
	}
	if len(e.Report.ExtraInObserved) > 0 {
		parts = append(parts, fmt.Sprintf("extra in observed: %s", strings.Join(e.Report.ExtraInObserved, ", ")))
	}
	return fmt.Sprintf("schema misalignment on table %s (%s)", e.Table, strings.Join(parts, "; "))
}
