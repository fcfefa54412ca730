// Package schema derives the complete field set for a canonical table
// and validates it against the schema observed in the storage engine.
package schema

import (
	"sort"

	"github.com/meridianlake/canonical-ingester/mapping"
)

// Standard metadata field names added to every canonical table.
const (
	FieldTenantID           = "tenant_id"
	FieldIngestionTimestamp = "ingestion_timestamp"
	FieldRecordHash         = "record_hash"
	FieldEffectiveStart     = "effective_start_date"
	FieldEffectiveEnd       = "effective_end_date"
	FieldIsCurrent          = "is_current"
)

// MetadataFields returns the metadata field set for an SCD type. Type 1
// tables carry three fields; Type 2 tables add the effective-dating
// trio.
func MetadataFields(scdType mapping.SCDType) []string {
	fields := []string{FieldTenantID, FieldIngestionTimestamp, FieldRecordHash}
	if scdType == mapping.SCDType2 {
		fields = append(fields, FieldEffectiveStart, FieldEffectiveEnd, FieldIsCurrent)
	}
	return fields
}

// Complete returns the full sorted field list for a table: business
// fields plus the metadata fields for its SCD type. The output is
// deterministic and deduplicated; a business field colliding with a
// metadata field name appears once.
func Complete(table string, businessFields []string, scdType mapping.SCDType) ([]string, error) {
	if !scdType.Valid() {
		return nil, &mapping.ConfigError{Table: table, Reason: "unrecognized scd_type " + string(scdType)}
	}

	seen := make(map[string]bool, len(businessFields)+6)
	var out []string
	add := func(f string) {
		if f == "" || seen[f] {
			return
		}
		seen[f] = true
		out = append(out, f)
	}

	for _, f := range businessFields {
		add(f)
	}
	for _, f := range MetadataFields(scdType) {
		add(f)
	}

	sort.Strings(out)
	return out, nil
}

// BusinessFields derives the business field set for a table from its
// mapping declaration: the union of every endpoint's canonical target
// fields, sorted.
func BusinessFields(tm *mapping.TableMapping) []string {
	seen := make(map[string]bool)
	for _, endpoints := range tm.Services {
		for _, fields := range endpoints {
			for _, canonical := range fields {
				seen[canonical] = true
			}
		}
	}

	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// SCDTypeOf reads the table's declared SCD type, failing with a
// configuration error when it is absent or unrecognized.
func SCDTypeOf(tm *mapping.TableMapping) (mapping.SCDType, error) {
	if tm == nil {
		return "", &mapping.ConfigError{Reason: "missing table mapping"}
	}
	if tm.SCDType == "" {
		return "", &mapping.ConfigError{Table: tm.Table, Reason: "missing scd_type declaration"}
	}
	if !tm.SCDType.Valid() {
		return "", &mapping.ConfigError{Table: tm.Table, Reason: "unrecognized scd_type " + string(tm.SCDType)}
	}
	return tm.SCDType, nil
}
