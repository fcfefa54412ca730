package warehouse

import (
	"fmt"
	"strings"

	"github.com/meridianlake/canonical-ingester/mapping"
	"github.com/meridianlake/canonical-ingester/schema"
)

// columnType maps a canonical field name to its storage type. Business
// fields are VARCHAR; only the metadata timestamps and the current-row
// flag get typed columns.
func columnType(field string) string {
	switch field {
	case schema.FieldIngestionTimestamp, schema.FieldEffectiveStart, schema.FieldEffectiveEnd:
		return "TIMESTAMP"
	case schema.FieldIsCurrent:
		return "BOOLEAN"
	default:
		return "VARCHAR"
	}
}

// buildCreateTableSQL renders the DDL for a canonical table from its
// complete sorted field list.
func buildCreateTableSQL(schemaName, table string, fields []string) string {
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = fmt.Sprintf("%s %s", f, columnType(f))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (%s)",
		schemaName, table, strings.Join(cols, ", "))
}

// buildInsertSQL renders a positional insert over the complete field
// list. Field order must match the values passed alongside.
func buildInsertSQL(schemaName, table string, fields []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(fields)), ", ")
	return fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES (%s)",
		schemaName, table, strings.Join(fields, ", "), placeholders)
}

// buildType1UpdateSQL renders the in-place overwrite for a Type 1 row.
// Every field except the business key is assigned; the WHERE clause
// pins (tenant_id, id).
func buildType1UpdateSQL(schemaName, table string, fields []string) string {
	var assigns []string
	for _, f := range fields {
		if f == schema.FieldTenantID || f == "id" {
			continue
		}
		assigns = append(assigns, f+" = ?")
	}
	return fmt.Sprintf("UPDATE %s.%s SET %s WHERE %s = ? AND id = ?",
		schemaName, table, strings.Join(assigns, ", "), schema.FieldTenantID)
}

// buildCloseSQL renders the Type 2 prior-current closure: flip
// is_current and stamp the effective end date on the exact row version
// identified by (tenant_id, id, effective_start_date).
func buildCloseSQL(schemaName, table string) string {
	return fmt.Sprintf(
		"UPDATE %s.%s SET %s = false, %s = ? WHERE %s = ? AND id = ? AND %s = ? AND %s = true",
		schemaName, table,
		schema.FieldIsCurrent, schema.FieldEffectiveEnd,
		schema.FieldTenantID, schema.FieldEffectiveStart, schema.FieldIsCurrent)
}

// buildCurrentStateSQL renders the current-state read used by the merge
// engine: one (id, hash) pair per business key, restricted to current
// rows on Type 2 tables.
func buildCurrentStateSQL(schemaName, table string, scdType mapping.SCDType) string {
	if scdType == mapping.SCDType2 {
		return fmt.Sprintf(
			"SELECT id, %s, %s FROM %s.%s WHERE %s = ? AND %s = true",
			schema.FieldRecordHash, schema.FieldEffectiveStart,
			schemaName, table,
			schema.FieldTenantID, schema.FieldIsCurrent)
	}
	return fmt.Sprintf(
		"SELECT id, %s FROM %s.%s WHERE %s = ?",
		schema.FieldRecordHash, schemaName, table, schema.FieldTenantID)
}
