// Package warehouse adapts canonical tables onto an analytical SQL
// engine (DuckDB via database/sql). It owns DDL derived from the
// canonical schema, current-state reads for the merge engine, and
// write-set application.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/meridianlake/canonical-ingester/mapping"
	"github.com/meridianlake/canonical-ingester/scd"
	"github.com/meridianlake/canonical-ingester/schema"
)

// Warehouse wraps the analytical database holding canonical tables.
type Warehouse struct {
	db         *sql.DB
	schemaName string
	log        *zap.Logger
}

// Open opens (or creates) a DuckDB database at path and ensures the
// target schema exists. An empty path opens an in-memory database.
func Open(path, schemaName string, log *zap.Logger) (*Warehouse, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse database: %w", err)
	}
	w := New(db, schemaName, log)
	if _, err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schemaName)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema %s: %w", schemaName, err)
	}
	return w, nil
}

// New wraps an existing database handle. The caller keeps ownership of
// the handle's lifecycle when using this constructor.
func New(db *sql.DB, schemaName string, log *zap.Logger) *Warehouse {
	if log == nil {
		log = zap.NewNop()
	}
	return &Warehouse{db: db, schemaName: schemaName, log: log}
}

// Close closes the underlying database.
func (w *Warehouse) Close() error {
	return w.db.Close()
}

// EnsureTable creates the canonical table if it does not exist, using
// the complete sorted field list.
func (w *Warehouse) EnsureTable(ctx context.Context, table string, fields []string) error {
	if _, err := w.db.ExecContext(ctx, buildCreateTableSQL(w.schemaName, table, fields)); err != nil {
		return fmt.Errorf("failed to ensure table %s: %w", table, err)
	}
	return nil
}

// ObservedSchema reads the column list the storage engine actually has
// for a table. Returns nil when the table does not exist.
func (w *Warehouse) ObservedSchema(ctx context.Context, table string) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY column_name
	`, w.schemaName, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read observed schema for %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// CurrentState loads the latest known (hash, effective start) per
// business key for one tenant, keyed by scd.Key. This is the read the
// merge engine classifies against; it deliberately fetches hashes
// only, never full rows.
func (w *Warehouse) CurrentState(ctx context.Context, table, tenantID string, scdType mapping.SCDType) (map[string]scd.CurrentRow, error) {
	rows, err := w.db.QueryContext(ctx, buildCurrentStateSQL(w.schemaName, table, scdType), tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to read current state for %s: %w", table, err)
	}
	defer rows.Close()

	state := make(map[string]scd.CurrentRow)
	for rows.Next() {
		var id, hash string
		var row scd.CurrentRow
		if scdType == mapping.SCDType2 {
			if err := rows.Scan(&id, &hash, &row.EffectiveStart); err != nil {
				return nil, fmt.Errorf("failed to scan current state row: %w", err)
			}
		} else {
			if err := rows.Scan(&id, &hash); err != nil {
				return nil, fmt.Errorf("failed to scan current state row: %w", err)
			}
		}
		row.Hash = hash
		state[scd.Key(tenantID, id)] = row
	}
	return state, rows.Err()
}

// Apply writes a merge write-set to the table in one transaction.
// Closures run before inserts so a Type 2 table never holds two current
// rows for one key, even transiently.
func (w *Warehouse) Apply(ctx context.Context, table string, fields []string, ws scd.WriteSet) error {
	if ws.Empty() {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin write transaction for %s: %w", table, err)
	}
	defer tx.Rollback()

	closeSQL := buildCloseSQL(w.schemaName, table)
	for _, c := range ws.Closes {
		if _, err := tx.ExecContext(ctx, closeSQL, c.EffectiveEnd, c.TenantID, c.ID, c.EffectiveStart); err != nil {
			return fmt.Errorf("failed to close row %s on %s: %w", c.ID, table, err)
		}
	}

	insertSQL := buildInsertSQL(w.schemaName, table, fields)
	for _, rec := range ws.Inserts {
		if _, err := tx.ExecContext(ctx, insertSQL, rowValues(rec, fields)...); err != nil {
			return fmt.Errorf("failed to insert row on %s: %w", table, err)
		}
	}

	if len(ws.Updates) > 0 {
		updateSQL := buildType1UpdateSQL(w.schemaName, table, fields)
		for _, rec := range ws.Updates {
			args := updateValues(rec, fields)
			if _, err := tx.ExecContext(ctx, updateSQL, args...); err != nil {
				return fmt.Errorf("failed to update row on %s: %w", table, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write-set for %s: %w", table, err)
	}

	w.log.Debug("write-set applied",
		zap.String("table", table),
		zap.Int("inserts", len(ws.Inserts)),
		zap.Int("updates", len(ws.Updates)),
		zap.Int("closes", len(ws.Closes)))

	return nil
}

// LastIngestionTime returns the newest ingestion timestamp for a
// tenant's rows, or the zero time when the table holds none. Auto-detect
// backfills use this as the freshness signal.
func (w *Warehouse) LastIngestionTime(ctx context.Context, table, tenantID string) (time.Time, error) {
	query := fmt.Sprintf("SELECT max(%s) FROM %s.%s WHERE %s = ?",
		schema.FieldIngestionTimestamp, w.schemaName, table, schema.FieldTenantID)

	var ts sql.NullTime
	if err := w.db.QueryRowContext(ctx, query, tenantID).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("failed to read last ingestion time for %s: %w", table, err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

// rowValues renders a record's values in field order for binding.
func rowValues(rec scd.Record, fields []string) []any {
	out := make([]any, len(fields))
	for i, f := range fields {
		out[i] = bindValue(f, rec[f])
	}
	return out
}

// updateValues renders the Type 1 assignment arguments (every field
// except the business key) followed by the WHERE arguments.
func updateValues(rec scd.Record, fields []string) []any {
	var out []any
	for _, f := range fields {
		if f == schema.FieldTenantID || f == "id" {
			continue
		}
		out = append(out, bindValue(f, rec[f]))
	}
	out = append(out, bindValue(schema.FieldTenantID, rec[schema.FieldTenantID]), bindValue("id", rec["id"]))
	return out
}

// bindValue converts a record value to its storage representation:
// typed metadata columns bind natively, VARCHAR columns bind the same
// canonical text the hasher digests.
func bindValue(field string, v any) any {
	if v == nil {
		return nil
	}
	switch field {
	case schema.FieldIngestionTimestamp, schema.FieldEffectiveStart, schema.FieldEffectiveEnd:
		return v
	case schema.FieldIsCurrent:
		return v
	default:
		return scd.Canonical(v)
	}
}
