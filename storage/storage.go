// Package storage defines the byte-level object store contract the
// ingestion core reads raw records from, plus the shared path
// convention: {tenant_id}/{data_stage}/{service}/{table}/{name}.{format}.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("storage: object not found")

// DataStage is the pipeline stage a stored object belongs to.
type DataStage string

const (
	StageRaw       DataStage = "raw"
	StageCanonical DataStage = "canonical"
)

// ObjectStore is the minimal contract the core needs from the physical
// store: read bytes at a path, write bytes to a path, list a prefix.
type ObjectStore interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// ObjectPath builds the canonical storage path for an object.
func ObjectPath(tenantID string, stage DataStage, service, table, name, format string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s.%s", tenantID, stage, service, table, name, format)
}

// TablePrefix builds the listing prefix for a tenant/stage/service/table.
func TablePrefix(tenantID string, stage DataStage, service, table string) string {
	return fmt.Sprintf("%s/%s/%s/%s/", tenantID, stage, service, table)
}

// ObjectName extracts the bare object name (no directory, no format
// suffix) from a full path.
func ObjectName(path string) string {
	base := path
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndex(base, "."); i >= 0 {
		base = base[:i]
	}
	return base
}
