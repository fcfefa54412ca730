// Package mapping loads declarative service-to-canonical mapping
// configuration and resolves source endpoints to canonical table names.
// Adding a new source service is a data change only: drop new mapping
// files into the configuration directory and restart the process.
package mapping

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SCDType declares how history is tracked for a canonical table.
type SCDType string

const (
	// SCDType1 overwrites rows in place. No history is kept.
	SCDType1 SCDType = "type_1"

	// SCDType2 keeps full history via effective-dated row pairs.
	SCDType2 SCDType = "type_2"
)

// Valid reports whether the SCD type is one of the two recognized values.
func (t SCDType) Valid() bool {
	return t == SCDType1 || t == SCDType2
}

// FieldMap maps source field names to canonical field names.
type FieldMap map[string]string

// TableMapping is the parsed form of a single canonical table's mapping
// file: one SCD-type declaration plus per-service endpoint field maps.
type TableMapping struct {
	// Table is the canonical table name (derived from the file name).
	Table string

	// SCDType is the declared history-tracking mode.
	SCDType SCDType

	// Services maps a lowercased service name to its endpoint field maps.
	Services map[string]map[string]FieldMap
}

// Rule is one resolved (service, endpoint) mapping entry. The resolver
// builds a registry of these at load time; the registry is immutable
// afterwards and safe for concurrent readers.
type Rule struct {
	Service  string
	Endpoint string
	Table    string
	SCDType  SCDType
	Fields   FieldMap
}

// ServiceConfig describes a source service: the credential fields an
// integration must supply and the canonical tables synced by default.
type ServiceConfig struct {
	ServiceName      string   `json:"service_name"`
	CredentialFields []string `json:"credential_fields"`
	DefaultTables    []string `json:"default_tables"`
}

// EndpointSync holds per-endpoint sync cadence and paging settings.
type EndpointSync struct {
	CadenceMinutes int `json:"cadence_minutes"`
	PageSize       int `json:"page_size"`
}

// SyncConfig describes endpoint-level sync settings for a service.
type SyncConfig struct {
	ServiceName string                  `json:"service_name"`
	Endpoints   map[string]EndpointSync `json:"endpoints"`
}

// ConfigError reports a missing or invalid mapping declaration. It is
// fatal to the affected table only; other tables keep processing.
type ConfigError struct {
	Table  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("mapping configuration: %s", e.Reason)
	}
	return fmt.Sprintf("mapping configuration for table %s: %s", e.Table, e.Reason)
}

// parseTableMapping parses a canonical table mapping file. The file is a
// JSON object with one "scd_type" key; every other top-level key is a
// service name whose value maps endpoints to field maps:
//
//	{
//	  "scd_type": "type_2",
//	  "connectwise": {
//	    "service/tickets": {"id": "id", "summary": "summary"}
//	  }
//	}
func parseTableMapping(table string, data []byte) (*TableMapping, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Table: table, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	tm := &TableMapping{
		Table:    table,
		Services: make(map[string]map[string]FieldMap),
	}

	for key, val := range raw {
		if key == "scd_type" {
			var scd string
			if err := json.Unmarshal(val, &scd); err != nil {
				return nil, &ConfigError{Table: table, Reason: fmt.Sprintf("scd_type must be a string: %v", err)}
			}
			tm.SCDType = SCDType(scd)
			continue
		}

		var endpoints map[string]FieldMap
		if err := json.Unmarshal(val, &endpoints); err != nil {
			return nil, &ConfigError{Table: table, Reason: fmt.Sprintf("service %q: endpoint maps malformed: %v", key, err)}
		}
		tm.Services[strings.ToLower(key)] = endpoints
	}

	if tm.SCDType == "" {
		return nil, &ConfigError{Table: table, Reason: "missing scd_type declaration"}
	}
	if !tm.SCDType.Valid() {
		return nil, &ConfigError{Table: table, Reason: fmt.Sprintf("unrecognized scd_type %q (want %q or %q)", tm.SCDType, SCDType1, SCDType2)}
	}

	return tm, nil
}
