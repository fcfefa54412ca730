package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"
)

type ruleKey struct {
	service  string // lowercased
	endpoint string
}

// Resolver holds the typed mapping registry built once at startup from
// the declarative files. It is read-only after Load and safe to share
// across concurrent workers.
type Resolver struct {
	rules    map[ruleKey]Rule
	tables   map[string]*TableMapping
	services map[string]ServiceConfig
	sync     map[string]SyncConfig
	log      *zap.Logger
}

// Load reads all mapping declarations from src and builds the registry.
// A file that fails to parse aborts the load; a partially loaded registry
// would silently misroute records.
func Load(ctx context.Context, src Source, log *zap.Logger) (*Resolver, error) {
	if log == nil {
		log = zap.NewNop()
	}

	r := &Resolver{
		rules:    make(map[ruleKey]Rule),
		tables:   make(map[string]*TableMapping),
		services: make(map[string]ServiceConfig),
		sync:     make(map[string]SyncConfig),
		log:      log,
	}

	tablePaths, err := src.List(ctx, "tables")
	if err != nil {
		return nil, err
	}
	for _, p := range tablePaths {
		data, err := src.Read(ctx, p)
		if err != nil {
			return nil, err
		}

		table := strings.TrimSuffix(path.Base(normalizePath(p)), ".json")
		tm, err := parseTableMapping(table, data)
		if err != nil {
			return nil, err
		}
		r.tables[table] = tm

		for service, endpoints := range tm.Services {
			for endpoint, fields := range endpoints {
				key := ruleKey{service: service, endpoint: endpoint}
				if prev, ok := r.rules[key]; ok {
					return nil, &ConfigError{
						Table:  table,
						Reason: fmt.Sprintf("endpoint %s/%s already mapped to table %s", service, endpoint, prev.Table),
					}
				}
				r.rules[key] = Rule{
					Service:  service,
					Endpoint: endpoint,
					Table:    table,
					SCDType:  tm.SCDType,
					Fields:   fields,
				}
			}
		}
	}

	if err := r.loadServiceConfigs(ctx, src); err != nil {
		return nil, err
	}
	if err := r.loadSyncConfigs(ctx, src); err != nil {
		return nil, err
	}

	log.Info("mapping registry loaded",
		zap.Int("tables", len(r.tables)),
		zap.Int("rules", len(r.rules)),
		zap.Int("services", len(r.services)))

	return r, nil
}

func (r *Resolver) loadServiceConfigs(ctx context.Context, src Source) error {
	paths, err := src.List(ctx, "services")
	if err != nil {
		return err
	}
	for _, p := range paths {
		data, err := src.Read(ctx, p)
		if err != nil {
			return err
		}
		var sc ServiceConfig
		if err := json.Unmarshal(data, &sc); err != nil {
			return &ConfigError{Reason: fmt.Sprintf("service config %s: %v", p, err)}
		}
		if sc.ServiceName == "" {
			return &ConfigError{Reason: fmt.Sprintf("service config %s: missing service_name", p)}
		}
		r.services[strings.ToLower(sc.ServiceName)] = sc
	}
	return nil
}

func (r *Resolver) loadSyncConfigs(ctx context.Context, src Source) error {
	paths, err := src.List(ctx, "sync")
	if err != nil {
		return err
	}
	for _, p := range paths {
		data, err := src.Read(ctx, p)
		if err != nil {
			return err
		}
		var sc SyncConfig
		if err := json.Unmarshal(data, &sc); err != nil {
			return &ConfigError{Reason: fmt.Sprintf("sync config %s: %v", p, err)}
		}
		if sc.ServiceName == "" {
			return &ConfigError{Reason: fmt.Sprintf("sync config %s: missing service_name", p)}
		}
		r.sync[strings.ToLower(sc.ServiceName)] = sc
	}
	return nil
}

// ResolveTable maps a source endpoint to its canonical table name.
// Service lookup is case-insensitive. An unmapped (service, endpoint)
// pair returns the endpoint unchanged: unrecognized endpoints are
// treated as already-canonical names so ad-hoc tables flow through
// without a mapping edit.
func (r *Resolver) ResolveTable(service, endpoint string) string {
	if rule, ok := r.Rule(service, endpoint); ok {
		return rule.Table
	}
	return endpoint
}

// Rule returns the typed mapping rule for (service, endpoint), if any.
func (r *Resolver) Rule(service, endpoint string) (Rule, bool) {
	rule, ok := r.rules[ruleKey{service: strings.ToLower(service), endpoint: endpoint}]
	return rule, ok
}

// Table returns the full mapping declaration for a canonical table.
func (r *Resolver) Table(name string) (*TableMapping, bool) {
	tm, ok := r.tables[name]
	return tm, ok
}

// DiscoverServices enumerates every service named by any loaded
// declaration, sorted.
func (r *Resolver) DiscoverServices() []string {
	seen := make(map[string]bool)
	for key := range r.rules {
		seen[key.service] = true
	}
	for name := range r.services {
		seen[name] = true
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DiscoverCanonicalTables enumerates every canonical table with a
// mapping declaration, sorted.
func (r *Resolver) DiscoverCanonicalTables() []string {
	out := make([]string, 0, len(r.tables))
	for name := range r.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ServiceConfig returns the declared service configuration, if any.
// Lookup is case-insensitive.
func (r *Resolver) ServiceConfig(service string) (ServiceConfig, bool) {
	sc, ok := r.services[strings.ToLower(service)]
	return sc, ok
}

// DefaultTables returns the declared default table list for a service,
// falling back to every table that has a mapping for the service.
func (r *Resolver) DefaultTables(service string) []string {
	if sc, ok := r.ServiceConfig(service); ok && len(sc.DefaultTables) > 0 {
		out := make([]string, len(sc.DefaultTables))
		copy(out, sc.DefaultTables)
		sort.Strings(out)
		return out
	}

	lower := strings.ToLower(service)
	seen := make(map[string]bool)
	for key, rule := range r.rules {
		if key.service == lower {
			seen[rule.Table] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// EndpointSync returns sync settings for a service endpoint, if declared.
func (r *Resolver) EndpointSync(service, endpoint string) (EndpointSync, bool) {
	sc, ok := r.sync[strings.ToLower(service)]
	if !ok {
		return EndpointSync{}, false
	}
	es, ok := sc.Endpoints[endpoint]
	return es, ok
}

// ApplyFieldMap renames a raw source record's fields per the rule's
// field map. Source fields absent from the map are dropped: canonical
// tables carry only declared fields.
func ApplyFieldMap(rule Rule, raw map[string]any) map[string]any {
	out := make(map[string]any, len(rule.Fields))
	for src, canonical := range rule.Fields {
		if v, ok := raw[src]; ok {
			out[canonical] = v
		}
	}
	return out
}

// normalizePath converts OS path separators so DirSource paths and
// MemSource keys index identically.
func normalizePath(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
