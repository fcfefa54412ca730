package mapping

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func testSource() MemSource {
	return MemSource{
		"tables/tickets.json": []byte(`{
			"scd_type": "type_2",
			"connectwise": {
				"service/tickets": {"id": "id", "summary": "summary", "status": "status", "lastUpdated": "last_updated"}
			},
			"autotask": {
				"Tickets": {"id": "id", "title": "summary", "status": "status"}
			}
		}`),
		"tables/companies.json": []byte(`{
			"scd_type": "type_1",
			"connectwise": {
				"company/companies": {"id": "id", "name": "company_name"}
			}
		}`),
		"services/connectwise.json": []byte(`{
			"service_name": "ConnectWise",
			"credential_fields": ["company_id", "public_key", "private_key"],
			"default_tables": ["tickets", "companies"]
		}`),
		"sync/connectwise.json": []byte(`{
			"service_name": "connectwise",
			"endpoints": {
				"service/tickets": {"cadence_minutes": 15, "page_size": 1000}
			}
		}`),
	}
}

func loadTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := Load(context.Background(), testSource(), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return r
}

func TestResolveTable(t *testing.T) {
	r := loadTestResolver(t)

	if got := r.ResolveTable("connectwise", "service/tickets"); got != "tickets" {
		t.Errorf("ResolveTable(connectwise, service/tickets) = %q, want tickets", got)
	}
	if got := r.ResolveTable("connectwise", "company/companies"); got != "companies" {
		t.Errorf("ResolveTable(connectwise, company/companies) = %q, want companies", got)
	}
	if got := r.ResolveTable("autotask", "Tickets"); got != "tickets" {
		t.Errorf("ResolveTable(autotask, Tickets) = %q, want tickets", got)
	}
}

func TestResolveTableCaseInsensitiveService(t *testing.T) {
	r := loadTestResolver(t)

	if got := r.ResolveTable("ConnectWise", "service/tickets"); got != "tickets" {
		t.Errorf("ResolveTable(ConnectWise, ...) = %q, want tickets", got)
	}
	if got := r.ResolveTable("CONNECTWISE", "service/tickets"); got != "tickets" {
		t.Errorf("ResolveTable(CONNECTWISE, ...) = %q, want tickets", got)
	}
}

func TestResolveTablePassThrough(t *testing.T) {
	r := loadTestResolver(t)

	// An unmapped endpoint is treated as an already-canonical name.
	if got := r.ResolveTable("connectwise", "invoices"); got != "invoices" {
		t.Errorf("ResolveTable(connectwise, invoices) = %q, want invoices", got)
	}
	if got := r.ResolveTable("unknown_service", "tickets"); got != "tickets" {
		t.Errorf("ResolveTable(unknown_service, tickets) = %q, want tickets", got)
	}
}

func TestLoadRejectsDuplicateEndpoint(t *testing.T) {
	src := testSource()
	src["tables/incidents.json"] = []byte(`{
		"scd_type": "type_2",
		"connectwise": {
			"service/tickets": {"id": "id"}
		}
	}`)

	_, err := Load(context.Background(), src, nil)
	if err == nil {
		t.Fatal("expected error for duplicate endpoint mapping, got nil")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error type = %T, want *ConfigError", err)
	}
}

func TestLoadRejectsMissingSCDType(t *testing.T) {
	src := MemSource{
		"tables/tickets.json": []byte(`{"connectwise": {"service/tickets": {"id": "id"}}}`),
	}
	_, err := Load(context.Background(), src, nil)
	if err == nil {
		t.Fatal("expected error for missing scd_type, got nil")
	}
}

func TestLoadRejectsInvalidSCDType(t *testing.T) {
	src := MemSource{
		"tables/tickets.json": []byte(`{"scd_type": "type_3", "connectwise": {"service/tickets": {"id": "id"}}}`),
	}
	_, err := Load(context.Background(), src, nil)
	if err == nil {
		t.Fatal("expected error for invalid scd_type, got nil")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error type = %T, want *ConfigError", err)
	}
	if cfgErr.Table != "tickets" {
		t.Errorf("ConfigError.Table = %q, want tickets", cfgErr.Table)
	}
}

func TestDiscoverServices(t *testing.T) {
	r := loadTestResolver(t)

	want := []string{"autotask", "connectwise"}
	if got := r.DiscoverServices(); !reflect.DeepEqual(got, want) {
		t.Errorf("DiscoverServices() = %v, want %v", got, want)
	}
}

func TestDiscoverCanonicalTables(t *testing.T) {
	r := loadTestResolver(t)

	want := []string{"companies", "tickets"}
	if got := r.DiscoverCanonicalTables(); !reflect.DeepEqual(got, want) {
		t.Errorf("DiscoverCanonicalTables() = %v, want %v", got, want)
	}
}

func TestDefaultTables(t *testing.T) {
	r := loadTestResolver(t)

	// Declared list in the service config.
	want := []string{"companies", "tickets"}
	if got := r.DefaultTables("connectwise"); !reflect.DeepEqual(got, want) {
		t.Errorf("DefaultTables(connectwise) = %v, want %v", got, want)
	}

	// No service config: derived from the mapping rules.
	want = []string{"tickets"}
	if got := r.DefaultTables("autotask"); !reflect.DeepEqual(got, want) {
		t.Errorf("DefaultTables(autotask) = %v, want %v", got, want)
	}
}

func TestEndpointSync(t *testing.T) {
	r := loadTestResolver(t)

	es, ok := r.EndpointSync("connectwise", "service/tickets")
	if !ok {
		t.Fatal("EndpointSync(connectwise, service/tickets) not found")
	}
	if es.CadenceMinutes != 15 || es.PageSize != 1000 {
		t.Errorf("EndpointSync = %+v, want cadence 15, page size 1000", es)
	}

	if _, ok := r.EndpointSync("connectwise", "company/companies"); ok {
		t.Error("EndpointSync for undeclared endpoint should not be found")
	}
}

func TestApplyFieldMap(t *testing.T) {
	r := loadTestResolver(t)

	rule, ok := r.Rule("connectwise", "service/tickets")
	if !ok {
		t.Fatal("rule for connectwise service/tickets not found")
	}

	raw := map[string]any{
		"id":          1234,
		"summary":     "printer on fire",
		"status":      "Open",
		"lastUpdated": "2026-08-01T12:00:00Z",
		"board":       "Service Desk", // unmapped, must be dropped
	}

	got := ApplyFieldMap(rule, raw)
	want := map[string]any{
		"id":           1234,
		"summary":      "printer on fire",
		"status":       "Open",
		"last_updated": "2026-08-01T12:00:00Z",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ApplyFieldMap = %v, want %v", got, want)
	}
}

func TestRuleCarriesSCDType(t *testing.T) {
	r := loadTestResolver(t)

	rule, ok := r.Rule("connectwise", "service/tickets")
	if !ok {
		t.Fatal("rule not found")
	}
	if rule.SCDType != SCDType2 {
		t.Errorf("rule.SCDType = %q, want %q", rule.SCDType, SCDType2)
	}
	if rule.Table != "tickets" {
		t.Errorf("rule.Table = %q, want tickets", rule.Table)
	}

	rule, ok = r.Rule("connectwise", "company/companies")
	if !ok {
		t.Fatal("companies rule not found")
	}
	if rule.SCDType != SCDType1 {
		t.Errorf("rule.SCDType = %q, want %q", rule.SCDType, SCDType1)
	}
}

func TestServiceConfig(t *testing.T) {
	r := loadTestResolver(t)

	sc, ok := r.ServiceConfig("ConnectWise")
	if !ok {
		t.Fatal("ServiceConfig(ConnectWise) not found")
	}
	if sc.ServiceName != "ConnectWise" {
		t.Errorf("ServiceName = %q, want ConnectWise", sc.ServiceName)
	}
	wantCreds := []string{"company_id", "public_key", "private_key"}
	if !reflect.DeepEqual(sc.CredentialFields, wantCreds) {
		t.Errorf("CredentialFields = %v, want %v", sc.CredentialFields, wantCreds)
	}
}
