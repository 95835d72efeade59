//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/quality/internal/domain/quality"
	"github.com/ehr/quality/internal/platform/fhir"
)

func TestCatalogPG_Definitions(t *testing.T) {
	ctx := context.Background()
	repo := quality.NewCatalogPG(catalogSchema(t))

	for _, d := range quality.Definitions() {
		d := d
		if err := repo.UpsertTestDefinition(ctx, &d); err != nil {
			t.Fatalf("upsert %s: %v", d.Name, err)
		}
		if d.ID == uuid.Nil {
			t.Errorf("%s: expected ID to be set", d.Name)
		}
	}

	// Upserting again keeps the row identity.
	first, err := repo.ListTestDefinitions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	again := quality.Definitions()[0]
	if err := repo.UpsertTestDefinition(ctx, &again); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	second, err := repo.ListTestDefinitions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first) != 7 || len(second) != 7 {
		t.Fatalf("expected 7 definitions, got %d then %d", len(first), len(second))
	}
	byName := map[string]*quality.RuleDefinition{}
	for _, d := range first {
		byName[d.Name] = d
	}
	if byName[again.Name].ID != again.ID {
		t.Errorf("expected upsert to keep id %s, got %s", byName[again.Name].ID, again.ID)
	}
	if p := byName[quality.RuleCodingStandards].ParameterDefinition; len(p) != 1 || p[0].Name != quality.ParamFieldName {
		t.Errorf("parameter definition did not round-trip: %+v", p)
	}
}

func TestCatalogPG_Tables(t *testing.T) {
	ctx := context.Background()
	repo := quality.NewCatalogPG(catalogSchema(t))

	if _, err := repo.GetTableByFQN(ctx, "missing.table"); !errors.Is(err, quality.ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}

	tbl := &quality.Table{Name: "patient", FullyQualifiedName: "epic.fhir.r4.patient", ResourceType: "Patient"}
	if err := repo.UpsertTable(ctx, tbl); err != nil {
		t.Fatalf("upsert table: %v", err)
	}

	got, err := repo.GetTableByFQN(ctx, "epic.fhir.r4.patient")
	if err != nil {
		t.Fatalf("get table: %v", err)
	}
	if got.ID != tbl.ID || got.ResourceType != "Patient" {
		t.Errorf("unexpected table %+v", got)
	}

	tables, err := repo.ListTables(ctx)
	if err != nil || len(tables) != 1 {
		t.Fatalf("expected one table, got %d (%v)", len(tables), err)
	}
}

// fhirServer serves a fixed searchset for every type-level request.
func fhirServer(t *testing.T, total int, resources ...map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entries := make([]map[string]interface{}, 0, len(resources))
		if r.URL.Query().Get("_summary") != "count" {
			for _, res := range resources {
				entries = append(entries, map[string]interface{}{"resource": res})
			}
		}
		w.Header().Set("Content-Type", "application/fhir+json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"resourceType": "Bundle",
			"type":         "searchset",
			"total":        total,
			"entry":        entries,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func patient(id string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"id":           id,
		"identifier": []interface{}{map[string]interface{}{
			"system": "urn:oid:1.2.36.146.595.217.0.1",
			"value":  "MRN-" + id,
			"type": map[string]interface{}{"coding": []interface{}{map[string]interface{}{
				"system": "http://terminology.hl7.org/CodeSystem/v2-0203",
				"code":   "MR",
			}}},
		}},
		"name":      []interface{}{map[string]interface{}{"family": "Doe"}},
		"telecom":   []interface{}{map[string]interface{}{"system": "phone", "value": "555-0100"}},
		"address":   []interface{}{map[string]interface{}{"city": "Springfield"}},
		"birthDate": "1980-01-01",
	}
}

func TestRunner_RunPersistsResults(t *testing.T) {
	ctx := context.Background()
	repo := quality.NewCatalogPG(catalogSchema(t))

	srv := fhirServer(t, 120, patient("p1"), patient("p2"))
	client, err := fhir.NewClient(fhir.ClientConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	runner := quality.NewRunner(repo, client, zerolog.Nop(), nil, quality.RunnerConfig{})
	if err := runner.RegisterTable(ctx, &quality.Table{
		Name:               "patient",
		FullyQualifiedName: "epic.fhir.r4.patient",
		ResourceType:       "Patient",
	}); err != nil {
		t.Fatalf("register table: %v", err)
	}

	outcome := runner.Run(ctx, "epic.fhir.r4.patient", "Patient")
	if !outcome.OK() {
		t.Fatalf("run failed: %v", outcome.Err)
	}
	rep := outcome.Report
	if rep.Population == nil || *rep.Population != 120 {
		t.Errorf("expected population 120, got %v", rep.Population)
	}
	if rep.Counts.Total != 8 || rep.Counts.Success != 8 {
		t.Errorf("expected 8 passing results, got %+v\n%s", rep.Counts, rep.Report)
	}
	if len(rep.TestCases) != 4 {
		t.Errorf("expected 4 test cases, got %v", rep.TestCases)
	}

	stored, total, err := repo.ListResults(ctx, rep.TestSuite, 5, 0)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if total != 8 || len(stored) != 5 {
		t.Fatalf("expected page of 5 of 8, got %d of %d", len(stored), total)
	}
	if stored[0].RunID != rep.RunID || stored[0].Key != rep.Results[0].Key {
		t.Errorf("expected results in evaluation order, got %+v", stored[0])
	}

	// A second run upserts the same suite and test cases.
	if again := runner.Run(ctx, "epic.fhir.r4.patient", "Patient"); !again.OK() {
		t.Fatalf("second run failed: %v", again.Err)
	}
	if _, total, _ := repo.ListResults(ctx, rep.TestSuite, 1, 0); total != 16 {
		t.Errorf("expected 16 stored results after two runs, got %d", total)
	}
}

func TestRunner_UnknownTable(t *testing.T) {
	repo := quality.NewCatalogPG(catalogSchema(t))
	srv := fhirServer(t, 0)
	client, err := fhir.NewClient(fhir.ClientConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	runner := quality.NewRunner(repo, client, zerolog.Nop(), nil, quality.RunnerConfig{})
	outcome := runner.Run(context.Background(), "missing.table", "Patient")
	if outcome.OK() || outcome.Err.Kind != quality.RunErrorCatalogSync {
		t.Fatalf("expected catalog_sync failure, got %+v", outcome)
	}
	if !errors.Is(outcome.Err, quality.ErrTableNotFound) {
		t.Errorf("expected ErrTableNotFound in chain, got %v", outcome.Err)
	}
}
