package quality

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/quality/internal/platform/fhir"
	"github.com/ehr/quality/pkg/pagination"
)

const (
	DefaultSampleSize = 10
	DefaultEvalLimit  = 3
)

// Sampler fetches documents from the upstream clinical data server.
type Sampler interface {
	Count(ctx context.Context, resourceType string) (int, error)
	Search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error)
}

// RunState holds what one run has registered: the definitions by name and
// the table's suite. Each run gets its own.
type RunState struct {
	Definitions map[string]*RuleDefinition
	Table       *Table
	Suite       *TestSuite
}

func NewRunState() *RunState {
	return &RunState{Definitions: make(map[string]*RuleDefinition)}
}

type RunErrorKind string

const (
	RunErrorUpstreamFetch RunErrorKind = "upstream_fetch"
	RunErrorCatalogSync   RunErrorKind = "catalog_sync"
)

// RunError is a table-level run failure.
type RunError struct {
	Kind  RunErrorKind `json:"kind"`
	Table string       `json:"table_fqn"`
	Err   error        `json:"-"`
}

func (e *RunError) Error() string {
	return fmt.Sprintf("quality run for %s (%s): %v", e.Table, e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// RunReport is the record of a successful table run.
type RunReport struct {
	RunID        uuid.UUID    `json:"run_id"`
	TableFQN     string       `json:"table_fqn"`
	ResourceType string       `json:"resource_type"`
	TestSuite    string       `json:"test_suite"`
	TestCases    []string     `json:"test_cases"`
	Population   *int         `json:"population,omitempty"`
	Results      ResultSet    `json:"results"`
	Counts       StatusCounts `json:"counts"`
	Report       string       `json:"report"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
}

// RunOutcome carries exactly one of Report or Err.
type RunOutcome struct {
	Report *RunReport
	Err    *RunError
}

func (o RunOutcome) OK() bool { return o.Err == nil }

// Target names a table and the resource type it holds.
type Target struct {
	TableFQN     string
	ResourceType string
}

type RunnerConfig struct {
	// SampleSize is how many documents are fetched per run.
	SampleSize int
	// EvalLimit is how many of the sampled documents per-document rules see.
	EvalLimit int
}

// Runner registers rule definitions, binds them to tables as test cases and
// evaluates them against sampled documents.
type Runner struct {
	catalog Catalog
	sampler Sampler
	logger  zerolog.Logger
	metrics *Metrics
	cfg     RunnerConfig
}

func NewRunner(catalog Catalog, sampler Sampler, logger zerolog.Logger, metrics *Metrics, cfg RunnerConfig) *Runner {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = DefaultSampleSize
	}
	if cfg.EvalLimit <= 0 {
		cfg.EvalLimit = DefaultEvalLimit
	}
	return &Runner{
		catalog: catalog,
		sampler: sampler,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
	}
}

// RegisterDefinitions upserts every rule definition and records it in st.
// Safe to repeat.
func (r *Runner) RegisterDefinitions(ctx context.Context, st *RunState) error {
	for _, d := range Definitions() {
		d := d
		if err := r.catalog.UpsertTestDefinition(ctx, &d); err != nil {
			return fmt.Errorf("register test definition %s: %w", d.Name, err)
		}
		st.Definitions[d.Name] = &d
		r.logger.Info().Str("definition", d.Name).Msg("registered test definition")
	}
	return nil
}

// SuiteName is the test suite name for a table.
func SuiteName(tableName string) string {
	return tableName + "_healthcare_quality"
}

// EntityLink is the catalog link to a table.
func EntityLink(tableFQN string) string {
	return fmt.Sprintf("<#E::table::%s>", tableFQN)
}

// CreateTestSuite upserts the suite of the table at tableFQN. It returns
// ErrTableNotFound when the table is not catalogued.
func (r *Runner) CreateTestSuite(ctx context.Context, st *RunState, tableFQN string) (*TestSuite, error) {
	table, err := r.catalog.GetTableByFQN(ctx, tableFQN)
	if err != nil {
		if errors.Is(err, ErrTableNotFound) {
			r.logger.Warn().Str("table", tableFQN).Msg("table not found")
		}
		return nil, err
	}

	name := SuiteName(table.Name)
	suite := &TestSuite{
		Name:               name,
		DisplayName:        "Healthcare Data Quality - " + table.DisplayNameOrName(),
		Description:        fmt.Sprintf("Healthcare-specific data quality tests for %s FHIR resource", table.Name),
		Executable:         true,
		TableID:            table.ID,
		FullyQualifiedName: name,
	}
	if err := r.catalog.UpsertTestSuite(ctx, suite); err != nil {
		return nil, fmt.Errorf("upsert test suite %s: %w", name, err)
	}

	st.Table = table
	st.Suite = suite
	r.logger.Info().Str("table", tableFQN).Str("suite", suite.FullyQualifiedName).Msg("created test suite")
	return suite, nil
}

// CreateTestCases binds the rules applicable to resourceType to the suite in
// st. Rules not registered in st are skipped.
func (r *Runner) CreateTestCases(ctx context.Context, st *RunState, tableFQN, resourceType string) ([]*TestCase, error) {
	if st.Suite == nil {
		return nil, errors.New("create test cases: test suite not created")
	}

	var cases []*TestCase
	for _, rule := range ApplicableRules(resourceType) {
		def, ok := st.Definitions[rule]
		if !ok {
			r.logger.Debug().Str("rule", rule).Msg("rule not registered, skipping test case")
			continue
		}

		name := fmt.Sprintf("%s_%s", resourceType, rule)
		tc := &TestCase{
			Name:               name,
			DisplayName:        fmt.Sprintf("%s for %s", rule, resourceType),
			Description:        fmt.Sprintf("Validates %s for %s FHIR resources", rule, resourceType),
			TestDefinition:     def.FullyQualifiedName,
			EntityLink:         EntityLink(tableFQN),
			TestSuite:          st.Suite.FullyQualifiedName,
			ParameterValues:    ParameterValues(rule, resourceType),
			FullyQualifiedName: tableFQN + "." + name,
		}
		if err := r.catalog.UpsertTestCase(ctx, tc); err != nil {
			return cases, fmt.Errorf("upsert test case %s: %w", name, err)
		}
		cases = append(cases, tc)
		r.logger.Info().Str("test_case", name).Msg("created test case")
	}
	return cases, nil
}

// Execute samples documents of resourceType and evaluates the rules of its
// execution plan. An empty sample yields an empty result set.
func (r *Runner) Execute(ctx context.Context, resourceType string) (ResultSet, error) {
	bundle, err := r.sampler.Search(ctx, resourceType, pagination.New(r.cfg.SampleSize, 0).Values())
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", resourceType, err)
	}

	docs := bundle.Resources()
	if len(docs) > r.cfg.SampleSize {
		docs = docs[:r.cfg.SampleSize]
	}
	results := ResultSet{}
	if len(docs) == 0 {
		r.logger.Warn().Str("resource_type", resourceType).Msg("no resources found for testing")
		return results, nil
	}

	record := func(rule, docID string, res RuleResult) {
		results.Add(rule, docID, res)
		r.metrics.ObserveResult(rule, res.Status)
		if res.Status == StatusAborted {
			r.logger.Warn().Str("rule", rule).Str("document", docID).
				Str("error_kind", string(res.ErrorKind)).Msg(res.Message)
		}
	}

	checks, sequence := executionPlan(resourceType)
	if sequence {
		record(RuleEncounterTransition, "", ValidateEncounterStatusTransitions(docs))
	}

	limit := r.cfg.EvalLimit
	if limit > len(docs) {
		limit = len(docs)
	}
	for i, doc := range docs[:limit] {
		id := doc.ID()
		if id == "" {
			id = MissingDocumentID(i)
		}
		for _, c := range checks {
			record(c.Rule, id, c.Evaluate(doc))
		}
	}
	return results, nil
}

// Run performs a full quality run for one table: registration, suite and
// test case sync, sampling, evaluation and result persistence. Failures are
// returned in the outcome rather than as an error.
func (r *Runner) Run(ctx context.Context, tableFQN, resourceType string) RunOutcome {
	started := timeNow()
	log := r.logger.With().Str("table", tableFQN).Str("resource_type", resourceType).Logger()

	fail := func(kind RunErrorKind, err error) RunOutcome {
		runErr := &RunError{Kind: kind, Table: tableFQN, Err: err}
		log.Error().Err(err).Str("kind", string(kind)).Msg("quality run failed")
		r.metrics.ObserveRun(string(kind), timeNow().Sub(started))
		return RunOutcome{Err: runErr}
	}

	st := NewRunState()
	if err := r.RegisterDefinitions(ctx, st); err != nil {
		return fail(RunErrorCatalogSync, err)
	}
	if _, err := r.CreateTestSuite(ctx, st, tableFQN); err != nil {
		return fail(RunErrorCatalogSync, fmt.Errorf("create test suite: %w", err))
	}
	cases, err := r.CreateTestCases(ctx, st, tableFQN, resourceType)
	if err != nil {
		return fail(RunErrorCatalogSync, err)
	}

	var population *int
	if n, err := r.sampler.Count(ctx, resourceType); err != nil {
		log.Warn().Err(err).Msg("count resources")
	} else {
		population = &n
	}

	results, err := r.Execute(ctx, resourceType)
	if err != nil {
		return fail(RunErrorUpstreamFetch, err)
	}

	runID := uuid.New()
	stored := make([]*StoredResult, 0, len(results))
	for _, e := range results {
		stored = append(stored, &StoredResult{
			RunID:        runID,
			TestSuite:    st.Suite.FullyQualifiedName,
			ResourceType: resourceType,
			Key:          e.Key,
			Rule:         e.Rule,
			DocumentID:   e.DocumentID,
			Result:       e.Result,
		})
	}
	if err := r.catalog.SaveResults(ctx, stored); err != nil {
		return fail(RunErrorCatalogSync, fmt.Errorf("save results: %w", err))
	}

	caseNames := make([]string, 0, len(cases))
	for _, tc := range cases {
		caseNames = append(caseNames, tc.FullyQualifiedName)
	}

	finished := timeNow()
	report := &RunReport{
		RunID:        runID,
		TableFQN:     tableFQN,
		ResourceType: resourceType,
		TestSuite:    st.Suite.FullyQualifiedName,
		TestCases:    caseNames,
		Population:   population,
		Results:      results,
		Counts:       results.Counts(),
		Report:       GenerateReport(results),
		StartedAt:    started,
		FinishedAt:   finished,
	}
	r.metrics.ObserveRun("success", finished.Sub(started))
	log.Info().
		Str("run_id", runID.String()).
		Int("total", report.Counts.Total).
		Int("failed", report.Counts.Failed).
		Int("aborted", report.Counts.Aborted).
		Msg("quality run complete")
	return RunOutcome{Report: report}
}

// RunAll runs every target in order. A failing table does not stop the
// others; cancellation of ctx does.
func (r *Runner) RunAll(ctx context.Context, targets []Target) []RunOutcome {
	outcomes := make([]RunOutcome, 0, len(targets))
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			r.logger.Warn().Err(err).Msg("quality runs cancelled")
			break
		}
		outcomes = append(outcomes, r.Run(ctx, t.TableFQN, t.ResourceType))
	}
	return outcomes
}

// CatalogTargets lists the catalogued tables that declare a resource type.
func (r *Runner) CatalogTargets(ctx context.Context) ([]Target, error) {
	tables, err := r.catalog.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var targets []Target
	for _, t := range tables {
		if t.ResourceType == "" {
			continue
		}
		targets = append(targets, Target{TableFQN: t.FullyQualifiedName, ResourceType: t.ResourceType})
	}
	return targets, nil
}

// Definitions lists the rule definitions held by the catalog.
func (r *Runner) Definitions(ctx context.Context) ([]*RuleDefinition, error) {
	return r.catalog.ListTestDefinitions(ctx)
}

// Results lists persisted results, newest run first.
func (r *Runner) Results(ctx context.Context, suite string, limit, offset int) ([]*StoredResult, int, error) {
	return r.catalog.ListResults(ctx, suite, limit, offset)
}

// RegisterTable catalogs a table so runs can target it.
func (r *Runner) RegisterTable(ctx context.Context, t *Table) error {
	if t.FullyQualifiedName == "" {
		return errors.New("table fully qualified name is required")
	}
	if t.Name == "" {
		return errors.New("table name is required")
	}
	if t.ResourceType != "" && !fhir.ValidResourceType(t.ResourceType) {
		return fmt.Errorf("invalid resource type: %s", t.ResourceType)
	}
	return r.catalog.UpsertTable(ctx, t)
}
