package quality

import (
	"context"
	"errors"
)

// ErrTableNotFound is returned when a table FQN is not catalogued.
var ErrTableNotFound = errors.New("table not found")

// Catalog persists tables, rule definitions, suites, test cases and results.
// Upserts are keyed by name (definitions, suites) or fully qualified name
// (tables, test cases) and fill in ID and UpdatedAt on the passed entity.
type Catalog interface {
	UpsertTestDefinition(ctx context.Context, d *RuleDefinition) error
	ListTestDefinitions(ctx context.Context) ([]*RuleDefinition, error)

	UpsertTable(ctx context.Context, t *Table) error
	GetTableByFQN(ctx context.Context, fqn string) (*Table, error)
	ListTables(ctx context.Context) ([]*Table, error)

	UpsertTestSuite(ctx context.Context, s *TestSuite) error
	UpsertTestCase(ctx context.Context, tc *TestCase) error

	SaveResults(ctx context.Context, results []*StoredResult) error
	ListResults(ctx context.Context, suite string, limit, offset int) ([]*StoredResult, int, error)
}
