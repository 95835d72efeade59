package quality

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/quality/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// CatalogPG is the Postgres-backed Catalog.
type CatalogPG struct{ pool *pgxpool.Pool }

func NewCatalogPG(pool *pgxpool.Pool) *CatalogPG {
	return &CatalogPG{pool: pool}
}

func (r *CatalogPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *CatalogPG) UpsertTestDefinition(ctx context.Context, d *RuleDefinition) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO test_definition (id, name, display_name, description, entity_type, test_platforms,
			parameter_definition, fully_qualified_name)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (name) DO UPDATE SET display_name=EXCLUDED.display_name, description=EXCLUDED.description,
			entity_type=EXCLUDED.entity_type, test_platforms=EXCLUDED.test_platforms,
			parameter_definition=EXCLUDED.parameter_definition, fully_qualified_name=EXCLUDED.fully_qualified_name,
			updated_at=NOW()
		RETURNING id, updated_at`,
		d.ID, d.Name, d.DisplayName, d.Description, d.EntityType, d.TestPlatforms,
		d.ParameterDefinition, d.FullyQualifiedName,
	).Scan(&d.ID, &d.UpdatedAt)
}

const tdCols = `id, name, display_name, description, entity_type, test_platforms, parameter_definition,
	fully_qualified_name, updated_at`

func (r *CatalogPG) ListTestDefinitions(ctx context.Context) ([]*RuleDefinition, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+tdCols+` FROM test_definition ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*RuleDefinition
	for rows.Next() {
		var d RuleDefinition
		if err := rows.Scan(&d.ID, &d.Name, &d.DisplayName, &d.Description, &d.EntityType, &d.TestPlatforms,
			&d.ParameterDefinition, &d.FullyQualifiedName, &d.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, &d)
	}
	return items, rows.Err()
}

func (r *CatalogPG) UpsertTable(ctx context.Context, t *Table) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO catalog_table (id, name, display_name, fully_qualified_name, resource_type)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (fully_qualified_name) DO UPDATE SET name=EXCLUDED.name, display_name=EXCLUDED.display_name,
			resource_type=EXCLUDED.resource_type, updated_at=NOW()
		RETURNING id`,
		t.ID, t.Name, t.DisplayName, t.FullyQualifiedName, t.ResourceType,
	).Scan(&t.ID)
}

const tableCols = `id, name, display_name, fully_qualified_name, resource_type`

func scanTable(row pgx.Row) (*Table, error) {
	var t Table
	err := row.Scan(&t.ID, &t.Name, &t.DisplayName, &t.FullyQualifiedName, &t.ResourceType)
	return &t, err
}

func (r *CatalogPG) GetTableByFQN(ctx context.Context, fqn string) (*Table, error) {
	t, err := scanTable(r.conn(ctx).QueryRow(ctx,
		`SELECT `+tableCols+` FROM catalog_table WHERE fully_qualified_name = $1`, fqn))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, fqn)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *CatalogPG) ListTables(ctx context.Context) ([]*Table, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+tableCols+` FROM catalog_table ORDER BY fully_qualified_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Table
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *CatalogPG) UpsertTestSuite(ctx context.Context, s *TestSuite) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO test_suite (id, name, display_name, description, executable, table_id, fully_qualified_name)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (name) DO UPDATE SET display_name=EXCLUDED.display_name, description=EXCLUDED.description,
			executable=EXCLUDED.executable, table_id=EXCLUDED.table_id,
			fully_qualified_name=EXCLUDED.fully_qualified_name, updated_at=NOW()
		RETURNING id, updated_at`,
		s.ID, s.Name, s.DisplayName, s.Description, s.Executable, s.TableID, s.FullyQualifiedName,
	).Scan(&s.ID, &s.UpdatedAt)
}

func (r *CatalogPG) UpsertTestCase(ctx context.Context, tc *TestCase) error {
	if tc.ID == uuid.Nil {
		tc.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO test_case (id, name, display_name, description, test_definition, entity_link, test_suite,
			parameter_values, fully_qualified_name)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (fully_qualified_name) DO UPDATE SET name=EXCLUDED.name, display_name=EXCLUDED.display_name,
			description=EXCLUDED.description, test_definition=EXCLUDED.test_definition,
			entity_link=EXCLUDED.entity_link, test_suite=EXCLUDED.test_suite,
			parameter_values=EXCLUDED.parameter_values, updated_at=NOW()
		RETURNING id, updated_at`,
		tc.ID, tc.Name, tc.DisplayName, tc.Description, tc.TestDefinition, tc.EntityLink, tc.TestSuite,
		tc.ParameterValues, tc.FullyQualifiedName,
	).Scan(&tc.ID, &tc.UpdatedAt)
}

// SaveResults inserts one run's results in a single transaction.
func (r *CatalogPG) SaveResults(ctx context.Context, results []*StoredResult) error {
	if len(results) == 0 {
		return nil
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, res := range results {
			if res.ID == uuid.Nil {
				res.ID = uuid.New()
			}
			batch.Queue(`
				INSERT INTO test_case_result (id, run_id, test_suite, resource_type, result_key, rule, document_id,
					status, message, error_kind, evaluated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
				res.ID, res.RunID, res.TestSuite, res.ResourceType, res.Key, res.Rule, res.DocumentID,
				string(res.Result.Status), res.Result.Message, string(res.Result.ErrorKind), res.Result.Timestamp)
		}

		br := r.conn(ctx).SendBatch(ctx, batch)
		for i := range results {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("insert result %s: %w", results[i].Key, err)
			}
		}
		return br.Close()
	})
}

const resultCols = `id, run_id, test_suite, resource_type, result_key, rule, document_id, status, message,
	error_kind, evaluated_at, created_at`

func (r *CatalogPG) ListResults(ctx context.Context, suite string, limit, offset int) ([]*StoredResult, int, error) {
	query := `SELECT ` + resultCols + ` FROM test_case_result WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM test_case_result WHERE 1=1`
	var args []interface{}
	idx := 1

	if suite != "" {
		query += fmt.Sprintf(` AND test_suite = $%d`, idx)
		countQuery += fmt.Sprintf(` AND test_suite = $%d`, idx)
		args = append(args, suite)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC, seq LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*StoredResult
	for rows.Next() {
		var s StoredResult
		var status, kind string
		if err := rows.Scan(&s.ID, &s.RunID, &s.TestSuite, &s.ResourceType, &s.Key, &s.Rule, &s.DocumentID,
			&status, &s.Result.Message, &kind, &s.Result.Timestamp, &s.CreatedAt); err != nil {
			return nil, 0, err
		}
		s.Result.Status = Status(status)
		s.Result.ErrorKind = ErrorKind(kind)
		items = append(items, &s)
	}
	return items, total, rows.Err()
}
