// Package postgres is the PostgreSQL staging/mart backend built on pgxpool.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reportetl/internal/storage"
)

// Repo implements storage.Repository for PostgreSQL.
//
// Staging loads use COPY inside a transaction. Scripts run on one pooled
// connection with no arguments, so pgx sends them over the simple protocol and
// multi-statement SQL files work unchanged.
type Repo struct {
	pool *pgxpool.Pool
}

// New opens a pool for cfg.DSN and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Repo{pool: pool}, nil
}

func (r *Repo) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

func (r *Repo) Close() { r.pool.Close() }

// Exec runs script on a single acquired connection.
func (r *Repo) Exec(ctx context.Context, script string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("postgres: acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, script); err != nil {
		return fmt.Errorf("postgres: exec script: %w", err)
	}
	return nil
}

// Load implements storage.Repository.
func (r *Repo) Load(ctx context.Context, ref storage.TableRef, f *storage.Frame, mode storage.Mode) (int64, error) {
	if err := f.Validate(); err != nil {
		return 0, fmt.Errorf("postgres: load %s: %w", ref, err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing map[string]storage.ColumnType
	if mode == storage.Replace {
		if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+ident(ref)); err != nil {
			return 0, fmt.Errorf("postgres: drop %s: %w", ref, err)
		}
	} else {
		existing, err = columnTypes(ctx, tx, ref)
		if err != nil {
			return 0, err
		}
	}

	if existing == nil {
		for _, stmt := range createTableSQL(ref, f.Columns, f.Types) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return 0, fmt.Errorf("postgres: create %s: %w", ref, err)
			}
		}
	}

	types, err := storage.TargetTypes(f, existing)
	if err != nil {
		return 0, fmt.Errorf("postgres: load %s: %w", ref, err)
	}
	rows, err := storage.ConvertRows(f, types)
	if err != nil {
		return 0, fmt.Errorf("postgres: load %s: %w", ref, err)
	}

	n, err := tx.CopyFrom(ctx, identifier(ref), f.Columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("postgres: copy into %s: %w", ref, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit %s: %w", ref, err)
	}
	return n, nil
}

// columnTypes returns the existing table's column types keyed by lower-cased
// name, or nil when the table does not exist.
func columnTypes(ctx context.Context, tx pgx.Tx, ref storage.TableRef) (map[string]storage.ColumnType, error) {
	schema := ref.Schema
	if schema == "" {
		schema = "public"
	}
	rows, err := tx.Query(ctx, `
SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`, schema, ref.Name)
	if err != nil {
		return nil, fmt.Errorf("postgres: describe %s: %w", ref, err)
	}
	defer rows.Close()

	var out map[string]storage.ColumnType
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, fmt.Errorf("postgres: describe %s: %w", ref, err)
		}
		if out == nil {
			out = make(map[string]storage.ColumnType)
		}
		out[strings.ToLower(name)] = typeFromPG(dataType)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: describe %s: %w", ref, err)
	}
	return out, nil
}

func identifier(ref storage.TableRef) pgx.Identifier {
	if ref.Schema == "" {
		return pgx.Identifier{ref.Name}
	}
	return pgx.Identifier{ref.Schema, ref.Name}
}

func ident(ref storage.TableRef) string { return identifier(ref).Sanitize() }

// createTableSQL returns the statements creating ref (and its schema).
func createTableSQL(ref storage.TableRef, columns []string, types []storage.ColumnType) []string {
	var stmts []string
	if ref.Schema != "" {
		stmts = append(stmts, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{ref.Schema}.Sanitize())
	}

	defs := make([]string, len(columns))
	for i, c := range columns {
		t := storage.TypeText
		if i < len(types) {
			t = types[i]
		}
		defs[i] = pgx.Identifier{c}.Sanitize() + " " + pgType(t)
	}
	stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", ident(ref), strings.Join(defs, ", ")))
	return stmts
}

func pgType(t storage.ColumnType) string {
	switch t {
	case storage.TypeInteger:
		return "bigint"
	case storage.TypeFloat:
		return "double precision"
	case storage.TypeBoolean:
		return "boolean"
	case storage.TypeDate:
		return "date"
	case storage.TypeTimestamp:
		return "timestamp"
	default:
		return "text"
	}
}

// typeFromPG maps information_schema.columns.data_type to a column type.
func typeFromPG(dataType string) storage.ColumnType {
	dt := strings.ToLower(dataType)
	switch {
	case dt == "bigint" || dt == "integer" || dt == "smallint":
		return storage.TypeInteger
	case dt == "double precision" || dt == "real" || dt == "numeric" || dt == "decimal":
		return storage.TypeFloat
	case dt == "boolean":
		return storage.TypeBoolean
	case dt == "date":
		return storage.TypeDate
	case strings.HasPrefix(dt, "timestamp"):
		return storage.TypeTimestamp
	default:
		return storage.TypeText
	}
}
