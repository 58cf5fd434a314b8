// Package sqlite is the embedded backend used for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"reportetl/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// SQLite has no schemas; each name in Config.Schemas becomes an attached
// database so "stage"."t" resolves the same way it does on Postgres. Attached
// databases are per connection, so the pool is pinned to one connection and
// concurrent loads serialize on it.
//
// Dates are stored as "2006-01-02" text and timestamps as "2006-01-02 15:04:05",
// which is what SQLite's date functions expect.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens cfg.DSN, attaches cfg.Schemas and pings.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, schema := range cfg.Schemas {
		if schema == "" || strings.EqualFold(schema, "main") {
			continue
		}
		stmt := fmt.Sprintf("ATTACH DATABASE %s AS %s", sqlString(attachPath(cfg.DSN, schema)), sqlIdent(schema))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: attach schema %s: %w", schema, err)
		}
	}
	return &Repo{db: db}, nil
}

// attachPath places schema databases next to the main file, or in memory
// when the main database is in memory.
func attachPath(dsn, schema string) string {
	if dsn == "" || strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		return ":memory:"
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + schema + ext
}

func (r *Repo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *Repo) Close() { _ = r.db.Close() }

// Exec runs every statement in script.
func (r *Repo) Exec(ctx context.Context, script string) error {
	if _, err := r.db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("sqlite: exec script: %w", err)
	}
	return nil
}

// Load implements storage.Repository.
func (r *Repo) Load(ctx context.Context, ref storage.TableRef, f *storage.Frame, mode storage.Mode) (int64, error) {
	if err := f.Validate(); err != nil {
		return 0, fmt.Errorf("sqlite: load %s: %w", ref, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing map[string]storage.ColumnType
	if mode == storage.Replace {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+tableIdent(ref)); err != nil {
			return 0, fmt.Errorf("sqlite: drop %s: %w", ref, err)
		}
	} else if existing, err = columnTypes(ctx, tx, ref); err != nil {
		return 0, err
	}

	if existing == nil {
		if _, err := tx.ExecContext(ctx, createTableSQL(ref, f.Columns, f.Types)); err != nil {
			return 0, fmt.Errorf("sqlite: create %s: %w", ref, err)
		}
	}

	types, err := storage.TargetTypes(f, existing)
	if err != nil {
		return 0, fmt.Errorf("sqlite: load %s: %w", ref, err)
	}
	rows, err := storage.ConvertRows(f, types)
	if err != nil {
		return 0, fmt.Errorf("sqlite: load %s: %w", ref, err)
	}

	stmt, err := tx.PrepareContext(ctx, insertSQL(ref, f.Columns))
	if err != nil {
		return 0, fmt.Errorf("sqlite: prepare insert %s: %w", ref, err)
	}
	defer stmt.Close()

	var n int64
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, encodeRow(row, types)...); err != nil {
			return n, fmt.Errorf("sqlite: insert into %s: %w", ref, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit %s: %w", ref, err)
	}
	return n, nil
}

func columnTypes(ctx context.Context, tx *sql.Tx, ref storage.TableRef) (map[string]storage.ColumnType, error) {
	q := "PRAGMA table_info(" + sqlIdent(ref.Name) + ")"
	if ref.Schema != "" {
		q = "PRAGMA " + sqlIdent(ref.Schema) + ".table_info(" + sqlIdent(ref.Name) + ")"
	}
	rows, err := tx.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite: describe %s: %w", ref, err)
	}
	defer rows.Close()

	var out map[string]storage.ColumnType
	for rows.Next() {
		var (
			cid     int
			name    string
			declTyp string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &declTyp, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("sqlite: describe %s: %w", ref, err)
		}
		if out == nil {
			out = make(map[string]storage.ColumnType)
		}
		out[strings.ToLower(name)] = typeFromDecl(declTyp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: describe %s: %w", ref, err)
	}
	return out, nil
}

// encodeRow formats time values for their column type; everything else passes through.
func encodeRow(row []any, types []storage.ColumnType) []any {
	out := make([]any, len(row))
	for i, v := range row {
		if tm, ok := v.(time.Time); ok {
			if types[i] == storage.TypeDate {
				out[i] = tm.Format("2006-01-02")
			} else {
				out[i] = tm.Format("2006-01-02 15:04:05")
			}
			continue
		}
		out[i] = v
	}
	return out
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func sqlString(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

func tableIdent(ref storage.TableRef) string {
	if ref.Schema == "" {
		return sqlIdent(ref.Name)
	}
	return sqlIdent(ref.Schema) + "." + sqlIdent(ref.Name)
}

func createTableSQL(ref storage.TableRef, columns []string, types []storage.ColumnType) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		t := storage.TypeText
		if i < len(types) {
			t = types[i]
		}
		defs[i] = sqlIdent(c) + " " + declType(t)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", tableIdent(ref), strings.Join(defs, ", "))
}

func insertSQL(ref storage.TableRef, columns []string) string {
	cols := make([]string, len(columns))
	ph := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = sqlIdent(c)
		ph[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", tableIdent(ref), strings.Join(cols, ", "), strings.Join(ph, ", "))
}

func declType(t storage.ColumnType) string {
	switch t {
	case storage.TypeInteger:
		return "INTEGER"
	case storage.TypeFloat:
		return "REAL"
	case storage.TypeBoolean:
		return "BOOLEAN"
	case storage.TypeDate:
		return "DATE"
	case storage.TypeTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func typeFromDecl(decl string) storage.ColumnType {
	d := strings.ToUpper(decl)
	switch {
	case strings.Contains(d, "BOOL"):
		return storage.TypeBoolean
	case strings.Contains(d, "INT"):
		return storage.TypeInteger
	case strings.Contains(d, "TIMESTAMP") || strings.Contains(d, "DATETIME"):
		return storage.TypeTimestamp
	case strings.Contains(d, "DATE"):
		return storage.TypeDate
	case strings.Contains(d, "REAL") || strings.Contains(d, "FLOA") || strings.Contains(d, "DOUB") ||
		strings.Contains(d, "NUMERIC") || strings.Contains(d, "DECIMAL"):
		return storage.TypeFloat
	default:
		return storage.TypeText
	}
}
