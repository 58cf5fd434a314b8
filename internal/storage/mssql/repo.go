// Package mssql is the SQL Server backend.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"reportetl/internal/storage"
)

// maxParams stays under SQL Server's 2100 parameters per request.
const maxParams = 2000

// Repo implements storage.Repository for Microsoft SQL Server.
// Inserts are multi-row VALUES batches with @pN parameters inside one transaction.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlserver", New)
}

// New opens cfg.DSN with the "sqlserver" driver and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(16)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newRepo(db), nil
}

func newRepo(db *sql.DB) *Repo { return &Repo{db: db} }

func (r *Repo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// Exec sends script as one batch. Scripts must not contain GO separators.
func (r *Repo) Exec(ctx context.Context, script string) error {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("mssql: acquire: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("mssql: exec script: %w", err)
	}
	return nil
}

// Load implements storage.Repository.
func (r *Repo) Load(ctx context.Context, ref storage.TableRef, f *storage.Frame, mode storage.Mode) (int64, error) {
	if err := f.Validate(); err != nil {
		return 0, fmt.Errorf("mssql: load %s: %w", ref, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mssql: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing map[string]storage.ColumnType
	if mode == storage.Replace {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+tableIdent(ref)); err != nil {
			return 0, fmt.Errorf("mssql: drop %s: %w", ref, err)
		}
	} else if existing, err = columnTypes(ctx, tx, ref); err != nil {
		return 0, err
	}

	if existing == nil {
		for _, stmt := range createTableSQL(ref, f.Columns, f.Types) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return 0, fmt.Errorf("mssql: create %s: %w", ref, err)
			}
		}
	}

	types, err := storage.TargetTypes(f, existing)
	if err != nil {
		return 0, fmt.Errorf("mssql: load %s: %w", ref, err)
	}
	rows, err := storage.ConvertRows(f, types)
	if err != nil {
		return 0, fmt.Errorf("mssql: load %s: %w", ref, err)
	}

	var n int64
	for _, batch := range batches(rows, len(f.Columns)) {
		q, args := buildBulkInsertSQL(ref, f.Columns, batch)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("mssql: insert into %s: %w", ref, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			affected = int64(len(batch))
		}
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mssql: commit %s: %w", ref, err)
	}
	return n, nil
}

const describeSQL = `SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2 ORDER BY ORDINAL_POSITION`

func columnTypes(ctx context.Context, tx *sql.Tx, ref storage.TableRef) (map[string]storage.ColumnType, error) {
	schema := ref.Schema
	if schema == "" {
		schema = "dbo"
	}
	rows, err := tx.QueryContext(ctx, describeSQL, schema, ref.Name)
	if err != nil {
		return nil, fmt.Errorf("mssql: describe %s: %w", ref, err)
	}
	defer rows.Close()

	var out map[string]storage.ColumnType
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, fmt.Errorf("mssql: describe %s: %w", ref, err)
		}
		if out == nil {
			out = make(map[string]storage.ColumnType)
		}
		out[strings.ToLower(name)] = typeFromMSSQL(dataType)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mssql: describe %s: %w", ref, err)
	}
	return out, nil
}

// batches splits rows so each INSERT stays under maxParams parameters.
func batches(rows [][]any, cols int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	per := maxParams / cols
	if per < 1 {
		per = 1
	}
	// SQL Server also caps a VALUES list at 1000 rows.
	if per > 1000 {
		per = 1000
	}
	out := make([][][]any, 0, (len(rows)+per-1)/per)
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}

func buildBulkInsertSQL(ref storage.TableRef, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(tableIdent(ref))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			p++
			args = append(args, row[j])
		}
		b.WriteString(")")
	}
	return b.String(), args
}

func createTableSQL(ref storage.TableRef, columns []string, types []storage.ColumnType) []string {
	var stmts []string
	if ref.Schema != "" && !strings.EqualFold(ref.Schema, "dbo") {
		stmts = append(stmts, fmt.Sprintf("IF SCHEMA_ID(N'%s') IS NULL EXEC('CREATE SCHEMA %s')",
			strings.ReplaceAll(ref.Schema, "'", "''"), strings.ReplaceAll(mssqlIdent(ref.Schema), "'", "''")))
	}

	defs := make([]string, len(columns))
	for i, c := range columns {
		t := storage.TypeText
		if i < len(types) {
			t = types[i]
		}
		defs[i] = mssqlIdent(c) + " " + mssqlType(t) + " NULL"
	}
	stmts = append(stmts, fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)",
		strings.ReplaceAll(tableIdent(ref), "'", "''"), tableIdent(ref), strings.Join(defs, ", ")))
	return stmts
}

func mssqlType(t storage.ColumnType) string {
	switch t {
	case storage.TypeInteger:
		return "BIGINT"
	case storage.TypeFloat:
		return "FLOAT"
	case storage.TypeBoolean:
		return "BIT"
	case storage.TypeDate:
		return "DATE"
	case storage.TypeTimestamp:
		return "DATETIME2"
	default:
		return "NVARCHAR(MAX)"
	}
}

func typeFromMSSQL(dataType string) storage.ColumnType {
	switch strings.ToLower(dataType) {
	case "bigint", "int", "smallint", "tinyint":
		return storage.TypeInteger
	case "float", "real", "decimal", "numeric", "money", "smallmoney":
		return storage.TypeFloat
	case "bit":
		return storage.TypeBoolean
	case "date":
		return storage.TypeDate
	case "datetime", "datetime2", "smalldatetime", "datetimeoffset":
		return storage.TypeTimestamp
	default:
		return storage.TypeText
	}
}

func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func tableIdent(ref storage.TableRef) string {
	if ref.Schema == "" {
		return mssqlIdent(ref.Name)
	}
	return mssqlIdent(ref.Schema) + "." + mssqlIdent(ref.Name)
}
