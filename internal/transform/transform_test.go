package transform

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportetl/internal/etlerr"
	"reportetl/internal/storage"
)

func TestRender(t *testing.T) {
	params := map[string]string{"mart_schema": "mart", "stage_schema": "stage", "report_date": "2024-03-01"}

	tests := []struct {
		name    string
		tmpl    string
		want    string
		wantErr bool
	}{
		{name: "plain", tmpl: "SELECT 1;", want: "SELECT 1;"},
		{
			name: "placeholders",
			tmpl: "INSERT INTO {mart_schema}.f SELECT * FROM {stage_schema}.s WHERE d = '{report_date}';",
			want: "INSERT INTO mart.f SELECT * FROM stage.s WHERE d = '2024-03-01';",
		},
		{name: "escapes", tmpl: "SELECT '{{x}}' FROM { mart_schema }.t", want: "SELECT '{x}' FROM mart.t"},
		{name: "unknown", tmpl: "SELECT {nope}", wantErr: true},
		{name: "unclosed", tmpl: "SELECT {mart_schema", wantErr: true},
		{name: "stray close", tmpl: "SELECT }", wantErr: true},
		{name: "empty", tmpl: "SELECT {}", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Render(tc.tmpl, params)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParams(t *testing.T) {
	p := Params("mart", "stage", time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC))
	assert.Equal(t, "2024-03-01", p[ParamReportDate])

	p = Params("mart", "stage", time.Time{})
	_, ok := p[ParamReportDate]
	assert.False(t, ok)
}

type execRepo struct {
	scripts []string
	err     error
}

func (r *execRepo) Ping(context.Context) error { return nil }
func (r *execRepo) Close()                     {}
func (r *execRepo) Load(context.Context, storage.TableRef, *storage.Frame, storage.Mode) (int64, error) {
	return 0, nil
}
func (r *execRepo) Exec(_ context.Context, s string) error {
	r.scripts = append(r.scripts, s)
	return r.err
}

func TestRunner_Run(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "update-fact-tables.sql")
	require.NoError(t, os.WriteFile(path, []byte("DELETE FROM {mart_schema}.f_sales WHERE d = '{report_date}';"), 0o600))

	repo := &execRepo{}
	r := &Runner{Repo: repo}
	params := Params("mart", "stage", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, r.Run(context.Background(), path, params))
	assert.Equal(t, []string{"DELETE FROM mart.f_sales WHERE d = '2024-03-01';"}, repo.scripts)

	err := r.Run(context.Background(), filepath.Join(dir, "missing.sql"), params)
	require.Error(t, err)
	assert.Equal(t, etlerr.KindUnknown, etlerr.KindOf(err))

	repo.err = errors.New("relation does not exist")
	err = r.Run(context.Background(), path, params)
	assert.Equal(t, etlerr.KindTransform, etlerr.KindOf(err))
	assert.ErrorIs(t, err, etlerr.ErrTransform)
}

func TestRunner_ReadSeam(t *testing.T) {
	repo := &execRepo{}
	r := &Runner{Repo: repo, readFile: func(string) ([]byte, error) { return []byte("SELECT {x}"), nil }}
	err := r.Run(context.Background(), "x.sql", map[string]string{})
	require.Error(t, err)
	assert.Empty(t, repo.scripts)
}

func TestShippedScriptsRender(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("..", "..", "sql", "*.sql"))
	require.NoError(t, err)
	require.Len(t, paths, 4)

	params := Params("mart", "stage", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		require.NoError(t, err)
		out, err := Render(string(raw), params)
		require.NoError(t, err, p)
		assert.NotContains(t, out, "{", p)
	}
}
