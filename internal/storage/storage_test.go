package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"reportetl/internal/etlerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct{ closed bool }

func (f *fakeRepo) Ping(ctx context.Context) error { return nil }
func (f *fakeRepo) Load(ctx context.Context, ref TableRef, fr *Frame, mode Mode) (int64, error) {
	return int64(fr.Len()), nil
}
func (f *fakeRepo) Exec(ctx context.Context, script string) error { return nil }
func (f *fakeRepo) Close()                                        { f.closed = true }

func TestRegisterAndOpen(t *testing.T) {
	Register("fake-ok", func(ctx context.Context, cfg Config) (Repository, error) {
		return &fakeRepo{}, nil
	})
	Register("fake-down", func(ctx context.Context, cfg Config) (Repository, error) {
		return nil, errors.New("dial tcp: connection refused")
	})

	repo, err := Open(context.Background(), Config{Kind: "fake-ok"})
	require.NoError(t, err)
	require.NotNil(t, repo)
	assert.Contains(t, Kinds(), "fake-ok")

	_, err = Open(context.Background(), Config{Kind: "fake-down"})
	require.Error(t, err)
	assert.Equal(t, etlerr.KindConnection, etlerr.KindOf(err))

	_, err = Open(context.Background(), Config{Kind: "nope"})
	assert.Equal(t, etlerr.KindConnection, etlerr.KindOf(err))

	_, err = Open(context.Background(), Config{})
	assert.Equal(t, etlerr.KindConnection, etlerr.KindOf(err))
}

func TestRegister_Panics(t *testing.T) {
	f := func(ctx context.Context, cfg Config) (Repository, error) { return nil, nil }
	Register("fake-dup", f)

	assert.Panics(t, func() { Register("", f) })
	assert.Panics(t, func() { Register("fake-nil", nil) })
	assert.Panics(t, func() { Register("fake-dup", f) })
}

func TestFrame_DropAndAddColumn(t *testing.T) {
	f := &Frame{
		Columns: []string{"id", "uniq_id", "name"},
		Types:   []ColumnType{TypeInteger, TypeText, TypeText},
		Rows:    [][]any{{"1", "a", "x"}, {"2", "b", "y"}},
	}

	assert.True(t, f.DropColumn("ID"))
	assert.False(t, f.DropColumn("id"))
	assert.Equal(t, []string{"uniq_id", "name"}, f.Columns)
	assert.Equal(t, []ColumnType{TypeText, TypeText}, f.Types)
	assert.Equal(t, []any{"a", "x"}, f.Rows[0])

	f.AddColumn("status", TypeText, "shipped")
	require.NoError(t, f.Validate())
	assert.Equal(t, []any{"b", "y", "shipped"}, f.Rows[1])
	assert.Equal(t, TypeText, f.TypeOf(2))
}

func TestFrame_Validate(t *testing.T) {
	assert.Error(t, (&Frame{}).Validate())
	assert.Error(t, (&Frame{Columns: []string{"a"}, Rows: [][]any{{"1", "2"}}}).Validate())
	assert.Error(t, (&Frame{Columns: []string{"a"}, Types: []ColumnType{TypeText, TypeText}}).Validate())
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		typ     ColumnType
		want    any
		wantErr bool
	}{
		{"nil", nil, TypeInteger, nil, false},
		{"int", " 42 ", TypeInteger, int64(42), false},
		{"int_from_float_text", "12.0", TypeInteger, int64(12), false},
		{"int_bad", "12.5", TypeInteger, nil, true},
		{"float", "3.25", TypeFloat, 3.25, false},
		{"float_bad", "abc", TypeFloat, nil, true},
		{"bool", "Yes", TypeBoolean, true, false},
		{"bool_bad", "maybe", TypeBoolean, nil, true},
		{"date", "2024-03-01", TypeDate, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), false},
		{"date_from_ts", "2024-03-01 10:11:12", TypeDate, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), false},
		{"ts", "2024-03-01T10:11:12", TypeTimestamp, time.Date(2024, 3, 1, 10, 11, 12, 0, time.UTC), false},
		{"ts_bad", "yesterday", TypeTimestamp, nil, true},
		{"text", "hello", TypeText, "hello", false},
		{"typed_passthrough", int64(7), TypeText, int64(7), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Convert(tc.in, tc.typ)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestColumnLayout(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   string
		ok     bool
	}{
		{"iso", []string{"2024-03-01", "2024-12-31"}, "2006-01-02", true},
		{"month_first_preferred", []string{"03/04/2024", "04/13/2024"}, "01/02/2006", true},
		{"day_first_when_forced", []string{"13/04/2024", "03/04/2024"}, "02/01/2006", true},
		{"conflicting_orders", []string{"13/04/2024", "04/13/2024"}, "", false},
		{"mixed_separators", []string{"2024-03-01", "01.03.2024"}, "", false},
		{"empty", nil, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ColumnLayout(DateLayouts, tc.values)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestConvertRows_ReportsPosition(t *testing.T) {
	f := &Frame{Columns: []string{"qty"}, Rows: [][]any{{"1"}, {"x"}}}
	_, err := ConvertRows(f, []ColumnType{TypeInteger})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `row 2 column "qty"`)
}

func TestTargetTypes(t *testing.T) {
	f := &Frame{Columns: []string{"Qty", "note"}, Types: []ColumnType{TypeInteger, TypeText}}

	got, err := TargetTypes(f, nil)
	require.NoError(t, err)
	assert.Equal(t, []ColumnType{TypeInteger, TypeText}, got)

	got, err = TargetTypes(f, map[string]ColumnType{"qty": TypeFloat, "note": TypeText, "extra": TypeDate})
	require.NoError(t, err)
	assert.Equal(t, []ColumnType{TypeFloat, TypeText}, got)

	_, err = TargetTypes(f, map[string]ColumnType{"qty": TypeFloat})
	require.Error(t, err)
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "", NormalizeKey(nil))
	assert.Equal(t, "abc", NormalizeKey("  abc "))
	assert.Equal(t, "42", NormalizeKey(int64(42)))
	assert.Equal(t, "7", NormalizeKey(7))
	assert.Equal(t, "x", NormalizeKey([]byte(" x")))
	assert.Equal(t, "1.5", NormalizeKey(1.5))
}

func TestTableRefAndMode(t *testing.T) {
	assert.Equal(t, "stage.user_order_log", TableRef{Schema: "stage", Name: "user_order_log"}.String())
	assert.Equal(t, "t", TableRef{Name: "t"}.String())
	assert.Equal(t, "append", Append.String())
	assert.Equal(t, "replace", Replace.String())
}
