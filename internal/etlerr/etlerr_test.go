package etlerr

import (
	"fmt"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NilStaysNil(t *testing.T) {
	t.Parallel()
	require.NoError(t, New(KindUpstream, "op", nil))
	require.NoError(t, Persistence("op", nil))
}

func TestError_IsMatchesOnlyOwnSentinel(t *testing.T) {
	t.Parallel()

	err := Upstream("report.submit", io.ErrUnexpectedEOF)
	assert.True(t, errors.Is(err, ErrUpstream))
	assert.False(t, errors.Is(err, ErrPersistence))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, KindUpstream, KindOf(err))
	assert.Contains(t, err.Error(), "report.submit")
}

func TestKindOf_SurvivesWrapping(t *testing.T) {
	t.Parallel()

	base := Newf(KindSourceFetch, "source.open", "status %d", 404)
	wrapped := fmt.Errorf("load: %w", errors.Wrap(base, "extract"))

	assert.Equal(t, KindSourceFetch, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrSourceFetch))
	assert.Equal(t, KindUnknown, KindOf(io.EOF))
}

func TestKind_String(t *testing.T) {
	t.Parallel()

	cases := map[Kind]string{
		KindConnection:  "connection",
		KindUpstream:    "upstream",
		KindSourceFetch: "source_fetch",
		KindPersistence: "persistence",
		KindTransform:   "transform",
		KindUnknown:     "unknown",
	}
	for k, want := range cases {
		assert.Equal(t, want, k.String())
	}
}

func TestSQLState(t *testing.T) {
	t.Parallel()

	err := Transform("transform.run", &pgconn.PgError{Code: "42P01", Message: "relation does not exist"})
	code, ok := SQLState(err)
	require.True(t, ok)
	assert.Equal(t, "42P01", code)

	_, ok = SQLState(io.EOF)
	assert.False(t, ok)
}
