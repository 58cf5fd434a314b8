// Package etlerr defines the closed set of failure kinds a pipeline run can end with.
//
// Components return *Error values tagged with a Kind; the orchestrator and the
// binaries only ever branch on the kind, never on the concrete cause.
package etlerr

import (
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConnection: the database could not be reached or did not answer a ping.
	KindConnection
	// KindUpstream: the report API was unreachable, answered garbage, said NOT_FOUND,
	// or a poll cycle ran out of attempts.
	KindUpstream
	// KindSourceFetch: a CSV extract could not be located, downloaded or parsed.
	KindSourceFetch
	// KindPersistence: writing a staging table failed.
	KindPersistence
	// KindTransform: a rendered SQL template failed to execute.
	KindTransform
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindUpstream:
		return "upstream"
	case KindSourceFetch:
		return "source_fetch"
	case KindPersistence:
		return "persistence"
	case KindTransform:
		return "transform"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is checks against a kind.
var (
	ErrConnection  = errors.New("connection error")
	ErrUpstream    = errors.New("upstream error")
	ErrSourceFetch = errors.New("source fetch error")
	ErrPersistence = errors.New("persistence error")
	ErrTransform   = errors.New("transform error")
)

var sentinels = map[Kind]error{
	KindConnection:  ErrConnection,
	KindUpstream:    ErrUpstream,
	KindSourceFetch: ErrSourceFetch,
	KindPersistence: ErrPersistence,
	KindTransform:   ErrTransform,
}

// Error is a tagged pipeline failure. Op names the operation that failed
// (e.g. "report.submit", "staging.load user_order_log").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String() + " error"
	}
	if e.Op == "" {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// New tags err with kind. A nil err yields nil.
// The cause keeps its stack trace; one is attached when it has none.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: errors.WithStackDepth(err, 1)}
}

// Newf builds a tagged error from a message.
func Newf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: errors.NewWithDepthf(1, format, args...)}
}

func Connection(op string, err error) error  { return New(KindConnection, op, err) }
func Upstream(op string, err error) error    { return New(KindUpstream, op, err) }
func SourceFetch(op string, err error) error { return New(KindSourceFetch, op, err) }
func Persistence(op string, err error) error { return New(KindPersistence, op, err) }
func Transform(op string, err error) error   { return New(KindTransform, op, err) }

// KindOf returns the kind of the outermost tagged error in err's chain,
// or KindUnknown when err carries no tag.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// SQLState extracts the PostgreSQL SQLSTATE code from err, if any.
func SQLState(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, true
	}
	return "", false
}
