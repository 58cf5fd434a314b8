package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"reportetl/internal/etlerr"
)

// Config is the minimal configuration needed to open a Repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//   - Schemas lists the schemas the run touches. Backends without native schemas
//     (sqlite) attach one database per entry; others ignore it.
type Config struct {
	Kind    string
	DSN     string
	Schemas []string
}

// Repository is the database session of one pipeline run.
//
// It is opened at run start, shared read-only by concurrent staged loads, and
// closed at run end. Every method acquires its own connection scope, so no
// caller holds a connection between steps.
type Repository interface {
	// Ping verifies the database answers.
	Ping(ctx context.Context) error

	// Load writes f into ref. Append creates the table from f's column types when
	// it does not exist and otherwise converts values to the existing column types.
	// Replace drops and recreates the table. Both run in a single transaction.
	// Returns the number of rows written.
	Load(ctx context.Context, ref TableRef, f *Frame, mode Mode) (int64, error)

	// Exec runs a script that may contain several statements, on one connection.
	Exec(ctx context.Context, script string) error

	// Close releases the pool. Call once.
	Close()
}

// Factory opens a backend. Factories must ping before returning.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Kinds lists registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open constructs a Repository using the registered backend factory.
//
// Errors:
//   - Every failure, including an unknown kind, is an etlerr.KindConnection error:
//     the run cannot proceed without a database.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, etlerr.Newf(etlerr.KindConnection, "storage.open", "storage: missing Kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, etlerr.Newf(etlerr.KindConnection, "storage.open", "unsupported storage.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	repo, err := f(ctx, cfg)
	if err != nil {
		return nil, etlerr.Connection("storage.open "+cfg.Kind, err)
	}
	return repo, nil
}
