package store

import (
	"context"
	"fmt"

	"github.com/ralphbot/ralph/internal/config"
)

// Querier is the query surface shared by a live connection and an open
// transaction. Typed operations in this package are written against it so
// they compose inside Tx.
type Querier interface {
	// Select executes a query and scans rows into dest (slice pointer).
	Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error

	// Get executes a query expected to return a single row and scans into
	// dest. Columns must be selected in struct field order.
	Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error

	// Exec executes a statement that returns no rows.
	Exec(ctx context.Context, query string, args ...interface{}) error

	// Insert inserts a struct-tagged record into table and returns the new row ID.
	Insert(ctx context.Context, table string, record interface{}) (int64, error)

	// Update updates rows matching the where clause with values from record.
	Update(ctx context.Context, table string, record interface{}, where string, args ...interface{}) error

	// Upsert inserts or updates based on conflictCols.
	Upsert(ctx context.Context, table string, record interface{}, conflictCols []string) error
}

// Store is the durable state backend used throughout ralph.
// Implementations exist for SQLite (default) and MySQL.
type Store interface {
	Querier

	// Tx runs fn inside a transaction. All multi-row writes that must be
	// atomic (lease transitions, label mutations paired with task updates)
	// pass through this.
	Tx(ctx context.Context, fn func(q Querier) error) error

	// Migrate applies pending schema migrations in order. Errors are fatal
	// at startup.
	Migrate(ctx context.Context) error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error

	// Close releases the connection. Tests call this explicitly.
	Close() error

	// Driver returns the backend name: "sqlite" or "mysql".
	Driver() string
}

// New returns a Store implementation matching cfg.Driver.
// SQLite is the default when driver is empty or unrecognised.
func New(cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "mysql":
		return NewMySQL(cfg)
	case "sqlite", "sqlite3", "":
		return NewSQLite(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q (supported: sqlite, mysql)", cfg.Driver)
	}
}
