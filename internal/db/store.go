package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cswenor/conductor-sub003/internal/db/driver"
)

// Store provides typed operations over the conductor database.
// Reads may run directly on the store; writes that must be atomic with
// event emission are only available on TxOps inside RunInTx.
type Store struct {
	*DB
}

// NewStore wraps an open database.
func NewStore(database *DB) *Store {
	return &Store{DB: database}
}

// OpenStore opens (or creates) the database at path and applies migrations.
func OpenStore(path string) (*Store, error) {
	database, err := Open(path)
	if err != nil {
		return nil, err
	}

	if err := database.Migrate("core"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("migrate core db: %w", err)
	}

	return &Store{DB: database}, nil
}

// OpenStoreWithDialect opens the database with a specific dialect and applies
// migrations. For SQLite, dsn is the file path. For PostgreSQL, dsn is the
// connection string.
func OpenStoreWithDialect(dsn string, dialect driver.Dialect) (*Store, error) {
	database, err := OpenWithDialect(dsn, dialect)
	if err != nil {
		return nil, err
	}

	if err := database.Migrate("core"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("migrate core db: %w", err)
	}

	return &Store{DB: database}, nil
}

// Exec executes a write query, rebinding placeholders for the dialect.
func (s *Store) Exec(query string, args ...any) (sql.Result, error) {
	return s.DB.Exec(rebind(s.Dialect(), query), args...)
}

// Query executes a read query, rebinding placeholders for the dialect.
func (s *Store) Query(query string, args ...any) (*sql.Rows, error) {
	return s.DB.Query(rebind(s.Dialect(), query), args...)
}

// QueryRow executes a single-row query, rebinding placeholders for the dialect.
func (s *Store) QueryRow(query string, args ...any) *sql.Row {
	return s.DB.QueryRow(rebind(s.Dialect(), query), args...)
}

// RunInTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise. State mutations that emit events
// (run phase changes, gate evaluations, operator actions) are only reachable
// through the TxOps handed to fn, which keeps the row write and its event
// append in the same transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(*TxOps) error) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	ops := &TxOps{tx: tx, ctx: ctx, dialect: s.Dialect()}
	if err := fn(ops); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %w (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// TxOps exposes the typed operations bound to one open transaction.
type TxOps struct {
	tx      driver.Tx
	ctx     context.Context
	dialect driver.Dialect
}

// Exec executes a write query inside the transaction.
func (t *TxOps) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(t.ctx, rebind(t.dialect, query), args...)
}

// Query executes a read query inside the transaction.
func (t *TxOps) Query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.Query(t.ctx, rebind(t.dialect, query), args...)
}

// QueryRow executes a single-row query inside the transaction.
func (t *TxOps) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRow(t.ctx, rebind(t.dialect, query), args...)
}

// Dialect returns the dialect of the underlying connection.
func (t *TxOps) Dialect() driver.Dialect {
	return t.dialect
}

// dbtx is the query surface shared by Store and TxOps. Entity helpers are
// written against it so reads work identically inside and outside a
// transaction.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	Dialect() driver.Dialect
}

var (
	_ dbtx = (*Store)(nil)
	_ dbtx = (*TxOps)(nil)
)

// rebind rewrites ? placeholders to $N for PostgreSQL. Queries are written
// SQLite-style throughout the package.
func rebind(d driver.Dialect, query string) string {
	if d != driver.DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// insertIgnoreVerb returns the INSERT verb and trailing clause for an
// idempotent insert. SQLite expresses it in the verb, PostgreSQL at the end.
func insertIgnoreVerb(d driver.Dialect) (verb, suffix string) {
	if d == driver.DialectPostgres {
		return "INSERT", " ON CONFLICT DO NOTHING"
	}
	return "INSERT OR IGNORE", ""
}

// timeLayout is fixed-width millisecond ISO-8601. Fixed width keeps TEXT
// comparison and chronological order in agreement, which ORDER BY updated_at
// relies on.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// formatTime renders a timestamp for storage. All columns hold ISO-8601 UTC.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// formatTimeNano renders a timestamp with nanosecond precision. The event
// log uses this so ordering ties break deterministically in tests.
func formatTimeNano(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a stored timestamp, tolerating the formats older rows
// may carry.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// nullString converts an empty string to NULL for optional TEXT columns.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime converts a nil time to NULL, otherwise formats it for storage.
func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
