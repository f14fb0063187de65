package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and schema for the backing database.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// Rebind rewrites ? placeholders to $n for Postgres. Quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (d Dialect) schema() string {
	if d == Postgres {
		return postgresSchema
	}
	return sqliteSchema
}

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return SQLite, fmt.Errorf("unsupported store driver %q", driver)
}

// Service is the event, trace, and projection store.
type Service struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
	newID   func() string
}

// Open connects to the configured store and applies the schema.
// For SQLite, dsn is a file path.
func Open(driver, dsn string) (*Service, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	var db *sql.DB
	switch dialect {
	case Postgres:
		db, err = sql.Open("pgx", dsn)
	default:
		db, err = sql.Open("sqlite", "file:"+dsn+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach ledger db: %w", err)
	}
	s := NewService(db, dialect)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewService wraps an already opened database. The schema is not applied.
func NewService(db *sql.DB, dialect Dialect) *Service {
	return &Service{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// Migrate creates tables and indexes if they do not exist.
func (s *Service) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(s.dialect.schema(), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return s.upgrade(ctx)
}

func (s *Service) upgrade(ctx context.Context) error {
	if s.dialect == Postgres {
		for _, stmt := range postgresUpgrades {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to upgrade schema: %w", err)
			}
		}
		return nil
	}
	for _, u := range sqliteUpgrades {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, u.Table, u.Column).Scan(&n); err != nil {
			return fmt.Errorf("inspect %s.%s: %w", u.Table, u.Column, err)
		}
		if n > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, u.DDL); err != nil {
			return fmt.Errorf("add column %s.%s: %w", u.Table, u.Column, err)
		}
	}
	return nil
}

// DB exposes the underlying handle for read-only query batches.
func (s *Service) DB() *sql.DB { return s.db }

// Dialect reports the configured database dialect.
func (s *Service) Dialect() Dialect { return s.dialect }

func (s *Service) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Service) exec(ctx context.Context, e execer, query string, args ...any) (sql.Result, error) {
	return e.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Service) query(ctx context.Context, e execer, query string, args ...any) (*sql.Rows, error) {
	return e.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Service) queryRow(ctx context.Context, e execer, query string, args ...any) *sql.Row {
	return e.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

// inTx runs fn in a transaction, rolling back on error.
func (s *Service) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
