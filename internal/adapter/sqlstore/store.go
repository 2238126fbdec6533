// Package sqlstore implements the ledger, mapping, goal and credential ports
// on database/sql for MySQL, Postgres and SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"toggl-sync/internal/credentials"
	"toggl-sync/internal/domain"
)

// Store is the Sync State Store. All statements are written with ? and
// rebound for the dialect.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     *slog.Logger
	sealer  *credentials.Sealer
}

// New wraps an open, migrated database. sealer may be nil, in which case
// credential reads and writes fail.
func New(db *sql.DB, d Dialect, log *slog.Logger, sealer *credentials.Sealer) *Store {
	return &Store{db: db, dialect: d, log: log, sealer: sealer}
}

func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying DB.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(q), args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(q), args...)
}

func (s *Store) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(q), args...)
}

// mapErr translates driver errors onto the domain taxonomy.
func (s *Store) mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return domain.E(domain.KindNotFound, op, err)
	case s.dialect.IsUniqueViolation(err):
		return domain.E(domain.KindConflict, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ts normalizes timestamps before they are written.
func ts(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}

func intPtr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}
