package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"toggl-sync/internal/adapter/sqlstore"
)

//go:embed sql/*/*.sql
var migrationsFS embed.FS

// Run applies pending migrations found under internal/migrate/sql/<dialect>.
// Migrations must be named like 0001_description.sql and will be executed
// in lexicographic order. The entire file is executed as a single statement
// batch; a MySQL DSN should include multiStatements=true.
func Run(ctx context.Context, db *sql.DB, d sqlstore.Dialect, log *slog.Logger) error {
	if err := ensureMigrationsTable(ctx, db, d); err != nil {
		return err
	}

	files, err := fs.Glob(migrationsFS, "sql/"+string(d)+"/*.sql")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no migrations for dialect %q", d)
	}
	sort.Strings(files)

	applied, err := loadApplied(ctx, db)
	if err != nil {
		return err
	}

	for _, f := range files {
		base := path.Base(f)
		ver, err := parseVersion(base)
		if err != nil {
			return fmt.Errorf("invalid migration filename %q: %w", base, err)
		}
		if applied[ver] {
			log.Debug("migration already applied", slog.Int("version", ver), slog.String("file", base))
			continue
		}
		b, err := fs.ReadFile(migrationsFS, f)
		if err != nil {
			return err
		}
		log.Info("applying migration", slog.String("dialect", string(d)), slog.Int("version", ver), slog.String("file", base))
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("applying %s: %w", base, err)
		}
		if err := recordApplied(ctx, db, d, ver); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the versions not yet applied, for status reporting.
func Pending(ctx context.Context, db *sql.DB, d sqlstore.Dialect) ([]int, error) {
	if err := ensureMigrationsTable(ctx, db, d); err != nil {
		return nil, err
	}
	applied, err := loadApplied(ctx, db)
	if err != nil {
		return nil, err
	}
	files, err := fs.Glob(migrationsFS, "sql/"+string(d)+"/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	var out []int
	for _, f := range files {
		ver, err := parseVersion(path.Base(f))
		if err != nil {
			return nil, err
		}
		if !applied[ver] {
			out = append(out, ver)
		}
	}
	return out, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB, d sqlstore.Dialect) error {
	var ddl string
	switch d {
	case sqlstore.Postgres:
		ddl = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version BIGINT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL
    );`
	case sqlstore.SQLite:
		ddl = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL
    );`
	default:
		ddl = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version BIGINT PRIMARY KEY,
        applied_at DATETIME(6) NOT NULL
    ) ENGINE=InnoDB;`
	}
	_, err := db.ExecContext(ctx, ddl)
	return err
}

func loadApplied(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	m := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		m[v] = true
	}
	return m, rows.Err()
}

func recordApplied(ctx context.Context, db *sql.DB, d sqlstore.Dialect, version int) error {
	q := d.Rebind("INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)")
	_, err := db.ExecContext(ctx, q, version, time.Now().UTC())
	return err
}

func parseVersion(name string) (int, error) {
	// Expect prefix like 0001_...
	i := strings.IndexByte(name, '_')
	if i <= 0 {
		return 0, fmt.Errorf("missing prefix number")
	}
	v, err := strconv.Atoi(name[:i])
	if err != nil {
		return 0, err
	}
	return v, nil
}
