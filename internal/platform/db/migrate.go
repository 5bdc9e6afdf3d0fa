package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is one numbered SQL file, e.g. 001_booking_core.sql.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies numbered SQL files to a tenant schema. Runs against the
// same schema are serialized with a session advisory lock so several
// instances can start at once.
type Migrator struct {
	pool *pgxpool.Pool
	dir  string
}

func NewMigrator(pool *pgxpool.Pool, migrationsDir string) *Migrator {
	return &Migrator{pool: pool, dir: migrationsDir}
}

// LoadMigrations reads <version>_<name>.sql files in version order. Files
// without a numeric prefix are ignored.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory %s: %w", m.dir, err)
	}

	var out []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		content, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", name, err)
		}
		out = append(out, Migration{Version: version, Name: name, SQL: string(content)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Pending filters migrations down to those not yet applied, stopping after
// target when target > 0.
func Pending(all []Migration, applied map[int]time.Time, target int) []Migration {
	var out []Migration
	for _, mig := range all {
		if target > 0 && mig.Version > target {
			break
		}
		if _, done := applied[mig.Version]; !done {
			out = append(out, mig)
		}
	}
	return out
}

func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	return m.UpTo(ctx, schema, 0)
}

// UpTo applies pending migrations through targetVersion (0 = all), one
// transaction per file.
func (m *Migrator) UpTo(ctx context.Context, schema string, targetVersion int) (int, error) {
	all, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, "migrate:"+schema); err != nil {
		return 0, fmt.Errorf("lock schema %s: %w", schema, err)
	}
	defer conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, "migrate:"+schema) //nolint:errcheck

	if err := ensureMigrationsTable(ctx, conn.Conn(), schema); err != nil {
		return 0, err
	}
	applied, err := appliedVersions(ctx, conn.Conn(), schema)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range Pending(all, applied, targetVersion) {
		if err := applyMigration(ctx, conn.Conn(), schema, mig); err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		count++
	}
	return count, nil
}

func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	all, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if err := ensureMigrationsTable(ctx, conn.Conn(), schema); err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, conn.Conn(), schema)
	if err != nil {
		return nil, err
	}
	return statusOf(all, applied), nil
}

func statusOf(all []Migration, applied map[int]time.Time) []MigrationStatus {
	out := make([]MigrationStatus, 0, len(all))
	for _, mig := range all {
		st := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if at, ok := applied[mig.Version]; ok {
			st.Applied = true
			st.AppliedAt = &at
		}
		out = append(out, st)
	}
	return out
}

func ensureMigrationsTable(ctx context.Context, conn *pgx.Conn, schema string) error {
	_, err := conn.Exec(ctx, fmt.Sprintf(`
		CREATE SCHEMA IF NOT EXISTS %[1]s;
		CREATE TABLE IF NOT EXISTS %[1]s._migrations (
			version    INTEGER PRIMARY KEY,
			name       VARCHAR(255) NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, schema))
	if err != nil {
		return fmt.Errorf("create _migrations table in %s: %w", schema, err)
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *pgx.Conn, schema string) (map[int]time.Time, error) {
	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT version, applied_at FROM %s._migrations`, schema))
	if err != nil {
		return nil, fmt.Errorf("query applied versions in %s: %w", schema, err)
	}
	defer rows.Close()
	applied := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = at
	}
	return applied, rows.Err()
}

func applyMigration(ctx context.Context, conn *pgx.Conn, schema string, mig Migration) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, shared, public", schema)); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return fmt.Errorf("execute SQL: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO _migrations (version, name) VALUES ($1, $2)`, mig.Version, mig.Name); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit(ctx)
}
