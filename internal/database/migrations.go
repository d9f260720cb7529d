package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations
var migrationFiles embed.FS

// migrationLockKey serialises concurrent migrators on PostgreSQL.
const migrationLockKey = 7_391_204_118

// Migration is one numbered schema change, e.g. 001_initial.sql.
type Migration struct {
	ID   int
	Name string
	SQL  string
}

// PostgresMigrations returns the PostgreSQL migrations ordered by id.
func PostgresMigrations() ([]Migration, error) {
	return loadMigrations("migrations/postgres")
}

// SQLiteMigrations returns the SQLite migrations ordered by id.
func SQLiteMigrations() ([]Migration, error) {
	return loadMigrations("migrations/sqlite")
}

func loadMigrations(dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(migrationFiles, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", dir)
	}

	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		id, err := strconv.Atoi(strings.SplitN(entry.Name(), "_", 2)[0])
		if err != nil {
			return nil, errors.Wrapf(err, "migration %s has no numeric prefix", entry.Name())
		}
		body, err := fs.ReadFile(migrationFiles, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		migrations = append(migrations, Migration{ID: id, Name: entry.Name(), SQL: string(body)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].ID < migrations[j].ID })
	return migrations, nil
}

// MigratePostgres applies every migration newer than the recorded version.
// Each migration runs in its own transaction under an advisory lock, so
// several instances starting at once apply it exactly once.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	migrations, err := PostgresMigrations()
	if err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		id SMALLINT PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL
	)`); err != nil {
		return errors.Wrap(err, "create schema_version")
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO schema_version (id, version) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`,
	); err != nil {
		return errors.Wrap(err, "seed schema_version")
	}

	for _, m := range migrations {
		if err := applyPostgresMigration(ctx, pool, m); err != nil {
			return err
		}
	}
	return nil
}

func applyPostgresMigration(ctx context.Context, pool *pgxpool.Pool, m Migration) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin migration")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLockKey)); err != nil {
		return errors.Wrap(err, "acquire migration lock")
	}

	var version int
	if err := tx.QueryRow(ctx, `SELECT version FROM schema_version WHERE id = 1`).Scan(&version); err != nil {
		return errors.Wrap(err, "read schema version")
	}
	if m.ID <= version {
		return nil
	}

	log.Infof("applying migration %s", m.Name)
	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return errors.Wrapf(err, "apply migration %s", m.Name)
	}
	if _, err := tx.Exec(ctx, `UPDATE schema_version SET version = $1 WHERE id = 1`, m.ID); err != nil {
		return errors.Wrap(err, "record schema version")
	}
	return errors.Wrap(tx.Commit(ctx), "commit migration")
}

// MigrateSQLite applies every migration newer than PRAGMA user_version.
func MigrateSQLite(ctx context.Context, db *sql.DB) error {
	migrations, err := SQLiteMigrations()
	if err != nil {
		return err
	}

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return errors.Wrap(err, "get user_version")
	}

	for _, m := range migrations {
		if m.ID <= version {
			continue
		}
		log.Debugf("applying migration %s", m.Name)
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin migration")
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "apply migration %s", m.Name)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.ID)); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "set user_version")
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrap(err, "commit migration")
		}
		version = m.ID
	}
	return nil
}
