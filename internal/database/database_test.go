package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations_Ordered(t *testing.T) {
	for name, load := range map[string]func() ([]Migration, error){
		"postgres": PostgresMigrations,
		"sqlite":   SQLiteMigrations,
	} {
		t.Run(name, func(t *testing.T) {
			migrations, err := load()
			require.NoError(t, err)
			require.NotEmpty(t, migrations)
			for i, m := range migrations {
				assert.NotEmpty(t, m.SQL, m.Name)
				if i > 0 {
					assert.Greater(t, m.ID, migrations[i-1].ID)
				}
			}
			assert.Equal(t, 1, migrations[0].ID)
		})
	}
}

func TestOpenSQLite_AppliesSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "waitroom.db")

	db, err := OpenSQLite(ctx, path)
	require.NoError(t, err)

	var version int
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&version))
	migrations, err := SQLiteMigrations()
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].ID, version)

	var maxUsers, nextPosition int
	var isOpen bool
	require.NoError(t, db.QueryRow(
		`SELECT max_users, next_position, is_open FROM queue_state WHERE id = 1`,
	).Scan(&maxUsers, &nextPosition, &isOpen))
	assert.Equal(t, 50, maxUsers)
	assert.Equal(t, 1, nextPosition)
	assert.False(t, isOpen)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)
	require.NoError(t, db.Close())

	// Reopening an existing database is a no-op for the schema.
	db, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	var rows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM queue_state`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestOpenSQLite_WritersInSeparatePoolsWait(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "waitroom.db")

	pools := make([]*sql.DB, 2)
	for i := range pools {
		db, err := OpenSQLite(ctx, path)
		require.NoError(t, err)
		defer db.Close()
		pools[i] = db
	}

	// Each transaction reads before it writes, the pattern that fails with
	// SQLITE_BUSY_SNAPSHOT when transactions begin deferred.
	const rounds = 20
	errs := make(chan error, 2*rounds)
	var wg sync.WaitGroup
	for _, db := range pools {
		wg.Add(1)
		go func(db *sql.DB) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				errs <- increment(ctx, db)
			}
		}(db)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var next int
	require.NoError(t, pools[0].QueryRow(`SELECT next_position FROM queue_state WHERE id = 1`).Scan(&next))
	assert.Equal(t, 1+2*rounds, next)
}

func increment(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT next_position FROM queue_state WHERE id = 1`).Scan(&next); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE queue_state SET next_position = ? WHERE id = 1`, next+1); err != nil {
		return err
	}
	return tx.Commit()
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("/tmp/waitroom.db")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "_foreign_keys=on")
}
