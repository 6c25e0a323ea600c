package database

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestReadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/002_add_index.sql":    {Data: []byte("CREATE INDEX idx ON things (name);")},
		"sql/001_create_table.sql": {Data: []byte("CREATE TABLE things (name TEXT);")},
		"sql/010_later.sql":        {Data: []byte("SELECT 1;")},
		"sql/README.md":            {Data: []byte("ignored")},
	}

	migrations, err := ReadMigrations(fsys, "sql")
	require.NoError(t, err)
	require.Len(t, migrations, 3)

	assert.Equal(t, 1, migrations[0].Id())
	assert.Equal(t, "001_create_table.sql", migrations[0].name)
	assert.Equal(t, 2, migrations[1].Id())
	assert.Equal(t, 10, migrations[2].Id())
	assert.Equal(t, "SELECT 1;", migrations[2].sql)
}

func TestReadMigrations_BadName(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/create_table.sql": {Data: []byte("SELECT 1;")},
	}
	_, err := ReadMigrations(fsys, "sql")
	assert.Error(t, err)
}

func TestUpdateSqliteDatabase_IsIncremental(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()
	ctx := context.Background()

	first := []Migration{NewMigration(1, "001_create.sql", "CREATE TABLE things (name TEXT);")}
	require.NoError(t, UpdateSqliteDatabase(ctx, db, first))

	// Re-running the same migrations must not fail on the existing table.
	second := append(first, NewMigration(2, "002_insert.sql", "INSERT INTO things VALUES ('a');"))
	require.NoError(t, UpdateSqliteDatabase(ctx, db, second))
	require.NoError(t, UpdateSqliteDatabase(ctx, db, second))

	var count int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM things").Scan(&count))
	assert.Equal(t, 1, count)

	var version int
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, 2, version)
}
