package database

import (
	"embed"

	"github.com/G-Research/slurm-provider/internal/common/database"
)

//go:embed migrations
var migrationFiles embed.FS

func PostgresMigrations() ([]database.Migration, error) {
	return database.ReadMigrations(migrationFiles, "migrations/postgres")
}

func SqliteMigrations() ([]database.Migration, error) {
	return database.ReadMigrations(migrationFiles, "migrations/sqlite")
}
