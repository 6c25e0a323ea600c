package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/slurm-provider/internal/common/database"
	"github.com/G-Research/slurm-provider/internal/slurm"
	"github.com/G-Research/slurm-provider/internal/slurm/configuration"
	slurmdb "github.com/G-Research/slurm-provider/internal/slurm/database"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the provider database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	start := time.Now()
	log.Infof("Beginning %s database migration", config.Database.Type)

	if config.Database.Type == configuration.DatabaseTypeSqlite {
		// Opening a sqlite store migrates it.
		store, err := slurmdb.OpenSqliteStore(ctx, config.Database.SqlitePath)
		if err != nil {
			return errors.WithMessage(err, "Failed to migrate sqlite database")
		}
		store.Close()
	} else {
		db, err := database.OpenPgxPool(ctx, config.Database.Postgres)
		if err != nil {
			return errors.WithMessage(err, "Failed to connect to database")
		}
		defer db.Close()
		if err := slurm.MigratePostgres(ctx, db); err != nil {
			return errors.WithMessage(err, "Failed to migrate provider database")
		}
	}
	log.Infof("Provider database migrated in %s", time.Since(start))
	return nil
}
