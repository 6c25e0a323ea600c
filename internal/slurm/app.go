// Package slurm wires the components of the slurm provider together.
package slurm

import (
	"context"
	"net/http"

	"github.com/go-redis/redis"
	"github.com/jackc/pgtype/pgxtype"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/slurm-provider/internal/common"
	"github.com/G-Research/slurm-provider/internal/common/app"
	dbcommon "github.com/G-Research/slurm-provider/internal/common/database"
	"github.com/G-Research/slurm-provider/internal/common/util"
	"github.com/G-Research/slurm-provider/internal/slurm/accountmapper"
	"github.com/G-Research/slurm-provider/internal/slurm/cli"
	"github.com/G-Research/slurm-provider/internal/slurm/configuration"
	"github.com/G-Research/slurm-provider/internal/slurm/controlplane"
	"github.com/G-Research/slurm-provider/internal/slurm/database"
	"github.com/G-Research/slurm-provider/internal/slurm/estimator"
	"github.com/G-Research/slurm-provider/internal/slurm/jobcache"
	"github.com/G-Research/slurm-provider/internal/slurm/reconciler"
	"github.com/G-Research/slurm-provider/internal/slurm/service"
)

const reverseAccountCacheSize = 1024

// Components holds every long lived part of the provider. Each is built once and shared.
type Components struct {
	Store        *database.IndexedStore
	Scheduler    cli.Scheduler
	ControlPlane controlplane.Client
	Jobs         jobcache.JobCache
	Accounts     *accountmapper.Mapper
	Estimator    *estimator.Estimator
	Service      *service.Service
}

// StartUp runs one reconciliation loop per configured plugin until a shutdown signal is received.
func StartUp(config configuration.ProviderConfiguration) error {
	g, ctx := errgroup.WithContext(app.CreateContextWithShutdown())

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	components, cleanup, err := Build(ctx, config)
	if err != nil {
		return err
	}
	defer cleanup()

	deadLetters, closeDeadLetters, err := reconciler.NewDeadLetterSink(config.Reconciliation.DeadLetter)
	if err != nil {
		return errors.WithMessage(err, "error opening dead letter log")
	}
	defer closeDeadLetters()

	g.Go(func() error { return components.Store.Run(ctx, config.Reconciliation.IndexRefreshInterval) })

	products := config.ProductCatalog()
	for _, plugin := range config.Plugins {
		r := reconciler.New(
			reconciler.Config{
				Plugin:             plugin.Name,
				Partition:          plugin.Partition,
				TickInterval:       config.Reconciliation.TickInterval,
				AccountingInterval: config.Reconciliation.AccountingInterval,
				BatchSize:          config.Reconciliation.BatchSize,
			},
			components.Scheduler,
			components.Store,
			components.Accounts,
			components.Estimator,
			components.Jobs,
			components.ControlPlane,
			deadLetters,
			products,
		)
		g.Go(func() error { return r.Run(ctx) })
		log.Infof("Started reconciliation of partition %s for plugin %s", plugin.Partition, plugin.Name)
	}

	return g.Wait()
}

// Build opens the store and constructs every component on top of it. The returned function releases
// the resources held by the components.
func Build(ctx context.Context, config configuration.ProviderConfiguration) (*Components, func(), error) {
	store, err := OpenStore(ctx, config.Database)
	if err != nil {
		return nil, nil, err
	}
	var closers []func()
	closers = append(closers, store.Close)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	runner := cli.NewExecRunner()
	scheduler := cli.NewClient(config.Slurm, runner)
	controlPlane := controlplane.NewHttpClient(config.ControlPlane, &http.Client{})

	jobs, closeJobs := NewJobCache(config.JobCache, controlPlane)
	closers = append(closers, closeJobs)

	accounts, err := NewAccountMapper(config.Plugins, store, runner)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	plugins := make([]service.Plugin, 0, len(config.Plugins))
	for _, p := range config.Plugins {
		plugins = append(plugins, service.Plugin{Name: p.Name, Partition: p.Partition, Categories: p.ProductCategories})
	}

	return &Components{
		Store:        store,
		Scheduler:    scheduler,
		ControlPlane: controlPlane,
		Jobs:         jobs,
		Accounts:     accounts,
		Estimator:    estimator.New(config.ProductCatalog()),
		Service:      service.New(plugins, scheduler, store, accounts, jobs, controlPlane),
	}, cleanup, nil
}

// OpenStore opens the configured database, migrates it and puts the in-memory index of active jobs in
// front of it.
func OpenStore(ctx context.Context, config configuration.DatabaseConfig) (*database.IndexedStore, error) {
	var store database.Store
	switch config.Type {
	case configuration.DatabaseTypeSqlite:
		log.Infof("Opening sqlite database at %s", config.SqlitePath)
		sqlite, err := database.OpenSqliteStore(ctx, config.SqlitePath)
		if err != nil {
			return nil, errors.WithMessage(err, "error opening sqlite database")
		}
		store = sqlite
	case configuration.DatabaseTypePostgres:
		log.Infof("Opening connection to postgres")
		db, err := dbcommon.OpenPgxPool(ctx, config.Postgres)
		if err != nil {
			return nil, errors.WithMessage(err, "error opening connection to postgres")
		}
		if err := MigratePostgres(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		store = database.NewPostgresStore(db)
	default:
		return nil, errors.Errorf("unknown database type %q", config.Type)
	}

	indexed, err := database.NewIndexedStore(ctx, store)
	if err != nil {
		store.Close()
		return nil, errors.WithMessage(err, "error indexing active jobs")
	}
	return indexed, nil
}

// MigratePostgres brings the schema of a postgres database up to date.
func MigratePostgres(ctx context.Context, db pgxtype.Querier) error {
	migrations, err := database.PostgresMigrations()
	if err != nil {
		return err
	}
	return dbcommon.UpdateDatabase(ctx, db, migrations)
}

// NewJobCache returns the configured job cache and a function closing its connections.
func NewJobCache(config configuration.JobCacheConfig, retriever jobcache.Retriever) (jobcache.JobCache, func()) {
	if config.Type != configuration.JobCacheRedis {
		return jobcache.NewMemoryCache(retriever, config.Ttl), func() {}
	}
	db := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{config.Redis.Addr},
		Password: config.Redis.Password,
		DB:       config.Redis.Db,
	})
	return jobcache.NewRedisCache(retriever, db, config.Ttl), util.Closer("redis client", db)
}

// NewAccountMapper builds the account mapper with the resolution strategy of every plugin.
func NewAccountMapper(
	plugins []configuration.PluginConfig,
	store database.AccountMappingStore,
	runner cli.CommandRunner,
) (*accountmapper.Mapper, error) {
	mapperPlugins := make([]accountmapper.Plugin, 0, len(plugins))
	for _, p := range plugins {
		var resolver accountmapper.Resolver = accountmapper.NoneResolver{}
		if p.AccountResolver.Type == configuration.AccountResolverScript {
			resolver = accountmapper.NewScriptResolver(p.AccountResolver.Script, runner)
		}
		mapperPlugins = append(mapperPlugins, accountmapper.Plugin{
			Name:       p.Name,
			Partition:  p.Partition,
			Categories: p.ProductCategories,
			Resolver:   resolver,
		})
	}
	return accountmapper.New(store, mapperPlugins, reverseAccountCacheSize)
}
