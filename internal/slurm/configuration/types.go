package configuration

import (
	"time"

	"github.com/G-Research/slurm-provider/internal/common/database"
	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeSqlite   DatabaseType = "sqlite"
)

type AccountResolverType string

const (
	AccountResolverNone   AccountResolverType = "none"
	AccountResolverScript AccountResolverType = "script"
)

type JobCacheType string

const (
	JobCacheMemory JobCacheType = "memory"
	JobCacheRedis  JobCacheType = "redis"
)

type ProviderConfiguration struct {
	MetricsPort uint16

	Database       DatabaseConfig
	ControlPlane   ControlPlaneConfig
	Slurm          SlurmConfig
	Reconciliation ReconciliationConfig
	JobCache       JobCacheConfig

	// Products registered with the control plane by this provider.
	Products []ProductConfig `validate:"required,min=1,dive"`
	// One plugin instance, and hence one reconciliation loop, per slurm partition.
	Plugins []PluginConfig `validate:"required,min=1,dive"`
}

type DatabaseConfig struct {
	// Type of database used - must be either 'postgres' or 'sqlite'
	Type DatabaseType `validate:"oneof=postgres sqlite"`
	// Path of the sqlite database file. Only read when Type is 'sqlite'
	SqlitePath string `validate:"required_if=Type sqlite"`
	// Only read when Type is 'postgres'
	Postgres database.PostgresConfig
}

type ControlPlaneConfig struct {
	Url        string `validate:"required,url"`
	Token      string
	ProviderId string `validate:"required"`
	Timeout    time.Duration
}

type SlurmConfig struct {
	// Optional override of the SLURM_CONF environment variable for every command.
	SlurmConf string
	// Upper bound on the runtime of a single scheduler command.
	CommandTimeout time.Duration
	Executables    ExecutablesConfig
}

type ExecutablesConfig struct {
	Sbatch   string `validate:"required"`
	Scancel  string `validate:"required"`
	Sacct    string `validate:"required"`
	Squeue   string `validate:"required"`
	Scontrol string `validate:"required"`
}

type ReconciliationConfig struct {
	TickInterval       time.Duration `validate:"required"`
	AccountingInterval time.Duration `validate:"required"`
	// How often the in-memory index of active jobs is reloaded to pick up jobs registered by other
	// processes, such as the command line tools.
	IndexRefreshInterval time.Duration `validate:"required"`
	// Number of items per control plane bulk request.
	BatchSize  int `validate:"min=1"`
	DeadLetter DeadLetterConfig
}

type DeadLetterConfig struct {
	Enabled bool
	Path    string `validate:"required_if=Enabled true"`
}

type JobCacheConfig struct {
	Type  JobCacheType `validate:"oneof=memory redis"`
	Ttl   time.Duration
	Redis RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	Db       int
}

type ProductConfig struct {
	Name         string `validate:"required"`
	Category     string `validate:"required"`
	Cpu          int    `validate:"min=1"`
	MemoryInGigs int    `validate:"min=0"`
	Gpu          int    `validate:"min=0"`
	UnitOfPrice  model.UnitOfPrice
}

type PluginConfig struct {
	Name              string   `validate:"required"`
	Partition         string   `validate:"required"`
	ProductCategories []string `validate:"required,min=1"`
	AccountResolver   AccountResolverConfig
}

type AccountResolverConfig struct {
	Type   AccountResolverType `validate:"oneof=none script"`
	Script string              `validate:"required_if=Type script"`
}

// ProductCatalog converts the configured products into the catalog used by the estimator.
func (c ProviderConfiguration) ProductCatalog() []model.Product {
	products := make([]model.Product, 0, len(c.Products))
	for _, p := range c.Products {
		products = append(products, model.Product{
			Name:         p.Name,
			Category:     p.Category,
			Provider:     c.ControlPlane.ProviderId,
			Cpu:          p.Cpu,
			MemoryInGigs: p.MemoryInGigs,
			Gpu:          p.Gpu,
			UnitOfPrice:  p.UnitOfPrice,
		})
	}
	return products
}
