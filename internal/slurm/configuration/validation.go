package configuration

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

// CustomHooks are the decode hooks needed to unmarshal a ProviderConfiguration.
func CustomHooks() []mapstructure.DecodeHookFunc {
	return []mapstructure.DecodeHookFunc{
		enumHook(map[string]model.UnitOfPrice{
			"per_minute": model.PerMinute,
			"minute":     model.PerMinute,
			"per_hour":   model.PerHour,
			"hour":       model.PerHour,
			"per_day":    model.PerDay,
			"day":        model.PerDay,
		}),
		enumHook(map[string]DatabaseType{
			"postgres": DatabaseTypePostgres,
			"sqlite":   DatabaseTypeSqlite,
		}),
		enumHook(map[string]AccountResolverType{
			"none":   AccountResolverNone,
			"script": AccountResolverScript,
		}),
		enumHook(map[string]JobCacheType{
			"memory": JobCacheMemory,
			"redis":  JobCacheRedis,
		}),
	}
}

func enumHook[T ~string](values map[string]T) mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(T(""))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target || from.Kind() != reflect.String {
			return data, nil
		}
		raw := strings.ToLower(strings.TrimSpace(reflect.ValueOf(data).String()))
		if raw == "" {
			return T(""), nil
		}
		value, ok := values[raw]
		if !ok {
			return nil, errors.Errorf("%q is not a valid %s", data, target.Name())
		}
		return value, nil
	}
}

// ApplyDefaults fills in values that may be omitted from the configuration file.
func (c *ProviderConfiguration) ApplyDefaults() {
	if c.Database.Type == "" {
		c.Database.Type = DatabaseTypeSqlite
	}
	if c.ControlPlane.Timeout == 0 {
		c.ControlPlane.Timeout = defaultControlPlaneTimeout
	}
	if c.Slurm.CommandTimeout == 0 {
		c.Slurm.CommandTimeout = defaultCommandTimeout
	}
	if c.Reconciliation.TickInterval == 0 {
		c.Reconciliation.TickInterval = defaultTickInterval
	}
	if c.Reconciliation.AccountingInterval == 0 {
		c.Reconciliation.AccountingInterval = defaultAccountingInterval
	}
	if c.Reconciliation.IndexRefreshInterval == 0 {
		c.Reconciliation.IndexRefreshInterval = defaultIndexRefresh
	}
	if c.Reconciliation.BatchSize == 0 {
		c.Reconciliation.BatchSize = defaultBatchSize
	}
	if c.JobCache.Type == "" {
		c.JobCache.Type = JobCacheMemory
	}
	if c.JobCache.Ttl == 0 {
		c.JobCache.Ttl = defaultJobCacheTtl
	}
	for i := range c.Products {
		if c.Products[i].UnitOfPrice == "" {
			c.Products[i].UnitOfPrice = model.PerMinute
		}
	}
	for i := range c.Plugins {
		if c.Plugins[i].AccountResolver.Type == "" {
			c.Plugins[i].AccountResolver.Type = AccountResolverNone
		}
	}
}

// Validate checks the struct tags and the constraints spanning several sections.
func (c ProviderConfiguration) Validate() error {
	var result *multierror.Error
	if err := validator.New().Struct(c); err != nil {
		result = multierror.Append(result, err)
	}

	if c.JobCache.Type == JobCacheRedis && c.JobCache.Redis.Addr == "" {
		result = multierror.Append(result, fmt.Errorf("jobCache.redis.addr must be set when the redis job cache is used"))
	}

	categories := map[string]bool{}
	productNames := map[string]bool{}
	for _, p := range c.Products {
		categories[p.Category] = true
		if productNames[p.Name] {
			result = multierror.Append(result, fmt.Errorf("product %s is defined more than once", p.Name))
		}
		productNames[p.Name] = true
	}

	partitions := map[string]string{}
	for _, plugin := range c.Plugins {
		if other, ok := partitions[plugin.Partition]; ok {
			result = multierror.Append(result,
				fmt.Errorf("plugins %s and %s both claim partition %s", other, plugin.Name, plugin.Partition))
		}
		partitions[plugin.Partition] = plugin.Name
		for _, category := range plugin.ProductCategories {
			if !categories[category] {
				result = multierror.Append(result,
					fmt.Errorf("plugin %s references unknown product category %s", plugin.Name, category))
			}
		}
	}
	return result.ErrorOrNil()
}
