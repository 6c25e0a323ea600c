package configuration

import "time"

const (
	defaultControlPlaneTimeout = 30 * time.Second
	defaultCommandTimeout      = 30 * time.Second
	defaultTickInterval        = 5 * time.Second
	defaultAccountingInterval  = 15 * time.Minute
	defaultIndexRefresh        = time.Minute
	defaultBatchSize           = 100
	defaultJobCacheTtl         = time.Hour
)
