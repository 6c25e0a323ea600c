// Package reconciler keeps the control plane in step with slurm. Every tick it pushes job state changes;
// every accounting interval it adopts jobs submitted directly to slurm and charges for elapsed time.
package reconciler

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/slurm-provider/internal/common/logging"
	"github.com/G-Research/slurm-provider/internal/slurm/cli"
	"github.com/G-Research/slurm-provider/internal/slurm/controlplane"
	"github.com/G-Research/slurm-provider/internal/slurm/database"
	"github.com/G-Research/slurm-provider/internal/slurm/estimator"
	"github.com/G-Research/slurm-provider/internal/slurm/jobcache"
	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

type Config struct {
	Plugin             string
	Partition          string
	TickInterval       time.Duration
	AccountingInterval time.Duration
	// Maximum number of items per control plane request.
	BatchSize int
}

// AccountMapper is the reverse lookup used to attribute scheduler accounts to owners.
type AccountMapper interface {
	LookupBySchedulerAccount(ctx context.Context, account string, partition string) ([]model.AccountMapping, error)
}

type ProductEstimator interface {
	Estimate(row model.AccountingRow, candidates []model.AccountMapping) (estimator.Estimate, bool)
}

// Reconciler runs the reconciliation loop of a single partition. It is not safe for concurrent use;
// Run must be called at most once.
type Reconciler struct {
	config       Config
	scheduler    cli.Scheduler
	store        database.JobMappingStore
	accounts     AccountMapper
	estimator    ProductEstimator
	jobs         jobcache.JobCache
	controlPlane controlplane.Client
	deadLetters  DeadLetterSink
	products     map[productKey]model.Product
	clock        clock.Clock
	logger       *log.Entry

	// Accounting rows are requested from this point in time onwards.
	watermark          time.Time
	nextAccountingScan time.Time
	// Consecutive failed accounting scans.
	accountingFailures int
	// Accounting scans in which a finished job had no accounting row, by scheduler id.
	missingAccounting map[string]int

	// Called after every cycle. Used in tests.
	onCycleCompleted func()
}

type productKey struct {
	name     string
	category string
}

func New(
	config Config,
	scheduler cli.Scheduler,
	store database.JobMappingStore,
	accounts AccountMapper,
	estimator ProductEstimator,
	jobs jobcache.JobCache,
	controlPlane controlplane.Client,
	deadLetters DeadLetterSink,
	products []model.Product,
) *Reconciler {
	productsByKey := make(map[productKey]model.Product, len(products))
	for _, p := range products {
		productsByKey[productKey{name: p.Name, category: p.Category}] = p
	}
	if deadLetters == nil {
		deadLetters = countingSink{}
	}
	return &Reconciler{
		config:       config,
		scheduler:    scheduler,
		store:        store,
		accounts:     accounts,
		estimator:    estimator,
		jobs:         jobs,
		controlPlane: controlPlane,
		deadLetters:  deadLetters,
		products:     productsByKey,
		clock:        clock.RealClock{},
		logger:       log.WithFields(log.Fields{"plugin": config.Plugin, "partition": config.Partition}),

		missingAccounting: map[string]int{},
	}
}

// Run reconciles until ctx is cancelled. Cycles are separated by TickInterval, measured from the end of
// the previous cycle. Failures are logged and retried later; Run only returns once ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Infof("Starting reconciliation every %s with accounting every %s", r.config.TickInterval, r.config.AccountingInterval)
	timer := r.clock.NewTimer(r.config.TickInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping reconciliation")
			return nil
		case <-timer.C():
			start := r.clock.Now()
			r.cycle(ctx)
			r.logger.Debugf("Completed reconciliation cycle in %s", r.clock.Since(start))
			timer.Reset(r.config.TickInterval)
			if r.onCycleCompleted != nil {
				r.onCycleCompleted()
			}
		}
	}
}

func (r *Reconciler) cycle(ctx context.Context) {
	r.runPhase("states", func() error {
		return r.syncStates(ctx)
	})

	now := r.clock.Now()
	if now.Before(r.nextAccountingScan) {
		return
	}
	if r.runPhase("accounting", func() error {
		return r.syncAccounting(ctx)
	}) {
		r.accountingFailures = 0
		r.nextAccountingScan = now.Add(r.config.AccountingInterval)
		return
	}
	r.accountingFailures++
	backoff := r.accountingBackoff()
	r.nextAccountingScan = now.Add(backoff)
	r.logger.Warnf("Accounting scan failed %d times in a row, retrying in %s", r.accountingFailures, backoff)
}

// accountingBackoff doubles the delay before the next accounting scan with every failed scan, starting
// from twice the tick interval and never exceeding the accounting interval.
func (r *Reconciler) accountingBackoff() time.Duration {
	backoff := r.config.TickInterval
	for i := 0; i < r.accountingFailures && backoff < r.config.AccountingInterval; i++ {
		backoff *= 2
	}
	if backoff > r.config.AccountingInterval {
		return r.config.AccountingInterval
	}
	return backoff
}

// runPhase is the recovery boundary of a phase: errors and panics are logged, never propagated.
func (r *Reconciler) runPhase(phase string, fn func() error) (ok bool) {
	start := r.clock.Now()
	defer func() {
		phaseDuration.WithLabelValues(r.config.Partition, phase).Observe(r.clock.Since(start).Seconds())
		if recovered := recover(); recovered != nil {
			phaseFailures.WithLabelValues(r.config.Partition, phase).Inc()
			r.logger.WithField("phase", phase).Errorf("Reconciliation phase panicked: %v", recovered)
			ok = false
		}
	}()
	if err := fn(); err != nil {
		phaseFailures.WithLabelValues(r.config.Partition, phase).Inc()
		logging.WithStacktrace(r.logger.WithField("phase", phase), err).Error("Reconciliation phase failed")
		return false
	}
	return true
}

func (r *Reconciler) activeMappings(ctx context.Context) ([]model.JobMapping, error) {
	mappings, err := r.store.Browse(ctx, database.BrowseFilter{Partition: r.config.Partition, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	activeJobs.WithLabelValues(r.config.Partition).Set(float64(len(mappings)))
	return mappings, nil
}

func (r *Reconciler) batchSize() int {
	if r.config.BatchSize < 1 {
		return 100
	}
	return r.config.BatchSize
}
