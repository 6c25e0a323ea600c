package reconciler

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/G-Research/slurm-provider/internal/common/logging"
	"github.com/G-Research/slurm-provider/internal/common/util"
	"github.com/G-Research/slurm-provider/internal/slurm/controlplane"
	"github.com/G-Research/slurm-provider/internal/slurm/database"
	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

// syncAccounting reads the slurm accounting data written since the last scan, registers jobs the
// control plane does not know about and charges every active job for the time elapsed since its last
// charge.
func (r *Reconciler) syncAccounting(ctx context.Context) error {
	mappings, err := r.activeMappings(ctx)
	if err != nil {
		return err
	}

	scanStart := r.clock.Now()
	if r.watermark.IsZero() {
		r.watermark = scanStart.Add(-r.config.AccountingInterval)
	}
	rows, err := r.scheduler.RetrieveAccountingData(ctx, r.watermark, r.config.Partition)
	if err != nil {
		return err
	}
	rowsBySchedulerId := make(map[string]model.AccountingRow, len(rows))
	addRows(rowsBySchedulerId, rows)

	// Tracked jobs that ended before the watermark are looked up by id so their remaining time is charged.
	if err := r.retrieveMissingRows(ctx, mappings, rowsBySchedulerId); err != nil {
		return err
	}
	// Rows that fail below are not retried from this scan; running jobs show up again in the next one.
	r.watermark = scanStart

	adopted, err := r.adopt(ctx, rows, mappings)
	if err != nil {
		logging.WithStacktrace(r.logger, err).Warn("Not every adopted job could be recorded")
	}
	mappings = append(mappings, adopted...)

	return r.charge(ctx, mappings, rowsBySchedulerId)
}

func (r *Reconciler) retrieveMissingRows(ctx context.Context, mappings []model.JobMapping, rows map[string]model.AccountingRow) error {
	var missing []string
	for _, m := range mappings {
		if _, ok := rows[m.SchedulerId]; !ok {
			missing = append(missing, m.SchedulerId)
		}
	}
	for _, batch := range util.Batch(missing, r.batchSize()) {
		found, err := r.scheduler.RetrieveAccountingDataForJobs(ctx, batch, r.config.Partition)
		if err != nil {
			return errors.WithMessagef(err, "retrieving accounting data of %d jobs", len(batch))
		}
		addRows(rows, found)
	}
	return nil
}

// addRows indexes rows by scheduler id. The first row of a job wins.
func addRows(bySchedulerId map[string]model.AccountingRow, rows []model.AccountingRow) {
	for _, row := range rows {
		if _, exists := bySchedulerId[row.JobId]; !exists {
			bySchedulerId[row.JobId] = row
		}
	}
}

// adopt registers jobs that were submitted to slurm directly with the control plane. Rows whose account
// cannot be attributed to an owner, or whose request matches no product, are skipped.
func (r *Reconciler) adopt(ctx context.Context, rows []model.AccountingRow, known []model.JobMapping) ([]model.JobMapping, error) {
	knownIds := make(map[string]bool, len(known))
	for _, m := range known {
		knownIds[m.SchedulerId] = true
	}

	type candidate struct {
		row      model.AccountingRow
		resource controlplane.ProviderRegisteredResource
		owner    model.Owner
	}
	var candidates []candidate
	for _, row := range rows {
		if knownIds[row.JobId] || row.Account == "" {
			continue
		}
		knownIds[row.JobId] = true

		logger := r.logger.WithFields(log.Fields{"schedulerId": row.JobId, "account": row.Account})
		previous, err := r.store.Browse(ctx, database.BrowseFilter{SchedulerId: row.JobId, Partition: r.config.Partition})
		if err != nil {
			logging.WithStacktrace(logger, err).Warn("Unable to check for an existing mapping")
			continue
		}
		if len(previous) > 0 {
			continue
		}

		owners, err := r.accounts.LookupBySchedulerAccount(ctx, row.Account, r.config.Partition)
		if err != nil {
			logging.WithStacktrace(logger, err).Warn("Unable to look up owners of account")
			continue
		}
		if len(owners) == 0 {
			logger.Debug("No owner is mapped to the account of this job")
			r.deadLetters.Record(r.config.Partition, row, reasonNoOwner)
			continue
		}
		estimate, ok := r.estimator.Estimate(row, owners)
		if !ok {
			logger.Debug("No product matches the resources requested by this job")
			r.deadLetters.Record(r.config.Partition, row, reasonNoProduct)
			continue
		}

		owner := estimate.Account.Owner
		candidates = append(candidates, candidate{
			row:   row,
			owner: owner,
			resource: controlplane.ProviderRegisteredResource{
				Spec:                adoptedJobSpecification(row, estimate.Product, estimate.Replicas),
				ProviderGeneratedId: providerGeneratedId(row.JobId),
				CreatedBy:           owner.Username,
				Project:             owner.Project,
			},
		})
	}

	var result *multierror.Error
	var adopted []model.JobMapping
	for _, batch := range util.Batch(candidates, r.batchSize()) {
		resources := make([]controlplane.ProviderRegisteredResource, len(batch))
		for i, c := range batch {
			resources[i] = c.resource
		}
		ids, err := r.controlPlane.RegisterJobs(ctx, resources)
		if err != nil {
			logging.WithStacktrace(r.logger, err).Warnf("Unable to register %d slurm jobs", len(resources))
			continue
		}

		for i, c := range batch {
			schedulerId := strings.TrimPrefix(c.resource.ProviderGeneratedId, providerIdPrefix)
			mapping := model.JobMapping{
				UcloudId:       ids[i],
				SchedulerId:    schedulerId,
				Partition:      r.config.Partition,
				LastKnownState: model.JobStateInQueue,
				Active:         true,
			}
			created, err := r.store.RegisterJob(ctx, mapping)
			if err != nil {
				result = multierror.Append(result, errors.WithMessagef(err, "recording adopted job %s", schedulerId))
				continue
			}
			if !created {
				continue
			}
			r.jobs.Put(ctx, controlplane.Job{
				Id:            mapping.UcloudId,
				Owner:         controlplane.ResourceOwner{CreatedBy: c.owner.Username, Project: c.owner.Project},
				Specification: c.resource.Spec,
				Status:        controlplane.JobStatus{State: model.JobStateInQueue},
			})
			adopted = append(adopted, mapping)
		}
	}

	if len(adopted) > 0 {
		jobsAdopted.WithLabelValues(r.config.Partition).Add(float64(len(adopted)))
	}
	r.logger.Infof("Registered %d slurm jobs", len(adopted))
	return adopted, result.ErrorOrNil()
}

// Number of accounting scans a finished job may go without accounting data before it is retired.
const maxMissingAccountingScans = 3

type pendingCharge struct {
	charge  controlplane.Charge
	mapping model.JobMapping
	row     model.AccountingRow
}

// charge bills active jobs for the time elapsed since their last charge. Only charges the control
// plane accepted advance the accounted time. A job whose final state is known is marked inactive once
// all of its time has been charged.
func (r *Reconciler) charge(ctx context.Context, mappings []model.JobMapping, rows map[string]model.AccountingRow) error {
	slices.SortFunc(mappings, func(a, b model.JobMapping) bool {
		return a.UcloudId < b.UcloudId
	})

	var pending []pendingCharge
	var finished []string
	for _, m := range mappings {
		row, ok := rows[m.SchedulerId]
		if !ok {
			if m.LastKnownState.IsFinal() && r.giveUpOnAccounting(m) {
				finished = append(finished, m.SchedulerId)
			}
			continue
		}
		delete(r.missingAccounting, m.SchedulerId)

		delta := row.ElapsedMs - m.ElapsedAccountedMs
		if delta <= 0 {
			if isFinished(m, row) {
				finished = append(finished, m.SchedulerId)
			}
			continue
		}

		units, unit := r.billing(ctx, m)
		pending = append(pending, pendingCharge{
			charge: controlplane.Charge{
				JobId:          m.UcloudId,
				IdempotencyKey: IdempotencyKey(m.UcloudId, m.ElapsedAccountedMs),
				Units:          units,
				Periods:        Periods(time.Duration(delta)*time.Millisecond, unit),
			},
			mapping: m,
			row:     row,
		})
	}

	var result *multierror.Error
	charged := 0
	for _, batch := range util.Batch(pending, r.batchSize()) {
		charges := make([]controlplane.Charge, len(batch))
		elapsed := make([]database.ElapsedUpdate, len(batch))
		var done []string
		for i, p := range batch {
			charges[i] = p.charge
			elapsed[i] = database.ElapsedUpdate{UcloudId: p.mapping.UcloudId, ElapsedMs: p.row.ElapsedMs}
			if isFinished(p.mapping, p.row) {
				done = append(done, p.mapping.SchedulerId)
			}
		}

		chargeResult, err := r.controlPlane.ChargeJobs(ctx, charges)
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "charging %d jobs", len(charges)))
			continue
		}
		if len(chargeResult.InsufficientFunds) > 0 {
			r.logger.Warnf("Control plane reported insufficient funds for jobs %s", strings.Join(chargeResult.InsufficientFunds, ", "))
		}
		if err := r.store.BulkUpdateElapsed(ctx, elapsed); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "recording %d charges", len(charges)))
			continue
		}
		charged += len(charges)
		finished = append(finished, done...)
	}

	if len(finished) > 0 {
		if err := r.store.MarkInactive(ctx, r.config.Partition, finished); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "retiring %d finished jobs", len(finished)))
		}
	}
	if charged > 0 {
		chargesSent.WithLabelValues(r.config.Partition).Add(float64(charged))
		r.logger.Infof("Charged %d slurm jobs", charged)
	}
	return result.ErrorOrNil()
}

// giveUpOnAccounting counts the scans in which a finished job had no accounting data and reports whether
// the job should be retired without a final charge.
func (r *Reconciler) giveUpOnAccounting(m model.JobMapping) bool {
	r.missingAccounting[m.SchedulerId]++
	scans := r.missingAccounting[m.SchedulerId]
	logger := r.logger.WithFields(log.Fields{"ucloudId": m.UcloudId, "schedulerId": m.SchedulerId})
	if scans < maxMissingAccountingScans {
		logger.Infof("Finished job has no accounting data, retrying in the next scan (%d/%d)", scans, maxMissingAccountingScans)
		return false
	}
	delete(r.missingAccounting, m.SchedulerId)
	logger.Warnf("Finished job had no accounting data in %d scans, retiring it without a final charge", scans)
	return true
}

// isFinished reports whether a job has reached a final state and the control plane has been told so.
func isFinished(m model.JobMapping, row model.AccountingRow) bool {
	return row.State.IsFinal && m.LastKnownState.IsFinal()
}

// billing returns the number of units a job is charged for and the unit of price of its product.
// Jobs the control plane cannot describe are charged for one unit per minute.
func (r *Reconciler) billing(ctx context.Context, m model.JobMapping) (int64, model.UnitOfPrice) {
	job, found, err := r.jobs.Get(ctx, m.UcloudId)
	if err != nil {
		logging.WithStacktrace(r.logger.WithField("ucloudId", m.UcloudId), err).Warn("Unable to retrieve job, charging a single unit")
		return 1, model.PerMinute
	}
	if !found {
		return 1, model.PerMinute
	}
	unit := model.PerMinute
	product := job.Specification.Product
	if p, ok := r.products[productKey{name: product.Id, category: product.Category}]; ok && p.UnitOfPrice != "" {
		unit = p.UnitOfPrice
	}
	return int64(job.Replicas()), unit
}
