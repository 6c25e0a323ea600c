package reconciler

import (
	"context"

	"github.com/G-Research/slurm-provider/internal/common/logging"
	"github.com/G-Research/slurm-provider/internal/common/util"
	"github.com/G-Research/slurm-provider/internal/slurm/controlplane"
	"github.com/G-Research/slurm-provider/internal/slurm/database"
	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

type stateChange struct {
	mapping     model.JobMapping
	translation model.StateTranslation
}

// syncStates pushes every state change slurm reports for active jobs. The stored state of a job only
// advances once the control plane accepted the change, so a failed push is retried on the next tick.
func (r *Reconciler) syncStates(ctx context.Context) error {
	mappings, err := r.activeMappings(ctx)
	if err != nil {
		return err
	}
	if len(mappings) == 0 {
		return nil
	}

	bySchedulerId := make(map[string]model.JobMapping, len(mappings))
	schedulerIds := make([]string, 0, len(mappings))
	for _, m := range mappings {
		bySchedulerId[m.SchedulerId] = m
		schedulerIds = append(schedulerIds, m.SchedulerId)
	}

	allocations, err := r.scheduler.BrowseAllocations(ctx, schedulerIds, r.config.Partition)
	if err != nil {
		return err
	}

	var changes []stateChange
	for _, allocation := range allocations {
		mapping, ok := bySchedulerId[allocation.JobId]
		if !ok {
			continue
		}
		// Only the first row of a job counts.
		delete(bySchedulerId, allocation.JobId)
		if allocation.State.State == mapping.LastKnownState {
			continue
		}
		changes = append(changes, stateChange{mapping: mapping, translation: allocation.State})
	}

	pushed := 0
	for _, batch := range util.Batch(changes, r.batchSize()) {
		updates := make([]controlplane.ResourceUpdateAndId, 0, len(batch))
		stateUpdates := make([]database.StateUpdate, 0, len(batch))
		for _, change := range batch {
			updates = append(updates, controlplane.ResourceUpdateAndId{
				Id: change.mapping.UcloudId,
				Update: controlplane.JobUpdate{
					State:  change.translation.State,
					Status: change.translation.Message,
				},
			})
			stateUpdates = append(stateUpdates, database.StateUpdate{
				SchedulerId: change.mapping.SchedulerId,
				State:       change.translation.State,
			})
		}

		if err := r.controlPlane.UpdateJobs(ctx, updates); err != nil {
			logging.WithStacktrace(r.logger, err).Warnf("Unable to push %d state updates, retrying next tick", len(updates))
			continue
		}
		if err := r.store.BulkUpdateState(ctx, r.config.Partition, stateUpdates); err != nil {
			logging.WithStacktrace(r.logger, err).Warnf("Pushed %d state updates but could not record them", len(updates))
			continue
		}
		pushed += len(updates)
	}

	if pushed > 0 {
		stateUpdatesPushed.WithLabelValues(r.config.Partition).Add(float64(pushed))
		r.logger.Infof("Updated state of %d slurm jobs", pushed)
	}
	return nil
}
