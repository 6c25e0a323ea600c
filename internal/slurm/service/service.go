// Package service implements the operations the control plane initiates against the slurm provider.
package service

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/G-Research/slurm-provider/internal/common/logging"
	"github.com/G-Research/slurm-provider/internal/common/providererrors"
	"github.com/G-Research/slurm-provider/internal/common/util"
	"github.com/G-Research/slurm-provider/internal/slurm/cli"
	"github.com/G-Research/slurm-provider/internal/slurm/controlplane"
	"github.com/G-Research/slurm-provider/internal/slurm/database"
	"github.com/G-Research/slurm-provider/internal/slurm/jobcache"
	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

const terminatedStatus = "Job was terminated"

// AccountLookup resolves the scheduler account a job is submitted under.
type AccountLookup interface {
	LookupByOwner(ctx context.Context, owner model.Owner, category string, partition string) (string, bool, error)
}

// Plugin is a partition together with the product categories submitted to it.
type Plugin struct {
	Name       string
	Partition  string
	Categories []string
}

type Service struct {
	plugins      []Plugin
	scheduler    cli.Scheduler
	store        database.Store
	accounts     AccountLookup
	jobs         jobcache.JobCache
	controlPlane controlplane.Client
	clock        clock.Clock
}

func New(
	plugins []Plugin,
	scheduler cli.Scheduler,
	store database.Store,
	accounts AccountLookup,
	jobs jobcache.JobCache,
	controlPlane controlplane.Client,
) *Service {
	return &Service{
		plugins:      plugins,
		scheduler:    scheduler,
		store:        store,
		accounts:     accounts,
		jobs:         jobs,
		controlPlane: controlPlane,
		clock:        clock.RealClock{},
	}
}

// PluginFor returns the plugin serving the product category of a job.
func (s *Service) PluginFor(job controlplane.Job) (Plugin, error) {
	category := job.Specification.Product.Category
	for _, p := range s.plugins {
		if slices.Contains(p.Categories, category) {
			return p, nil
		}
	}
	return Plugin{}, errors.WithStack(&providererrors.ErrInvalidArgument{
		Name:    "product.category",
		Value:   category,
		Message: "no plugin serves this product category",
	})
}

// ResolveAccount returns the scheduler account a job should be submitted under. ok is false if the
// job should use the default account of the submitting user.
func (s *Service) ResolveAccount(ctx context.Context, job controlplane.Job) (account string, ok bool, err error) {
	plugin, err := s.PluginFor(job)
	if err != nil {
		return "", false, err
	}
	return s.accounts.LookupByOwner(ctx, job.Owner.Owner(), job.Specification.Product.Category, plugin.Partition)
}

// Submit hands an already rendered batch script to slurm under the account mapped to the owner of job
// and records the resulting scheduler job as the backing of job. The reconciliation loop takes over from
// here.
func (s *Service) Submit(ctx context.Context, job controlplane.Job, scriptPath string) (model.JobMapping, error) {
	plugin, err := s.PluginFor(job)
	if err != nil {
		return model.JobMapping{}, err
	}
	if _, found, err := s.store.FindByUcloudId(ctx, job.Id); err != nil {
		return model.JobMapping{}, err
	} else if found {
		return model.JobMapping{}, errors.WithStack(&providererrors.ErrAlreadyExists{Type: "job mapping", Value: job.Id})
	}
	account, _, err := s.accounts.LookupByOwner(ctx, job.Owner.Owner(), job.Specification.Product.Category, plugin.Partition)
	if err != nil {
		return model.JobMapping{}, errors.WithMessagef(err, "resolving the slurm account of job %s", job.Id)
	}

	schedulerId, err := s.scheduler.Submit(ctx, scriptPath, account)
	if err != nil {
		return model.JobMapping{}, err
	}
	logger := log.WithFields(log.Fields{"ucloudId": job.Id, "schedulerId": schedulerId, "partition": plugin.Partition, "account": account})

	mapping := model.JobMapping{
		UcloudId:       job.Id,
		SchedulerId:    schedulerId,
		Partition:      plugin.Partition,
		LastKnownState: model.JobStateInQueue,
		Active:         true,
	}
	created, err := s.store.RegisterJob(ctx, mapping)
	if err != nil {
		logging.WithStacktrace(logger, err).Error("Submitted job could not be recorded")
		return model.JobMapping{}, err
	}
	if !created {
		logger.Error("Submitted job clashes with an existing mapping")
		return model.JobMapping{}, errors.WithStack(&providererrors.ErrAlreadyExists{
			Type:    "job mapping",
			Value:   job.Id,
			Message: "slurm job " + schedulerId + " was submitted but is not tracked",
		})
	}
	s.jobs.Put(ctx, job)
	logger.Info("Submitted job")
	return mapping, nil
}

// SubmitById looks up a job known to the control plane and submits scriptPath for it.
func (s *Service) SubmitById(ctx context.Context, ucloudId string, scriptPath string) (model.JobMapping, error) {
	job, found, err := s.jobs.Get(ctx, ucloudId)
	if err != nil {
		return model.JobMapping{}, err
	}
	if !found {
		return model.JobMapping{}, errors.WithStack(&providererrors.ErrNotFound{
			Type:    "job",
			Value:   ucloudId,
			Message: "the control plane does not know this job",
		})
	}
	return s.Submit(ctx, job, scriptPath)
}

// Terminate asks slurm to cancel the job backing ucloudId. The resulting state change is picked up by the
// reconciliation loop. If slurm refuses, the job most likely finished already and the control plane is
// told it succeeded.
func (s *Service) Terminate(ctx context.Context, ucloudId string) error {
	mapping, err := s.mapping(ctx, ucloudId)
	if err != nil {
		return err
	}
	logger := log.WithFields(log.Fields{"ucloudId": ucloudId, "schedulerId": mapping.SchedulerId, "partition": mapping.Partition})

	cancelErr := s.scheduler.Cancel(ctx, mapping.Partition, mapping.SchedulerId)
	if cancelErr == nil {
		logger.Info("Cancelled job")
		return nil
	}
	logging.WithStacktrace(logger, cancelErr).Warn("Unable to cancel job, marking it as finished")

	err = s.controlPlane.UpdateJobs(ctx, []controlplane.ResourceUpdateAndId{{
		Id:     ucloudId,
		Update: controlplane.JobUpdate{State: model.JobStateSuccess, Status: terminatedStatus},
	}})
	if err != nil {
		return errors.WithMessage(err, "something went wrong while attempting to cancel the job")
	}
	err = s.store.BulkUpdateState(ctx, mapping.Partition, []database.StateUpdate{
		{SchedulerId: mapping.SchedulerId, State: model.JobStateSuccess},
	})
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("Unable to record the final state of the job")
	}
	return nil
}

// RegisterSession records an interactive session against a rank of a tracked job. A token is generated
// if the session has none.
func (s *Service) RegisterSession(ctx context.Context, session model.InteractiveSession) (model.InteractiveSession, error) {
	if session.Rank < 0 {
		return model.InteractiveSession{}, errors.WithStack(&providererrors.ErrInvalidArgument{
			Name:    "rank",
			Value:   session.Rank,
			Message: "must not be negative",
		})
	}
	if _, err := s.mapping(ctx, session.UcloudId); err != nil {
		return model.InteractiveSession{}, err
	}

	session.CreatedAt = s.clock.Now().UTC()
	if session.Token == "" {
		session.Token = util.NewULIDAt(session.CreatedAt)
	}
	if err := s.store.RegisterSession(ctx, session); err != nil {
		return model.InteractiveSession{}, err
	}
	return session, nil
}

func (s *Service) FindSession(ctx context.Context, token string) (model.InteractiveSession, bool, error) {
	return s.store.FindSession(ctx, token)
}

// NodeForRank returns the host running the given rank of a job. ok is false if slurm has not allocated
// a node to that rank.
func (s *Service) NodeForRank(ctx context.Context, ucloudId string, rank int) (node string, ok bool, err error) {
	mapping, err := s.mapping(ctx, ucloudId)
	if err != nil {
		return "", false, err
	}
	nodes, err := s.scheduler.NodeList(ctx, mapping.SchedulerId)
	if err != nil {
		return "", false, err
	}
	node, ok = nodes[rank]
	return node, ok, nil
}

// SessionNode resolves a session token to the host its rank runs on.
func (s *Service) SessionNode(ctx context.Context, token string) (model.InteractiveSession, string, error) {
	session, found, err := s.store.FindSession(ctx, token)
	if err != nil {
		return model.InteractiveSession{}, "", err
	}
	if !found {
		return model.InteractiveSession{}, "", errors.WithStack(&providererrors.ErrNotFound{Type: "session", Value: token})
	}
	node, ok, err := s.NodeForRank(ctx, session.UcloudId, session.Rank)
	if err != nil {
		return session, "", err
	}
	if !ok {
		return session, "", errors.WithStack(&providererrors.ErrNotFound{
			Type:    "node",
			Value:   session.UcloudId,
			Message: "no node is allocated to the rank of this session",
		})
	}
	return session, node, nil
}

// LogFiles returns where slurm writes the output of a job.
func (s *Service) LogFiles(ctx context.Context, ucloudId string) (cli.LogFiles, error) {
	mapping, err := s.mapping(ctx, ucloudId)
	if err != nil {
		return cli.LogFiles{}, err
	}
	return s.scheduler.LogFileLocations(ctx, mapping.SchedulerId)
}

// Jobs lists the tracked jobs matching filter.
func (s *Service) Jobs(ctx context.Context, filter database.BrowseFilter) ([]model.JobMapping, error) {
	return s.store.Browse(ctx, filter)
}

func (s *Service) mapping(ctx context.Context, ucloudId string) (model.JobMapping, error) {
	mapping, found, err := s.store.FindByUcloudId(ctx, ucloudId)
	if err != nil {
		return model.JobMapping{}, err
	}
	if !found {
		return model.JobMapping{}, errors.WithStack(&providererrors.ErrNotFound{Type: "job mapping", Value: ucloudId})
	}
	return mapping, nil
}
