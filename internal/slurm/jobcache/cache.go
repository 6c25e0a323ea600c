// Package jobcache caches control plane jobs so the reconciliation loop does not retrieve the same job
// on every charge.
package jobcache

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/G-Research/slurm-provider/internal/slurm/controlplane"
)

// Retriever fetches a job from the control plane. controlplane.Client satisfies it.
type Retriever interface {
	RetrieveJob(ctx context.Context, id string) (controlplane.Job, bool, error)
}

// JobCache returns control plane jobs. Both found and missing jobs are remembered for the TTL of the
// cache; failed retrievals are not.
type JobCache interface {
	Get(ctx context.Context, ucloudId string) (controlplane.Job, bool, error)
	// Put stores a job the caller already has, replacing any cached answer.
	Put(ctx context.Context, job controlplane.Job)
}

// MemoryCache keeps jobs in process memory.
type MemoryCache struct {
	retriever Retriever
	jobs      *cache.Cache
}

func NewMemoryCache(retriever Retriever, ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		retriever: retriever,
		jobs:      cache.New(ttl, ttl),
	}
}

func (c *MemoryCache) Get(ctx context.Context, ucloudId string) (controlplane.Job, bool, error) {
	if cached, ok := c.jobs.Get(ucloudId); ok {
		job := cached.(*controlplane.Job)
		if job == nil {
			return controlplane.Job{}, false, nil
		}
		return *job, true, nil
	}

	job, found, err := c.retriever.RetrieveJob(ctx, ucloudId)
	if err != nil {
		return controlplane.Job{}, false, err
	}
	if !found {
		c.jobs.SetDefault(ucloudId, (*controlplane.Job)(nil))
		return controlplane.Job{}, false, nil
	}
	c.jobs.SetDefault(ucloudId, &job)
	return job, true, nil
}

func (c *MemoryCache) Put(_ context.Context, job controlplane.Job) {
	c.jobs.SetDefault(job.Id, &job)
}
