package jobcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/slurm-provider/internal/common/logging"
	"github.com/G-Research/slurm-provider/internal/slurm/controlplane"
)

const keyPrefix = "slurm-provider:job:"

type redisEntry struct {
	Found bool             `json:"found"`
	Job   controlplane.Job `json:"job,omitempty"`
}

// RedisCache shares cached jobs between provider instances. An unreachable redis degrades to asking
// the control plane directly.
type RedisCache struct {
	retriever Retriever
	db        redis.UniversalClient
	ttl       time.Duration
}

func NewRedisCache(retriever Retriever, db redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{retriever: retriever, db: db, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, ucloudId string) (controlplane.Job, bool, error) {
	entry, hit, err := c.load(ucloudId)
	if err != nil {
		logging.WithStacktrace(log.WithField("ucloudId", ucloudId), err).Warn("Unable to read job from redis")
	}
	if hit {
		return entry.Job, entry.Found, nil
	}

	job, found, err := c.retriever.RetrieveJob(ctx, ucloudId)
	if err != nil {
		return controlplane.Job{}, false, err
	}
	c.store(ucloudId, redisEntry{Found: found, Job: job})
	return job, found, nil
}

func (c *RedisCache) Put(_ context.Context, job controlplane.Job) {
	c.store(job.Id, redisEntry{Found: true, Job: job})
}

func (c *RedisCache) load(ucloudId string) (redisEntry, bool, error) {
	value, err := c.db.Get(keyPrefix + ucloudId).Result()
	if err == redis.Nil {
		return redisEntry{}, false, nil
	}
	if err != nil {
		return redisEntry{}, false, errors.WithStack(err)
	}
	var entry redisEntry
	if err := json.Unmarshal([]byte(value), &entry); err != nil {
		return redisEntry{}, false, errors.WithStack(err)
	}
	return entry, true, nil
}

func (c *RedisCache) store(ucloudId string, entry redisEntry) {
	value, err := json.Marshal(entry)
	if err == nil {
		err = c.db.Set(keyPrefix+ucloudId, value, c.ttl).Err()
	}
	if err != nil {
		logging.WithStacktrace(log.WithField("ucloudId", ucloudId), errors.WithStack(err)).Warn("Unable to write job to redis")
	}
}
