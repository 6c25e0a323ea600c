package database

import (
	"context"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

// BrowseFilter restricts Browse. Empty fields are not filtered on.
type BrowseFilter struct {
	SchedulerId string
	UcloudId    string
	Partition   string
	ActiveOnly  bool
}

type ElapsedUpdate struct {
	UcloudId  string
	ElapsedMs int64
}

type StateUpdate struct {
	SchedulerId string
	State       model.JobState
}

// JobMappingStore persists the link between control plane jobs and scheduler jobs.
// Every bulk operation is applied atomically. Storage failures are returned as *providererrors.ErrStorageUnavailable.
type JobMappingStore interface {
	// RegisterJob inserts a mapping. It returns false without error if the ucloud id or the active
	// (partition, scheduler id) pair is already mapped.
	RegisterJob(ctx context.Context, mapping model.JobMapping) (bool, error)
	// FindBySchedulerId returns the active mapping of a scheduler job.
	FindBySchedulerId(ctx context.Context, partition string, schedulerId string) (model.JobMapping, bool, error)
	FindByUcloudId(ctx context.Context, ucloudId string) (model.JobMapping, bool, error)
	Browse(ctx context.Context, filter BrowseFilter) ([]model.JobMapping, error)
	// BulkUpdateElapsed raises elapsedAccountedMs. Values lower than the stored one are ignored.
	BulkUpdateElapsed(ctx context.Context, updates []ElapsedUpdate) error
	BulkUpdateState(ctx context.Context, partition string, updates []StateUpdate) error
	MarkInactive(ctx context.Context, partition string, schedulerIds []string) error
}

type SessionStore interface {
	// RegisterSession returns *providererrors.ErrAlreadyExists if the token is taken.
	RegisterSession(ctx context.Context, session model.InteractiveSession) error
	FindSession(ctx context.Context, token string) (model.InteractiveSession, bool, error)
}

type AccountMappingStore interface {
	// FindAccount returns the persisted answer for a key. found is false if nothing was persisted.
	FindAccount(ctx context.Context, owner model.Owner, category string, partition string) (account string, found bool, err error)
	SaveAccount(ctx context.Context, mapping model.AccountMapping) error
	// FindOwnersByAccount returns every persisted mapping pointing at account in partition.
	FindOwnersByAccount(ctx context.Context, account string, partition string) ([]model.AccountMapping, error)
}

type Store interface {
	JobMappingStore
	SessionStore
	AccountMappingStore
	Close()
}

var jobMappingColumns = []interface{}{
	"ucloud_id", "scheduler_id", "partition", "last_known_state", "elapsed_accounted_ms", "active",
}

func browseQuery(dialect string, filter BrowseFilter) (string, []interface{}, error) {
	var conditions []exp.Expression
	if filter.SchedulerId != "" {
		conditions = append(conditions, goqu.C("scheduler_id").Eq(filter.SchedulerId))
	}
	if filter.UcloudId != "" {
		conditions = append(conditions, goqu.C("ucloud_id").Eq(filter.UcloudId))
	}
	if filter.Partition != "" {
		conditions = append(conditions, goqu.C("partition").Eq(filter.Partition))
	}
	if filter.ActiveOnly {
		conditions = append(conditions, goqu.C("active").Eq(true))
	}
	return goqu.Dialect(dialect).
		From("job_mapping").
		Select(jobMappingColumns...).
		Where(conditions...).
		Order(goqu.C("ucloud_id").Asc()).
		Prepared(true).
		ToSQL()
}
