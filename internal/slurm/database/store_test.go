package database

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/slurm-provider/internal/common/database"
	"github.com/G-Research/slurm-provider/internal/common/providererrors"
	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

func withSqliteStore(t *testing.T, action func(store Store)) {
	t.Helper()
	store, err := OpenSqliteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	defer store.Close()
	action(store)
}

func withPostgresStore(t *testing.T, action func(store Store)) {
	t.Helper()
	migrations, err := PostgresMigrations()
	require.NoError(t, err)
	err = database.WithTestDb(migrations, func(db *pgxpool.Pool) error {
		action(NewPostgresStore(db))
		return nil
	})
	var unavailable *providererrors.ErrStorageUnavailable
	if errors.As(err, &unavailable) {
		t.Skipf("postgres not available: %v", err)
	}
	require.NoError(t, err)
}

func withStores(t *testing.T, action func(t *testing.T, store Store)) {
	t.Run("sqlite", func(t *testing.T) {
		withSqliteStore(t, func(store Store) { action(t, store) })
	})
	t.Run("sqlite indexed", func(t *testing.T) {
		withSqliteStore(t, func(store Store) {
			indexed, err := NewIndexedStore(context.Background(), store)
			require.NoError(t, err)
			action(t, indexed)
		})
	})
	t.Run("postgres", func(t *testing.T) {
		withPostgresStore(t, func(store Store) { action(t, store) })
	})
}

func mapping(ucloudId string, schedulerId string) model.JobMapping {
	return model.JobMapping{
		UcloudId:       ucloudId,
		SchedulerId:    schedulerId,
		Partition:      "normal",
		LastKnownState: model.JobStateInQueue,
		Active:         true,
	}
}

func TestRegisterAndFind(t *testing.T) {
	withStores(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		created, err := store.RegisterJob(ctx, mapping("u1", "42"))
		require.NoError(t, err)
		assert.True(t, created)

		// Registration keys on the scheduler id and is a no-op if already mapped.
		created, err = store.RegisterJob(ctx, mapping("u2", "42"))
		require.NoError(t, err)
		assert.False(t, created)

		found, ok, err := store.FindBySchedulerId(ctx, "normal", "42")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, mapping("u1", "42"), found)

		found, ok, err = store.FindByUcloudId(ctx, "u1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "42", found.SchedulerId)

		_, ok, err = store.FindByUcloudId(ctx, "u2")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = store.FindBySchedulerId(ctx, "other", "42")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestBrowse(t *testing.T) {
	withStores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		other := mapping("u3", "44")
		other.Partition = "gpu"
		for _, m := range []model.JobMapping{mapping("u1", "42"), mapping("u2", "43"), other} {
			_, err := store.RegisterJob(ctx, m)
			require.NoError(t, err)
		}
		require.NoError(t, store.MarkInactive(ctx, "normal", []string{"43"}))

		tests := map[string]struct {
			filter   BrowseFilter
			expected []string
		}{
			"everything":           {filter: BrowseFilter{}, expected: []string{"u1", "u2", "u3"}},
			"active only":          {filter: BrowseFilter{ActiveOnly: true}, expected: []string{"u1", "u3"}},
			"active in partition":  {filter: BrowseFilter{ActiveOnly: true, Partition: "normal"}, expected: []string{"u1"}},
			"by scheduler id":      {filter: BrowseFilter{SchedulerId: "43"}, expected: []string{"u2"}},
			"by ucloud id":         {filter: BrowseFilter{UcloudId: "u3"}, expected: []string{"u3"}},
			"inactive not matched": {filter: BrowseFilter{SchedulerId: "43", ActiveOnly: true}, expected: nil},
		}
		for name, tc := range tests {
			t.Run(name, func(t *testing.T) {
				mappings, err := store.Browse(ctx, tc.filter)
				require.NoError(t, err)
				var ids []string
				for _, m := range mappings {
					ids = append(ids, m.UcloudId)
				}
				assert.Equal(t, tc.expected, ids)
			})
		}
	})
}

func TestBulkUpdateElapsed_IsMonotonic(t *testing.T) {
	withStores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for _, m := range []model.JobMapping{mapping("u1", "42"), mapping("u2", "43")} {
			_, err := store.RegisterJob(ctx, m)
			require.NoError(t, err)
		}

		require.NoError(t, store.BulkUpdateElapsed(ctx, []ElapsedUpdate{
			{UcloudId: "u1", ElapsedMs: 60000},
			{UcloudId: "u2", ElapsedMs: 120000},
			{UcloudId: "missing", ElapsedMs: 1},
		}))
		require.NoError(t, store.BulkUpdateElapsed(ctx, []ElapsedUpdate{
			{UcloudId: "u1", ElapsedMs: 30000},
			{UcloudId: "u2", ElapsedMs: 180000},
		}))

		u1, _, err := store.FindByUcloudId(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(60000), u1.ElapsedAccountedMs)

		u2, _, err := store.FindBySchedulerId(ctx, "normal", "43")
		require.NoError(t, err)
		assert.Equal(t, int64(180000), u2.ElapsedAccountedMs)

		require.NoError(t, store.BulkUpdateElapsed(ctx, nil))
	})
}

func TestBulkUpdateState(t *testing.T) {
	withStores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for _, m := range []model.JobMapping{mapping("u1", "42"), mapping("u2", "43")} {
			_, err := store.RegisterJob(ctx, m)
			require.NoError(t, err)
		}

		require.NoError(t, store.BulkUpdateState(ctx, "normal", []StateUpdate{
			{SchedulerId: "42", State: model.JobStateRunning},
			{SchedulerId: "43", State: model.JobStateSuccess},
		}))
		// Updates are scoped to the partition.
		require.NoError(t, store.BulkUpdateState(ctx, "gpu", []StateUpdate{
			{SchedulerId: "42", State: model.JobStateFailure},
		}))

		active, err := store.Browse(ctx, BrowseFilter{ActiveOnly: true, Partition: "normal"})
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, model.JobStateRunning, active[0].LastKnownState)
		assert.Equal(t, model.JobStateSuccess, active[1].LastKnownState)
	})
}

func TestMarkInactive(t *testing.T) {
	withStores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		_, err := store.RegisterJob(ctx, mapping("u1", "42"))
		require.NoError(t, err)

		require.NoError(t, store.MarkInactive(ctx, "normal", []string{"42"}))

		_, ok, err := store.FindBySchedulerId(ctx, "normal", "42")
		require.NoError(t, err)
		assert.False(t, ok)

		retained, ok, err := store.FindByUcloudId(ctx, "u1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.False(t, retained.Active)

		// Scheduler ids may be reused once the old mapping is inactive.
		created, err := store.RegisterJob(ctx, mapping("u2", "42"))
		require.NoError(t, err)
		assert.True(t, created)
	})
}

func TestSessions(t *testing.T) {
	withStores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session := model.InteractiveSession{
			Token:     "token-1",
			UcloudId:  "u1",
			Rank:      2,
			CreatedAt: time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC),
		}
		require.NoError(t, store.RegisterSession(ctx, session))

		err := store.RegisterSession(ctx, session)
		var exists *providererrors.ErrAlreadyExists
		assert.True(t, errors.As(err, &exists))

		found, ok, err := store.FindSession(ctx, "token-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, session.UcloudId, found.UcloudId)
		assert.Equal(t, session.Rank, found.Rank)
		assert.True(t, session.CreatedAt.Equal(found.CreatedAt))

		_, ok, err = store.FindSession(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestAccountMappings(t *testing.T) {
	withStores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		alice := model.UserOwner("alice")
		project := model.ProjectOwner("p1")

		_, found, err := store.FindAccount(ctx, alice, "standard", "normal")
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, store.SaveAccount(ctx, model.AccountMapping{
			Owner: alice, ProductCategory: "standard", Partition: "normal", SchedulerAccount: "grpA",
		}))
		require.NoError(t, store.SaveAccount(ctx, model.AccountMapping{
			Owner: project, ProductCategory: "standard", Partition: "normal", SchedulerAccount: "grpA",
		}))
		// A resolved "no account" is persisted as well.
		require.NoError(t, store.SaveAccount(ctx, model.AccountMapping{
			Owner: model.UserOwner("bob"), ProductCategory: "standard", Partition: "normal",
		}))

		account, found, err := store.FindAccount(ctx, alice, "standard", "normal")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "grpA", account)

		account, found, err = store.FindAccount(ctx, model.UserOwner("bob"), "standard", "normal")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "", account)

		owners, err := store.FindOwnersByAccount(ctx, "grpA", "normal")
		require.NoError(t, err)
		require.Len(t, owners, 2)
		assert.Equal(t, project, owners[0].Owner)
		assert.Equal(t, alice, owners[1].Owner)

		// Overwriting replaces the previous answer.
		require.NoError(t, store.SaveAccount(ctx, model.AccountMapping{
			Owner: alice, ProductCategory: "standard", Partition: "normal", SchedulerAccount: "grpB",
		}))
		owners, err = store.FindOwnersByAccount(ctx, "grpA", "normal")
		require.NoError(t, err)
		assert.Len(t, owners, 1)
	})
}

func TestBrowseQuery(t *testing.T) {
	sql, args, err := browseQuery("postgres", BrowseFilter{Partition: "normal", ActiveOnly: true})
	require.NoError(t, err)
	assert.Contains(t, sql, `"partition" = $1`)
	assert.Contains(t, sql, `"active" IS TRUE`)
	assert.Equal(t, []interface{}{"normal"}, args)
}
