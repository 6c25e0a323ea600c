package database

import (
	"context"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/G-Research/slurm-provider/internal/common/providererrors"
	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

// PostgresStore is the Store used by providers sharing a postgres database.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

func (s *PostgresStore) RegisterJob(ctx context.Context, mapping model.JobMapping) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO job_mapping (ucloud_id, scheduler_id, partition, last_known_state, elapsed_accounted_ms, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		mapping.UcloudId, mapping.SchedulerId, mapping.Partition, string(mapping.LastKnownState),
		mapping.ElapsedAccountedMs, mapping.Active)
	if err != nil {
		return false, providererrors.StorageUnavailable("register job", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FindBySchedulerId(ctx context.Context, partition string, schedulerId string) (model.JobMapping, bool, error) {
	return s.findOne(ctx, BrowseFilter{Partition: partition, SchedulerId: schedulerId, ActiveOnly: true})
}

func (s *PostgresStore) FindByUcloudId(ctx context.Context, ucloudId string) (model.JobMapping, bool, error) {
	return s.findOne(ctx, BrowseFilter{UcloudId: ucloudId})
}

func (s *PostgresStore) findOne(ctx context.Context, filter BrowseFilter) (model.JobMapping, bool, error) {
	mappings, err := s.Browse(ctx, filter)
	if err != nil || len(mappings) == 0 {
		return model.JobMapping{}, false, err
	}
	return mappings[0], true, nil
}

func (s *PostgresStore) Browse(ctx context.Context, filter BrowseFilter) ([]model.JobMapping, error) {
	sql, args, err := browseQuery("postgres", filter)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, providererrors.StorageUnavailable("browse jobs", err)
	}
	defer rows.Close()

	var mappings []model.JobMapping
	for rows.Next() {
		var m model.JobMapping
		var state string
		if err := rows.Scan(&m.UcloudId, &m.SchedulerId, &m.Partition, &state, &m.ElapsedAccountedMs, &m.Active); err != nil {
			return nil, providererrors.StorageUnavailable("browse jobs", err)
		}
		m.LastKnownState = model.JobState(state)
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, providererrors.StorageUnavailable("browse jobs", err)
	}
	return mappings, nil
}

func (s *PostgresStore) BulkUpdateElapsed(ctx context.Context, updates []ElapsedUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ids := make([]string, len(updates))
	elapsed := make([]int64, len(updates))
	for i, u := range updates {
		ids[i] = u.UcloudId
		elapsed[i] = u.ElapsedMs
	}
	_, err := s.db.Exec(ctx, `
		UPDATE job_mapping AS m
		SET elapsed_accounted_ms = GREATEST(m.elapsed_accounted_ms, u.elapsed)
		FROM unnest($1::text[], $2::bigint[]) AS u(ucloud_id, elapsed)
		WHERE m.ucloud_id = u.ucloud_id`, ids, elapsed)
	return providererrors.StorageUnavailable("update elapsed", err)
}

func (s *PostgresStore) BulkUpdateState(ctx context.Context, partition string, updates []StateUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ids := make([]string, len(updates))
	states := make([]string, len(updates))
	for i, u := range updates {
		ids[i] = u.SchedulerId
		states[i] = string(u.State)
	}
	_, err := s.db.Exec(ctx, `
		UPDATE job_mapping AS m
		SET last_known_state = u.state
		FROM unnest($2::text[], $3::text[]) AS u(scheduler_id, state)
		WHERE m.partition = $1 AND m.active AND m.scheduler_id = u.scheduler_id`, partition, ids, states)
	return providererrors.StorageUnavailable("update state", err)
}

func (s *PostgresStore) MarkInactive(ctx context.Context, partition string, schedulerIds []string) error {
	if len(schedulerIds) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE job_mapping SET active = false
		WHERE partition = $1 AND active AND scheduler_id = any($2)`, partition, schedulerIds)
	return providererrors.StorageUnavailable("mark inactive", err)
}

func (s *PostgresStore) RegisterSession(ctx context.Context, session model.InteractiveSession) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO interactive_session (token, ucloud_id, rank, created) VALUES ($1, $2, $3, $4)`,
		session.Token, session.UcloudId, session.Rank, session.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return errors.WithStack(&providererrors.ErrAlreadyExists{Type: "session", Value: session.Token})
	}
	return providererrors.StorageUnavailable("register session", err)
}

func (s *PostgresStore) FindSession(ctx context.Context, token string) (model.InteractiveSession, bool, error) {
	session := model.InteractiveSession{Token: token}
	err := s.db.QueryRow(ctx, `
		SELECT ucloud_id, rank, created FROM interactive_session WHERE token = $1`, token).
		Scan(&session.UcloudId, &session.Rank, &session.CreatedAt)
	if err == pgx.ErrNoRows {
		return model.InteractiveSession{}, false, nil
	} else if err != nil {
		return model.InteractiveSession{}, false, providererrors.StorageUnavailable("find session", err)
	}
	return session, true, nil
}

func (s *PostgresStore) FindAccount(ctx context.Context, owner model.Owner, category string, partition string) (string, bool, error) {
	var account *string
	err := s.db.QueryRow(ctx, `
		SELECT scheduler_account FROM account_mapping
		WHERE owner_kind = $1 AND owner_id = $2 AND product_category = $3 AND partition = $4`,
		owner.Kind(), owner.Id(), category, partition).Scan(&account)
	if err == pgx.ErrNoRows {
		return "", false, nil
	} else if err != nil {
		return "", false, providererrors.StorageUnavailable("find account", err)
	}
	if account == nil {
		return "", true, nil
	}
	return *account, true, nil
}

func (s *PostgresStore) SaveAccount(ctx context.Context, mapping model.AccountMapping) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO account_mapping (owner_kind, owner_id, product_category, partition, scheduler_account)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_kind, owner_id, product_category, partition)
		DO UPDATE SET scheduler_account = excluded.scheduler_account`,
		mapping.Owner.Kind(), mapping.Owner.Id(), mapping.ProductCategory, mapping.Partition,
		nullableString(mapping.SchedulerAccount))
	return providererrors.StorageUnavailable("save account", err)
}

func (s *PostgresStore) FindOwnersByAccount(ctx context.Context, account string, partition string) ([]model.AccountMapping, error) {
	rows, err := s.db.Query(ctx, `
		SELECT owner_kind, owner_id, product_category FROM account_mapping
		WHERE scheduler_account = $1 AND partition = $2
		ORDER BY owner_kind, owner_id, product_category`, account, partition)
	if err != nil {
		return nil, providererrors.StorageUnavailable("find owners", err)
	}
	defer rows.Close()

	var mappings []model.AccountMapping
	for rows.Next() {
		var kind, id, category string
		if err := rows.Scan(&kind, &id, &category); err != nil {
			return nil, providererrors.StorageUnavailable("find owners", err)
		}
		owner, err := model.OwnerFromKind(kind, id)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		mappings = append(mappings, model.AccountMapping{
			Owner:            owner,
			ProductCategory:  category,
			Partition:        partition,
			SchedulerAccount: account,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, providererrors.StorageUnavailable("find owners", err)
	}
	return mappings, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
