package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/G-Research/slurm-provider/internal/common/database"
	"github.com/G-Research/slurm-provider/internal/common/providererrors"
	"github.com/G-Research/slurm-provider/internal/common/util"
	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

// Keeps every statement well below sqlite's bound parameter limit.
const sqliteRowsPerStatement = 200

// SqliteStore is the Store used by single host providers.
type SqliteStore struct {
	db *sql.DB
	// SQLite only allows one write at a time. Therefore we must serialize
	// writes in order to avoid SQL_BUSY errors.
	writeLock sync.Mutex
}

// OpenSqliteStore opens (creating if necessary) the database at path and brings its schema up to date.
// path may be ":memory:".
func OpenSqliteStore(ctx context.Context, path string) (*SqliteStore, error) {
	if path != ":memory:" {
		dbDir := filepath.Dir(path)
		if _, err := os.Stat(dbDir); os.IsNotExist(err) {
			if err := os.MkdirAll(dbDir, 0o755); err != nil {
				return nil, errors.Wrapf(err, "could not make directory at %s for sqlite db", dbDir)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening sqlite db from %s", path)
	}
	if path == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.WithStack(err)
	}
	migrations, err := SqliteMigrations()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := database.UpdateSqliteDatabase(ctx, db, migrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Close() {
	if err := s.db.Close(); err != nil {
		log.Warnf("error closing database: %v", err)
	}
}

func (s *SqliteStore) RegisterJob(ctx context.Context, mapping model.JobMapping) (bool, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO job_mapping (ucloud_id, scheduler_id, partition, last_known_state, elapsed_accounted_ms, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		mapping.UcloudId, mapping.SchedulerId, mapping.Partition, string(mapping.LastKnownState),
		mapping.ElapsedAccountedMs, mapping.Active)
	if err != nil {
		return false, providererrors.StorageUnavailable("register job", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, providererrors.StorageUnavailable("register job", err)
	}
	return affected == 1, nil
}

func (s *SqliteStore) FindBySchedulerId(ctx context.Context, partition string, schedulerId string) (model.JobMapping, bool, error) {
	return s.findOne(ctx, BrowseFilter{Partition: partition, SchedulerId: schedulerId, ActiveOnly: true})
}

func (s *SqliteStore) FindByUcloudId(ctx context.Context, ucloudId string) (model.JobMapping, bool, error) {
	return s.findOne(ctx, BrowseFilter{UcloudId: ucloudId})
}

func (s *SqliteStore) findOne(ctx context.Context, filter BrowseFilter) (model.JobMapping, bool, error) {
	mappings, err := s.Browse(ctx, filter)
	if err != nil || len(mappings) == 0 {
		return model.JobMapping{}, false, err
	}
	return mappings[0], true, nil
}

func (s *SqliteStore) Browse(ctx context.Context, filter BrowseFilter) ([]model.JobMapping, error) {
	query, args, err := browseQuery("sqlite3", filter)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
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

// inTransaction runs fn in a write transaction which is committed only if fn succeeds.
func (s *SqliteStore) inTransaction(ctx context.Context, operation string, fn func(tx *sql.Tx) error) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return providererrors.StorageUnavailable(operation, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return providererrors.StorageUnavailable(operation, err)
	}
	return providererrors.StorageUnavailable(operation, tx.Commit())
}

func valuesPlaceholder(rows int, columns int) string {
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", columns), ", ") + ")"
	return strings.TrimSuffix(strings.Repeat(row+", ", rows), ", ")
}

func (s *SqliteStore) BulkUpdateElapsed(ctx context.Context, updates []ElapsedUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.inTransaction(ctx, "update elapsed", func(tx *sql.Tx) error {
		for _, chunk := range util.Batch(updates, sqliteRowsPerStatement) {
			args := make([]interface{}, 0, 2*len(chunk))
			for _, u := range chunk {
				args = append(args, u.UcloudId, u.ElapsedMs)
			}
			query := fmt.Sprintf(`
				UPDATE job_mapping
				SET elapsed_accounted_ms = max(job_mapping.elapsed_accounted_ms, u.column2)
				FROM (VALUES %s) AS u
				WHERE job_mapping.ucloud_id = u.column1`, valuesPlaceholder(len(chunk), 2))
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SqliteStore) BulkUpdateState(ctx context.Context, partition string, updates []StateUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.inTransaction(ctx, "update state", func(tx *sql.Tx) error {
		for _, chunk := range util.Batch(updates, sqliteRowsPerStatement) {
			args := make([]interface{}, 0, 2*len(chunk)+1)
			for _, u := range chunk {
				args = append(args, u.SchedulerId, string(u.State))
			}
			args = append(args, partition)
			query := fmt.Sprintf(`
				UPDATE job_mapping
				SET last_known_state = u.column2
				FROM (VALUES %s) AS u
				WHERE job_mapping.scheduler_id = u.column1 AND job_mapping.partition = ? AND job_mapping.active = 1`,
				valuesPlaceholder(len(chunk), 2))
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SqliteStore) MarkInactive(ctx context.Context, partition string, schedulerIds []string) error {
	if len(schedulerIds) == 0 {
		return nil
	}
	return s.inTransaction(ctx, "mark inactive", func(tx *sql.Tx) error {
		for _, chunk := range util.Batch(schedulerIds, sqliteRowsPerStatement) {
			args := make([]interface{}, 0, len(chunk)+1)
			args = append(args, partition)
			for _, id := range chunk {
				args = append(args, id)
			}
			query := fmt.Sprintf(`
				UPDATE job_mapping SET active = 0
				WHERE partition = ? AND active = 1 AND scheduler_id IN (%s)`,
				strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", "))
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SqliteStore) RegisterSession(ctx context.Context, session model.InteractiveSession) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactive_session (token, ucloud_id, rank, created) VALUES (?, ?, ?, ?)`,
		session.Token, session.UcloudId, session.Rank, session.CreatedAt.UnixMilli())
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return errors.WithStack(&providererrors.ErrAlreadyExists{Type: "session", Value: session.Token})
	}
	return providererrors.StorageUnavailable("register session", err)
}

func (s *SqliteStore) FindSession(ctx context.Context, token string) (model.InteractiveSession, bool, error) {
	session := model.InteractiveSession{Token: token}
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT ucloud_id, rank, created FROM interactive_session WHERE token = ?`, token).
		Scan(&session.UcloudId, &session.Rank, &created)
	if err == sql.ErrNoRows {
		return model.InteractiveSession{}, false, nil
	} else if err != nil {
		return model.InteractiveSession{}, false, providererrors.StorageUnavailable("find session", err)
	}
	session.CreatedAt = time.UnixMilli(created).UTC()
	return session, true, nil
}

func (s *SqliteStore) FindAccount(ctx context.Context, owner model.Owner, category string, partition string) (string, bool, error) {
	var account sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT scheduler_account FROM account_mapping
		WHERE owner_kind = ? AND owner_id = ? AND product_category = ? AND partition = ?`,
		owner.Kind(), owner.Id(), category, partition).Scan(&account)
	if err == sql.ErrNoRows {
		return "", false, nil
	} else if err != nil {
		return "", false, providererrors.StorageUnavailable("find account", err)
	}
	return account.String, true, nil
}

func (s *SqliteStore) SaveAccount(ctx context.Context, mapping model.AccountMapping) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_mapping (owner_kind, owner_id, product_category, partition, scheduler_account)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner_kind, owner_id, product_category, partition)
		DO UPDATE SET scheduler_account = excluded.scheduler_account`,
		mapping.Owner.Kind(), mapping.Owner.Id(), mapping.ProductCategory, mapping.Partition,
		sql.NullString{String: mapping.SchedulerAccount, Valid: mapping.SchedulerAccount != ""})
	return providererrors.StorageUnavailable("save account", err)
}

func (s *SqliteStore) FindOwnersByAccount(ctx context.Context, account string, partition string) ([]model.AccountMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_kind, owner_id, product_category FROM account_mapping
		WHERE scheduler_account = ? AND partition = ?
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
