package database

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

const (
	activeJobsTable = "active_jobs"
	idIndex         = "id"
	schedulerIndex  = "scheduler"
	partitionIndex  = "partition"
)

func activeJobsSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			activeJobsTable: {
				Name: activeJobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "UcloudId"},
					},
					schedulerIndex: {
						Name:   schedulerIndex,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Partition"},
								&memdb.StringFieldIndex{Field: "SchedulerId"},
							},
						},
					},
					partitionIndex: {
						Name:    partitionIndex,
						Indexer: &memdb.StringFieldIndex{Field: "Partition"},
					},
				},
			},
		},
	}
}

// IndexedStore keeps every active job mapping in memory so the reconciliation loop does not reload
// the job table on every tick. The index is maintained by the same calls that write to the underlying
// store, after those writes succeed, and reloaded periodically to pick up writes made by other processes.
type IndexedStore struct {
	Store
	index *memdb.MemDB
	// Held for reading by writes and for writing by reloads, so a reload never drops a concurrent write.
	reloadMutex sync.RWMutex
	clock       clock.Clock
}

func NewIndexedStore(ctx context.Context, store Store) (*IndexedStore, error) {
	s := &IndexedStore{Store: store, clock: clock.RealClock{}}
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Refresh replaces the index with the active job mappings currently in the store.
func (s *IndexedStore) Refresh(ctx context.Context) error {
	s.reloadMutex.Lock()
	defer s.reloadMutex.Unlock()

	index, err := memdb.NewMemDB(activeJobsSchema())
	if err != nil {
		return errors.WithStack(err)
	}
	active, err := s.Store.Browse(ctx, BrowseFilter{ActiveOnly: true})
	if err != nil {
		return err
	}
	txn := index.Txn(true)
	for i := range active {
		mapping := active[i]
		if err := txn.Insert(activeJobsTable, &mapping); err != nil {
			txn.Abort()
			return errors.WithStack(err)
		}
	}
	txn.Commit()

	previous := s.index
	s.index = index
	if previous == nil {
		log.Infof("Loaded %d active job mappings", len(active))
	} else {
		log.Debugf("Reloaded %d active job mappings", len(active))
	}
	return nil
}

// Run reloads the index every interval until ctx is cancelled. Failed reloads keep the current index.
func (s *IndexedStore) Run(ctx context.Context, interval time.Duration) error {
	timer := s.clock.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C():
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("Unable to reload the in-memory job index")
			}
			timer.Reset(interval)
		}
	}
}

func (s *IndexedStore) RegisterJob(ctx context.Context, mapping model.JobMapping) (bool, error) {
	s.reloadMutex.RLock()
	defer s.reloadMutex.RUnlock()
	created, err := s.Store.RegisterJob(ctx, mapping)
	if err != nil || !created || !mapping.Active {
		return created, err
	}
	s.update(func(txn *memdb.Txn) error {
		return txn.Insert(activeJobsTable, &mapping)
	})
	return true, nil
}

func (s *IndexedStore) FindBySchedulerId(ctx context.Context, partition string, schedulerId string) (model.JobMapping, bool, error) {
	txn := s.snapshot().Txn(false)
	defer txn.Abort()
	obj, err := txn.First(activeJobsTable, schedulerIndex, partition, schedulerId)
	if err == nil && obj != nil {
		return *obj.(*model.JobMapping), true, nil
	}
	return s.Store.FindBySchedulerId(ctx, partition, schedulerId)
}

// Browse answers queries for active jobs from memory and delegates everything else.
func (s *IndexedStore) Browse(ctx context.Context, filter BrowseFilter) ([]model.JobMapping, error) {
	if !filter.ActiveOnly || filter.UcloudId != "" {
		return s.Store.Browse(ctx, filter)
	}

	txn := s.snapshot().Txn(false)
	defer txn.Abort()
	var it memdb.ResultIterator
	var err error
	if filter.Partition != "" {
		it, err = txn.Get(activeJobsTable, partitionIndex, filter.Partition)
	} else {
		it, err = txn.Get(activeJobsTable, idIndex+"_prefix", "")
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var result []model.JobMapping
	for obj := it.Next(); obj != nil; obj = it.Next() {
		mapping := *obj.(*model.JobMapping)
		if filter.SchedulerId != "" && mapping.SchedulerId != filter.SchedulerId {
			continue
		}
		result = append(result, mapping)
	}
	return result, nil
}

func (s *IndexedStore) BulkUpdateElapsed(ctx context.Context, updates []ElapsedUpdate) error {
	s.reloadMutex.RLock()
	defer s.reloadMutex.RUnlock()
	if err := s.Store.BulkUpdateElapsed(ctx, updates); err != nil {
		return err
	}
	s.update(func(txn *memdb.Txn) error {
		for _, u := range updates {
			obj, err := txn.First(activeJobsTable, idIndex, u.UcloudId)
			if err != nil || obj == nil {
				continue
			}
			mapping := *obj.(*model.JobMapping)
			if u.ElapsedMs > mapping.ElapsedAccountedMs {
				mapping.ElapsedAccountedMs = u.ElapsedMs
				if err := txn.Insert(activeJobsTable, &mapping); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return nil
}

func (s *IndexedStore) BulkUpdateState(ctx context.Context, partition string, updates []StateUpdate) error {
	s.reloadMutex.RLock()
	defer s.reloadMutex.RUnlock()
	if err := s.Store.BulkUpdateState(ctx, partition, updates); err != nil {
		return err
	}
	s.update(func(txn *memdb.Txn) error {
		for _, u := range updates {
			obj, err := txn.First(activeJobsTable, schedulerIndex, partition, u.SchedulerId)
			if err != nil || obj == nil {
				continue
			}
			mapping := *obj.(*model.JobMapping)
			mapping.LastKnownState = u.State
			if err := txn.Insert(activeJobsTable, &mapping); err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}

func (s *IndexedStore) MarkInactive(ctx context.Context, partition string, schedulerIds []string) error {
	s.reloadMutex.RLock()
	defer s.reloadMutex.RUnlock()
	if err := s.Store.MarkInactive(ctx, partition, schedulerIds); err != nil {
		return err
	}
	s.update(func(txn *memdb.Txn) error {
		for _, id := range schedulerIds {
			if _, err := txn.DeleteAll(activeJobsTable, schedulerIndex, partition, id); err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}

func (s *IndexedStore) snapshot() *memdb.MemDB {
	s.reloadMutex.RLock()
	defer s.reloadMutex.RUnlock()
	return s.index
}

// update applies fn to the index. The caller holds reloadMutex for reading. A failure here means the index no longer matches the store, which
// is only recoverable by reloading, so it is logged loudly.
func (s *IndexedStore) update(fn func(txn *memdb.Txn) error) {
	txn := s.index.Txn(true)
	if err := fn(txn); err != nil {
		txn.Abort()
		log.WithError(err).Error("Failed to update the in-memory job index")
		return
	}
	txn.Commit()
}
