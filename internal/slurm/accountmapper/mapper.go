// Package accountmapper maps control plane owners to scheduler accounts and back.
package accountmapper

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/G-Research/slurm-provider/internal/common/logging"
	"github.com/G-Research/slurm-provider/internal/slurm/database"
	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

var resolutionFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "slurm_provider_account_resolution_failures",
		Help: "Number of account lookups where the resolution strategy failed",
	},
	[]string{"partition"},
)

// Plugin is the part of a compute plugin the mapper needs: the partition it serves, the product
// categories it claims and how it resolves accounts.
type Plugin struct {
	Name       string
	Partition  string
	Categories []string
	Resolver   Resolver
}

type forwardKey struct {
	kind      string
	id        string
	category  string
	partition string
}

func newForwardKey(owner model.Owner, category string, partition string) forwardKey {
	return forwardKey{kind: owner.Kind(), id: owner.Id(), category: category, partition: partition}
}

func reverseKey(account string, partition string) string {
	return fmt.Sprintf("%s:%s", partition, account)
}

// Mapper resolves owners to scheduler accounts. Forward answers, including the absence of an account,
// are cached for the lifetime of the process. The mutex only guards the forward map; store round trips
// and script invocations happen outside of it, so concurrent misses on one key may both resolve it.
type Mapper struct {
	store   database.AccountMappingStore
	plugins []Plugin

	mutex   sync.Mutex
	forward map[forwardKey]*string

	// Keyed by partition and account. Entries are dropped when a new answer for that account is persisted.
	reverse *lru.Cache
}

func New(store database.AccountMappingStore, plugins []Plugin, reverseCacheSize int) (*Mapper, error) {
	reverse, err := lru.New(reverseCacheSize)
	if err != nil {
		return nil, err
	}
	return &Mapper{
		store:   store,
		plugins: plugins,
		forward: make(map[forwardKey]*string),
		reverse: reverse,
	}, nil
}

// LookupByOwner returns the scheduler account charges for owner land on. ok is false when the owner has
// no account. Only storage failures are returned as errors; a failing resolution strategy is logged and
// remembered as "no account".
func (m *Mapper) LookupByOwner(ctx context.Context, owner model.Owner, category string, partition string) (string, bool, error) {
	key := newForwardKey(owner, category, partition)
	if account, hit := m.cached(key); hit {
		return deref(account)
	}

	stored, found, err := m.store.FindAccount(ctx, owner, category, partition)
	if err != nil {
		return "", false, err
	}
	if found {
		return deref(m.remember(key, stored))
	}

	logger := log.WithFields(log.Fields{
		"owner":     owner.String(),
		"category":  category,
		"partition": partition,
	})

	plugin, ok := m.pluginFor(category, partition)
	if !ok {
		logger.Warn("No plugin is responsible for this product category and partition")
		return deref(m.remember(key, ""))
	}

	account, err := plugin.Resolver.Resolve(ctx, owner, category, partition)
	if err != nil {
		logging.WithStacktrace(logger, err).Error("Account resolution failed")
		resolutionFailures.WithLabelValues(partition).Inc()
		return deref(m.remember(key, ""))
	}

	err = m.store.SaveAccount(ctx, model.AccountMapping{
		Owner:            owner,
		ProductCategory:  category,
		Partition:        partition,
		SchedulerAccount: account,
	})
	if err != nil {
		return "", false, err
	}
	if account != "" {
		m.reverse.Remove(reverseKey(account, partition))
	}
	return deref(m.remember(key, account))
}

// Set persists an operator supplied mapping and replaces whatever was cached for it.
func (m *Mapper) Set(ctx context.Context, mapping model.AccountMapping) error {
	previous, found, err := m.store.FindAccount(ctx, mapping.Owner, mapping.ProductCategory, mapping.Partition)
	if err != nil {
		return err
	}
	if err := m.store.SaveAccount(ctx, mapping); err != nil {
		return err
	}
	if found && previous != "" {
		m.reverse.Remove(reverseKey(previous, mapping.Partition))
	}
	if mapping.SchedulerAccount != "" {
		m.reverse.Remove(reverseKey(mapping.SchedulerAccount, mapping.Partition))
	}
	m.remember(newForwardKey(mapping.Owner, mapping.ProductCategory, mapping.Partition), mapping.SchedulerAccount)
	return nil
}

// LookupBySchedulerAccount returns every persisted owner and product category mapped to account in
// partition.
func (m *Mapper) LookupBySchedulerAccount(ctx context.Context, account string, partition string) ([]model.AccountMapping, error) {
	key := reverseKey(account, partition)
	if owners, ok := m.reverse.Get(key); ok {
		return owners.([]model.AccountMapping), nil
	}
	owners, err := m.store.FindOwnersByAccount(ctx, account, partition)
	if err != nil {
		return nil, err
	}
	m.reverse.Add(key, owners)
	return owners, nil
}

func (m *Mapper) pluginFor(category string, partition string) (Plugin, bool) {
	for _, p := range m.plugins {
		if p.Partition == partition && slices.Contains(p.Categories, category) {
			return p, true
		}
	}
	return Plugin{}, false
}

func (m *Mapper) cached(key forwardKey) (*string, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	account, ok := m.forward[key]
	return account, ok
}

func (m *Mapper) remember(key forwardKey, account string) *string {
	var value *string
	if account != "" {
		value = &account
	}
	m.mutex.Lock()
	m.forward[key] = value
	m.mutex.Unlock()
	return value
}

func deref(account *string) (string, bool, error) {
	if account == nil {
		return "", false, nil
	}
	return *account, true, nil
}
