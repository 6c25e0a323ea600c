package accountmapper

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

type stubAccountStore struct {
	accounts map[forwardKey]string
	finds    int
	saves    int
	reverses int
	err      error
	saveErr  error
}

func newStubAccountStore() *stubAccountStore {
	return &stubAccountStore{accounts: map[forwardKey]string{}}
}

func (s *stubAccountStore) FindAccount(_ context.Context, owner model.Owner, category string, partition string) (string, bool, error) {
	s.finds++
	if s.err != nil {
		return "", false, s.err
	}
	account, ok := s.accounts[newForwardKey(owner, category, partition)]
	return account, ok, nil
}

func (s *stubAccountStore) SaveAccount(_ context.Context, mapping model.AccountMapping) error {
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.accounts[newForwardKey(mapping.Owner, mapping.ProductCategory, mapping.Partition)] = mapping.SchedulerAccount
	return nil
}

func (s *stubAccountStore) FindOwnersByAccount(_ context.Context, account string, partition string) ([]model.AccountMapping, error) {
	s.reverses++
	if s.err != nil {
		return nil, s.err
	}
	var result []model.AccountMapping
	for key, value := range s.accounts {
		if value == account && key.partition == partition {
			owner, _ := model.OwnerFromKind(key.kind, key.id)
			result = append(result, model.AccountMapping{
				Owner:            owner,
				ProductCategory:  key.category,
				Partition:        key.partition,
				SchedulerAccount: value,
			})
		}
	}
	return result, nil
}

type countingResolver struct {
	mutex   sync.Mutex
	calls   int
	account string
	err     error
}

func (r *countingResolver) Resolve(_ context.Context, _ model.Owner, _ string, _ string) (string, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.calls++
	return r.account, r.err
}

func newMapper(t *testing.T, store *stubAccountStore, resolver Resolver) *Mapper {
	mapper, err := New(store, []Plugin{
		{Name: "slurm", Partition: "normal", Categories: []string{"standard", "gpu"}, Resolver: resolver},
	}, 100)
	require.NoError(t, err)
	return mapper
}

func TestLookupByOwner(t *testing.T) {
	tests := map[string]struct {
		persisted     map[forwardKey]string
		resolver      *countingResolver
		owner         model.Owner
		category      string
		partition     string
		expectAccount string
		expectOk      bool
		expectCalls   int
		expectSaved   bool
	}{
		"resolved by strategy and persisted": {
			resolver:      &countingResolver{account: "grpA"},
			owner:         model.ProjectOwner("P1"),
			category:      "standard",
			partition:     "normal",
			expectAccount: "grpA",
			expectOk:      true,
			expectCalls:   1,
			expectSaved:   true,
		},
		"strategy answers no account": {
			resolver:    &countingResolver{},
			owner:       model.UserOwner("U1"),
			category:    "standard",
			partition:   "normal",
			expectCalls: 1,
			expectSaved: true,
		},
		"persisted answer wins over strategy": {
			persisted: map[forwardKey]string{
				newForwardKey(model.UserOwner("U1"), "standard", "normal"): "grpB",
			},
			resolver:      &countingResolver{account: "grpA"},
			owner:         model.UserOwner("U1"),
			category:      "standard",
			partition:     "normal",
			expectAccount: "grpB",
			expectOk:      true,
		},
		"persisted null answer": {
			persisted: map[forwardKey]string{
				newForwardKey(model.UserOwner("U1"), "standard", "normal"): "",
			},
			resolver:  &countingResolver{account: "grpA"},
			owner:     model.UserOwner("U1"),
			category:  "standard",
			partition: "normal",
		},
		"no plugin for category": {
			resolver:  &countingResolver{account: "grpA"},
			owner:     model.UserOwner("U1"),
			category:  "storage",
			partition: "normal",
		},
		"no plugin for partition": {
			resolver:  &countingResolver{account: "grpA"},
			owner:     model.UserOwner("U1"),
			category:  "standard",
			partition: "other",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			store := newStubAccountStore()
			for k, v := range tc.persisted {
				store.accounts[k] = v
			}
			mapper := newMapper(t, store, tc.resolver)

			account, ok, err := mapper.LookupByOwner(context.Background(), tc.owner, tc.category, tc.partition)
			require.NoError(t, err)
			assert.Equal(t, tc.expectAccount, account)
			assert.Equal(t, tc.expectOk, ok)
			assert.Equal(t, tc.expectCalls, tc.resolver.calls)
			if tc.expectSaved {
				assert.Equal(t, 1, store.saves)
			} else {
				assert.Equal(t, 0, store.saves)
			}
		})
	}
}

func TestLookupByOwner_CachesAnswers(t *testing.T) {
	store := newStubAccountStore()
	resolver := &countingResolver{account: "grpA"}
	mapper := newMapper(t, store, resolver)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		account, ok, err := mapper.LookupByOwner(ctx, model.UserOwner("U1"), "standard", "normal")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "grpA", account)
	}
	assert.Equal(t, 1, resolver.calls)
	assert.Equal(t, 1, store.finds)
}

func TestLookupByOwner_MissingPluginIsCachedNotPersisted(t *testing.T) {
	store := newStubAccountStore()
	mapper := newMapper(t, store, &countingResolver{account: "grpA"})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, ok, err := mapper.LookupByOwner(ctx, model.UserOwner("U1"), "storage", "normal")
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, 1, store.finds)
	assert.Equal(t, 0, store.saves)
}

func TestLookupByOwner_FailingScriptIsNotReinvoked(t *testing.T) {
	store := newStubAccountStore()
	resolver := &countingResolver{err: fmt.Errorf("exit status 1")}
	mapper := newMapper(t, store, resolver)
	ctx := context.Background()

	first, firstOk, err := mapper.LookupByOwner(ctx, model.UserOwner("U1"), "standard", "normal")
	require.NoError(t, err)
	second, secondOk, err := mapper.LookupByOwner(ctx, model.UserOwner("U1"), "standard", "normal")
	require.NoError(t, err)

	assert.Equal(t, 1, resolver.calls)
	assert.Equal(t, first, second)
	assert.False(t, firstOk)
	assert.False(t, secondOk)
	assert.Equal(t, 0, store.saves)
}

func TestLookupByOwner_StorageFailureIsNotCached(t *testing.T) {
	store := newStubAccountStore()
	store.err = fmt.Errorf("database is down")
	resolver := &countingResolver{account: "grpA"}
	mapper := newMapper(t, store, resolver)
	ctx := context.Background()

	_, _, err := mapper.LookupByOwner(ctx, model.UserOwner("U1"), "standard", "normal")
	assert.Error(t, err)
	assert.Equal(t, 0, resolver.calls)

	store.err = nil
	account, ok, err := mapper.LookupByOwner(ctx, model.UserOwner("U1"), "standard", "normal")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "grpA", account)
}

func TestLookupByOwner_PersistFailureIsNotCached(t *testing.T) {
	store := newStubAccountStore()
	store.saveErr = fmt.Errorf("disk full")
	resolver := &countingResolver{account: "grpA"}
	mapper := newMapper(t, store, resolver)
	ctx := context.Background()

	_, _, err := mapper.LookupByOwner(ctx, model.UserOwner("U1"), "standard", "normal")
	assert.Error(t, err)

	store.saveErr = nil
	_, ok, err := mapper.LookupByOwner(ctx, model.UserOwner("U1"), "standard", "normal")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, resolver.calls)
}

func TestLookupByOwner_ConcurrentLookups(t *testing.T) {
	store := newStubAccountStore()
	mapper := newMapper(t, store, &countingResolver{account: "grpA"})

	// The stub store is not safe for concurrent use, warm the key first.
	_, _, err := mapper.LookupByOwner(context.Background(), model.UserOwner("U1"), "standard", "normal")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			account, ok, err := mapper.LookupByOwner(context.Background(), model.UserOwner("U1"), "standard", "normal")
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "grpA", account)
		}()
	}
	wg.Wait()
}

func TestLookupBySchedulerAccount(t *testing.T) {
	store := newStubAccountStore()
	store.accounts[newForwardKey(model.ProjectOwner("P1"), "standard", "normal")] = "grpA"
	mapper := newMapper(t, store, &countingResolver{account: "grpA"})
	ctx := context.Background()

	owners, err := mapper.LookupBySchedulerAccount(ctx, "grpA", "normal")
	require.NoError(t, err)
	require.Len(t, owners, 1)
	assert.Equal(t, model.ProjectOwner("P1"), owners[0].Owner)
	assert.Equal(t, "standard", owners[0].ProductCategory)

	_, err = mapper.LookupBySchedulerAccount(ctx, "grpA", "normal")
	require.NoError(t, err)
	assert.Equal(t, 1, store.reverses)

	// A newly persisted owner of the same account invalidates the reverse entry.
	_, _, err = mapper.LookupByOwner(ctx, model.UserOwner("U1"), "gpu", "normal")
	require.NoError(t, err)
	owners, err = mapper.LookupBySchedulerAccount(ctx, "grpA", "normal")
	require.NoError(t, err)
	assert.Len(t, owners, 2)
	assert.Equal(t, 2, store.reverses)

	owners, err = mapper.LookupBySchedulerAccount(ctx, "grpA", "other")
	require.NoError(t, err)
	assert.Empty(t, owners)
}

func TestSet_ReplacesCachedAnswer(t *testing.T) {
	store := newStubAccountStore()
	resolver := &countingResolver{account: "grpA"}
	mapper := newMapper(t, store, resolver)
	ctx := context.Background()

	_, _, err := mapper.LookupByOwner(ctx, model.UserOwner("U1"), "standard", "normal")
	require.NoError(t, err)
	owners, err := mapper.LookupBySchedulerAccount(ctx, "grpA", "normal")
	require.NoError(t, err)
	assert.Len(t, owners, 1)

	err = mapper.Set(ctx, model.AccountMapping{
		Owner:            model.UserOwner("U1"),
		ProductCategory:  "standard",
		Partition:        "normal",
		SchedulerAccount: "grpB",
	})
	require.NoError(t, err)

	account, ok, err := mapper.LookupByOwner(ctx, model.UserOwner("U1"), "standard", "normal")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "grpB", account)

	owners, err = mapper.LookupBySchedulerAccount(ctx, "grpA", "normal")
	require.NoError(t, err)
	assert.Empty(t, owners)
	assert.Equal(t, 1, resolver.calls)
}
