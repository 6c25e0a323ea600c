package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/slurm-provider/internal/slurm/cli"
	"github.com/G-Research/slurm-provider/internal/slurm/controlplane"
	"github.com/G-Research/slurm-provider/internal/slurm/database"
	"github.com/G-Research/slurm-provider/internal/slurm/estimator"
	"github.com/G-Research/slurm-provider/internal/slurm/jobcache"
	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

const partition = "normal"

var startTime = time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)

var testProducts = []model.Product{
	{Name: "standard-4", Category: "standard", Provider: "slurm", Cpu: 4, MemoryInGigs: 8, UnitOfPrice: model.PerMinute},
	{Name: "standard-hourly", Category: "hourly", Provider: "slurm", Cpu: 16, MemoryInGigs: 64, UnitOfPrice: model.PerHour},
}

// events records the order in which the collaborators of the reconciler were called.
type events struct {
	mutex sync.Mutex
	log   []string
}

func (e *events) add(format string, args ...interface{}) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.log = append(e.log, fmt.Sprintf(format, args...))
}

type stubScheduler struct {
	cli.Scheduler
	allocations   []model.AllocationStatus
	rows          []model.AccountingRow
	accountingErr error
	since         []time.Time
	panics        bool
	// Rows outside of the accounting window, only returned when asked for by id.
	historicRows []model.AccountingRow
	historicErr  error
	requestedIds [][]string
	// Called at the start of every state sync.
	onBrowse func()
}

func (s *stubScheduler) BrowseAllocations(_ context.Context, schedulerIds []string, _ string) ([]model.AllocationStatus, error) {
	if s.onBrowse != nil {
		s.onBrowse()
	}
	if s.panics {
		panic("scheduler exploded")
	}
	requested := make(map[string]bool, len(schedulerIds))
	for _, id := range schedulerIds {
		requested[id] = true
	}
	var result []model.AllocationStatus
	for _, a := range s.allocations {
		if requested[a.JobId] {
			result = append(result, a)
		}
	}
	return result, nil
}

func (s *stubScheduler) RetrieveAccountingData(_ context.Context, since time.Time, _ string) ([]model.AccountingRow, error) {
	s.since = append(s.since, since)
	if s.accountingErr != nil {
		return nil, s.accountingErr
	}
	return s.rows, nil
}

func (s *stubScheduler) RetrieveAccountingDataForJobs(_ context.Context, schedulerIds []string, _ string) ([]model.AccountingRow, error) {
	s.requestedIds = append(s.requestedIds, schedulerIds)
	if s.historicErr != nil {
		return nil, s.historicErr
	}
	var result []model.AccountingRow
	for _, row := range s.historicRows {
		if slices.Contains(schedulerIds, row.JobId) {
			result = append(result, row)
		}
	}
	return result, nil
}

type stubControlPlane struct {
	events      *events
	jobs        map[string]controlplane.Job
	registered  [][]controlplane.ProviderRegisteredResource
	updates     []controlplane.ResourceUpdateAndId
	charges     []controlplane.Charge
	updateErr   error
	chargeErr   error
	registerErr error
	nextId      int
}

func (c *stubControlPlane) RegisterJobs(_ context.Context, resources []controlplane.ProviderRegisteredResource) ([]string, error) {
	if c.registerErr != nil {
		return nil, c.registerErr
	}
	c.registered = append(c.registered, resources)
	ids := make([]string, len(resources))
	for i := range resources {
		c.nextId++
		ids[i] = fmt.Sprintf("u-%d", c.nextId)
		c.events.add("register %s", ids[i])
	}
	return ids, nil
}

func (c *stubControlPlane) UpdateJobs(_ context.Context, updates []controlplane.ResourceUpdateAndId) error {
	if c.updateErr != nil {
		return c.updateErr
	}
	for _, u := range updates {
		c.events.add("update %s %s", u.Id, u.Update.State)
	}
	c.updates = append(c.updates, updates...)
	return nil
}

func (c *stubControlPlane) ChargeJobs(_ context.Context, charges []controlplane.Charge) (controlplane.ChargeResult, error) {
	if c.chargeErr != nil {
		return controlplane.ChargeResult{}, c.chargeErr
	}
	for _, ch := range charges {
		c.events.add("charge %s %d", ch.JobId, ch.Periods)
	}
	c.charges = append(c.charges, charges...)
	return controlplane.ChargeResult{}, nil
}

func (c *stubControlPlane) RetrieveJob(_ context.Context, id string) (controlplane.Job, bool, error) {
	job, ok := c.jobs[id]
	return job, ok, nil
}

// recordingStore records the retirement of jobs on top of a real store.
type recordingStore struct {
	database.Store
	events       *events
	markInactive [][]string
}

func (s *recordingStore) MarkInactive(ctx context.Context, partition string, schedulerIds []string) error {
	s.markInactive = append(s.markInactive, schedulerIds)
	s.events.add("inactive %v", schedulerIds)
	return s.Store.MarkInactive(ctx, partition, schedulerIds)
}

type stubAccounts map[string][]model.AccountMapping

func (a stubAccounts) LookupBySchedulerAccount(_ context.Context, account string, _ string) ([]model.AccountMapping, error) {
	return a[account], nil
}

type recordingSink struct {
	reasons map[string]string
}

func (s *recordingSink) Record(_ string, row model.AccountingRow, reason string) {
	s.reasons[row.JobId] = reason
}

type fixture struct {
	reconciler   *Reconciler
	scheduler    *stubScheduler
	store        *recordingStore
	controlPlane *stubControlPlane
	sink         *recordingSink
	clock        *clock.FakeClock
	events       *events
}

func withFixture(t *testing.T, accounts stubAccounts, action func(f *fixture)) {
	ctx := context.Background()
	sqlite, err := database.OpenSqliteStore(ctx, ":memory:")
	require.NoError(t, err)
	defer sqlite.Close()
	indexed, err := database.NewIndexedStore(ctx, sqlite)
	require.NoError(t, err)

	e := &events{}
	f := &fixture{
		scheduler:    &stubScheduler{},
		store:        &recordingStore{Store: indexed, events: e},
		controlPlane: &stubControlPlane{events: e, jobs: map[string]controlplane.Job{}},
		sink:         &recordingSink{reasons: map[string]string{}},
		clock:        clock.NewFakeClock(startTime),
		events:       e,
	}
	f.reconciler = New(
		Config{
			Plugin:             "slurm",
			Partition:          partition,
			TickInterval:       5 * time.Second,
			AccountingInterval: 15 * time.Minute,
			BatchSize:          100,
		},
		f.scheduler,
		f.store,
		accounts,
		estimator.New(testProducts),
		jobcache.NewMemoryCache(f.controlPlane, time.Hour),
		f.controlPlane,
		f.sink,
		testProducts,
	)
	f.reconciler.clock = f.clock
	action(f)
}

func state(t *testing.T, schedulerState string) model.StateTranslation {
	translation, ok := cli.TranslateState(schedulerState)
	require.True(t, ok, schedulerState)
	return translation
}

// registerJob stores a mapping and tells the control plane stub about the job behind it.
func (f *fixture) registerJob(t *testing.T, ucloudId string, schedulerId string, product model.Product, replicas int) {
	created, err := f.store.RegisterJob(context.Background(), model.JobMapping{
		UcloudId:       ucloudId,
		SchedulerId:    schedulerId,
		Partition:      partition,
		LastKnownState: model.JobStateInQueue,
		Active:         true,
	})
	require.NoError(t, err)
	require.True(t, created)
	f.controlPlane.jobs[ucloudId] = controlplane.Job{
		Id:    ucloudId,
		Owner: controlplane.ResourceOwner{CreatedBy: "U1"},
		Specification: controlplane.JobSpecification{
			Product:  product.Reference(),
			Replicas: replicas,
		},
	}
}

func (f *fixture) mapping(t *testing.T, ucloudId string) model.JobMapping {
	m, ok, err := f.store.FindByUcloudId(context.Background(), ucloudId)
	require.NoError(t, err)
	require.True(t, ok)
	return m
}

// accountingCycle advances the clock past the accounting interval and runs one cycle.
func (f *fixture) accountingCycle() {
	f.clock.Step(15 * time.Minute)
	f.reconciler.cycle(context.Background())
}
