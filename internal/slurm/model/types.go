// Package model holds the types shared between the slurm provider components.
package model

import (
	"fmt"
	"time"
)

// JobState mirrors the control plane's job state enum.
type JobState string

const (
	JobStateInQueue JobState = "IN_QUEUE"
	JobStateRunning JobState = "RUNNING"
	JobStateSuccess JobState = "SUCCESS"
	JobStateFailure JobState = "FAILURE"
	JobStateExpired JobState = "EXPIRED"
)

func (s JobState) IsFinal() bool {
	switch s {
	case JobStateSuccess, JobStateFailure, JobStateExpired:
		return true
	}
	return false
}

// StateTranslation is the cloud view of a scheduler job state.
type StateTranslation struct {
	SchedulerState string
	State          JobState
	Message        string
	IsFinal        bool
}

// JobMapping links a control plane job to the scheduler job backing it.
type JobMapping struct {
	UcloudId           string
	SchedulerId        string
	Partition          string
	LastKnownState     JobState
	ElapsedAccountedMs int64
	Active             bool
}

// AllocationStatus is one row of the scheduler's view of a job allocation.
type AllocationStatus struct {
	JobId    string
	State    StateTranslation
	ExitCode int
	Signal   int
	Start    time.Time
	End      time.Time
}

// AccountingRow is a per-poll snapshot of a scheduler job's request and state.
type AccountingRow struct {
	JobId             string
	ElapsedMs         int64
	MemoryRequestedMb int64
	CpusRequested     int
	GpusRequested     int
	Uid               int
	State             StateTranslation
	Account           string
	NodesRequested    int
	JobName           string
	TimeLimitMs       int64
}

// Owner is either a user or a project. Exactly one of the fields is set.
type Owner struct {
	Username string
	Project  string
}

const (
	OwnerKindUser    = "user"
	OwnerKindProject = "project"
)

func UserOwner(username string) Owner {
	return Owner{Username: username}
}

func ProjectOwner(project string) Owner {
	return Owner{Project: project}
}

func OwnerFromKind(kind string, id string) (Owner, error) {
	switch kind {
	case OwnerKindUser:
		return UserOwner(id), nil
	case OwnerKindProject:
		return ProjectOwner(id), nil
	}
	return Owner{}, fmt.Errorf("unknown owner kind %q", kind)
}

func (o Owner) Kind() string {
	if o.Project != "" {
		return OwnerKindProject
	}
	return OwnerKindUser
}

func (o Owner) Id() string {
	if o.Project != "" {
		return o.Project
	}
	return o.Username
}

func (o Owner) String() string {
	return o.Kind() + ":" + o.Id()
}

// UnitOfPrice is the granularity a product is billed in.
type UnitOfPrice string

const (
	PerMinute UnitOfPrice = "PER_MINUTE"
	PerHour   UnitOfPrice = "PER_HOUR"
	PerDay    UnitOfPrice = "PER_DAY"
)

// Period returns the wall time covered by a single billing period.
func (u UnitOfPrice) Period() time.Duration {
	switch u {
	case PerHour:
		return time.Hour
	case PerDay:
		return 24 * time.Hour
	}
	return time.Minute
}

// Product is a compute product registered with the control plane.
type Product struct {
	Name         string
	Category     string
	Provider     string
	Cpu          int
	MemoryInGigs int
	Gpu          int
	UnitOfPrice  UnitOfPrice
}

func (p Product) Reference() ProductReference {
	return ProductReference{Id: p.Name, Category: p.Category, Provider: p.Provider}
}

// ProductReference identifies a product in control plane requests.
type ProductReference struct {
	Id       string `json:"id"`
	Category string `json:"category"`
	Provider string `json:"provider"`
}

// InteractiveSession maps a session token to a rank of a running job.
type InteractiveSession struct {
	Token     string
	UcloudId  string
	Rank      int
	CreatedAt time.Time
}

// AccountMapping is a persisted answer of the account resolution. An empty SchedulerAccount
// records that the owner resolved to no account.
type AccountMapping struct {
	Owner            Owner
	ProductCategory  string
	Partition        string
	SchedulerAccount string
}
