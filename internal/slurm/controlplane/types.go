package controlplane

import (
	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

type NameAndVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// UnknownApplication is the application of jobs that were not submitted through the control plane.
var UnknownApplication = NameAndVersion{Name: "unknown", Version: "unknown"}

type SimpleDuration struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}

// SimpleDurationFromMillis returns nil for non-positive durations, which the control plane reads as
// "no time allocation".
func SimpleDurationFromMillis(ms int64) *SimpleDuration {
	if ms <= 0 {
		return nil
	}
	seconds := ms / 1000
	return &SimpleDuration{
		Hours:   int(seconds / 3600),
		Minutes: int(seconds % 3600 / 60),
		Seconds: int(seconds % 60),
	}
}

func (d SimpleDuration) Millis() int64 {
	return (int64(d.Hours)*3600 + int64(d.Minutes)*60 + int64(d.Seconds)) * 1000
}

type JobSpecification struct {
	Name           string                 `json:"name,omitempty"`
	Application    NameAndVersion         `json:"application"`
	Product        model.ProductReference `json:"product"`
	Replicas       int                    `json:"replicas"`
	TimeAllocation *SimpleDuration        `json:"timeAllocation,omitempty"`
}

type ResourceOwner struct {
	CreatedBy string `json:"createdBy"`
	Project   string `json:"project,omitempty"`
}

// Owner returns the wallet owner a job is charged to: its project if it has one, else its creator.
func (o ResourceOwner) Owner() model.Owner {
	if o.Project != "" {
		return model.ProjectOwner(o.Project)
	}
	return model.UserOwner(o.CreatedBy)
}

type JobStatus struct {
	State model.JobState `json:"state"`
}

type Job struct {
	Id            string           `json:"id"`
	Owner         ResourceOwner    `json:"owner"`
	Specification JobSpecification `json:"specification"`
	Status        JobStatus        `json:"status"`
}

// Replicas of the job, never less than one.
func (j Job) Replicas() int {
	if j.Specification.Replicas < 1 {
		return 1
	}
	return j.Specification.Replicas
}

// ProviderRegisteredResource describes a job the provider found on its own and asks the control plane
// to track.
type ProviderRegisteredResource struct {
	Spec                JobSpecification `json:"spec"`
	ProviderGeneratedId string           `json:"providerGeneratedId,omitempty"`
	CreatedBy           string           `json:"createdBy,omitempty"`
	Project             string           `json:"project,omitempty"`
}

type JobUpdate struct {
	State  model.JobState `json:"state,omitempty"`
	Status string         `json:"status,omitempty"`
}

type ResourceUpdateAndId struct {
	Id     string    `json:"id"`
	Update JobUpdate `json:"update"`
}

// Charge bills a job for Units x Periods. The control plane ignores a charge whose IdempotencyKey it
// has already seen.
type Charge struct {
	JobId          string `json:"id"`
	IdempotencyKey string `json:"chargeId"`
	Units          int64  `json:"units"`
	Periods        int64  `json:"periods"`
}

// ChargeResult lists the jobs the control plane did not accept a charge for.
type ChargeResult struct {
	InsufficientFunds []string `json:"insufficientFunds"`
	DuplicateCharges  []string `json:"duplicateCharges"`
}

type FindByStringId struct {
	Id string `json:"id"`
}

type bulkRequest[T any] struct {
	Items []T `json:"items"`
}

type bulkResponse[T any] struct {
	Responses []T `json:"responses"`
}
