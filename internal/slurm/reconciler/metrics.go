package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "slurm_provider_"

var phaseDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    metricsPrefix + "reconciliation_phase_duration_seconds",
		Help:    "Time taken by a reconciliation phase",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	},
	[]string{"partition", "phase"},
)

var phaseFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "reconciliation_phase_failures",
		Help: "Number of reconciliation phases that ended with an error",
	},
	[]string{"partition", "phase"},
)

var stateUpdatesPushed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "state_updates_pushed",
		Help: "Number of job state changes pushed to the control plane",
	},
	[]string{"partition"},
)

var jobsAdopted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "jobs_adopted",
		Help: "Number of jobs submitted directly to slurm that were registered with the control plane",
	},
	[]string{"partition"},
)

var chargesSent = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "charges_sent",
		Help: "Number of charges accepted by the control plane",
	},
	[]string{"partition"},
)

var rowsDeadLettered = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "accounting_rows_dead_lettered",
		Help: "Number of accounting rows that could not be mapped to an owner or product",
	},
	[]string{"partition", "reason"},
)

var activeJobs = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: metricsPrefix + "active_jobs",
		Help: "Number of job mappings the provider is tracking",
	},
	[]string{"partition"},
)
