package reconciler

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/G-Research/slurm-provider/internal/slurm/controlplane"
	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

// Namespace of the name based UUIDs used as charge idempotency keys.
var chargeNamespace = uuid.MustParse("5b3f4c1e-8f0a-4d6b-9a57-1c2e3d4f5a6b")

// IdempotencyKey identifies the charge of a job starting from the time that was already accounted for.
// Resending a charge that was accepted but not recorded locally yields the same key.
func IdempotencyKey(ucloudId string, accountedMs int64) string {
	return uuid.NewSHA1(chargeNamespace, []byte(fmt.Sprintf("%s/%d", ucloudId, accountedMs))).String()
}

// Periods converts billable time into whole periods of unit. At least one period is billed.
func Periods(delta time.Duration, unit model.UnitOfPrice) int64 {
	periods := int64(delta / unit.Period())
	if periods < 1 {
		return 1
	}
	return periods
}

var unsafeJobNameCharacters = regexp.MustCompile(`[^\w ():_-]`)

// AdoptedJobName is the control plane name of a job found in slurm.
func AdoptedJobName(jobName string, schedulerId string) string {
	return unsafeJobNameCharacters.ReplaceAllString(fmt.Sprintf("%s (SlurmID: %s)", jobName, schedulerId), "")
}

const providerIdPrefix = "s-"

func providerGeneratedId(schedulerId string) string {
	return providerIdPrefix + schedulerId
}

func adoptedJobSpecification(row model.AccountingRow, product model.Product, replicas int) controlplane.JobSpecification {
	return controlplane.JobSpecification{
		Name:           AdoptedJobName(row.JobName, row.JobId),
		Application:    controlplane.UnknownApplication,
		Product:        product.Reference(),
		Replicas:       replicas,
		TimeAllocation: controlplane.SimpleDurationFromMillis(row.TimeLimitMs),
	}
}
