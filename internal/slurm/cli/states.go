package cli

import (
	"strings"

	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

type stateInfo struct {
	state   model.JobState
	message string
}

// schedulerStates translates every job state slurm can report into the control plane's model.
var schedulerStates = map[string]stateInfo{
	"PENDING":       {model.JobStateInQueue, "Your job is currently in the queue"},
	"CONFIGURING":   {model.JobStateInQueue, "Your job is currently in the queue (CONFIGURING)"},
	"RESV_DEL_HOLD": {model.JobStateInQueue, "Your job is currently in the queue (RESV_DEL_HOLD)"},
	"REQUEUE_FED":   {model.JobStateInQueue, "Your job is currently in the queue (REQUEUE_FED)"},
	"SUSPENDED":     {model.JobStateInQueue, "Your job is currently in the queue (SUSPENDED)"},
	"REQUEUE_HOLD":  {model.JobStateInQueue, "Your job is currently held for requeue"},
	"REQUEUED":      {model.JobStateInQueue, "Your job is currently in the queue (REQUEUED)"},
	"RESIZING":      {model.JobStateInQueue, "Your job is currently in the queue (RESIZING)"},

	"RUNNING":      {model.JobStateRunning, "Your job is now running"},
	"COMPLETING":   {model.JobStateRunning, "Your job is now running and about to complete"},
	"SIGNALING":    {model.JobStateRunning, "Your job is now running and about to complete"},
	"SPECIAL_EXIT": {model.JobStateRunning, "Your job is now running and about to complete"},
	"STAGE_OUT":    {model.JobStateRunning, "Your job is now running and about to complete"},
	"STOPPED":      {model.JobStateRunning, "Your job is now running and about to complete"},

	"COMPLETED":     {model.JobStateSuccess, "Your job has successfully completed"},
	"CANCELLED":     {model.JobStateSuccess, "Your job has successfully completed, due to a cancel"},
	"FAILED":        {model.JobStateSuccess, "Your job has completed with a Slurm status of FAILED"},
	"OUT_OF_MEMORY": {model.JobStateSuccess, "Your job was terminated with an out of memory error"},

	"BOOT_FAIL": {model.JobStateFailure, "Your job has failed (BOOT_FAIL)"},
	"NODE_FAIL": {model.JobStateFailure, "Your job has failed (NODE_FAIL)"},
	"REVOKED":   {model.JobStateFailure, "Your job has failed (REVOKED)"},
	"PREEMPTED": {model.JobStateFailure, "Your job was preempted by Slurm"},

	"DEADLINE": {model.JobStateExpired, "Your job has expired (DEADLINE)"},
	"TIMEOUT":  {model.JobStateExpired, "Your job has expired (TIMEOUT)"},
}

// TranslateState maps a scheduler state such as "CANCELLED by 1000" to its cloud state.
// The second return value is false for states slurm is not known to report.
func TranslateState(schedulerState string) (model.StateTranslation, bool) {
	fields := strings.Fields(schedulerState)
	if len(fields) == 0 {
		return model.StateTranslation{}, false
	}
	name := strings.ToUpper(strings.TrimSuffix(fields[0], "+"))
	info, ok := schedulerStates[name]
	if !ok {
		return model.StateTranslation{}, false
	}
	return model.StateTranslation{
		SchedulerState: name,
		State:          info.state,
		Message:        info.message,
		IsFinal:        info.state.IsFinal(),
	}, true
}

// SchedulerStates lists every scheduler state the translation table knows about.
func SchedulerStates() []string {
	states := make([]string, 0, len(schedulerStates))
	for s := range schedulerStates {
		states = append(states, s)
	}
	return states
}
