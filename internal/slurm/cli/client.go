package cli

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/slurm-provider/internal/common/providererrors"
	"github.com/G-Research/slurm-provider/internal/slurm/configuration"
	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

// Scheduler is the typed view of the slurm command line tools.
type Scheduler interface {
	Submit(ctx context.Context, scriptPath string, account string) (string, error)
	Cancel(ctx context.Context, partition string, schedulerId string) error
	BrowseAllocations(ctx context.Context, schedulerIds []string, partition string) ([]model.AllocationStatus, error)
	NodeList(ctx context.Context, schedulerId string) (map[int]string, error)
	LogFileLocations(ctx context.Context, schedulerId string) (LogFiles, error)
	RetrieveAccountingData(ctx context.Context, since time.Time, partition string) ([]model.AccountingRow, error)
	RetrieveAccountingDataForJobs(ctx context.Context, schedulerIds []string, partition string) ([]model.AccountingRow, error)
}

// LogFiles holds the output paths of a job. Empty paths are unknown.
type LogFiles struct {
	Stdout string
	Stderr string
}

// Client implements Scheduler by running the slurm executables. It never retries.
type Client struct {
	config configuration.SlurmConfig
	runner CommandRunner
}

func NewClient(config configuration.SlurmConfig, runner CommandRunner) *Client {
	return &Client{config: config, runner: runner}
}

func (c *Client) run(ctx context.Context, executable string, args ...string) (CommandResult, error) {
	if c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}
	var env []string
	if c.config.SlurmConf != "" {
		env = append(env, "SLURM_CONF="+c.config.SlurmConf)
	}

	start := time.Now()
	result, err := c.runner.Run(ctx, env, executable, args...)
	logger := log.WithFields(log.Fields{
		"cmd":      executable + " " + strings.Join(args, " "),
		"exitCode": result.ExitCode,
		"duration": time.Since(start),
	})
	if err != nil {
		logger.WithError(err).Warn("Unable to execute command")
		return result, err
	}
	logger.Debug("Executed command")
	return result, nil
}

// runChecked runs a command and turns a non-zero exit code into an ErrCommandFailed.
func (c *Client) runChecked(ctx context.Context, executable string, args ...string) (string, error) {
	result, err := c.run(ctx, executable, args...)
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", errors.WithStack(&providererrors.ErrCommandFailed{
			Command:  executable,
			ExitCode: result.ExitCode,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
		})
	}
	return result.Stdout, nil
}

// Submit hands a rendered batch script to sbatch and returns the scheduler's job id. An empty account
// leaves the choice to slurm, which uses the default account of the submitting user.
func (c *Client) Submit(ctx context.Context, scriptPath string, account string) (string, error) {
	args := []string{"--parsable"}
	if account != "" {
		args = append(args, "--account="+account)
	}
	result, err := c.run(ctx, c.config.Executables.Sbatch, append(args, scriptPath)...)
	if err != nil {
		return "", err
	}
	// --parsable prints "<jobid>" or "<jobid>;<cluster>"
	jobId := strings.TrimSpace(strings.Split(strings.TrimSpace(result.Stdout), ";")[0])
	if result.ExitCode != 0 || jobId == "" {
		return "", errors.WithStack(&providererrors.ErrSubmissionFailed{
			ScriptPath: scriptPath,
			ExitCode:   result.ExitCode,
			Stdout:     result.Stdout,
			Stderr:     result.Stderr,
		})
	}
	return jobId, nil
}

func (c *Client) Cancel(ctx context.Context, partition string, schedulerId string) error {
	args := []string{schedulerId}
	if partition != "" {
		args = []string{"--partition=" + partition, schedulerId}
	}
	result, err := c.run(ctx, c.config.Executables.Scancel, args...)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return errors.WithStack(&providererrors.ErrCancellationFailed{
			SchedulerId: schedulerId,
			Partition:   partition,
			ExitCode:    result.ExitCode,
			Stdout:      result.Stdout,
			Stderr:      result.Stderr,
		})
	}
	return nil
}

// BrowseAllocations returns the current allocation status of the given jobs. Rows that cannot be
// parsed are dropped.
func (c *Client) BrowseAllocations(ctx context.Context, schedulerIds []string, partition string) ([]model.AllocationStatus, error) {
	if len(schedulerIds) == 0 {
		return nil, nil
	}
	args := []string{
		"--jobs=" + strings.Join(schedulerIds, ","),
		"--allusers",
		"--allocations",
		"--parsable2",
		"--format=" + strings.Join(allocationColumns, ","),
	}
	if partition != "" {
		args = append(args, "--partition="+partition)
	}
	output, err := c.runChecked(ctx, c.config.Executables.Sacct, args...)
	if err != nil {
		return nil, err
	}

	rows := splitRows(output, "JobID")
	allocations := make([]model.AllocationStatus, 0, len(rows))
	for _, fields := range rows {
		allocation, err := parseAllocation(fields)
		if err != nil {
			log.WithError(err).WithField("row", strings.Join(fields, "|")).Debug("Skipping allocation row")
			continue
		}
		allocations = append(allocations, allocation)
	}
	return allocations, nil
}

// NodeList maps each rank of a job to the host it runs on.
func (c *Client) NodeList(ctx context.Context, schedulerId string) (map[int]string, error) {
	output, err := c.runChecked(ctx, c.config.Executables.Squeue, "--noheader", "--format=%N", "--jobs="+schedulerId)
	if err != nil {
		return nil, err
	}
	nodeRange := strings.TrimSpace(output)
	nodes := map[int]string{}
	if nodeRange == "" || nodeRange == "(null)" {
		return nodes, nil
	}

	expanded, err := c.runChecked(ctx, c.config.Executables.Scontrol, "show", "hostnames", nodeRange)
	if err != nil {
		return nil, err
	}
	rank := 0
	for _, line := range strings.Split(expanded, "\n") {
		host := strings.TrimSpace(line)
		if host == "" {
			continue
		}
		nodes[rank] = host
		rank++
	}
	return nodes, nil
}

func (c *Client) LogFileLocations(ctx context.Context, schedulerId string) (LogFiles, error) {
	output, err := c.runChecked(ctx, c.config.Executables.Scontrol, "show", "job", schedulerId)
	if err != nil {
		return LogFiles{}, err
	}
	fields := parseJobFields(output)
	return LogFiles{Stdout: fields["StdOut"], Stderr: fields["StdErr"]}, nil
}

// RetrieveAccountingData returns the accounting rows of every allocation in partition that started after since.
// Rows that cannot be parsed are dropped so that a single odd job does not hide the rest of the scan.
func (c *Client) RetrieveAccountingData(ctx context.Context, since time.Time, partition string) ([]model.AccountingRow, error) {
	return c.retrieveAccountingData(ctx, partition, "--starttime="+since.Local().Format(sacctTimeLayout))
}

// RetrieveAccountingDataForJobs returns the accounting rows of the given jobs regardless of when they ran.
func (c *Client) RetrieveAccountingDataForJobs(ctx context.Context, schedulerIds []string, partition string) ([]model.AccountingRow, error) {
	if len(schedulerIds) == 0 {
		return nil, nil
	}
	return c.retrieveAccountingData(ctx, partition, "--jobs="+strings.Join(schedulerIds, ","))
}

func (c *Client) retrieveAccountingData(ctx context.Context, partition string, selection string) ([]model.AccountingRow, error) {
	args := []string{
		"--allusers",
		"--allocations",
		"--parsable2",
		"--noheader",
		selection,
		"--format=" + strings.Join(accountingColumns, ","),
	}
	if partition != "" {
		args = append(args, "--partition="+partition)
	}
	output, err := c.runChecked(ctx, c.config.Executables.Sacct, args...)
	if err != nil {
		return nil, err
	}

	rows := splitRows(output, "JobID")
	result := make([]model.AccountingRow, 0, len(rows))
	skipped := 0
	for _, fields := range rows {
		row, err := parseAccountingRow(fields)
		if err != nil {
			skipped++
			log.WithError(err).WithField("row", strings.Join(fields, "|")).Debug("Skipping accounting row")
			continue
		}
		result = append(result, row)
	}
	if skipped > 0 {
		log.Infof("Skipped %d malformed accounting rows out of %d", skipped, len(rows))
	}
	return result, nil
}
