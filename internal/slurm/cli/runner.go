package cli

import (
	"bytes"
	"context"
	"os"
	"os/exec"

	"github.com/pkg/errors"
)

// CommandResult holds everything a finished command produced.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CommandRunner runs an external program. A non-zero exit code is reported through CommandResult,
// an error is only returned when the program could not be run to completion.
type CommandRunner interface {
	Run(ctx context.Context, env []string, name string, args ...string) (CommandResult, error)
}

type ExecCommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// ExecRunner runs commands as local processes.
type ExecRunner struct {
	execCommand ExecCommandFunc
}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{execCommand: exec.CommandContext}
}

func (r *ExecRunner) Run(ctx context.Context, env []string, name string, args ...string) (CommandResult, error) {
	cmd := r.execCommand(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctx.Err() != nil {
			return result, errors.Wrapf(ctx.Err(), "%s did not finish in time", name)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, errors.Wrapf(err, "failed to run %s", name)
	}
	return result, nil
}
