package accountmapper

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/G-Research/slurm-provider/internal/common/providererrors"
	"github.com/G-Research/slurm-provider/internal/slurm/cli"
	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

// Resolver answers an account lookup that neither the cache nor the store could answer.
// An empty account means the owner has no account in the partition.
type Resolver interface {
	Resolve(ctx context.Context, owner model.Owner, category string, partition string) (string, error)
}

// NoneResolver never maps an owner to an account.
type NoneResolver struct{}

func (NoneResolver) Resolve(_ context.Context, _ model.Owner, _ string, _ string) (string, error) {
	return "", nil
}

type scriptOwner struct {
	Type string `json:"type"`
	Id   string `json:"id"`
}

type scriptRequest struct {
	Owner           scriptOwner `json:"owner"`
	ProductCategory string      `json:"productCategory"`
	Partition       string      `json:"partition"`
}

type scriptResponse struct {
	Account *string `json:"account"`
}

// ScriptResolver invokes an operator supplied executable. The request is written as JSON to a
// temporary file whose path is the only argument; the script answers {"account": "..."} on stdout.
type ScriptResolver struct {
	script string
	runner cli.CommandRunner
}

func NewScriptResolver(script string, runner cli.CommandRunner) *ScriptResolver {
	return &ScriptResolver{script: script, runner: runner}
}

func (r *ScriptResolver) Resolve(ctx context.Context, owner model.Owner, category string, partition string) (string, error) {
	request, err := json.Marshal(scriptRequest{
		Owner:           scriptOwner{Type: owner.Kind(), Id: owner.Id()},
		ProductCategory: category,
		Partition:       partition,
	})
	if err != nil {
		return "", errors.WithStack(err)
	}

	f, err := os.CreateTemp("", "account-mapper-*.json")
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(request); err != nil {
		f.Close()
		return "", errors.WithStack(err)
	}
	if err := f.Close(); err != nil {
		return "", errors.WithStack(err)
	}

	result, err := r.runner.Run(ctx, nil, r.script, f.Name())
	if err != nil {
		return "", errors.WithStack(&providererrors.ErrExtensionFailed{
			Script:   r.script,
			ExitCode: -1,
			Message:  err.Error(),
		})
	}
	if result.ExitCode != 0 {
		return "", errors.WithStack(&providererrors.ErrExtensionFailed{
			Script:   r.script,
			ExitCode: result.ExitCode,
			Output:   result.Stdout + result.Stderr,
		})
	}

	var response scriptResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(result.Stdout)), &response); err != nil {
		return "", errors.WithStack(&providererrors.ErrExtensionFailed{
			Script:  r.script,
			Output:  result.Stdout,
			Message: "malformed response: " + err.Error(),
		})
	}
	if response.Account == nil {
		return "", nil
	}
	return strings.TrimSpace(*response.Account), nil
}
