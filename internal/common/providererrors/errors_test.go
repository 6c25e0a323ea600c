package providererrors

import (
	"fmt"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestStorageUnavailable_WrapsCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := StorageUnavailable("browse", cause)

	assert.True(t, IsStorageUnavailable(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "browse")
	assert.NoError(t, StorageUnavailable("browse", nil))
}

func TestIsStorageUnavailable_ThroughMultiError(t *testing.T) {
	var result *multierror.Error
	result = multierror.Append(result, fmt.Errorf("other"))
	result = multierror.Append(result, StorageUnavailable("register", fmt.Errorf("timeout")))

	assert.True(t, IsStorageUnavailable(result))
	assert.False(t, IsStorageUnavailable(fmt.Errorf("plain")))
}

func TestErrorMessages(t *testing.T) {
	tests := map[string]struct {
		err      error
		contains []string
	}{
		"submission": {
			err:      &ErrSubmissionFailed{ScriptPath: "/tmp/job.sh", ExitCode: 1, Stdout: "", Stderr: "invalid account\n"},
			contains: []string{"/tmp/job.sh", "exit code 1", "invalid account"},
		},
		"cancellation": {
			err:      &ErrCancellationFailed{SchedulerId: "42", Partition: "normal", ExitCode: 2},
			contains: []string{"42", "normal", "exit code 2"},
		},
		"command": {
			err:      &ErrCommandFailed{Command: "sacct", ExitCode: 127, Stderr: "not found"},
			contains: []string{"sacct", "127", "not found"},
		},
		"extension": {
			err:      &ErrExtensionFailed{Script: "/opt/mapper", ExitCode: 3, Output: "nope", Message: "malformed response"},
			contains: []string{"/opt/mapper", "3", "nope", "malformed response"},
		},
		"control plane": {
			err:      &ErrControlPlane{Call: "charge", StatusCode: 500, Body: "oops"},
			contains: []string{"charge", "500", "oops"},
		},
		"not found": {
			err:      &ErrNotFound{Type: "job", Value: "abc"},
			contains: []string{"abc", "job", "does not exist"},
		},
		"invalid argument": {
			err:      &ErrInvalidArgument{Name: "partition", Value: "", Message: "must be non-empty"},
			contains: []string{"partition", "must be non-empty"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			for _, s := range tc.contains {
				assert.Contains(t, tc.err.Error(), s)
			}
		})
	}
}

func TestErrorsAs_SubmissionFailed(t *testing.T) {
	err := errors.WithStack(&ErrSubmissionFailed{ExitCode: 1})
	var e *ErrSubmissionFailed
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, 1, e.ExitCode)
}
