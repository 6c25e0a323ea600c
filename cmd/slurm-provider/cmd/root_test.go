package cmd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Subcommands(t *testing.T) {
	tests := map[string]struct {
		args     []string
		expected string
	}{
		"run":               {args: []string{"run"}, expected: "run"},
		"migrate":           {args: []string{"migrateDatabase"}, expected: "migrateDatabase"},
		"jobs submit":       {args: []string{"jobs", "submit", "1001", "/work/job.sbatch"}, expected: "submit"},
		"jobs logs":         {args: []string{"jobs", "logs", "1001"}, expected: "logs"},
		"jobs cancel":       {args: []string{"jobs", "cancel", "1001"}, expected: "cancel"},
		"sessions register": {args: []string{"sessions", "register", "1001"}, expected: "register"},
		"sessions show":     {args: []string{"sessions", "show", "token"}, expected: "show"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			found, _, err := RootCmd().Find(tc.args)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, strings.Fields(found.Use)[0])
		})
	}
}

func TestSessionsRegisterFlags(t *testing.T) {
	cmd := sessionsRegisterCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--rank=3", "--token=abc"}))

	rank, err := cmd.Flags().GetInt("rank")
	require.NoError(t, err)
	assert.Equal(t, 3, rank)
	token, err := cmd.Flags().GetString("token")
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
}

func TestOrUnknown(t *testing.T) {
	assert.Equal(t, "unknown", orUnknown(""))
	assert.Equal(t, "/home/a/out.txt", orUnknown("/home/a/out.txt"))
}
