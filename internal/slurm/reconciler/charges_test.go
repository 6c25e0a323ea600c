package reconciler

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/slurm-provider/internal/slurm/configuration"
	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, IdempotencyKey("1001", 600000), IdempotencyKey("1001", 600000))
	assert.NotEqual(t, IdempotencyKey("1001", 600000), IdempotencyKey("1001", 660000))
	assert.NotEqual(t, IdempotencyKey("1001", 600000), IdempotencyKey("1002", 600000))
}

func TestPeriods(t *testing.T) {
	tests := map[string]struct {
		delta  time.Duration
		unit   model.UnitOfPrice
		expect int64
	}{
		"whole minutes":      {delta: 10 * time.Minute, unit: model.PerMinute, expect: 10},
		"partial minute":     {delta: 90 * time.Second, unit: model.PerMinute, expect: 1},
		"less than a minute": {delta: 10 * time.Second, unit: model.PerMinute, expect: 1},
		"hours truncate":     {delta: 150 * time.Minute, unit: model.PerHour, expect: 2},
		"less than an hour":  {delta: 59 * time.Minute, unit: model.PerHour, expect: 1},
		"days":               {delta: 72 * time.Hour, unit: model.PerDay, expect: 3},
		"unknown unit":       {delta: 3 * time.Minute, unit: "", expect: 3},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expect, Periods(tc.delta, tc.unit))
		})
	}
}

func TestAdoptedJobName(t *testing.T) {
	tests := map[string]struct {
		jobName string
		expect  string
	}{
		"plain":             {jobName: "simulation", expect: "simulation (SlurmID: 42)"},
		"unsafe characters": {jobName: "run#1; rm -rf /", expect: "run1 rm -rf  (SlurmID: 42)"},
		"allowed symbols":   {jobName: "a_b-c (d)", expect: "a_b-c (d) (SlurmID: 42)"},
		"empty":             {jobName: "", expect: " (SlurmID: 42)"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expect, AdoptedJobName(tc.jobName, "42"))
		})
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead-letters", "rows.jsonl")
	sink, closeSink, err := NewDeadLetterSink(configuration.DeadLetterConfig{Enabled: true, Path: path})
	require.NoError(t, err)

	sink.Record(partition, model.AccountingRow{JobId: "42", Account: "grpZ", CpusRequested: 4}, reasonNoOwner)
	sink.Record(partition, model.AccountingRow{JobId: "43", Account: "grpA", CpusRequested: 64}, reasonNoProduct)
	closeSink()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "42", lines[0]["jobId"])
	assert.Equal(t, "grpZ", lines[0]["account"])
	assert.Equal(t, reasonNoOwner, lines[0]["reason"])
	assert.Equal(t, partition, lines[0]["partition"])
	assert.Equal(t, float64(64), lines[1]["cpus"])
	assert.Equal(t, reasonNoProduct, lines[1]["reason"])
}

func TestNewDeadLetterSink_Disabled(t *testing.T) {
	sink, closeSink, err := NewDeadLetterSink(configuration.DeadLetterConfig{})
	require.NoError(t, err)
	defer closeSink()
	assert.IsType(t, countingSink{}, sink)
}
