package cli

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

const sacctTimeLayout = "2006-01-02T15:04:05"

var memoryPattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)([KMGTP]?)([cn]?)$`)

var memoryUnits = map[string]float64{
	"K": 1e3,
	"M": 1e6,
	"G": 1e9,
	"T": 1e12,
	"P": 1e15,
}

const bytesPerMb = 1e6

// ParseMemoryMb normalises a requested memory value such as "4000Mc" or "2G" to megabytes.
// A trailing c multiplies by the requested cpus and a trailing n by the requested nodes.
// Values without a unit are megabytes.
func ParseMemoryMb(value string, cpus int, nodes int) (int64, error) {
	match := memoryPattern.FindStringSubmatch(strings.TrimSpace(value))
	if match == nil {
		return 0, errors.Errorf("cannot parse memory value %q", value)
	}
	amount, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	unit := bytesPerMb
	if match[2] != "" {
		unit = memoryUnits[match[2]]
	}
	multiplier := 1.0
	switch match[3] {
	case "c":
		multiplier = float64(cpus)
	case "n":
		multiplier = float64(nodes)
	}
	return int64(amount * unit * multiplier / bytesPerMb), nil
}

// ParseDuration parses the [D-][HH:]MM:SS[.mmm] durations printed by sacct.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errors.New("empty duration")
	}

	var days int64
	if dash := strings.Index(value, "-"); dash >= 0 {
		d, err := strconv.ParseInt(value[:dash], 10, 64)
		if err != nil || d < 0 {
			return 0, errors.Errorf("cannot parse days of duration %q", value)
		}
		days = d
		value = value[dash+1:]
	}

	parts := strings.Split(value, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, errors.Errorf("cannot parse duration %q", value)
	}
	secondsPart := parts[len(parts)-1]
	seconds, err := strconv.ParseFloat(secondsPart, 64)
	if err != nil || seconds < 0 || seconds >= 60 {
		return 0, errors.Errorf("cannot parse seconds of duration %q", value)
	}
	minutes, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil || minutes < 0 || minutes >= 60 {
		return 0, errors.Errorf("cannot parse minutes of duration %q", value)
	}
	var hours int64
	if len(parts) == 3 {
		hours, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil || hours < 0 {
			return 0, errors.Errorf("cannot parse hours of duration %q", value)
		}
	}

	total := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
	return total, nil
}

// parseTimeLimit is ParseDuration but treats the symbolic limits as no limit.
func parseTimeLimit(value string) (time.Duration, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "UNLIMITED", "PARTITION_LIMIT", "INFINITE", "":
		return 0, nil
	}
	return ParseDuration(value)
}

func parseTimestamp(value string) (time.Time, error) {
	switch strings.TrimSpace(value) {
	case "", "Unknown", "None":
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(sacctTimeLayout, strings.TrimSpace(value), time.Local)
	if err != nil {
		return time.Time{}, errors.WithStack(err)
	}
	return t, nil
}

func parseExitCode(value string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("cannot parse exit code %q", value)
	}
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, errors.WithStack(err)
	}
	signal, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, errors.WithStack(err)
	}
	return code, signal, nil
}

// splitRows splits pipe delimited output into rows, dropping blank lines and a header row starting with headerField.
func splitRows(output string, headerField string) [][]string {
	var rows [][]string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if strings.EqualFold(strings.TrimSpace(fields[0]), headerField) {
			continue
		}
		rows = append(rows, fields)
	}
	return rows
}

var allocationColumns = []string{"jobid", "state", "exitcode", "start", "end"}

func parseAllocation(fields []string) (model.AllocationStatus, error) {
	if len(fields) != len(allocationColumns) {
		return model.AllocationStatus{}, errors.Errorf("expected %d columns but got %d", len(allocationColumns), len(fields))
	}
	state, ok := TranslateState(fields[1])
	if !ok {
		return model.AllocationStatus{}, errors.Errorf("unknown state %q", fields[1])
	}
	exitCode, signal, err := parseExitCode(fields[2])
	if err != nil {
		return model.AllocationStatus{}, err
	}
	start, err := parseTimestamp(fields[3])
	if err != nil {
		return model.AllocationStatus{}, err
	}
	end, err := parseTimestamp(fields[4])
	if err != nil {
		return model.AllocationStatus{}, err
	}
	return model.AllocationStatus{
		JobId:    strings.TrimSpace(fields[0]),
		State:    state,
		ExitCode: exitCode,
		Signal:   signal,
		Start:    start,
		End:      end,
	}, nil
}

var accountingColumns = []string{"jobid", "elapsed", "reqmem", "reqcpus", "uid", "state", "account", "nnodes", "jobname", "timelimit"}

func parseAccountingRow(fields []string) (model.AccountingRow, error) {
	if len(fields) != len(accountingColumns) {
		return model.AccountingRow{}, errors.Errorf("expected %d columns but got %d", len(accountingColumns), len(fields))
	}
	elapsed, err := ParseDuration(fields[1])
	if err != nil {
		return model.AccountingRow{}, err
	}
	cpus, err := strconv.Atoi(strings.TrimSpace(fields[3]))
	if err != nil {
		return model.AccountingRow{}, errors.WithStack(err)
	}
	uid, err := strconv.Atoi(strings.TrimSpace(fields[4]))
	if err != nil {
		return model.AccountingRow{}, errors.WithStack(err)
	}
	state, ok := TranslateState(fields[5])
	if !ok {
		return model.AccountingRow{}, errors.Errorf("unknown state %q", fields[5])
	}
	nodes, err := strconv.Atoi(strings.TrimSpace(fields[7]))
	if err != nil {
		return model.AccountingRow{}, errors.WithStack(err)
	}
	memory, err := ParseMemoryMb(fields[2], cpus, nodes)
	if err != nil {
		return model.AccountingRow{}, err
	}
	timeLimit, err := parseTimeLimit(fields[9])
	if err != nil {
		return model.AccountingRow{}, err
	}
	return model.AccountingRow{
		JobId:             strings.TrimSpace(fields[0]),
		ElapsedMs:         elapsed.Milliseconds(),
		MemoryRequestedMb: memory,
		CpusRequested:     cpus,
		Uid:               uid,
		State:             state,
		Account:           strings.TrimSpace(fields[6]),
		NodesRequested:    nodes,
		JobName:           fields[8],
		TimeLimitMs:       timeLimit.Milliseconds(),
	}, nil
}

// parseJobFields extracts Key=Value pairs from `scontrol show job` output.
func parseJobFields(output string) map[string]string {
	result := map[string]string{}
	for _, token := range strings.Fields(output) {
		key, value, found := strings.Cut(token, "=")
		if !found {
			continue
		}
		result[key] = value
	}
	return result
}
