package reconciler

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/slurm-provider/internal/common/util"
	"github.com/G-Research/slurm-provider/internal/slurm/configuration"
	"github.com/G-Research/slurm-provider/internal/slurm/model"
)

const (
	reasonNoOwner   = "no_owner"
	reasonNoProduct = "no_product"
)

// DeadLetterSink receives accounting rows that were skipped because they could not be attributed to
// an owner or a product.
type DeadLetterSink interface {
	Record(partition string, row model.AccountingRow, reason string)
}

// countingSink only counts skipped rows.
type countingSink struct{}

func (countingSink) Record(partition string, _ model.AccountingRow, reason string) {
	rowsDeadLettered.WithLabelValues(partition, reason).Inc()
}

// FileSink appends one JSON line per skipped row to a file.
type FileSink struct {
	logger *logrus.Logger
	out    io.Closer
}

// NewDeadLetterSink returns a sink that writes to the configured file when enabled. The returned
// closer releases the file.
func NewDeadLetterSink(config configuration.DeadLetterConfig) (DeadLetterSink, func(), error) {
	if !config.Enabled {
		return countingSink{}, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0o750); err != nil {
		return nil, nil, errors.WithStack(err)
	}
	f, err := os.OpenFile(config.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	sink := newFileSink(f)
	return sink, util.Closer("dead letter log", sink.out), nil
}

func newFileSink(out io.WriteCloser) *FileSink {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)
	return &FileSink{logger: logger, out: out}
}

func (s *FileSink) Record(partition string, row model.AccountingRow, reason string) {
	countingSink{}.Record(partition, row, reason)
	s.logger.WithFields(logrus.Fields{
		"partition":   partition,
		"reason":      reason,
		"jobId":       row.JobId,
		"jobName":     row.JobName,
		"account":     row.Account,
		"uid":         row.Uid,
		"state":       row.State.SchedulerState,
		"elapsedMs":   row.ElapsedMs,
		"cpus":        row.CpusRequested,
		"memoryMb":    row.MemoryRequestedMb,
		"gpus":        row.GpusRequested,
		"nodes":       row.NodesRequested,
		"timeLimitMs": row.TimeLimitMs,
	}).Info("Accounting row skipped")
}
