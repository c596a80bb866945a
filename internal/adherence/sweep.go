package adherence

import (
	"context"
	"sync/atomic"
	"time"

	"medwatch/internal/notify"
	"medwatch/pkg/logx"
)

const DefaultRetention = 30 * 24 * time.Hour

// SweepJob deletes notifications older than the retention period.
type SweepJob struct {
	sink      *notify.Sink
	log       logx.Logger
	retention atomic.Int64
}

func NewSweepJob(sink *notify.Sink, log logx.Logger) *SweepJob {
	j := &SweepJob{sink: sink, log: log.With(logx.String("job", JobSweep))}
	j.retention.Store(int64(DefaultRetention))
	return j
}

func (j *SweepJob) SetRetention(d time.Duration) {
	if d <= 0 {
		d = DefaultRetention
	}
	j.retention.Store(int64(d))
}

func (j *SweepJob) Run(ctx context.Context) error {
	retention := time.Duration(j.retention.Load())
	n := j.sink.SweepOlderThan(retention)
	if n > 0 {
		j.log.Info("old notifications removed", logx.Int("count", n), logx.Duration("retention", retention))
	}
	return nil
}
