package adherence

import (
	"context"

	"medwatch/internal/storage"
	"medwatch/pkg/logx"
)

// ResetJob clears taken on every medication active today. Running it again
// the same day changes nothing.
type ResetJob struct {
	store storage.Store
	clock Clock
	log   logx.Logger
}

func NewResetJob(store storage.Store, clock Clock, log logx.Logger) *ResetJob {
	return &ResetJob{store: store, clock: clock, log: log.With(logx.String("job", JobReset))}
}

func (j *ResetJob) Run(ctx context.Context) error {
	day := today(j.clock)
	n, err := j.store.ResetTaken(ctx, day)
	if err != nil {
		return err
	}
	if n > 0 {
		j.log.Info("medication taken flags reset", logx.Int64("count", n), logx.String("date", day.String()))
	} else {
		j.log.Debug("no medication taken flags to reset", logx.String("date", day.String()))
	}
	return nil
}
