package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"medwatch/internal/eventbus"
	"medwatch/pkg/logx"
)

func (s *Service) work(ctx context.Context, p *pool) {
	for {
		// quit wins over queued work
		select {
		case <-p.quit:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case q := <-p.queue:
			s.running.Add(1)
			s.execute(ctx, p.quit, q)
			s.running.Add(-1)
		}
	}
}

func (s *Service) execute(ctx context.Context, quit <-chan struct{}, q queued) {
	rec := Record{ID: q.id, Job: q.Name, Started: time.Now()}
	rec.Waited = max(rec.Started.Sub(q.enqueued), 0)
	log := s.log.With(logx.String("job", q.Name), logx.String("run_id", q.id))
	s.emit(eventbus.TypeJobStarted, rec)

	s.mu.Lock()
	retries, backoff := s.cfg.Retries, s.cfg.RetryBackoff
	s.mu.Unlock()

	// Shutdown does not cancel a run; only its own deadline does.
	base := context.WithoutCancel(ctx)
	var err error
	for rec.Attempts = 1; ; rec.Attempts++ {
		err = s.attempt(base, q, log)
		if err == nil || IsPermanent(err) || rec.Attempts > retries {
			break
		}
		delay := retryDelay(backoff, rec.Attempts)
		log.Debug("run failed; retrying", logx.Int("attempt", rec.Attempts), logx.Duration("delay", delay), logx.Err(err))
		if !pause(quit, delay) {
			break
		}
	}
	q.gate.leave()

	rec.Took = time.Since(rec.Started)
	if err != nil {
		rec.Error = err.Error()
		log.Warn("run failed", logx.Err(err), logx.Duration("took", rec.Took), logx.Int("attempts", rec.Attempts))
		s.emit(eventbus.TypeJobFailed, rec)
	} else {
		log.Info("run finished", logx.Duration("took", rec.Took), logx.Int("attempts", rec.Attempts))
		s.emit(eventbus.TypeJobFinished, rec)
	}
	s.hist.add(rec)
}

// attempt runs the task once under its deadline, turning a panic into an error.
func (s *Service) attempt(base context.Context, q queued, log logx.Logger) (err error) {
	ctx := base
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, q.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("run panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	err = q.Run(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && err == nil {
		err = fmt.Errorf("deadline of %s exceeded", q.timeout)
	}
	return err
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < maxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, maxRetryBackoff)
}

// pause waits d unless quit closes first.
func pause(quit <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-quit:
		return false
	case <-t.C:
		return true
	}
}
