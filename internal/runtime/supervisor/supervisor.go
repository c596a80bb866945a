// Package supervisor runs named goroutines under one cancelable context and
// keeps the first failure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"medwatch/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log      logx.Logger
	fatal    bool
	wg       sync.WaitGroup
	waitOnce sync.Once
	idle     chan struct{}

	mu  sync.Mutex
	err error
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first failure.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.fatal = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{idle: make(chan struct{})}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel does not wait; use Wait for that.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first failure, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Go runs fn in its own goroutine. A returned error (other than
// context.Canceled) or a panic counts as a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.guard(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.record(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error { fn(ctx); return nil })
}

// GoRestart keeps fn running: after an error or panic it is started again,
// waiting floor at first and doubling up to ceil. It ends when fn returns nil or the
// context is canceled.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, floor, ceil time.Duration) {
	if fn == nil {
		return
	}
	if floor <= 0 {
		floor = 250 * time.Millisecond
	}
	if ceil < floor {
		ceil = 30 * time.Second
	}
	s.Go0(name, func(ctx context.Context) {
		wait := floor
		for {
			began := time.Now()
			err := s.guard(name, fn)
			if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			// a long healthy stretch resets the backoff
			if time.Since(began) > 30*time.Second {
				wait = floor
			}
			s.log.Warn("restarting goroutine", logx.String("name", name), logx.Duration("in", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			wait = min(wait*2, ceil)
		}
	})
}

// Wait blocks until every goroutine has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.idle)
		}()
	})
	select {
	case <-s.idle:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) guard(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	if s.fatal {
		s.cancel()
	}
}
