package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"medwatch/internal/eventbus"
	rtsup "medwatch/internal/runtime/supervisor"
	"medwatch/pkg/logx"
)

// Service runs job tasks on a fixed pool of workers. Each job name is gated so
// at most one of its runs is queued or executing at a time.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	pool *pool

	log logx.Logger
	bus eventbus.Bus

	gatesMu sync.Mutex
	gates   map[string]*Gate

	hist    history
	seq     atomic.Uint64
	running atomic.Int32
	dropped atomic.Uint64
	skipped atomic.Uint64
}

// pool is one Start..Stop generation of workers.
type pool struct {
	queue    chan queued
	quit     chan struct{} // closed by Stop
	stopped  chan struct{} // closed once workers exited and the queue is drained
	stopping bool
	sup      *rtsup.Supervisor
}

type queued struct {
	Task
	id       string
	gate     *Gate
	timeout  time.Duration
	enqueued time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:   cfg.withDefaults(),
		log:   log,
		bus:   bus,
		gates: map[string]*Gate{},
	}
	s.hist.setSize(s.cfg.HistorySize)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Worker count and queue size apply on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.hist.setSize(cfg.HistorySize)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.pool != nil {
		return
	}
	p := &pool{
		queue:   make(chan queued, s.cfg.QueueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		// a failing worker must not take the app down
		sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	for i := range s.cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, p)
			return nil
		}, 250*time.Millisecond, 10*time.Second)
	}
	s.pool = p
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop stops intake and waits, bounded by ctx, for executing runs to finish.
// Their contexts are not canceled. Runs still queued are dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.pool
	if p == nil {
		s.mu.Unlock()
		return
	}
	if !p.stopping {
		p.stopping = true
		close(p.quit)
		go s.retire(p)
	}
	s.mu.Unlock()

	select {
	case <-p.stopped:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out; runs still in flight",
			logx.Err(ctx.Err()), logx.Int("running", int(s.running.Load())))
	}
}

func (s *Service) retire(p *pool) {
	_ = p.sup.Wait(context.Background())
	p.sup.Cancel()
drain:
	for {
		select {
		case q := <-p.queue:
			q.gate.leave()
		default:
			break drain
		}
	}
	s.mu.Lock()
	if s.pool == p {
		s.pool = nil
	}
	s.mu.Unlock()
	close(p.stopped)
}

// Enqueue hands t to the pool without blocking. It returns ErrBusy when the
// job's previous run still holds its gate.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("engine: task has no Run func")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("engine: task name required")
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	accepting := p != nil && !p.stopping
	s.mu.Unlock()
	if !cfg.Enabled {
		return ErrDisabled
	}
	if !accepting {
		return ErrNotRunning
	}

	now := time.Now()
	q := queued{
		Task:     t,
		id:       fmt.Sprintf("%s-%d", t.Name, s.seq.Add(1)),
		gate:     t.Gate,
		timeout:  cmp.Or(t.Timeout, cfg.DefaultTimeout),
		enqueued: now,
	}
	if q.gate == nil {
		q.gate = s.gateFor(t.Name)
	}
	if !q.gate.enter() {
		s.skipped.Add(1)
		s.emit(eventbus.TypeJobSkipped, Record{ID: q.id, Job: t.Name, Started: now, Error: ErrBusy.Error()})
		return ErrBusy
	}
	select {
	case p.queue <- q:
		return nil
	default:
		q.gate.leave()
		s.dropped.Add(1)
		s.log.Warn("run dropped: queue full", logx.String("job", t.Name), logx.Int("queue_cap", cap(p.queue)))
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:        cfg.Enabled,
		Workers:        cfg.Workers,
		Running:        int(s.running.Load()),
		Dropped:        s.dropped.Load(),
		Skipped:        s.skipped.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
		Retries:        cfg.Retries,
		History:        s.hist.list(),
	}
	if p != nil {
		snap.Queued, snap.QueueCap = len(p.queue), cap(p.queue)
	}
	return snap
}

func (s *Service) gateFor(name string) *Gate {
	s.gatesMu.Lock()
	defer s.gatesMu.Unlock()
	g, ok := s.gates[name]
	if !ok {
		g = &Gate{}
		s.gates[name] = g
	}
	return g
}

func (s *Service) emit(typ string, r Record) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: r})
	}
}
