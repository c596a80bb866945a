package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"medwatch/internal/task/engine"
	"medwatch/pkg/logx"
)

// AddSchedule registers job under name on a schedule in any form
// ParseSchedule accepts. A name already registered is replaced.
func (s *Service) AddSchedule(name, expr string, timeout time.Duration, job Job) (string, error) {
	sched, display, err := ParseSchedule(expr)
	if err != nil {
		return "", err
	}
	return s.add(name, display, sched, timeout, job)
}

func (s *Service) add(name, display string, sched Schedule, timeout time.Duration, job Job) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}
	e := &entry{name: name, display: display, sched: sched, timeout: timeout, job: job, gate: &engine.Gate{}}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.findLocked(name); old != nil {
		// keep the gate so a replaced job still can't overlap its running predecessor
		e.gate = old.gate
		s.dropLocked(name)
	}
	s.entries = append(s.entries, e)
	if s.cron != nil {
		s.scheduleLocked(e)
		s.log.Debug("schedule added", logx.String("name", name), logx.String("spec", display),
			logx.Time("next", s.cron.Entry(e.cronID).Next))
	}
	return name, nil
}

// RunNow enqueues one run of name outside its schedule, under the same gate
// as its ticks.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	e := s.findLocked(name)
	s.mu.Unlock()
	if e == nil {
		return fmt.Errorf("schedule %q not registered", name)
	}
	return s.enqueue(e)
}

// Remove reports whether name was registered.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dropLocked(strings.TrimSpace(name)) {
		return false
	}
	s.log.Debug("schedule removed", logx.String("name", name))
	return true
}

// Names lists registered jobs in registration order.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.name
	}
	return names
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Schedules: make([]ScheduleInfo, 0, len(s.entries))}
	loc := s.loc
	if loc == nil {
		loc = s.resolveLocationLocked()
	}
	snap.Timezone = loc.String()
	for _, e := range s.entries {
		info := ScheduleInfo{Name: e.name, Spec: e.display, Timeout: e.timeout, Running: e.gate.Busy()}
		if s.cron != nil && e.cronID != 0 {
			ce := s.cron.Entry(e.cronID)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	eng := s.engine
	s.mu.Unlock()

	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}

func (s *Service) findLocked(name string) *entry {
	for _, e := range s.entries {
		if e.name == name {
			return e
		}
	}
	return nil
}

func (s *Service) dropLocked(name string) bool {
	for i, e := range s.entries {
		if e.name != name {
			continue
		}
		if s.cron != nil && e.cronID != 0 {
			s.cron.Remove(e.cronID)
		}
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
		return true
	}
	return false
}

func (s *Service) scheduleLocked(e *entry) {
	e.cronID = s.cron.Schedule(e.sched, cron.FuncJob(func() {
		if err := s.enqueue(e); err != nil {
			s.tickFailed(e.name, err)
		}
	}))
}

func (s *Service) enqueue(e *entry) error {
	if s.engine == nil {
		return engine.ErrDisabled
	}
	return s.engine.Enqueue(engine.Task{Name: e.name, Timeout: e.timeout, Run: e.job, Gate: e.gate})
}

const tickWarnEvery = 5 * time.Second

// tickFailed logs a tick that could not be enqueued. A busy job is routine;
// other failures are logged at most once per tickWarnEvery per job.
func (s *Service) tickFailed(name string, err error) {
	if errors.Is(err, engine.ErrBusy) {
		s.log.Info("tick skipped: previous run still active", logx.String("job", name))
		return
	}
	now := time.Now()
	s.warnedMu.Lock()
	quiet := now.Sub(s.warned[name]) < tickWarnEvery
	if !quiet {
		s.warned[name] = now
	}
	s.warnedMu.Unlock()
	if !quiet {
		s.log.Warn("tick not enqueued", logx.String("job", name), logx.Err(err))
	}
}
