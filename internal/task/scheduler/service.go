package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"medwatch/internal/task/engine"
	"medwatch/pkg/logx"
)

func New(cfg Config, eng *engine.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, engine: eng, log: log, warned: map[string]time.Time{}}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location is the zone schedules fire in under the current config.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocationLocked()
}

// Apply swaps the config. A running scheduler re-arms every entry when the
// timezone changes.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zoneChanged := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.cron == nil || !zoneChanged {
		return
	}
	<-s.cron.Stop().Done()
	s.armLocked()
	s.log.Info("scheduler re-armed", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

// Start arms every registered entry.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil || !s.cfg.Enabled {
		return
	}
	s.armLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

// Stop halts ticks. Runs already handed to the engine keep going.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	for _, e := range s.entries {
		e.cronID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) armLocked() {
	s.loc = s.resolveLocationLocked()
	s.cron = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, e := range s.entries {
		s.scheduleLocked(e)
	}
	s.cron.Start()
}

func (s *Service) resolveLocationLocked() *time.Location {
	loc, err := LoadLocation(s.cfg.Timezone)
	if err != nil {
		s.log.Warn("unknown timezone; using local time", logx.String("tz", s.cfg.Timezone), logx.Err(err))
		return time.Local
	}
	return loc
}
