package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"medwatch/internal/task/engine"
	"medwatch/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means time.Local
}

// Schedule reports the next activation strictly after the given time; zero
// means never again.
type Schedule interface {
	Next(time.Time) time.Time
}

// Job is the unit of work run on each tick.
type Job func(ctx context.Context) error

type entry struct {
	name    string
	display string
	sched   Schedule
	timeout time.Duration
	job     Job
	gate    *engine.Gate
	cronID  cron.EntryID
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	cron    *cron.Cron
	entries []*entry

	engine *engine.Service
	log    logx.Logger

	// last time a tick failure was logged, per job
	warnedMu sync.Mutex
	warned   map[string]time.Time
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Running bool          `json:"running"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Timezone  string          `json:"timezone"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Engine    engine.Snapshot `json:"engine"`
}
