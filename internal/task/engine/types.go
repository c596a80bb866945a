package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// Config controls the worker pool that executes job runs.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds a run when Task.Timeout is 0.
	DefaultTimeout time.Duration

	HistorySize int

	// Retries is how many extra attempts a failed run gets. Permanent
	// errors are never retried.
	Retries int
	// RetryBackoff is the delay before the first retry; it doubles per
	// attempt up to maxRetryBackoff.
	RetryBackoff time.Duration
}

const (
	defaultWorkers      = 4
	defaultQueueSize    = 64
	defaultHistorySize  = 200
	defaultRetryBackoff = time.Second
	maxRetryBackoff     = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	c.Retries = max(c.Retries, 0)
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	return c
}

// Gate admits one run of a job at a time. A run holds it from enqueue until
// it finishes, so a queued run also turns the next tick away.
type Gate struct {
	busy atomic.Bool
}

func (g *Gate) enter() bool { return g.busy.CompareAndSwap(false, true) }
func (g *Gate) leave()      { g.busy.Store(false) }

// Busy reports whether a run holds the gate.
func (g *Gate) Busy() bool { return g != nil && g.busy.Load() }

// Task is one requested run of a named job.
type Task struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	// Gate overrides the per-name gate kept by the engine.
	Gate *Gate
}

// Record describes a finished (or skipped) run. It is kept in the history and
// carried by job events.
type Record struct {
	ID       string        `json:"id"`
	Job      string        `json:"job"`
	Started  time.Time     `json:"started"`
	Waited   time.Duration `json:"waited"`
	Took     time.Duration `json:"took"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled        bool          `json:"enabled"`
	Workers        int           `json:"workers"`
	Queued         int           `json:"queued"`
	QueueCap       int           `json:"queue_cap"`
	Running        int           `json:"running"`
	Dropped        uint64        `json:"dropped"`
	Skipped        uint64        `json:"skipped"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	Retries        int           `json:"retries"`
	History        []Record      `json:"history"`
}
