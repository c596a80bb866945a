package config

import (
	"strings"
	"time"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of scheduled jobs.
	// If omitted, the engine runs with its defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage StorageConfig `json:"storage"`
	HTTP    HTTPConfig    `json:"http"`
	Jobs    JobsConfig    `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// SchedulerConfig controls the trigger side. Enabled is a pointer so an
// omitted block means enabled.
type SchedulerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// TaskEngineConfig controls the worker pool that runs scheduled jobs.
//
// Omitted fields fall back to 4 workers, a queue of 64, 200 history
// entries and 2 retries starting at a 2s backoff. "retries": 0 disables
// retrying.
type TaskEngineConfig struct {
	Workers      int    `json:"workers,omitempty" validate:"gte=0,lte=64"`
	QueueSize    int    `json:"queue_size,omitempty" validate:"gte=0"`
	HistorySize  int    `json:"history_size,omitempty" validate:"gte=0"`
	Retries      *int   `json:"retries,omitempty" validate:"omitempty,gte=0,lte=10"`
	RetryBackoff string `json:"retry_backoff,omitempty"`
}

// RetryCount is the configured retries, or DefaultRetries when unset.
func (c *Config) RetryCount() int {
	if c.TaskEngine == nil || c.TaskEngine.Retries == nil {
		return DefaultRetries
	}
	return *c.TaskEngine.Retries
}

// StorageConfig controls the SQLite database.
//
// Example:
//
//	"storage": { "path": "./medwatch.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// HTTPConfig controls the JSON API.
//
// Security note: jwt_secret is never logged.
type HTTPConfig struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	Addr      string `json:"addr,omitempty"`
	JWTSecret string `json:"jwt_secret,omitempty"`
	// Mode "development" exposes storage error detail in responses.
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=development production"`

	// ScoreRatePerMin limits GET /healthscore per user. Burst defaults to the rate.
	ScoreRatePerMin int `json:"score_rate_per_min,omitempty" validate:"gte=0"`
	ScoreBurst      int `json:"score_burst,omitempty" validate:"gte=0"`

	// Pprof mounts /debug/pprof on the API server.
	Pprof bool `json:"pprof,omitempty"`

	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

func (h HTTPConfig) IsEnabled() bool { return h.Enabled == nil || *h.Enabled }

func (h HTTPConfig) Development() bool {
	return strings.EqualFold(strings.TrimSpace(h.Mode), "development")
}

type JobsConfig struct {
	Reset               ScheduleConfig `json:"reset"`
	Reminder            ReminderConfig `json:"reminder"`
	AppointmentReminder ScheduleConfig `json:"appointment_reminder"`
	Score               ScheduleConfig `json:"score"`
	Sweep               SweepConfig    `json:"sweep"`

	// Timeout bounds each run (Go duration string).
	Timeout string `json:"timeout,omitempty"`
}

type ScheduleConfig struct {
	Schedule string `json:"schedule,omitempty"`
}

type ReminderConfig struct {
	Schedule  string `json:"schedule,omitempty"`
	Lookahead string `json:"lookahead,omitempty"`
	// Watermark suppresses repeat reminders for the same dose across ticks.
	Watermark bool `json:"watermark,omitempty"`
}

type SweepConfig struct {
	Schedule  string `json:"schedule,omitempty"`
	Retention string `json:"retention,omitempty"`
}

const (
	DefaultResetSchedule    = "00:05"
	DefaultReminderSchedule = "*/15 * * * *"
	DefaultScoreSchedule    = "06:00"
	DefaultSweepSchedule    = "02:00"
	DefaultStoragePath      = "./medwatch.db"
	DefaultHTTPAddr         = ":8080"
	DefaultLogLevel         = "INFO"
	DefaultScoreRatePerMin  = 30

	DefaultReminderLookahead = 15 * time.Minute
	DefaultRetention         = 30 * 24 * time.Hour
	DefaultJobTimeout        = 5 * time.Minute
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultRetryBackoff      = 2 * time.Second
	DefaultRetries           = 2
)

// ApplyDefaults fills omitted fields. It never overrides explicit values.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if strings.TrimSpace(c.HTTP.Mode) == "" {
		c.HTTP.Mode = "production"
	}
	if c.HTTP.ScoreRatePerMin == 0 {
		c.HTTP.ScoreRatePerMin = DefaultScoreRatePerMin
	}
	if c.HTTP.ScoreBurst == 0 {
		c.HTTP.ScoreBurst = c.HTTP.ScoreRatePerMin
	}

	j := &c.Jobs
	if strings.TrimSpace(j.Reset.Schedule) == "" {
		j.Reset.Schedule = DefaultResetSchedule
	}
	if strings.TrimSpace(j.Reminder.Schedule) == "" {
		j.Reminder.Schedule = DefaultReminderSchedule
	}
	if strings.TrimSpace(j.Score.Schedule) == "" {
		j.Score.Schedule = DefaultScoreSchedule
	}
	if strings.TrimSpace(j.Sweep.Schedule) == "" {
		j.Sweep.Schedule = DefaultSweepSchedule
	}
}
