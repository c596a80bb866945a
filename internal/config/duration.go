package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations holds the parsed duration fields of a Config.
type Durations struct {
	ReminderLookahead time.Duration
	Retention         time.Duration
	JobTimeout        time.Duration
	BusyTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RetryBackoff      time.Duration
}

// ParseDurations parses every duration string. Empty or zero values take the
// default; negative values are rejected.
func (c *Config) ParseDurations() (Durations, error) {
	var d Durations
	var te TaskEngineConfig
	if c.TaskEngine != nil {
		te = *c.TaskEngine
	}
	fields := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"jobs.reminder.lookahead", c.Jobs.Reminder.Lookahead, DefaultReminderLookahead, &d.ReminderLookahead},
		{"jobs.sweep.retention", c.Jobs.Sweep.Retention, DefaultRetention, &d.Retention},
		{"jobs.timeout", c.Jobs.Timeout, DefaultJobTimeout, &d.JobTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout, 0, &d.BusyTimeout},
		{"http.shutdown_timeout", c.HTTP.ShutdownTimeout, DefaultShutdownTimeout, &d.ShutdownTimeout},
		{"task_engine.retry_backoff", te.RetryBackoff, DefaultRetryBackoff, &d.RetryBackoff},
	}
	for _, f := range fields {
		v, err := parseDuration(f.path, f.raw, f.def)
		if err != nil {
			return Durations{}, err
		}
		*f.dst = v
	}
	return d, nil
}

func parseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", path, err)
	case v < 0:
		return 0, fmt.Errorf("%s: %s is negative", path, raw)
	case v == 0:
		return def, nil
	}
	return v, nil
}
