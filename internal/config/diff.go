package config

import (
	"reflect"
	"sort"
	"strings"

	"medwatch/pkg/logx"
)

// Change summarizes a reload for logging and for deciding what to re-apply.
type Change struct {
	// Sections that differ, sorted.
	Sections []string
	// Attrs are safe to log; secrets are reported only as set/unset.
	Attrs []logx.Field
	// RestartRequired lists changed sections that are not applied live.
	RestartRequired []string
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler.IsEnabled() != newCfg.Scheduler.IsEnabled() ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		ch.Sections = append(ch.Sections, "scheduler")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || oTE != nTE || oldCfg.RetryCount() != newCfg.RetryCount() {
		ch.Sections = append(ch.Sections, "task_engine")
		ch.Attrs = append(ch.Attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.Int("task_engine.retries", newCfg.RetryCount()),
		)
	}

	if oldCfg.Jobs != newCfg.Jobs {
		ch.Sections = append(ch.Sections, "jobs")
		ch.Attrs = append(ch.Attrs,
			logx.String("jobs.reset", newCfg.Jobs.Reset.Schedule),
			logx.String("jobs.reminder", newCfg.Jobs.Reminder.Schedule),
			logx.String("jobs.reminder.lookahead", newCfg.Jobs.Reminder.Lookahead),
			logx.Bool("jobs.reminder.watermark", newCfg.Jobs.Reminder.Watermark),
			logx.String("jobs.appointment_reminder", newCfg.Jobs.AppointmentReminder.Schedule),
			logx.String("jobs.score", newCfg.Jobs.Score.Schedule),
			logx.String("jobs.sweep", newCfg.Jobs.Sweep.Schedule),
			logx.String("jobs.timeout", newCfg.Jobs.Timeout),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		ch.Sections = append(ch.Sections, "storage")
		ch.RestartRequired = append(ch.RestartRequired, "storage")
		ch.Attrs = append(ch.Attrs,
			logx.String("storage.path", newCfg.Storage.Path),
			logx.String("storage.busy_timeout", newCfg.Storage.BusyTimeout),
		)
	}

	if httpChanged(oldCfg.HTTP, newCfg.HTTP) {
		ch.Sections = append(ch.Sections, "http")
		ch.RestartRequired = append(ch.RestartRequired, "http")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("http.enabled", newCfg.HTTP.IsEnabled()),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.String("http.mode", newCfg.HTTP.Mode),
			logx.Bool("http.jwt_secret_set", strings.TrimSpace(newCfg.HTTP.JWTSecret) != ""),
		)
	}

	sort.Strings(ch.Sections)
	return ch
}

func httpChanged(a, b HTTPConfig) bool {
	if a.IsEnabled() != b.IsEnabled() || a.JWTSecret != b.JWTSecret {
		return true
	}
	a.Enabled, b.Enabled = nil, nil
	return a != b
}

// derefTaskEngine drops the Retries pointer so the result compares by value;
// callers compare RetryCount separately.
func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	v := *te
	v.Retries = nil
	return v
}
