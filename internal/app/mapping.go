package app

import (
	"medwatch/internal/adherence"
	"medwatch/internal/api"
	"medwatch/internal/config"
	"medwatch/internal/storage"
	"medwatch/internal/task/engine"
	"medwatch/internal/task/scheduler"
	"medwatch/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	d, err := cfg.ParseDurations()
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: d.BusyTimeout}, nil
}

// mapTaskEngineConfig follows the scheduler flag: the engine only runs
// scheduled jobs, so it is enabled exactly when the scheduler is.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	d, err := cfg.ParseDurations()
	if err != nil {
		return engine.Config{}, err
	}
	ec := engine.Config{
		Enabled:        cfg.Scheduler.IsEnabled(),
		DefaultTimeout: d.JobTimeout,
		Retries:        cfg.RetryCount(),
		RetryBackoff:   d.RetryBackoff,
	}
	if te := cfg.TaskEngine; te != nil {
		ec.Workers = te.Workers
		ec.QueueSize = te.QueueSize
		ec.HistorySize = te.HistorySize
	}
	return ec, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.IsEnabled(), Timezone: cfg.Scheduler.Timezone}
}

func mapJobsConfig(cfg *config.Config) (adherence.Config, error) {
	d, err := cfg.ParseDurations()
	if err != nil {
		return adherence.Config{}, err
	}
	j := cfg.Jobs
	return adherence.Config{
		ResetSchedule:       j.Reset.Schedule,
		ReminderSchedule:    j.Reminder.Schedule,
		ReminderLookahead:   d.ReminderLookahead,
		ReminderWatermark:   j.Reminder.Watermark,
		AppointmentSchedule: j.AppointmentReminder.Schedule,
		ScoreSchedule:       j.Score.Schedule,
		SweepSchedule:       j.Sweep.Schedule,
		Retention:           d.Retention,
		Timeout:             d.JobTimeout,
	}, nil
}

func mapAPIConfig(cfg *config.Config) api.Config {
	return api.Config{
		Addr:            cfg.HTTP.Addr,
		JWTSecret:       cfg.HTTP.JWTSecret,
		Development:     cfg.HTTP.Development(),
		ScoreRatePerMin: cfg.HTTP.ScoreRatePerMin,
		ScoreBurst:      cfg.HTTP.ScoreBurst,
		Pprof:           cfg.HTTP.Pprof,
	}
}
