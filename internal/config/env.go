package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type envBinding struct {
	key   string
	apply func(c *Config, v string) error
}

func setString(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

// envBindings lists every supported override. Durations and schedules are
// stored as strings and validated with the rest of the config.
var envBindings = []envBinding{
	{"MED_RESET_CRON", setString(func(c *Config) *string { return &c.Jobs.Reset.Schedule })},
	{"MED_REMINDER_CRON", setString(func(c *Config) *string { return &c.Jobs.Reminder.Schedule })},
	{"MED_REMINDER_LOOKAHEAD", setString(func(c *Config) *string { return &c.Jobs.Reminder.Lookahead })},
	{"MED_REMINDER_WATERMARK", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Jobs.Reminder.Watermark = b
		return nil
	}},
	{"APPT_REMINDER_CRON", setString(func(c *Config) *string { return &c.Jobs.AppointmentReminder.Schedule })},
	{"HEALTH_SCORE_CRON", setString(func(c *Config) *string { return &c.Jobs.Score.Schedule })},
	{"NOTIFICATION_SWEEP_CRON", setString(func(c *Config) *string { return &c.Jobs.Sweep.Schedule })},
	{"NOTIFICATION_RETENTION", setString(func(c *Config) *string { return &c.Jobs.Sweep.Retention })},
	{"JOB_TIMEOUT", setString(func(c *Config) *string { return &c.Jobs.Timeout })},
	{"SCHEDULER_TZ", setString(func(c *Config) *string { return &c.Scheduler.Timezone })},
	{"DB_PATH", setString(func(c *Config) *string { return &c.Storage.Path })},
	{"HTTP_ADDR", setString(func(c *Config) *string { return &c.HTTP.Addr })},
	{"JWT_SECRET", setString(func(c *Config) *string { return &c.HTTP.JWTSecret })},
	{"APP_ENV", setString(func(c *Config) *string { return &c.HTTP.Mode })},
	{"LOG_LEVEL", setString(func(c *Config) *string { return &c.Logging.Level })},
}

// ApplyEnv overrides cfg from the environment. Unset or blank variables leave
// the file value alone.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []error
	for _, b := range envBindings {
		v, ok := lookup(b.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := b.apply(cfg, strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.key, err))
		}
	}
	return errors.Join(errs...)
}

// LoadDotEnv loads the given .env files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}
