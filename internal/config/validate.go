package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"medwatch/internal/task/scheduler"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags, schedules, durations and cross-field rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	schedules := []struct {
		path, expr string
		optional   bool
	}{
		{"jobs.reset.schedule", cfg.Jobs.Reset.Schedule, false},
		{"jobs.reminder.schedule", cfg.Jobs.Reminder.Schedule, false},
		{"jobs.appointment_reminder.schedule", cfg.Jobs.AppointmentReminder.Schedule, true},
		{"jobs.score.schedule", cfg.Jobs.Score.Schedule, false},
		{"jobs.sweep.schedule", cfg.Jobs.Sweep.Schedule, false},
	}
	for _, s := range schedules {
		if s.optional && strings.TrimSpace(s.expr) == "" {
			continue
		}
		if err := scheduler.Validate(s.expr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.path, err))
		}
	}

	if _, err := scheduler.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	d, err := cfg.ParseDurations()
	if err != nil {
		errs = append(errs, err)
	} else if d.ReminderLookahead >= 24*time.Hour {
		// the reminder window is a time-of-day range and must not wrap onto itself
		errs = append(errs, fmt.Errorf("jobs.reminder.lookahead: %s must be under 24h", d.ReminderLookahead))
	}
	if cfg.HTTP.IsEnabled() && strings.TrimSpace(cfg.HTTP.JWTSecret) == "" {
		errs = append(errs, errors.New("http.jwt_secret: required when http is enabled"))
	}
	return errors.Join(errs...)
}

// ValidateHook adapts Validate to ConfigManager.SetValidator.
func ValidateHook(_ context.Context, cfg *Config) error { return Validate(cfg) }
