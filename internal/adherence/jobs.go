package adherence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"medwatch/internal/notify"
	"medwatch/internal/storage"
	"medwatch/internal/task/scheduler"
	"medwatch/pkg/logx"
)

// Job names as they appear in logs, run history and events.
const (
	JobReset               = "medication.reset"
	JobReminder            = "medication.reminder"
	JobAppointmentReminder = "appointment.reminder"
	JobScore               = "healthscore.daily"
	JobSweep               = "notification.sweep"
)

const DefaultJobTimeout = 5 * time.Minute

// Config carries the job schedules and tunables. Empty schedules fall back to
// the defaults, except AppointmentSchedule where empty disables the job.
type Config struct {
	ResetSchedule       string
	ReminderSchedule    string
	ReminderLookahead   time.Duration
	ReminderWatermark   bool
	AppointmentSchedule string
	ScoreSchedule       string
	SweepSchedule       string
	Retention           time.Duration
	Timeout             time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.ResetSchedule) == "" {
		c.ResetSchedule = "00:05"
	}
	if strings.TrimSpace(c.ReminderSchedule) == "" {
		c.ReminderSchedule = "*/15 * * * *"
	}
	if c.ReminderLookahead <= 0 {
		c.ReminderLookahead = DefaultLookahead
	}
	if strings.TrimSpace(c.ScoreSchedule) == "" {
		c.ScoreSchedule = "06:00"
	}
	if strings.TrimSpace(c.SweepSchedule) == "" {
		c.SweepSchedule = "02:00"
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultJobTimeout
	}
	return c
}

// Jobs bundles the engine's scheduled jobs.
type Jobs struct {
	Reset        *ResetJob
	Reminder     *ReminderJob
	Appointments *AppointmentReminderJob
	Scorer       *Scorer
	Sweep        *SweepJob

	log logx.Logger
}

func NewJobs(store storage.Store, sink *notify.Sink, clock Clock, log logx.Logger) *Jobs {
	if clock == nil {
		clock = SystemClock
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "adherence"))
	return &Jobs{
		Reset:        NewResetJob(store, clock, log),
		Reminder:     NewReminderJob(store, sink, clock, log),
		Appointments: NewAppointmentReminderJob(store, sink, clock, log),
		Scorer:       NewScorer(store, sink, clock, log, DefaultScorerConfig()),
		Sweep:        NewSweepJob(sink, log),
		log:          log,
	}
}

// Register applies cfg to the jobs and (re)registers them on s. It is safe to
// call again on config reload; schedules are replaced by name.
func (j *Jobs) Register(s *scheduler.Service, cfg Config) error {
	cfg = cfg.withDefaults()
	var errs []error
	if err := j.Reminder.Configure(cfg.ReminderLookahead, cfg.ReminderWatermark); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", JobReminder, err))
	}
	if err := j.Appointments.Configure(cfg.ReminderLookahead, cfg.ReminderWatermark); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", JobAppointmentReminder, err))
	}
	j.Sweep.SetRetention(cfg.Retention)

	add := func(name, expr string, job scheduler.Job) {
		if _, err := s.AddSchedule(name, expr, cfg.Timeout, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	add(JobReset, cfg.ResetSchedule, j.Reset.Run)
	add(JobReminder, cfg.ReminderSchedule, j.Reminder.Run)
	add(JobScore, cfg.ScoreSchedule, j.Scorer.Run)
	add(JobSweep, cfg.SweepSchedule, j.Sweep.Run)
	if strings.TrimSpace(cfg.AppointmentSchedule) != "" {
		add(JobAppointmentReminder, cfg.AppointmentSchedule, j.Appointments.Run)
	} else {
		s.Remove(JobAppointmentReminder)
	}

	j.log.Info("jobs registered",
		logx.String("reset", cfg.ResetSchedule),
		logx.String("reminder", cfg.ReminderSchedule),
		logx.Duration("lookahead", cfg.ReminderLookahead),
		logx.Bool("watermark", cfg.ReminderWatermark),
		logx.String("score", cfg.ScoreSchedule),
		logx.String("sweep", cfg.SweepSchedule),
		logx.String("appointment_reminder", cfg.AppointmentSchedule),
	)
	return errors.Join(errs...)
}
