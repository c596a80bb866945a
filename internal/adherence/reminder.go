package adherence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"medwatch/internal/notify"
	"medwatch/internal/storage"
	"medwatch/pkg/logx"
)

const DefaultLookahead = 15 * time.Minute

// window holds the lookahead and optional watermark shared by both reminder
// jobs.
type window struct {
	mu        sync.Mutex
	lookahead time.Duration
	marks     *watermark
}

// Configure sets the lookahead (0 picks DefaultLookahead) and toggles the
// watermark. A lookahead outside (0, 24h) is rejected and the previous
// settings stay.
func (w *window) Configure(lookahead time.Duration, useWatermark bool) error {
	if lookahead == 0 {
		lookahead = DefaultLookahead
	}
	if lookahead < 0 || lookahead >= 24*time.Hour {
		return fmt.Errorf("lookahead %s must be positive and under 24h", lookahead)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lookahead = lookahead
	switch {
	case useWatermark && w.marks == nil:
		w.marks = newWatermark()
	case !useWatermark:
		w.marks = nil
	}
	return nil
}

func (w *window) settings() (time.Duration, *watermark) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lookahead, w.marks
}

// ReminderJob emits a medication_reminder for every untaken medication whose
// dose time falls in [now, now+lookahead).
//
// A window reaching past midnight checks the post-midnight part against
// tomorrow's prescriptions. Without a watermark a dose that stays inside the
// window across two ticks is reminded on both ticks. With the watermark each
// (medication, day, time) occurrence is reminded once per process lifetime.
type ReminderJob struct {
	window
	store storage.Store
	sink  *notify.Sink
	clock Clock
	log   logx.Logger
}

func NewReminderJob(store storage.Store, sink *notify.Sink, clock Clock, log logx.Logger) *ReminderJob {
	j := &ReminderJob{store: store, sink: sink, clock: clock, log: log.With(logx.String("job", JobReminder))}
	j.lookahead = DefaultLookahead
	return j
}

func (j *ReminderJob) Run(ctx context.Context) error {
	lookahead, marks := j.settings()
	now := j.clock.Now()
	marks.prune(storage.DateOf(now))

	sent := 0
	for _, sp := range lookaheadSpans(now, lookahead) {
		due, err := j.store.ListDueMedications(ctx, 0, sp.day, sp.from, sp.to)
		if err != nil {
			return err
		}
		for _, m := range due {
			if !marks.claim(fmt.Sprintf("med:%d@%s %s", m.ID, sp.day, m.Time), sp.day) {
				continue
			}
			j.sink.MedicationReminder(m)
			sent++
		}
	}
	if sent > 0 {
		j.log.Info("medication reminders sent", logx.Int("count", sent), logx.Duration("lookahead", lookahead))
	} else {
		j.log.Debug("no medication reminders due", logx.Time("from", now), logx.Duration("lookahead", lookahead))
	}
	return nil
}

// DueFor lists owner's untaken doses in the current lookahead window, ordered
// by time. It reads only; the watermark is not consulted.
func (j *ReminderJob) DueFor(ctx context.Context, owner int64) ([]storage.Medication, error) {
	lookahead, _ := j.settings()
	out := []storage.Medication{}
	for _, sp := range lookaheadSpans(j.clock.Now(), lookahead) {
		due, err := j.store.ListDueMedications(ctx, owner, sp.day, sp.from, sp.to)
		if err != nil {
			return nil, err
		}
		out = append(out, due...)
	}
	return out, nil
}

// AppointmentReminderJob emits appointment_reminder notifications for
// appointments whose date and time fall in [now, now+lookahead). It follows
// the same watermark setting as ReminderJob.
type AppointmentReminderJob struct {
	window
	store storage.Store
	sink  *notify.Sink
	clock Clock
	log   logx.Logger
}

func NewAppointmentReminderJob(store storage.Store, sink *notify.Sink, clock Clock, log logx.Logger) *AppointmentReminderJob {
	j := &AppointmentReminderJob{store: store, sink: sink, clock: clock, log: log.With(logx.String("job", JobAppointmentReminder))}
	j.lookahead = DefaultLookahead
	return j
}

func (j *AppointmentReminderJob) Run(ctx context.Context) error {
	lookahead, marks := j.settings()
	now := j.clock.Now()
	marks.prune(storage.DateOf(now))

	sent := 0
	for _, sp := range lookaheadSpans(now, lookahead) {
		appts, err := j.store.ListAppointmentsBetween(ctx, sp.day, sp.from, sp.to)
		if err != nil {
			return err
		}
		for _, a := range appts {
			if !marks.claim(fmt.Sprintf("appt:%d@%s %s", a.ID, sp.day, a.Time), sp.day) {
				continue
			}
			j.sink.AppointmentReminder(a)
			sent++
		}
	}
	if sent > 0 {
		j.log.Info("appointment reminders sent", logx.Int("count", sent))
	}
	return nil
}

// watermark remembers reminded occurrences until their day has passed. A nil
// *watermark claims everything.
type watermark struct {
	mu   sync.Mutex
	seen map[string]storage.Date
}

func newWatermark() *watermark {
	return &watermark{seen: map[string]storage.Date{}}
}

// prune forgets occurrences dated before today.
func (w *watermark) prune(today storage.Date) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, day := range w.seen {
		if day.Before(today) {
			delete(w.seen, k)
		}
	}
}

// claim reports whether key is new and records it for day.
func (w *watermark) claim(key string, day storage.Date) bool {
	if w == nil {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[key]; ok {
		return false
	}
	w.seen[key] = day
	return true
}
