package adherence

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"medwatch/internal/eventbus"
	"medwatch/internal/notify"
	"medwatch/internal/storage"
	"medwatch/internal/task/engine"
	"medwatch/internal/task/scheduler"
	"medwatch/pkg/logx"
)

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ctx   context.Context
	store storage.Store
	sink  *notify.Sink
	clock *fixedClock
	jobs  *Jobs
	today storage.Date
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clk := &fixedClock{t: time.Date(2024, 5, 10, 8, 0, 0, 0, time.Local)}
	sink := notify.NewSink(logx.Nop(), notify.WithClock(clk.Now))
	return &fixture{
		ctx:   context.Background(),
		store: st,
		sink:  sink,
		clock: clk,
		jobs:  NewJobs(st, sink, clk, logx.Nop()),
		today: storage.DateOf(clk.Now()),
	}
}

func (f *fixture) user(t *testing.T, email string) int64 {
	t.Helper()
	id, err := f.store.CreateUser(f.ctx, email)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return id
}

func (f *fixture) med(t *testing.T, m storage.Medication) storage.Medication {
	t.Helper()
	if m.StartDate.IsZero() {
		m.StartDate = f.today
	}
	if m.EndDate.IsZero() {
		m.EndDate = f.today
	}
	m, err := f.store.CreateMedication(f.ctx, m)
	if err != nil {
		t.Fatalf("CreateMedication: %v", err)
	}
	return m
}

func (f *fixture) scoreRows(t *testing.T, owner int64) []storage.HealthScore {
	t.Helper()
	rows, err := f.store.HealthScoreHistory(f.ctx, owner, f.today.AddDays(-30))
	if err != nil {
		t.Fatalf("HealthScoreHistory: %v", err)
	}
	return rows
}

func TestComputeScore(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   ScoreInputs
		want int
	}{
		{"empty", ScoreInputs{}, 50},
		{"full marks clamp", ScoreInputs{Metrics: 5, MedicationsTotal: 10, MedicationsTaken: 10, UpcomingAppointments: 3}, 100},
		{"metrics capped at five", ScoreInputs{Metrics: 12}, 80},
		{"one metric", ScoreInputs{Metrics: 1}, 56},
		{"adherence rounds up", ScoreInputs{MedicationsTotal: 3, MedicationsTaken: 1}, 57},
		{"adherence half rounds away from zero", ScoreInputs{MedicationsTotal: 8, MedicationsTaken: 1}, 53},
		{"no medications no bonus", ScoreInputs{MedicationsTotal: 0, MedicationsTaken: 0}, 50},
		{"one appointment", ScoreInputs{UpcomingAppointments: 1}, 55},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ComputeScore(tt.in); got != tt.want {
				t.Fatalf("ComputeScore(%+v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestComputeScoreClampsBothEnds(t *testing.T) {
	t.Parallel()
	if got := computeScore(-200, ScoreInputs{Metrics: 5}); got != 0 {
		t.Fatalf("negative base = %d, want 0", got)
	}
	if got := computeScore(95, ScoreInputs{Metrics: 5}); got != 100 {
		t.Fatalf("overflow = %d, want 100", got)
	}
}

func TestTrend(t *testing.T) {
	t.Parallel()
	h := []storage.HealthScore{{Score: 60}, {Score: 55}, {Score: 70}}
	if got := Trend(h); got != 15 {
		t.Fatalf("Trend = %d, want 15", got)
	}
	if got := Trend(h[:1]); got != 0 {
		t.Fatalf("single row trend = %d", got)
	}
}

func TestResetJobIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	u := f.user(t, "a@example.com")
	a := f.med(t, storage.Medication{UserID: u, Name: "A", StartDate: f.today.AddDays(-1), EndDate: f.today.AddDays(1), Taken: true})
	b := f.med(t, storage.Medication{UserID: u, Name: "B", Taken: true})

	if err := f.jobs.Reset.Run(f.ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	for _, id := range []int64{a.ID, b.ID} {
		if m, _ := f.store.GetMedication(f.ctx, u, id); m.Taken {
			t.Fatalf("medication %d still taken", id)
		}
	}
	n, err := f.store.ResetTaken(f.ctx, f.today)
	if err != nil || n != 0 {
		t.Fatalf("second pass changed %d rows (err %v)", n, err)
	}
	if err := f.jobs.Reset.Run(f.ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
}

func remindersFor(s *notify.Sink, owner, medID int64) int {
	n := 0
	for _, it := range s.List(owner, false) {
		if it.Type == notify.TypeMedicationReminder && it.Data["medicationId"] == medID {
			n++
		}
	}
	return n
}

// Without a watermark, a dose still inside the window on the next tick is
// reminded again.
func TestReminderDuplicatesAcrossTicksWithoutWatermark(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	u := f.user(t, "a@example.com")
	m := f.med(t, storage.Medication{UserID: u, Name: "Aspirin", Time: "08:10"})
	f.med(t, storage.Medication{UserID: u, Name: "Later", Time: "09:00"})

	if err := f.jobs.Reminder.Run(f.ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if got := remindersFor(f.sink, u, m.ID); got != 1 {
		t.Fatalf("after tick 1: %d reminders, want 1", got)
	}

	f.clock.Advance(5 * time.Minute)
	if err := f.jobs.Reminder.Run(f.ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if got := remindersFor(f.sink, u, m.ID); got != 2 {
		t.Fatalf("after tick 2: %d reminders, want 2 (duplicate across ticks)", got)
	}
	if got := f.sink.Count(u, false); got != 2 {
		t.Fatalf("total notifications = %d, want 2", got)
	}
}

func TestReminderWatermarkEmitsOncePerOccurrence(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.jobs.Reminder.Configure(15*time.Minute, true); err != nil {
		t.Fatal(err)
	}
	u := f.user(t, "a@example.com")
	m := f.med(t, storage.Medication{UserID: u, Name: "Aspirin", Time: "08:10", StartDate: f.today, EndDate: f.today.AddDays(1)})

	for i := 0; i < 2; i++ {
		if err := f.jobs.Reminder.Run(f.ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		f.clock.Advance(5 * time.Minute)
	}
	if got := remindersFor(f.sink, u, m.ID); got != 1 {
		t.Fatalf("reminders = %d, want 1 with watermark", got)
	}

	// The next day's occurrence is a new one.
	f.clock.Advance(24*time.Hour - 10*time.Minute)
	if err := f.jobs.Reminder.Run(f.ctx); err != nil {
		t.Fatalf("next day: %v", err)
	}
	if got := remindersFor(f.sink, u, m.ID); got != 2 {
		t.Fatalf("reminders = %d, want 2 after the next day's tick", got)
	}
}

func TestReminderSkipsTakenAndPayload(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	u := f.user(t, "a@example.com")
	f.med(t, storage.Medication{UserID: u, Name: "Taken", Time: "08:05", Taken: true})
	m := f.med(t, storage.Medication{UserID: u, Name: "Metformin", Dosage: "500mg", Time: "08:14"})

	if err := f.jobs.Reminder.Run(f.ctx); err != nil {
		t.Fatal(err)
	}
	list := f.sink.List(u, false)
	if len(list) != 1 {
		t.Fatalf("notifications = %d, want 1", len(list))
	}
	n := list[0]
	if n.Message != "Time to take Metformin (500mg)" || n.Data["medicationId"] != m.ID || n.Data["time"] != "08:14:00" {
		t.Fatalf("notification = %+v", n)
	}
}

func TestAppointmentReminder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	u := f.user(t, "a@example.com")
	appt, err := f.store.CreateAppointment(f.ctx, storage.Appointment{UserID: u, Title: "GP", Date: f.today, Time: "08:10", Location: "Clinic"})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.store.CreateAppointment(f.ctx, storage.Appointment{UserID: u, Title: "Dentist", Date: f.today, Time: "11:00"})

	if err := f.jobs.Appointments.Run(f.ctx); err != nil {
		t.Fatal(err)
	}
	list := f.sink.List(u, false)
	if len(list) != 1 || list[0].Type != notify.TypeAppointmentReminder || list[0].Data["appointmentId"] != appt.ID {
		t.Fatalf("notifications = %+v", list)
	}
}

func TestRecomputeUpsertsOneRowPerDay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	u := f.user(t, "a@example.com")

	r1, err := f.jobs.Scorer.Recompute(f.ctx, u)
	if err != nil || r1.Score != 50 {
		t.Fatalf("first = %+v, %v", r1, err)
	}
	if _, err := f.store.CreateHealthMetric(f.ctx, storage.HealthMetric{UserID: u, MetricDate: f.today, Type: "weight", Value: 70}); err != nil {
		t.Fatal(err)
	}
	r2, err := f.jobs.Scorer.Recompute(f.ctx, u)
	if err != nil || r2.Score != 56 {
		t.Fatalf("second = %+v, %v", r2, err)
	}

	rows := f.scoreRows(t, u)
	if len(rows) != 1 || rows[0].Score != 56 {
		t.Fatalf("rows = %+v, want one row with 56", rows)
	}
	if r2.ScoreDate != f.today || len(r2.History) != 1 {
		t.Fatalf("report = %+v", r2)
	}
}

// The daily job counts all medications; the on-demand path only those
// started in the last 7 days. Both windows are exercised here.
func TestMedicationLookbackWindowsDiffer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	u := f.user(t, "a@example.com")
	f.med(t, storage.Medication{UserID: u, Name: "Old", StartDate: f.today.AddDays(-20), EndDate: f.today.AddDays(-15), Taken: true})
	f.med(t, storage.Medication{UserID: u, Name: "New", StartDate: f.today.AddDays(-2)})

	if err := f.jobs.Scorer.Run(f.ctx); err != nil {
		t.Fatalf("daily run: %v", err)
	}
	if rows := f.scoreRows(t, u); rows[0].Score != 60 {
		t.Fatalf("daily (all-time) score = %d, want 60", rows[0].Score)
	}

	r, err := f.jobs.Scorer.Recompute(f.ctx, u)
	if err != nil {
		t.Fatal(err)
	}
	if r.Score != 50 {
		t.Fatalf("on-demand (7-day) score = %d, want 50", r.Score)
	}
}

func TestMetricLookbackIs30Days(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	u := f.user(t, "a@example.com")
	for _, back := range []int{0, 29, 30, 31} {
		_, _ = f.store.CreateHealthMetric(f.ctx, storage.HealthMetric{UserID: u, MetricDate: f.today.AddDays(-back), Type: "hr", Value: 60})
	}
	r, err := f.jobs.Scorer.Recompute(f.ctx, u)
	if err != nil {
		t.Fatal(err)
	}
	if r.Score != 50+18 {
		t.Fatalf("score = %d, want 68 (three metrics inside 30 days)", r.Score)
	}
}

func TestScoreTrendAndNotification(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	u := f.user(t, "a@example.com")
	if err := f.store.InsertHealthScore(f.ctx, u, f.today.AddDays(-1), 50); err != nil {
		t.Fatal(err)
	}
	_, _ = f.store.CreateAppointment(f.ctx, storage.Appointment{UserID: u, Title: "GP", Date: f.today.AddDays(3)})

	r, err := f.jobs.Scorer.Recompute(f.ctx, u)
	if err != nil {
		t.Fatal(err)
	}
	if r.Score != 55 || r.Trend != 5 || len(r.History) != 2 {
		t.Fatalf("report = %+v", r)
	}
	list := f.sink.List(u, false)
	if len(list) != 1 || list[0].Message != "Your health score is 55/100 (improved by 5 points)" {
		t.Fatalf("notifications = %+v", list)
	}
}

func TestScorePublishesUpdate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	u := f.user(t, "a@example.com")
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()
	f.jobs.Scorer.SetBus(bus)

	if _, err := f.jobs.Scorer.Recompute(f.ctx, u); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-ch:
		got, ok := ev.Data.(ScoreUpdated)
		if ev.Type != eventbus.TypeScoreUpdated || !ok || got.Owner != u || got.Score != 50 || got.Day != f.today {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no score event")
	}
}

// Two scorers with different medication lookbacks race on the same row; the
// stored score must be one of the two computed values.
func TestConcurrentRecomputeDifferentScores(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	u := f.user(t, "a@example.com")
	f.med(t, storage.Medication{UserID: u, Name: "Old", StartDate: f.today.AddDays(-30), Taken: true})
	f.med(t, storage.Medication{UserID: u, Name: "New"})

	allTime := DefaultScorerConfig()
	allTime.OnDemandMedicationLookback = AllTime
	scorers := []*Scorer{
		NewScorer(f.store, f.sink, f.clock, logx.Nop(), allTime),               // 1 of 2 taken: 60
		NewScorer(f.store, f.sink, f.clock, logx.Nop(), DefaultScorerConfig()), // 0 of 1 taken: 50
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		sc := scorers[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sc.Recompute(f.ctx, u); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent recompute: %v", err)
	}
	rows := f.scoreRows(t, u)
	if len(rows) != 1 || (rows[0].Score != 50 && rows[0].Score != 60) {
		t.Fatalf("rows = %+v, want one row scored 50 or 60", rows)
	}
}

// conflictStore forces the insert to collide, as a concurrent writer on
// another process would.
type conflictStore struct {
	storage.Store
}

func (s conflictStore) InsertHealthScore(ctx context.Context, owner int64, day storage.Date, score int) error {
	err := s.Store.InsertHealthScore(ctx, owner, day, score)
	if err == nil {
		return storage.ErrConflict
	}
	return err
}

func TestUpsertFallsBackToUpdateOnConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	u := f.user(t, "a@example.com")
	sc := NewScorer(conflictStore{f.store}, f.sink, f.clock, logx.Nop(), DefaultScorerConfig())

	if _, err := sc.Recompute(f.ctx, u); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if rows := f.scoreRows(t, u); len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
}

type failingUserStore struct {
	storage.Store
	bad int64
}

func (s failingUserStore) ListRecentMetrics(ctx context.Context, owner int64, since storage.Date) ([]storage.HealthMetric, error) {
	if owner == s.bad {
		return nil, errors.New("disk on fire")
	}
	return s.Store.ListRecentMetrics(ctx, owner, since)
}

func TestScoreJobIsolatesUserFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	bad := f.user(t, "bad@example.com")
	good := f.user(t, "good@example.com")
	sc := NewScorer(failingUserStore{Store: f.store, bad: bad}, f.sink, f.clock, logx.Nop(), DefaultScorerConfig())

	err := sc.Run(f.ctx)
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !engine.IsPermanent(err) {
		t.Fatalf("partial failure should not be retried: %v", err)
	}
	if rows := f.scoreRows(t, good); len(rows) != 1 {
		t.Fatalf("good user rows = %d, want 1", len(rows))
	}
	if rows := f.scoreRows(t, bad); len(rows) != 0 {
		t.Fatalf("bad user rows = %d, want 0", len(rows))
	}
}

func TestSweepJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sink.Add(1, notify.TypeHealthScore, "old", nil)
	f.clock.Advance(31 * 24 * time.Hour)
	f.sink.Add(1, notify.TypeHealthScore, "new", nil)

	if err := f.jobs.Sweep.Run(f.ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.sink.Count(1, false); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}

func TestRegisterJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := scheduler.New(scheduler.Config{}, nil, logx.Nop())

	if err := f.jobs.Register(s, Config{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	names := s.Names()
	for _, want := range []string{JobReset, JobReminder, JobScore, JobSweep} {
		if !slices.Contains(names, want) {
			t.Fatalf("missing %s in %v", want, names)
		}
	}
	if slices.Contains(names, JobAppointmentReminder) {
		t.Fatal("appointment reminder registered without a schedule")
	}

	if err := f.jobs.Register(s, Config{AppointmentSchedule: "*/5 * * * *"}); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if got := len(s.Names()); got != 5 {
		t.Fatalf("schedules = %d, want 5", got)
	}

	if err := f.jobs.Register(s, Config{ResetSchedule: "bogus schedule"}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}
