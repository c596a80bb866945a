package adherence

import (
	"context"
	"errors"
	"testing"
	"time"

	"medwatch/internal/notify"
	"medwatch/internal/storage"
	"medwatch/internal/task/engine"
	"medwatch/internal/task/scheduler"
	"medwatch/pkg/logx"
)

// at moves the fixture clock to hh:mm on the fixture's day plus addDays.
func (f *fixture) at(addDays, hh, mm int) {
	f.clock.mu.Lock()
	defer f.clock.mu.Unlock()
	d := f.today
	f.clock.t = time.Date(d.Year, d.Month, d.Day+addDays, hh, mm, 0, 0, time.Local)
}

func TestLookaheadSpans(t *testing.T) {
	t.Parallel()
	day := storage.Date{Year: 2024, Month: 5, Day: 10}
	next := day.AddDays(1)
	at := func(hh, mm int) time.Time { return time.Date(2024, 5, 10, hh, mm, 0, 0, time.UTC) }
	tests := []struct {
		name string
		now  time.Time
		d    time.Duration
		want []span
	}{
		{"same day", at(8, 0), 15 * time.Minute, []span{{day, "08:00:00", "08:15:00"}}},
		{"ends at midnight", at(23, 45), 15 * time.Minute, []span{{day, "23:45:00", endOfDay}}},
		{"crosses midnight", at(23, 55), 15 * time.Minute, []span{{day, "23:55:00", endOfDay}, {next, "00:00:00", "00:10:00"}}},
		{"long lookahead", at(6, 0), 23 * time.Hour, []span{{day, "06:00:00", endOfDay}, {next, "00:00:00", "05:00:00"}}},
	}
	for _, tt := range tests {
		got := lookaheadSpans(tt.now, tt.d)
		if len(got) != len(tt.want) {
			t.Fatalf("%s: spans = %+v, want %+v", tt.name, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("%s: span %d = %+v, want %+v", tt.name, i, got[i], tt.want[i])
			}
		}
	}
}

func TestReminderAtEndDateDoesNotReachIntoTomorrow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	u := f.user(t, "a@example.com")
	// ends today; its 00:05 dose tomorrow is not prescribed
	ending := f.med(t, storage.Medication{UserID: u, Name: "Ending", Time: "00:05"})
	f.at(0, 23, 55)

	if err := f.jobs.Reminder.Run(f.ctx); err != nil {
		t.Fatal(err)
	}
	if got := remindersFor(f.sink, u, ending.ID); got != 0 {
		t.Fatalf("reminders = %d, want 0 for a dose past end_date", got)
	}
}

func TestReminderCoversTomorrowsEarlyDose(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	u := f.user(t, "a@example.com")
	starting := f.med(t, storage.Medication{UserID: u, Name: "Starting", Time: "00:05",
		StartDate: f.today.AddDays(1), EndDate: f.today.AddDays(3)})
	f.at(0, 23, 55)

	if err := f.jobs.Reminder.Run(f.ctx); err != nil {
		t.Fatal(err)
	}
	if got := remindersFor(f.sink, u, starting.ID); got != 1 {
		t.Fatalf("reminders = %d, want 1 for tomorrow's 00:05 dose", got)
	}
}

func TestReminderWatermarkAcrossMidnight(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.jobs.Reminder.Configure(15*time.Minute, true); err != nil {
		t.Fatal(err)
	}
	u := f.user(t, "a@example.com")
	m := f.med(t, storage.Medication{UserID: u, Name: "Night", Time: "00:05", EndDate: f.today.AddDays(2)})

	f.at(0, 23, 55)
	if err := f.jobs.Reminder.Run(f.ctx); err != nil {
		t.Fatal(err)
	}
	f.at(1, 0, 0)
	if err := f.jobs.Reminder.Run(f.ctx); err != nil {
		t.Fatal(err)
	}
	if got := remindersFor(f.sink, u, m.ID); got != 1 {
		t.Fatalf("reminders = %d, want 1 for one occurrence seen on both sides of midnight", got)
	}
}

func TestAppointmentReminderAcrossMidnight(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	u := f.user(t, "a@example.com")
	early, err := f.store.CreateAppointment(f.ctx, storage.Appointment{UserID: u, Title: "Lab", Date: f.today.AddDays(1), Time: "00:05"})
	if err != nil {
		t.Fatal(err)
	}
	f.at(0, 23, 55)

	if err := f.jobs.Appointments.Run(f.ctx); err != nil {
		t.Fatal(err)
	}
	list := f.sink.List(u, false)
	if len(list) != 1 || list[0].Type != notify.TypeAppointmentReminder || list[0].Data["appointmentId"] != early.ID {
		t.Fatalf("notifications = %+v", list)
	}
}

func TestReminderConfigureRejectsDayLongLookahead(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, d := range []time.Duration{24 * time.Hour, 36 * time.Hour, -time.Minute} {
		if err := f.jobs.Reminder.Configure(d, false); err == nil {
			t.Fatalf("Configure(%s) accepted", d)
		}
	}
	if got, _ := f.jobs.Reminder.settings(); got != DefaultLookahead {
		t.Fatalf("lookahead = %s after rejected Configure, want %s", got, DefaultLookahead)
	}
	if err := f.jobs.Register(scheduler.New(scheduler.Config{}, nil, logx.Nop()), Config{ReminderLookahead: 24 * time.Hour}); err == nil {
		t.Fatal("Register accepted a 24h lookahead")
	}
}

func TestDueForListsOwnersUpcomingDoses(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.user(t, "a@example.com")
	b := f.user(t, "b@example.com")
	later := f.med(t, storage.Medication{UserID: a, Name: "Later", Time: "08:12"})
	sooner := f.med(t, storage.Medication{UserID: a, Name: "Sooner", Time: "08:03"})
	f.med(t, storage.Medication{UserID: a, Name: "Taken", Time: "08:04", Taken: true})
	f.med(t, storage.Medication{UserID: a, Name: "Noon", Time: "12:00"})
	f.med(t, storage.Medication{UserID: b, Name: "Other", Time: "08:05"})

	due, err := f.jobs.Reminder.DueFor(f.ctx, a)
	if err != nil {
		t.Fatalf("DueFor: %v", err)
	}
	if len(due) != 2 || due[0].ID != sooner.ID || due[1].ID != later.ID {
		t.Fatalf("due = %+v", due)
	}
	if got := f.sink.Count(a, false); got != 0 {
		t.Fatalf("DueFor created %d notifications", got)
	}
}

func TestZoneClock(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 5, 10, 15, 5, 0, 0, time.UTC)
	c := NewZoneClock(func() time.Time { return base }, time.FixedZone("JST", 9*3600))
	if got := today(c); got != (storage.Date{Year: 2024, Month: 5, Day: 11}) {
		t.Fatalf("today = %s, want 2024-05-11", got)
	}
	c.SetLocation(time.UTC)
	if got := today(c); got != (storage.Date{Year: 2024, Month: 5, Day: 10}) {
		t.Fatalf("today = %s, want 2024-05-10", got)
	}
	if !c.Now().Equal(base) {
		t.Fatal("zone change moved the instant")
	}
}

type noUsersStore struct{ storage.Store }

func (noUsersStore) ListUserIDs(context.Context) ([]int64, error) {
	return nil, errors.New("database is locked")
}

func TestScoreRunWithoutUsersListIsRetryable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sc := NewScorer(noUsersStore{f.store}, f.sink, f.clock, logx.Nop(), DefaultScorerConfig())
	err := sc.Run(f.ctx)
	if err == nil || engine.IsPermanent(err) {
		t.Fatalf("err = %v, want a retryable error", err)
	}
}
