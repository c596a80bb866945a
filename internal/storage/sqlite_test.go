package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"medwatch/pkg/logx"
)

func openTest(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustDate(t *testing.T, s string) Date {
	t.Helper()
	d, err := ParseDate(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func seedUser(t *testing.T, st Store, email string) int64 {
	t.Helper()
	id, err := st.CreateUser(context.Background(), email)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return id
}

func seedMed(t *testing.T, st Store, m Medication) Medication {
	t.Helper()
	m, err := st.CreateMedication(context.Background(), m)
	if err != nil {
		t.Fatalf("CreateMedication: %v", err)
	}
	return m
}

func TestDateHelpers(t *testing.T) {
	t.Parallel()
	d := mustDate(t, "2024-03-01")
	if got := d.AddDays(-1).String(); got != "2024-02-29" {
		t.Fatalf("AddDays(-1) = %s", got)
	}
	if !d.AddDays(-1).Before(d) || d.Before(d) {
		t.Fatal("Before is wrong")
	}
	if _, err := ParseDate("2024-13-01"); err == nil {
		t.Fatal("expected error for month 13")
	}
}

func TestNormalizeClock(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"08:30", "08:30:00", false},
		{"08:30:15", "08:30:15", false},
		{"", "", false},
		{"8h", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeClock(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("NormalizeClock(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestResetTakenOnlyActiveAndIdempotent(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	u := seedUser(t, st, "a@example.com")
	today := mustDate(t, "2024-05-10")

	active := seedMed(t, st, Medication{UserID: u, Name: "A", StartDate: today.AddDays(-3), EndDate: today, Taken: true})
	expired := seedMed(t, st, Medication{UserID: u, Name: "B", StartDate: today.AddDays(-10), EndDate: today.AddDays(-1), Taken: true})

	n, err := st.ResetTaken(ctx, today)
	if err != nil || n != 1 {
		t.Fatalf("ResetTaken = %d, %v; want 1", n, err)
	}
	if m, _ := st.GetMedication(ctx, u, active.ID); m.Taken {
		t.Fatal("active medication still taken")
	}
	if m, _ := st.GetMedication(ctx, u, expired.ID); !m.Taken {
		t.Fatal("expired medication was reset")
	}
	if n, _ := st.ResetTaken(ctx, today); n != 0 {
		t.Fatalf("second ResetTaken changed %d rows", n)
	}
}

func TestListDueMedicationsWindow(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	u := seedUser(t, st, "a@example.com")
	today := mustDate(t, "2024-05-10")

	in := seedMed(t, st, Medication{UserID: u, Name: "In", StartDate: today, EndDate: today, Time: "08:05"})
	seedMed(t, st, Medication{UserID: u, Name: "Edge", StartDate: today, EndDate: today, Time: "08:15"})
	seedMed(t, st, Medication{UserID: u, Name: "Taken", StartDate: today, EndDate: today, Time: "08:05", Taken: true})
	seedMed(t, st, Medication{UserID: u, Name: "NoTime", StartDate: today, EndDate: today})
	seedMed(t, st, Medication{UserID: u, Name: "Future", StartDate: today.AddDays(1), EndDate: today.AddDays(5), Time: "08:05"})

	got, err := st.ListDueMedications(ctx, 0, today, "08:00:00", "08:15:00")
	if err != nil {
		t.Fatalf("ListDueMedications: %v", err)
	}
	if len(got) != 1 || got[0].ID != in.ID {
		t.Fatalf("due = %+v, want only %d", got, in.ID)
	}

	late := seedMed(t, st, Medication{UserID: u, Name: "Late", StartDate: today, EndDate: today, Time: "23:55"})
	got, _ = st.ListDueMedications(ctx, 0, today, "23:50:00", "24:00:00")
	if len(got) != 1 || got[0].ID != late.ID {
		t.Fatalf("window closing at midnight = %+v", got)
	}
}

func TestListDueMedicationsByOwner(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	a := seedUser(t, st, "a@example.com")
	b := seedUser(t, st, "b@example.com")
	today := mustDate(t, "2024-05-10")

	second := seedMed(t, st, Medication{UserID: a, Name: "Second", StartDate: today, EndDate: today, Time: "08:09"})
	first := seedMed(t, st, Medication{UserID: a, Name: "First", StartDate: today, EndDate: today, Time: "08:01"})
	seedMed(t, st, Medication{UserID: b, Name: "Other", StartDate: today, EndDate: today, Time: "08:05"})

	got, err := st.ListDueMedications(ctx, a, today, "08:00:00", "08:10:00")
	if err != nil {
		t.Fatalf("ListDueMedications: %v", err)
	}
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("owner due = %+v", got)
	}
	if all, _ := st.ListDueMedications(ctx, 0, today, "08:00:00", "08:10:00"); len(all) != 3 {
		t.Fatalf("all users due = %d, want 3", len(all))
	}
}

func TestInsertHealthScoreConflict(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	u := seedUser(t, st, "a@example.com")
	day := mustDate(t, "2024-05-10")

	if err := st.InsertHealthScore(ctx, u, day, 60); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := st.InsertHealthScore(ctx, u, day, 70); !errors.Is(err, ErrConflict) {
		t.Fatalf("second insert err = %v, want ErrConflict", err)
	}
	ok, err := st.UpdateHealthScoreIfExists(ctx, u, day, 70)
	if err != nil || !ok {
		t.Fatalf("update = %v, %v", ok, err)
	}
	hist, _ := st.HealthScoreHistory(ctx, u, day.AddDays(-7))
	if len(hist) != 1 || hist[0].Score != 70 {
		t.Fatalf("history = %+v", hist)
	}
	if ok, _ := st.UpdateHealthScoreIfExists(ctx, u, day.AddDays(1), 10); ok {
		t.Fatal("update of missing row reported success")
	}
}

func TestAdherenceCountsLookback(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	u := seedUser(t, st, "a@example.com")
	today := mustDate(t, "2024-05-10")

	seedMed(t, st, Medication{UserID: u, Name: "Old", StartDate: today.AddDays(-30), EndDate: today, Taken: true})
	seedMed(t, st, Medication{UserID: u, Name: "New", StartDate: today.AddDays(-2), EndDate: today})

	all, err := st.MedicationAdherenceCounts(ctx, u, nil)
	if err != nil || all != (AdherenceCounts{Total: 2, Taken: 1}) {
		t.Fatalf("all-time = %+v, %v", all, err)
	}
	since := today.AddDays(-7)
	week, _ := st.MedicationAdherenceCounts(ctx, u, &since)
	if week != (AdherenceCounts{Total: 1, Taken: 0}) {
		t.Fatalf("7-day = %+v", week)
	}
}

func TestMetricsAndAppointments(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	u := seedUser(t, st, "a@example.com")
	other := seedUser(t, st, "b@example.com")
	today := mustDate(t, "2024-05-10")

	for i := 0; i < 3; i++ {
		if _, err := st.CreateHealthMetric(ctx, HealthMetric{UserID: u, MetricDate: today.AddDays(-i), Type: "weight", Value: 70}); err != nil {
			t.Fatal(err)
		}
	}
	_, _ = st.CreateHealthMetric(ctx, HealthMetric{UserID: u, MetricDate: today.AddDays(-40), Type: "weight", Value: 71})
	_, _ = st.CreateHealthMetric(ctx, HealthMetric{UserID: other, MetricDate: today, Type: "weight", Value: 90})

	ms, err := st.ListRecentMetrics(ctx, u, today.AddDays(-30))
	if err != nil || len(ms) != 3 {
		t.Fatalf("metrics = %d, %v", len(ms), err)
	}
	if ms[0].MetricDate != today {
		t.Fatalf("metrics not newest first: %v", ms[0].MetricDate)
	}

	appt, _ := st.CreateAppointment(ctx, Appointment{UserID: u, Title: "GP", Date: today, Time: "10:00", Location: "Clinic"})
	_, _ = st.CreateAppointment(ctx, Appointment{UserID: u, Title: "Past", Date: today.AddDays(-1)})
	if n, _ := st.UpcomingAppointmentCount(ctx, u, today); n != 1 {
		t.Fatalf("upcoming = %d, want 1", n)
	}
	got, _ := st.ListAppointmentsBetween(ctx, today, "09:55:00", "10:10:00")
	if len(got) != 1 || got[0].ID != appt.ID || got[0].Location != "Clinic" {
		t.Fatalf("appointments = %+v", got)
	}
}

func TestMedicationActionLifecycle(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	u := seedUser(t, st, "a@example.com")
	other := seedUser(t, st, "b@example.com")
	today := mustDate(t, "2024-05-10")
	m := seedMed(t, st, Medication{UserID: u, Name: "A", StartDate: today, EndDate: today})

	at := time.Date(2024, 5, 10, 9, 0, 0, 0, time.Local)
	a, err := st.InsertMedicationAction(ctx, MedicationAction{UserID: u, MedicationID: m.ID, PreviousTaken: false, NewTaken: true, ActionTime: at})
	if err != nil {
		t.Fatalf("InsertMedicationAction: %v", err)
	}
	if _, err := st.GetMedicationAction(ctx, other, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign owner err = %v, want ErrNotFound", err)
	}

	ok, err := st.MarkActionReverted(ctx, u, a.ID)
	if err != nil || !ok {
		t.Fatalf("first mark = %v, %v", ok, err)
	}
	if ok, _ := st.MarkActionReverted(ctx, u, a.ID); ok {
		t.Fatal("second mark succeeded")
	}

	list, _ := st.ListMedicationActions(ctx, u, &today)
	if len(list) != 1 || list[0].MedicationName != "A" || !list[0].Reverted {
		t.Fatalf("list = %+v", list)
	}
	yesterday := today.AddDays(-1)
	if list, _ := st.ListMedicationActions(ctx, u, &yesterday); len(list) != 0 {
		t.Fatalf("date filter returned %d rows", len(list))
	}

	if err := st.DeleteMedicationAction(ctx, other, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign delete err = %v", err)
	}
	if err := st.DeleteMedicationAction(ctx, u, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestInTxRollsBack(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	u := seedUser(t, st, "a@example.com")
	today := mustDate(t, "2024-05-10")
	m := seedMed(t, st, Medication{UserID: u, Name: "A", StartDate: today, EndDate: today})

	boom := errors.New("boom")
	err := st.InTx(ctx, func(tx Tx) error {
		if err := tx.SetTaken(ctx, u, m.ID, true); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx err = %v", err)
	}
	if got, _ := st.GetMedication(ctx, u, m.ID); got.Taken {
		t.Fatal("rolled back write is visible")
	}
}

func TestCreateMedicationRejectsInvertedRange(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	u := seedUser(t, st, "a@example.com")
	today := mustDate(t, "2024-05-10")
	if _, err := st.CreateMedication(context.Background(), Medication{UserID: u, Name: "A", StartDate: today, EndDate: today.AddDays(-1)}); err == nil {
		t.Fatal("expected error")
	}
}
