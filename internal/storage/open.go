package storage

import (
	"context"
	"errors"
	"strings"

	"medwatch/pkg/logx"
)

// Store is the persistence API consumed by the adherence jobs, the ledger and
// the HTTP layer.
type Store interface {
	Queries

	// ListUserIDs returns every user id in ascending order.
	ListUserIDs(ctx context.Context) ([]int64, error)

	// ResetTaken clears taken on every medication active on today and returns
	// the number of rows changed.
	ResetTaken(ctx context.Context, today Date) (int64, error)

	// ListDueMedications returns medications active on day, not taken, with a
	// dose time in [from, to), ordered by time. Bounds are HH:MM:SS with
	// from <= to; "24:00:00" closes the day. owner 0 means every user.
	ListDueMedications(ctx context.Context, owner int64, day Date, from, to string) ([]Medication, error)

	// InsertHealthScore returns ErrConflict when (owner, day) already exists.
	InsertHealthScore(ctx context.Context, owner int64, day Date, score int) error
	UpdateHealthScoreIfExists(ctx context.Context, owner int64, day Date, score int) (bool, error)
	// HealthScoreHistory returns rows with score_date >= since, oldest first.
	HealthScoreHistory(ctx context.Context, owner int64, since Date) ([]HealthScore, error)

	// ListRecentMetrics returns metrics with metric_date >= since, newest first.
	ListRecentMetrics(ctx context.Context, owner int64, since Date) ([]HealthMetric, error)
	// MedicationAdherenceCounts counts medications started on or after since;
	// a nil since counts all of the owner's medications.
	MedicationAdherenceCounts(ctx context.Context, owner int64, since *Date) (AdherenceCounts, error)
	UpcomingAppointmentCount(ctx context.Context, owner int64, from Date) (int, error)
	// ListAppointmentsBetween returns appointments on day with time in [from, to).
	ListAppointmentsBetween(ctx context.Context, day Date, from, to string) ([]Appointment, error)

	// ListMedicationActions returns the owner's ledger newest first, limited to
	// actions on day when day is non-nil.
	ListMedicationActions(ctx context.Context, owner int64, day *Date) ([]MedicationAction, error)
	DeleteMedicationAction(ctx context.Context, owner, id int64) error

	// InTx runs fn in one transaction; fn's error rolls it back.
	InTx(ctx context.Context, fn func(Tx) error) error

	CreateUser(ctx context.Context, email string) (int64, error)
	CreateMedication(ctx context.Context, m Medication) (Medication, error)
	CreateHealthMetric(ctx context.Context, m HealthMetric) (HealthMetric, error)
	CreateAppointment(ctx context.Context, a Appointment) (Appointment, error)

	Close() error
}

// Queries are the operations available both directly and inside a transaction.
type Queries interface {
	GetMedication(ctx context.Context, owner, id int64) (Medication, error)
	SetTaken(ctx context.Context, owner, id int64, taken bool) error
	InsertMedicationAction(ctx context.Context, a MedicationAction) (MedicationAction, error)
	GetMedicationAction(ctx context.Context, owner, id int64) (MedicationAction, error)
	// MarkActionReverted flips reverted from false to true; it reports false
	// when the action was already reverted or does not exist.
	MarkActionReverted(ctx context.Context, owner, id int64) (bool, error)
}

// Tx is the transactional view handed to InTx callbacks.
type Tx interface {
	Queries
}

// Open opens the SQLite store at cfg.Path and applies the schema.
// Use ":memory:" for a private in-memory database.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	st, err := openSQLite(cfg, log)
	if err != nil {
		return nil, err
	}
	return st, nil
}
