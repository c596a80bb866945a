package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"medwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// actionTimeLayout sorts lexically; the server-local offset is kept so the
// date prefix is the local calendar day.
const actionTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

type sqliteStore struct {
	queries
	db  *sql.DB
	log logx.Logger
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q dbtx
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{queries: queries{q: db}, db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) InTx(ctx context.Context, fn func(Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit tx: %w", cerr)
		}
	}()
	return fn(&queries{q: tx})
}

func (s *sqliteStore) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ResetTaken(ctx context.Context, today Date) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE medications SET taken = 0
		 WHERE taken = 1 AND start_date <= ?1 AND end_date >= ?1`,
		today.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("reset taken: %w", err)
	}
	return res.RowsAffected()
}

const medicationColumns = `id, user_id, name, dosage, start_date, end_date, time, taken`

func (s *sqliteStore) ListDueMedications(ctx context.Context, owner int64, day Date, from, to string) ([]Medication, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+medicationColumns+` FROM medications
		 WHERE (?1 = 0 OR user_id = ?1)
		   AND start_date <= ?2 AND end_date >= ?2
		   AND taken = 0
		   AND time IS NOT NULL AND time <> ''
		   AND time >= ?3 AND time < ?4
		 ORDER BY time, id`,
		owner, day.String(), from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("list due medications: %w", err)
	}
	return scanMedications(rows)
}

func (s *sqliteStore) InsertHealthScore(ctx context.Context, owner int64, day Date, score int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO health_score(user_id, score_date, score) VALUES(?,?,?)`,
		owner, day.String(), score,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert health score: %w", err)
	}
	return nil
}

func (s *sqliteStore) UpdateHealthScoreIfExists(ctx context.Context, owner int64, day Date, score int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE health_score SET score = ? WHERE user_id = ? AND score_date = ?`,
		score, owner, day.String(),
	)
	if err != nil {
		return false, fmt.Errorf("update health score: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) HealthScoreHistory(ctx context.Context, owner int64, since Date) ([]HealthScore, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT score_date, score FROM health_score
		 WHERE user_id = ? AND score_date >= ?
		 ORDER BY score_date`,
		owner, since.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("health score history: %w", err)
	}
	defer rows.Close()
	out := []HealthScore{}
	for rows.Next() {
		var day string
		h := HealthScore{UserID: owner}
		if err := rows.Scan(&day, &h.Score); err != nil {
			return nil, err
		}
		if h.ScoreDate, err = ParseDate(day); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListRecentMetrics(ctx context.Context, owner int64, since Date) ([]HealthMetric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, metric_date, metric_type, value, unit FROM health_metrics
		 WHERE user_id = ? AND metric_date >= ?
		 ORDER BY metric_date DESC, id DESC`,
		owner, since.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()
	var out []HealthMetric
	for rows.Next() {
		var (
			m    HealthMetric
			day  string
			unit sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.UserID, &day, &m.Type, &m.Value, &unit); err != nil {
			return nil, err
		}
		if m.MetricDate, err = ParseDate(day); err != nil {
			return nil, err
		}
		m.Unit = unit.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MedicationAdherenceCounts(ctx context.Context, owner int64, since *Date) (AdherenceCounts, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(taken), 0) FROM medications WHERE user_id = ?`
	args := []any{owner}
	if since != nil {
		query += ` AND start_date >= ?`
		args = append(args, since.String())
	}
	var c AdherenceCounts
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&c.Total, &c.Taken); err != nil {
		return AdherenceCounts{}, fmt.Errorf("adherence counts: %w", err)
	}
	return c, nil
}

func (s *sqliteStore) UpcomingAppointmentCount(ctx context.Context, owner int64, from Date) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM appointments WHERE user_id = ? AND date >= ?`,
		owner, from.String(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("upcoming appointments: %w", err)
	}
	return n, nil
}

func (s *sqliteStore) ListAppointmentsBetween(ctx context.Context, day Date, from, to string) ([]Appointment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, date, time, location FROM appointments
		 WHERE date = ?1 AND time IS NOT NULL AND time >= ?2 AND time < ?3
		 ORDER BY time, id`,
		day.String(), from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()
	var out []Appointment
	for rows.Next() {
		var (
			a         Appointment
			date      string
			at, where sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Title, &date, &at, &where); err != nil {
			return nil, err
		}
		if a.Date, err = ParseDate(date); err != nil {
			return nil, err
		}
		a.Time, a.Location = at.String, where.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListMedicationActions(ctx context.Context, owner int64, day *Date) ([]MedicationAction, error) {
	query := `SELECT ma.id, ma.user_id, ma.medication_id, m.name, ma.previous_taken, ma.new_taken, ma.action_time, ma.reverted
		FROM medication_actions ma JOIN medications m ON m.id = ma.medication_id
		WHERE ma.user_id = ?`
	args := []any{owner}
	if day != nil {
		query += ` AND substr(ma.action_time, 1, 10) = ?`
		args = append(args, day.String())
	}
	query += ` ORDER BY ma.action_time DESC, ma.id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list medication actions: %w", err)
	}
	defer rows.Close()
	out := []MedicationAction{}
	for rows.Next() {
		var (
			a  MedicationAction
			at string
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.MedicationID, &a.MedicationName, &a.PreviousTaken, &a.NewTaken, &at, &a.Reverted); err != nil {
			return nil, err
		}
		if a.ActionTime, err = time.Parse(actionTimeLayout, at); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteMedicationAction(ctx context.Context, owner, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM medication_actions WHERE id = ? AND user_id = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("delete medication action: %w", err)
	}
	return expectOne(res)
}

func (s *sqliteStore) CreateUser(ctx context.Context, email string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO users(email) VALUES(?)`, strings.TrimSpace(email))
	if isUniqueViolation(err) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	return res.LastInsertId()
}

func (s *sqliteStore) CreateMedication(ctx context.Context, m Medication) (Medication, error) {
	if m.EndDate.Before(m.StartDate) {
		return Medication{}, fmt.Errorf("create medication: end_date %s before start_date %s", m.EndDate, m.StartDate)
	}
	clock, err := NormalizeClock(m.Time)
	if err != nil {
		return Medication{}, fmt.Errorf("create medication: %w", err)
	}
	m.Time = clock
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO medications(user_id, name, dosage, start_date, end_date, time, taken) VALUES(?,?,?,?,?,?,?)`,
		m.UserID, m.Name, nullStr(m.Dosage), m.StartDate.String(), m.EndDate.String(), nullStr(m.Time), m.Taken,
	)
	if err != nil {
		return Medication{}, fmt.Errorf("create medication: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return m, err
}

func (s *sqliteStore) CreateHealthMetric(ctx context.Context, m HealthMetric) (HealthMetric, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO health_metrics(user_id, metric_date, metric_type, value, unit) VALUES(?,?,?,?,?)`,
		m.UserID, m.MetricDate.String(), m.Type, m.Value, nullStr(m.Unit),
	)
	if err != nil {
		return HealthMetric{}, fmt.Errorf("create health metric: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return m, err
}

func (s *sqliteStore) CreateAppointment(ctx context.Context, a Appointment) (Appointment, error) {
	clock, err := NormalizeClock(a.Time)
	if err != nil {
		return Appointment{}, fmt.Errorf("create appointment: %w", err)
	}
	a.Time = clock
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO appointments(user_id, title, date, time, location) VALUES(?,?,?,?,?)`,
		a.UserID, a.Title, a.Date.String(), nullStr(a.Time), nullStr(a.Location),
	)
	if err != nil {
		return Appointment{}, fmt.Errorf("create appointment: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return a, err
}

// Queries shared by the store and transactions.

func (q *queries) GetMedication(ctx context.Context, owner, id int64) (Medication, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+medicationColumns+` FROM medications WHERE id = ? AND user_id = ?`, id, owner)
	if err != nil {
		return Medication{}, fmt.Errorf("get medication: %w", err)
	}
	ms, err := scanMedications(rows)
	if err != nil {
		return Medication{}, err
	}
	if len(ms) == 0 {
		return Medication{}, ErrNotFound
	}
	return ms[0], nil
}

func (q *queries) SetTaken(ctx context.Context, owner, id int64, taken bool) error {
	res, err := q.q.ExecContext(ctx, `UPDATE medications SET taken = ? WHERE id = ? AND user_id = ?`, taken, id, owner)
	if err != nil {
		return fmt.Errorf("set taken: %w", err)
	}
	return expectOne(res)
}

func (q *queries) InsertMedicationAction(ctx context.Context, a MedicationAction) (MedicationAction, error) {
	if a.ActionTime.IsZero() {
		a.ActionTime = time.Now()
	}
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO medication_actions(user_id, medication_id, previous_taken, new_taken, action_time, reverted)
		 VALUES(?,?,?,?,?,0)`,
		a.UserID, a.MedicationID, a.PreviousTaken, a.NewTaken, a.ActionTime.Format(actionTimeLayout),
	)
	if err != nil {
		return MedicationAction{}, fmt.Errorf("insert medication action: %w", err)
	}
	a.Reverted = false
	a.ID, err = res.LastInsertId()
	return a, err
}

func (q *queries) GetMedicationAction(ctx context.Context, owner, id int64) (MedicationAction, error) {
	var (
		a  MedicationAction
		at string
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT id, user_id, medication_id, previous_taken, new_taken, action_time, reverted
		 FROM medication_actions WHERE id = ? AND user_id = ?`, id, owner,
	).Scan(&a.ID, &a.UserID, &a.MedicationID, &a.PreviousTaken, &a.NewTaken, &at, &a.Reverted)
	if errors.Is(err, sql.ErrNoRows) {
		return MedicationAction{}, ErrNotFound
	}
	if err != nil {
		return MedicationAction{}, fmt.Errorf("get medication action: %w", err)
	}
	if a.ActionTime, err = time.Parse(actionTimeLayout, at); err != nil {
		return MedicationAction{}, err
	}
	return a, nil
}

func (q *queries) MarkActionReverted(ctx context.Context, owner, id int64) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE medication_actions SET reverted = 1 WHERE id = ? AND user_id = ? AND reverted = 0`, id, owner)
	if err != nil {
		return false, fmt.Errorf("mark action reverted: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func scanMedications(rows *sql.Rows) ([]Medication, error) {
	defer rows.Close()
	var out []Medication
	for rows.Next() {
		var (
			m             Medication
			start, end    string
			dosage, clock sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.Name, &dosage, &start, &end, &clock, &m.Taken); err != nil {
			return nil, err
		}
		var err error
		if m.StartDate, err = ParseDate(start); err != nil {
			return nil, err
		}
		if m.EndDate, err = ParseDate(end); err != nil {
			return nil, err
		}
		m.Dosage, m.Time = dosage.String, clock.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// NormalizeClock turns HH:MM or HH:MM:SS into HH:MM:SS. Empty stays empty.
func NormalizeClock(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", nil
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format("15:04:05"), nil
		}
	}
	return "", fmt.Errorf("invalid time of day %q", v)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
