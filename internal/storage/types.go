package storage

import (
	"fmt"
	"time"
)

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// Date is a calendar day without time or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// DateOf returns the calendar day of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) IsZero() bool { return d == Date{} }

// AddDays returns d shifted by n days (negative n goes back).
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

func (d Date) Before(o Date) bool { return d.String() < o.String() }

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	v, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

type Medication struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name"`
	Dosage    string `json:"dosage,omitempty"`
	StartDate Date   `json:"start_date"`
	EndDate   Date   `json:"end_date"`
	// Time is the daily dose time as HH:MM:SS; empty when unset.
	Time  string `json:"time,omitempty"`
	Taken bool   `json:"taken"`
}

// MedicationAction is one ledger row: a taken/not-taken transition.
type MedicationAction struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	MedicationID   int64     `json:"medication_id"`
	MedicationName string    `json:"name,omitempty"`
	PreviousTaken  bool      `json:"previous_taken"`
	NewTaken       bool      `json:"new_taken"`
	ActionTime     time.Time `json:"action_time"`
	Reverted       bool      `json:"reverted"`
}

type HealthMetric struct {
	ID         int64   `json:"id"`
	UserID     int64   `json:"user_id"`
	MetricDate Date    `json:"metric_date"`
	Type       string  `json:"metric_type"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit,omitempty"`
}

type Appointment struct {
	ID       int64  `json:"id"`
	UserID   int64  `json:"user_id"`
	Title    string `json:"title"`
	Date     Date   `json:"date"`
	Time     string `json:"time,omitempty"`
	Location string `json:"location,omitempty"`
}

type HealthScore struct {
	UserID    int64 `json:"-"`
	ScoreDate Date  `json:"score_date"`
	Score     int   `json:"score"`
}

// AdherenceCounts is the taken/total medication tally used for scoring.
type AdherenceCounts struct {
	Total int
	Taken int
}
