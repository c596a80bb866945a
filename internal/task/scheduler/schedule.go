package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Five fields, or six with leading seconds, plus descriptors like @daily and @every.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var clockRE = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// ParseSchedule turns a configured schedule into a Schedule and the form shown
// in snapshots. Accepted forms:
//
//	"00:05"          every day at that wall-clock time
//	"*/15 * * * *"   cron, optionally with a seconds field
//	"@daily"         cron descriptor, including "@every 1h"
//	"15m"            fixed interval
func ParseSchedule(raw string) (Schedule, string, error) {
	expr := strings.TrimSpace(raw)
	switch {
	case expr == "":
		return nil, "", fmt.Errorf("schedule required")
	case strings.HasPrefix(expr, "@") || strings.ContainsAny(expr, " \t"):
		sched, err := ParseCron(expr)
		if err != nil {
			return nil, "", fmt.Errorf("cron %q: %w", expr, err)
		}
		return sched, expr, nil
	case clockRE.MatchString(expr):
		m := clockRE.FindStringSubmatch(expr)
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		sched, err := DailyAt(h, mm)
		if err != nil {
			return nil, "", fmt.Errorf("schedule %q: %w", expr, err)
		}
		return sched, fmt.Sprintf("daily %02d:%02d", h, mm), nil
	}
	d, err := time.ParseDuration(expr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid schedule %q (want HH:MM, a cron expression or a duration like 15m)", raw)
	}
	if d < time.Second {
		return nil, "", fmt.Errorf("schedule %q: interval must be at least 1s", raw)
	}
	return Every(d), "every " + d.String(), nil
}

// Validate reports whether AddSchedule would accept expr.
func Validate(expr string) error {
	_, _, err := ParseSchedule(expr)
	return err
}

// LoadLocation resolves a configured timezone; empty means time.Local.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

func Every(d time.Duration) Schedule { return cron.Every(d) }

func ParseCron(expr string) (Schedule, error) { return cronParser.Parse(expr) }

// DailyAt fires once a day at hour:minute in the location of the time given
// to Next. On a DST gap the run lands at the normalized instant.
func DailyAt(hour, minute int) (Schedule, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("time of day %02d:%02d out of range", hour, minute)
	}
	return daily{hour, minute}, nil
}

type daily struct{ hour, minute int }

func (d daily) Next(t time.Time) time.Time {
	for add := 0; ; add++ {
		at := time.Date(t.Year(), t.Month(), t.Day()+add, d.hour, d.minute, 0, 0, t.Location())
		if at.After(t) {
			return at
		}
	}
}
