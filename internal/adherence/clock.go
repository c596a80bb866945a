package adherence

import (
	"sync/atomic"
	"time"

	"medwatch/internal/storage"
)

// Clock is the time source every job and the sink agree on. Its location
// defines "today".
type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads time.Now in time.Local.
var SystemClock Clock = ClockFunc(time.Now)

// ZoneClock reports now in a location that can be swapped at runtime, so the
// jobs keep the same calendar day as the scheduler firing them.
type ZoneClock struct {
	now func() time.Time
	loc atomic.Pointer[time.Location]
}

func NewZoneClock(now func() time.Time, loc *time.Location) *ZoneClock {
	if now == nil {
		now = time.Now
	}
	c := &ZoneClock{now: now}
	c.SetLocation(loc)
	return c
}

func (c *ZoneClock) Now() time.Time { return c.now().In(c.loc.Load()) }

func (c *ZoneClock) Location() *time.Location { return c.loc.Load() }

// SetLocation switches the zone; nil means time.Local.
func (c *ZoneClock) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	c.loc.Store(loc)
}

func today(c Clock) storage.Date { return storage.DateOf(c.Now()) }

// span is a time-of-day range [from, to) on one calendar day.
type span struct {
	day      storage.Date
	from, to string
}

const endOfDay = "24:00:00"

// lookaheadSpans splits [now, now+d) into per-day ranges. d must be under 24h,
// so there are at most two: the rest of today and the start of tomorrow.
func lookaheadSpans(now time.Time, d time.Duration) []span {
	end := now.Add(d)
	first := span{day: storage.DateOf(now), from: now.Format(time.TimeOnly), to: end.Format(time.TimeOnly)}
	next := storage.DateOf(end)
	if next == first.day {
		return []span{first}
	}
	first.to = endOfDay
	if end.Format(time.TimeOnly) == "00:00:00" {
		return []span{first}
	}
	return []span{first, {day: next, from: "00:00:00", to: end.Format(time.TimeOnly)}}
}
