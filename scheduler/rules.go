package scheduler

import (
	"slices"
	"time"
)

// Kind names what raised a refresh.
type Kind string

const (
	KindMorning Kind = "morning"
	KindDaytime Kind = "daytime"
	KindManual  Kind = "manual"
)

// Rule is one cron-like firing schedule. Matches is evaluated at minute
// granularity; Next returns the first matching minute at or after t.
type Rule interface {
	Kind() Kind
	Matches(t time.Time) bool
	Next(t time.Time) time.Time
	Cooldown() time.Duration
}

// HourRule fires during any minute of a fixed set of local hours.
type HourRule struct {
	kind     Kind
	loc      *time.Location
	hours    []int
	cooldown time.Duration
}

// NewHourRule creates a rule firing in the given hours of loc.
func NewHourRule(kind Kind, loc *time.Location, hours []int, cooldown time.Duration) *HourRule {
	return &HourRule{kind: kind, loc: loc, hours: slices.Clone(hours), cooldown: cooldown}
}

func (r *HourRule) Kind() Kind              { return r.kind }
func (r *HourRule) Cooldown() time.Duration { return r.cooldown }

func (r *HourRule) Matches(t time.Time) bool {
	return slices.Contains(r.hours, t.In(r.loc).Hour())
}

func (r *HourRule) Next(t time.Time) time.Time {
	t = t.Truncate(time.Minute)
	if r.Matches(t) {
		return t
	}
	local := t.In(r.loc)
	for i := 1; i <= 49; i++ {
		c := time.Date(local.Year(), local.Month(), local.Day(), local.Hour()+i, 0, 0, 0, r.loc)
		if r.Matches(c) {
			return c
		}
	}
	return time.Time{}
}

// QuarterRule fires on every quarter-hour boundary inside a daily window
// [start, end) of local hours.
type QuarterRule struct {
	kind       Kind
	loc        *time.Location
	start, end int
	cooldown   time.Duration
}

// NewQuarterRule creates a rule firing at :00, :15, :30 and :45 between
// startHour and endHour in loc.
func NewQuarterRule(kind Kind, loc *time.Location, startHour, endHour int, cooldown time.Duration) *QuarterRule {
	return &QuarterRule{kind: kind, loc: loc, start: startHour, end: endHour, cooldown: cooldown}
}

func (r *QuarterRule) Kind() Kind              { return r.kind }
func (r *QuarterRule) Cooldown() time.Duration { return r.cooldown }

func (r *QuarterRule) Matches(t time.Time) bool {
	local := t.In(r.loc)
	return local.Minute()%15 == 0 && local.Hour() >= r.start && local.Hour() < r.end
}

func (r *QuarterRule) Next(t time.Time) time.Time {
	t = t.Truncate(time.Minute)
	local := t.In(r.loc)
	c := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute()/15*15, 0, 0, r.loc)
	if c.Before(t) {
		c = c.Add(15 * time.Minute)
	}
	// Two days of quarters covers any window and a DST shift.
	for i := 0; i < 2*24*4; i++ {
		if r.Matches(c) {
			return c
		}
		c = c.Add(15 * time.Minute)
	}
	return time.Time{}
}
