package jobs

import (
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Five-field crontab, optional leading seconds field, and descriptors such
// as "@hourly" or "@every 5m".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var errNoOccurrence = errors.New("no future occurrence")

// Schedule is a parsed cron expression bound to a timezone.
type Schedule struct {
	expr  string
	sched cron.Schedule
	loc   *time.Location
}

// ParseSchedule parses expr and resolves tz (empty means def, or UTC).
func ParseSchedule(expr, tz string, def *time.Location) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, &ScheduleError{Expr: expr, Err: errors.New("schedule required")}
	}
	loc, err := LoadLocation(tz, def)
	if err != nil {
		return Schedule{}, &ScheduleError{Expr: expr, Err: err}
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return Schedule{}, &ScheduleError{Expr: expr, Err: err}
	}
	return Schedule{expr: expr, sched: sched, loc: loc}, nil
}

// LoadLocation resolves an IANA name. Empty uses def, then UTC.
func LoadLocation(tz string, def *time.Location) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		if def != nil {
			return def, nil
		}
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

func (s Schedule) String() string { return s.expr }

func (s Schedule) Location() *time.Location { return s.loc }

// Next returns the first occurrence strictly after t, in UTC.
// ok is false when the expression never matches again.
func (s Schedule) Next(t time.Time) (next time.Time, ok bool) {
	if s.sched == nil {
		return time.Time{}, false
	}
	n := s.sched.Next(t.In(s.loc))
	if n.IsZero() {
		return time.Time{}, false
	}
	return n.UTC(), true
}

// Upcoming lists up to n occurrences after from.
func (s Schedule) Upcoming(from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := from
	for len(out) < n {
		next, ok := s.Next(t)
		if !ok {
			break
		}
		out = append(out, next)
		t = next
	}
	return out
}

// Preview parses expr and lists its next n fire times after from.
func Preview(expr, tz string, def *time.Location, from time.Time, n int) ([]time.Time, error) {
	s, err := ParseSchedule(expr, tz, def)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 5
	}
	if n > 100 {
		n = 100
	}
	out := s.Upcoming(from, n)
	if len(out) == 0 {
		return nil, &ScheduleError{Expr: expr, Err: errNoOccurrence}
	}
	return out, nil
}
