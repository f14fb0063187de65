// Package scheduler turns cron schedules into scheduled-trigger events.
package scheduler

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed 5-field cron expression: minute, hour, day of month,
// month, day of week. Each field is a bitset of allowed values.
type Schedule struct {
	minute, hour, dom, month, dow uint64
	// When both day fields are restricted a time matches if either does,
	// as in standard cron.
	domAny, dowAny bool
	expr           string
}

var macros = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var dayNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

type fieldSpec struct {
	name     string
	min, max int
	names    map[string]int
}

var fieldSpecs = [5]fieldSpec{
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day-of-month", min: 1, max: 31},
	{name: "month", min: 1, max: 12, names: monthNames},
	{name: "day-of-week", min: 0, max: 7, names: dayNames},
}

// ParseSchedule parses a 5-field cron expression or one of the @ macros.
// Fields accept *, N, N-M, */S, N-M/S, comma lists and three-letter month
// and day names. Day of week 7 is Sunday.
func ParseSchedule(expr string) (*Schedule, error) {
	spec := strings.TrimSpace(expr)
	if m, ok := macros[strings.ToLower(spec)]; ok {
		spec = m
	}
	fields := strings.Fields(spec)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron %q: expected 5 fields, got %d", expr, len(fields))
	}
	var sets [5]uint64
	for i, f := range fields {
		set, err := parseField(f, fieldSpecs[i])
		if err != nil {
			return nil, fmt.Errorf("cron %q: %s: %w", expr, fieldSpecs[i].name, err)
		}
		sets[i] = set
	}
	// Fold 7 onto 0 so Sunday has one bit.
	if sets[4]&(1<<7) != 0 {
		sets[4] = sets[4]&^(1<<7) | 1
	}
	return &Schedule{
		minute: sets[0],
		hour:   sets[1],
		dom:    sets[2],
		month:  sets[3],
		dow:    sets[4],
		domAny: fields[2] == "*",
		dowAny: fields[4] == "*",
		expr:   strings.TrimSpace(expr),
	}, nil
}

// String returns the expression the schedule was parsed from.
func (s *Schedule) String() string { return s.expr }

// Matches reports whether the minute containing t is scheduled.
func (s *Schedule) Matches(t time.Time) bool {
	return has(s.minute, t.Minute()) &&
		has(s.hour, t.Hour()) &&
		has(s.month, int(t.Month())) &&
		s.dayMatches(t)
}

func (s *Schedule) dayMatches(t time.Time) bool {
	dom, dow := has(s.dom, t.Day()), has(s.dow, int(t.Weekday()))
	switch {
	case s.domAny && s.dowAny:
		return true
	case s.domAny:
		return dow
	case s.dowAny:
		return dom
	default:
		return dom || dow
	}
}

// Next returns the first scheduled minute strictly after t, searching up to
// five years ahead. It returns the zero time when nothing matches.
func (s *Schedule) Next(t time.Time) time.Time {
	c := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)
	for c.Before(limit) {
		switch {
		case !has(s.month, int(c.Month())):
			c = time.Date(c.Year(), c.Month()+1, 1, 0, 0, 0, 0, c.Location())
		case !s.dayMatches(c):
			c = time.Date(c.Year(), c.Month(), c.Day()+1, 0, 0, 0, 0, c.Location())
		case !has(s.hour, c.Hour()):
			c = time.Date(c.Year(), c.Month(), c.Day(), c.Hour()+1, 0, 0, 0, c.Location())
		case !has(s.minute, c.Minute()):
			c = c.Add(time.Minute)
		default:
			return c
		}
	}
	return time.Time{}
}

func has(set uint64, v int) bool {
	return set&(1<<uint(v)) != 0
}

func parseField(field string, spec fieldSpec) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		bitsForPart, err := parsePart(strings.ToLower(part), spec)
		if err != nil {
			return 0, err
		}
		set |= bitsForPart
	}
	if bits.OnesCount64(set) == 0 {
		return 0, fmt.Errorf("empty field %q", field)
	}
	return set, nil
}

// parsePart handles one list element: *, */S, N, N-M, N-M/S.
func parsePart(part string, spec fieldSpec) (uint64, error) {
	rangePart, stepPart, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepPart)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid step %q", part)
		}
		step = n
	}

	lo, hi := spec.min, spec.max
	switch {
	case rangePart == "*":
	case strings.Contains(rangePart, "-"):
		a, b, _ := strings.Cut(rangePart, "-")
		var err error
		if lo, err = value(a, spec); err != nil {
			return 0, err
		}
		if hi, err = value(b, spec); err != nil {
			return 0, err
		}
		if lo > hi {
			return 0, fmt.Errorf("range %q is reversed", rangePart)
		}
	default:
		v, err := value(rangePart, spec)
		if err != nil {
			return 0, err
		}
		if hasStep {
			return 0, fmt.Errorf("step needs a range in %q", part)
		}
		lo, hi = v, v
	}

	var set uint64
	for v := lo; v <= hi; v += step {
		set |= 1 << uint(v)
	}
	return set, nil
}

func value(s string, spec fieldSpec) (int, error) {
	if n, ok := spec.names[s]; ok {
		return n, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < spec.min || v > spec.max {
		return 0, fmt.Errorf("value %d out of bounds [%d,%d]", v, spec.min, spec.max)
	}
	return v, nil
}
