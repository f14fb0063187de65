package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleValid(t *testing.T) {
	tests := []string{
		"* * * * *",
		"*/5 * * * *",
		"0 0 * * *",
		"30 4 1,15 * *",
		"0 0 1 1 0",
		"0-30/5 9-17 * * 1-5",
		"0 9,18 * * *",
		"0 9 * jan-mar mon-fri",
		"0 0 * * 7",
		"@daily",
		"@Hourly",
	}
	for _, expr := range tests {
		if _, err := ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q) returned error: %v", expr, err)
		}
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	tests := []string{
		"",
		"* * *",
		"60 * * * *",
		"* 25 * * *",
		"* * 32 * *",
		"* * * 13 *",
		"* * * * 8",
		"*/0 * * * *",
		"abc * * * *",
		"5/2 * * * *",
		"10-5 * * * *",
		"@sometimes",
	}
	for _, expr := range tests {
		if _, err := ParseSchedule(expr); err == nil {
			t.Errorf("ParseSchedule(%q) should have returned error", expr)
		}
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		expr  string
		at    time.Time
		match bool
	}{
		{"* * * * *", time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC), true},
		{"*/5 * * * *", time.Date(2026, 2, 15, 10, 15, 0, 0, time.UTC), true},
		{"*/5 * * * *", time.Date(2026, 2, 15, 10, 13, 0, 0, time.UTC), false},
		{"0-30/5 9-17 * * 1-5", time.Date(2026, 2, 16, 10, 15, 0, 0, time.UTC), true},  // Monday
		{"0-30/5 9-17 * * 1-5", time.Date(2026, 2, 14, 10, 15, 0, 0, time.UTC), false}, // Saturday
		{"30 4 1,15 * *", time.Date(2026, 3, 15, 4, 30, 0, 0, time.UTC), true},
		{"30 4 1,15 * *", time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC), false},
		{"0 0 * * 7", time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC), true}, // Sunday
		{"0 9 * * sun", time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC), true},
		// Restricted day-of-month and day-of-week match if either does.
		{"0 0 1 * mon", time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC), true},
		{"0 0 1 * mon", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), true},
		{"0 0 1 * mon", time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		s, err := ParseSchedule(tt.expr)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.expr, err)
		}
		if got := s.Matches(tt.at); got != tt.match {
			t.Errorf("%q.Matches(%v) = %v, want %v", tt.expr, tt.at, got, tt.match)
		}
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		expr string
		from time.Time
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 2, 15, 10, 30, 45, 0, time.UTC), time.Date(2026, 2, 15, 10, 31, 0, 0, time.UTC)},
		{"*/5 * * * *", time.Date(2026, 2, 15, 10, 12, 0, 0, time.UTC), time.Date(2026, 2, 15, 10, 15, 0, 0, time.UTC)},
		{"0 0 * * *", time.Date(2026, 2, 15, 23, 59, 0, 0, time.UTC), time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)},
		{"0 9,18 * * *", time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC), time.Date(2026, 2, 15, 18, 0, 0, 0, time.UTC)},
		{"@yearly", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"0 0 30 2 *", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Time{}},
	}
	for _, tt := range tests {
		s, err := ParseSchedule(tt.expr)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.expr, err)
		}
		if got := s.Next(tt.from); !got.Equal(tt.want) {
			t.Errorf("%q.Next(%v) = %v, want %v", tt.expr, tt.from, got, tt.want)
		}
	}
}
