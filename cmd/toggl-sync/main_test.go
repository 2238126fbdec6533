package main

import (
	"testing"
	"time"
)

func TestNextMidnight(t *testing.T) {
	loc := time.UTC
	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2025, 8, 1, 13, 30, 0, 0, loc), time.Date(2025, 8, 2, 0, 0, 0, 0, loc)},
		{time.Date(2025, 8, 1, 0, 0, 0, 0, loc), time.Date(2025, 8, 2, 0, 0, 0, 0, loc)},
		{time.Date(2025, 12, 31, 23, 59, 59, 0, loc), time.Date(2026, 1, 1, 0, 0, 0, 0, loc)},
	}
	for _, c := range cases {
		if got := nextMidnight(c.now); !got.Equal(c.want) {
			t.Errorf("nextMidnight(%v) = %v, want %v", c.now, got, c.want)
		}
	}
}

func TestParseWindowFlags(t *testing.T) {
	def := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end, err := parseEnd("2025-08-01", def, time.UTC)
	if err != nil || !end.Equal(time.Date(2025, 8, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("date-only end should be inclusive: %v, %v", end, err)
	}
	start, err := parseStart("2025-08-01T09:00:00Z", def, time.UTC)
	if err != nil || start.Hour() != 9 {
		t.Fatalf("rfc3339 start: %v, %v", start, err)
	}
	if got, _ := parseStart("", def, time.UTC); !got.Equal(def) {
		t.Fatal("empty flag should use the default")
	}
	if _, err := parseEnd("tomorrow", def, time.UTC); err == nil {
		t.Fatal("expected error")
	}
}
