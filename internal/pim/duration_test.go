package pim

import (
	"errors"
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"PT1H":     time.Hour,
		"PT30M":    30 * time.Minute,
		"PT1H30M":  90 * time.Minute,
		"P1D":      24 * time.Hour,
		"P1DT2H":   26 * time.Hour,
		"PT45S":    45 * time.Second,
		"PT0.5S":   500 * time.Millisecond,
		"PT8H0M0S": 8 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		if err != nil {
			t.Fatalf("ParseDuration(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseDuration(%q)=%s, want %s", in, got, want)
		}
	}

	for _, bad := range []string{"", "P", "PT", "P1DT", "1H", "PT1X", "P1Y", "P1W", "PT0S", "-PT1H", "pt1h"} {
		if _, err := ParseDuration(bad); !errors.Is(err, ErrInvalidDuration) {
			t.Fatalf("ParseDuration(%q) should fail, got %v", bad, err)
		}
	}
}

func TestParseDurationRange(t *testing.T) {
	if d, err := ParseDuration("P3650D"); err != nil || d != MaxDuration {
		t.Fatalf("P3650D=%s err=%v", d, err)
	}
	for _, bad := range []string{"P200000D", "P3650DT1M", "PT9999999999999H", "PT99999999999999999999M", "PT1e400S", "PT400000000S"} {
		d, err := ParseDuration(bad)
		if !errors.Is(err, ErrInvalidDuration) {
			t.Fatalf("ParseDuration(%q)=%s, expected out of range", bad, d)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	cases := map[time.Duration]string{
		0:                           "PT0S",
		time.Hour:                   "PT1H",
		90 * time.Minute:            "PT1H30M",
		2*time.Hour + 5*time.Second: "PT2H5S",
		45 * time.Minute:            "PT45M",
	}
	for in, want := range cases {
		if got := FormatDuration(in); got != want {
			t.Fatalf("FormatDuration(%s)=%q, want %q", in, got, want)
		}
	}
}
