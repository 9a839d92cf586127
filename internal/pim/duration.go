package pim

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// durationPattern covers the PnDTnHnMnS subset Graph accepts for schedule
// expirations. Years, months and weeks are not accepted there.
var durationPattern = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// MaxDuration bounds parsed durations well inside time.Duration's range;
// Graph rejects schedules anywhere near this long.
const MaxDuration = 10 * 365 * 24 * time.Hour

// ParseDuration converts an ISO-8601 duration such as PT1H30M.
// Values above MaxDuration are rejected.
func ParseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil || s == "P" || s == "PT" || s[len(s)-1] == 'T' {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	var total time.Duration
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute}
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil || n > int64(MaxDuration/unit) {
			return 0, fmt.Errorf("%w: %q out of range", ErrInvalidDuration, s)
		}
		total += time.Duration(n) * unit
	}
	if m[4] != "" {
		secs, err := strconv.ParseFloat(m[4], 64)
		if err != nil || secs > MaxDuration.Seconds() {
			return 0, fmt.Errorf("%w: %q out of range", ErrInvalidDuration, s)
		}
		total += time.Duration(secs * float64(time.Second))
	}
	if total > MaxDuration {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidDuration, s)
	}
	if total <= 0 {
		return 0, fmt.Errorf("%w: %q must be positive", ErrInvalidDuration, s)
	}
	return total, nil
}

// FormatDuration renders d in the PTnHnM form used by the activation UI.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "PT0S"
	}
	h := int64(d / time.Hour)
	m := int64((d % time.Hour) / time.Minute)
	s := int64((d % time.Minute) / time.Second)
	out := "PT"
	if h > 0 {
		out += strconv.FormatInt(h, 10) + "H"
	}
	if m > 0 {
		out += strconv.FormatInt(m, 10) + "M"
	}
	if s > 0 || out == "PT" {
		out += strconv.FormatInt(s, 10) + "S"
	}
	return out
}
