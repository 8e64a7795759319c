package markethours

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Session windows used by the confirmation pipeline and the intraday
// strategy. Everything outside the morning and afternoon brackets counts as
// midday, including unparsable timestamps.
const (
	WindowMorning   = "morning"
	WindowAfternoon = "afternoon"
	WindowMidday    = "midday"
)

// Window classifies t's wall-clock time of day:
// 09:15–10:30 morning, 14:30–15:15 afternoon (both inclusive), else midday.
func Window(t time.Time) string {
	if t.IsZero() {
		return WindowMidday
	}
	hm := t.Format("15:04")
	switch {
	case hm >= "09:15" && hm <= "10:30":
		return WindowMorning
	case hm >= "14:30" && hm <= "15:15":
		return WindowAfternoon
	default:
		return WindowMidday
	}
}

// ParseHHMM parses a clock string like "15:00".
func ParseHHMM(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad time of day %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", s)
	}
	return hour, minute, nil
}

// WithinOpeningRange reports whether t falls inside the opening-range
// collection window [09:15, 09:15+rangeMinutes).
func WithinOpeningRange(t time.Time, rangeMinutes int) bool {
	m := minuteOfDay(t)
	return m >= openMinuteOfDay && m < openMinuteOfDay+rangeMinutes
}
