package model

import (
	"strconv"
	"strings"
	"time"
)

// Timeframe is a bar interval expressed the way feeds and configs spell it:
// "1m", "5m", "15m", "1h".
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
)

// Minutes returns the interval length in minutes. Unrecognized values fall
// back to 1 minute rather than erroring, matching feed-side leniency.
func (tf Timeframe) Minutes() int {
	s := string(tf)
	switch {
	case strings.HasSuffix(s, "m"):
		if n, err := strconv.Atoi(strings.TrimSuffix(s, "m")); err == nil && n > 0 {
			return n
		}
		return 1
	case strings.HasSuffix(s, "h"):
		if n, err := strconv.Atoi(strings.TrimSuffix(s, "h")); err == nil && n > 0 {
			return n * 60
		}
		return 60
	default:
		return 1
	}
}

// Duration returns the interval as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Minutes()) * time.Minute
}

// FloorBucket floors t to the start of its tf bucket on the wall clock of
// t's location. Sub-hour intervals align to the minute-of-hour so session
// boundaries (09:15, 09:30, ...) land on bucket starts regardless of zone
// offset.
func (tf Timeframe) FloorBucket(t time.Time) time.Time {
	m := tf.Minutes()
	if m >= 60 {
		h := t.Hour() / (m / 60) * (m / 60)
		return time.Date(t.Year(), t.Month(), t.Day(), h, 0, 0, 0, t.Location())
	}
	min := t.Minute() / m * m
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), min, 0, 0, t.Location())
}
