package agg

import (
	"time"

	"algoengine/internal/model"
)

// Resample folds chronological bars into the coarser timeframe. Only
// buckets fully elapsed at now are returned, so indicator seeding never
// sees a half-built bar.
func Resample(bars []model.Bar, to model.Timeframe, now time.Time) []model.Bar {
	if len(bars) == 0 {
		return nil
	}

	var out []model.Bar
	var cur *model.Bar
	flush := func() {
		if cur != nil && !cur.TS.Add(to.Duration()).After(now) {
			out = append(out, *cur)
		}
		cur = nil
	}

	for _, b := range bars {
		bucket := to.FloorBucket(b.TS)
		if cur == nil || !bucket.Equal(cur.TS) {
			flush()
			nb := b
			nb.Timeframe = to
			nb.TS = bucket
			cur = &nb
			continue
		}
		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
	}
	flush()
	return out
}

// ResampleDaily folds bars into calendar-day buckets in the bars' own
// location. The trailing day is included even when partial; callers pick
// the bucket they trust.
func ResampleDaily(bars []model.Bar) []model.Bar {
	if len(bars) == 0 {
		return nil
	}

	var out []model.Bar
	var cur *model.Bar
	for _, b := range bars {
		y, m, d := b.TS.Date()
		bucket := time.Date(y, m, d, 0, 0, 0, 0, b.TS.Location())
		if cur == nil || !bucket.Equal(cur.TS) {
			if cur != nil {
				out = append(out, *cur)
			}
			nb := b
			nb.Timeframe = "1d"
			nb.TS = bucket
			cur = &nb
			continue
		}
		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
	}
	out = append(out, *cur)
	return out
}
