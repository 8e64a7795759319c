// Package markethours models the NSE trading calendar: the IST wall
// clock, the 09:15-15:30 cash session, exchange holidays, and the
// intraday windows the confirmation pipeline keys on.
package markethours

import (
	"fmt"
	"time"
)

// IST is the exchange wall clock (UTC+5:30). Tick timestamps, bar
// buckets and session checks all live in this zone.
var IST = time.FixedZone("IST", 5*3600+30*60)

// Cash session bounds.
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

const (
	openMinuteOfDay  = OpenHour*60 + OpenMinute
	closeMinuteOfDay = CloseHour*60 + CloseMinute

	// streamLead is how early the broker stream dials in so the
	// opening tick is not missed.
	streamLead = time.Minute

	// nextOpenHorizon bounds the trading-day scan; the longest NSE
	// closure run (weekend plus clustered holidays) is well inside it.
	nextOpenHorizon = 10
)

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// IsMarketOpen reports whether t falls inside the cash session on a
// trading day.
func IsMarketOpen(t time.Time) bool {
	ist := t.In(IST)
	if !IsTradingDay(ist) {
		return false
	}
	m := minuteOfDay(ist)
	return m >= openMinuteOfDay && m < closeMinuteOfDay
}

// IsTradingDay reports whether t is a weekday that is not an exchange
// holiday.
func IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	switch ist.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !IsHoliday(ist)
}

// OpenAt returns the session open on t's calendar day.
func OpenAt(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
}

// CloseAt returns the session close on t's calendar day.
func CloseAt(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// NextOpen returns the first session open at or after t: today's open
// when t is still before it on a trading day, otherwise the open of
// the next trading day.
func NextOpen(t time.Time) time.Time {
	ist := t.In(IST)
	if IsTradingDay(ist) && ist.Before(OpenAt(ist)) {
		return OpenAt(ist)
	}
	d := ist.AddDate(0, 0, 1)
	for i := 0; i < nextOpenHorizon; i++ {
		if IsTradingDay(d) {
			return OpenAt(d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return OpenAt(d)
}

// WSConnectTime returns when the broker stream should dial for a
// session opening at open.
func WSConnectTime(open time.Time) time.Time {
	return open.Add(-streamLead)
}

// StatusString renders the session state for the status surfaces.
func StatusString(t time.Time) string {
	ist := t.In(IST)
	if IsMarketOpen(ist) {
		return fmt.Sprintf("Market Open — closes in %s", fmtDur(CloseAt(ist).Sub(ist)))
	}
	next := NextOpen(ist)
	if name := HolidayName(ist); name != "" {
		return fmt.Sprintf("Market Closed (%s) — opens %s %s",
			name, next.Weekday().String()[:3], next.Format("15:04"))
	}
	return fmt.Sprintf("Market Closed — opens %s %s (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(ist)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
