// Package period computes the quota window a timestamp falls into.
//
// Windows are whole-day cycles of a fixed length counted from an anchor
// date. Day arithmetic is done on civil dates, so month lengths and DST
// shifts never move a boundary.
package period

import "time"

const day = 24 * time.Hour

type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t is in [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// DaysRemaining is the number of days, rounded up, from now until the
// window closes. It is never negative.
func (p Period) DaysRemaining(now time.Time) int {
	left := p.End.Sub(now)
	if left <= 0 {
		return 0
	}
	days := int(left / day)
	if left%day != 0 {
		days++
	}
	return days
}

// Key is the window start as a calendar date, used to key usage records.
func (p Period) Key() string {
	return p.Start.Format(time.DateOnly)
}

// Rolling returns the cycleDays-long window containing now, counted from
// anchor. Both the anchor and the boundaries are midnights in anchor's
// location. A now before the anchor yields the first window.
func Rolling(anchor time.Time, cycleDays int, now time.Time) Period {
	if cycleDays < 1 {
		cycleDays = 1
	}
	loc := anchor.Location()
	start := midnight(anchor)
	elapsed := daysBetween(start, now.In(loc))

	cycles := 0
	if elapsed > 0 {
		cycles = elapsed / cycleDays
	}

	periodStart := start.AddDate(0, 0, cycles*cycleDays)
	return Period{
		Start: periodStart,
		End:   periodStart.AddDate(0, 0, cycleDays),
	}
}

// Daily returns the calendar day containing now in loc. It is the
// one-day case of Rolling anchored at that same midnight.
func Daily(now time.Time, loc *time.Location) Period {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	return Rolling(midnight(local), 1, local)
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// daysBetween counts whole calendar days from the date of a to the date
// of b, ignoring wall-clock length differences caused by DST.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	ua := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	ub := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua) / day)
}
