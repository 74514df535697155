package golicense

import "time"

// CycleAt returns the monthly credit cycle containing now for an account
// anchored at anchor. The anchor's day-of-month is preserved across months,
// clamped to the last day of shorter months.
//
// For example, an account anchored on Jan 31 resets:
//   - Jan 31 - Feb 28 (or Feb 29 in leap years)
//   - Feb 28 - Mar 31
//   - Mar 31 - Apr 30
func CycleAt(anchor, now time.Time) Cycle {
	start, end := currentCycleForStart(anchor, now)
	return Cycle{Start: start, End: end}
}

func currentCycleForStart(anchor, now time.Time) (cycleStart, cycleEnd time.Time) {
	s := startOfDayUTC(anchor)
	n := now.UTC()
	if n.Before(s) {
		// Clock skew or an anchor in the future: clamp to the first cycle.
		return s, addMonthsWithDay(s, 1, s.Day())
	}

	originalDay := s.Day()

	// Jump close to the answer instead of walking month by month.
	months := (n.Year()-s.Year())*12 + int(n.Month()) - int(s.Month())
	if months > 0 {
		months--
	}
	for {
		cycleStart = addMonthsWithDay(s, months, originalDay)
		cycleEnd = addMonthsWithDay(s, months+1, originalDay)
		if cycleEnd.After(n) {
			return cycleStart, cycleEnd
		}
		months++
	}
}

// addMonthsWithDay adds months to base while keeping targetDay when the
// resulting month has it, otherwise the month's last day.
func addMonthsWithDay(base time.Time, months, targetDay int) time.Time {
	year, month, _ := base.Date()
	first := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	lastDay := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()

	day := targetDay
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

// startOfDayUTC returns 00:00:00 UTC of t's day.
func startOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}
