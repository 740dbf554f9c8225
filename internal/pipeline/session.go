package pipeline

import "time"

// SessionStart is the most recent daily reset at or before now. reset is
// the offset from UTC midnight.
func SessionStart(now time.Time, reset time.Duration) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start := day.Add(reset)
	if now.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}
