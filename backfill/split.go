// Package backfill orchestrates historical pulls: it splits requested
// ranges into bounded chunks, drives per-chunk processing with partial
// failure accounting, and persists resumable job progress.
package backfill

import "time"

// Window is one date-bounded slice of a backfill range.
type Window struct {
	Start    time.Time
	End      time.Time
	Sequence int
}

// Days returns the window length in whole days, rounding partial days
// up.
func (w Window) Days() int {
	d := w.End.Sub(w.Start)
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// SplitRange splits [start, end) into consecutive, non-overlapping,
// ordered windows of chunkSizeDays each; the final window may be
// shorter. A 91-day range at 30 days yields three 30-day windows plus
// a 1-day remainder. Returns nil when the range is empty or inverted.
func SplitRange(start, end time.Time, chunkSizeDays int) []Window {
	if !start.Before(end) || chunkSizeDays <= 0 {
		return nil
	}

	step := time.Duration(chunkSizeDays) * 24 * time.Hour
	var windows []Window
	for cursor := start; cursor.Before(end); cursor = cursor.Add(step) {
		next := cursor.Add(step)
		if next.After(end) {
			next = end
		}
		windows = append(windows, Window{
			Start:    cursor,
			End:      next,
			Sequence: len(windows),
		})
	}
	return windows
}
