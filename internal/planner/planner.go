// Package planner decides which sale dates a run covers and splits that
// window into batches small enough for the search site's pagination limit.
package planner

import (
	"fmt"
	"time"
)

const (
	// DefaultBatchDays is the widest date span the search site paginates fully.
	DefaultBatchDays = 31
	// DefaultLookbackDays is used when neither a start date nor a watermark exists.
	DefaultLookbackDays = 90
)

const dateLayout = "2006-01-02"

// Window is an inclusive range of civil dates.
type Window struct {
	Start time.Time
	End   time.Time
}

// Batch is one inclusive date sub-range swept as a single pagination pass.
type Batch struct {
	Start time.Time
	End   time.Time
}

// Days returns the number of calendar days the batch covers.
func (b Batch) Days() int {
	return int(b.End.Sub(b.Start).Hours()/24) + 1
}

// StartString formats the batch start as YYYY-MM-DD.
func (b Batch) StartString() string {
	return b.Start.Format(dateLayout)
}

// EndString formats the batch end as YYYY-MM-DD.
func (b Batch) EndString() string {
	return b.End.Format(dateLayout)
}

// Day truncates t to its calendar date in loc and returns it as UTC midnight.
// A nil loc means UTC.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string into a civil date at UTC midnight.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// ResolveWindow picks the run window. The start is the explicit date when
// given, otherwise the latest stored sale date, otherwise today minus the
// lookback. The end is always the day before today.
func ResolveWindow(explicit, latest *time.Time, today time.Time, lookbackDays int) Window {
	today = Day(today, time.UTC)
	var start time.Time
	switch {
	case explicit != nil:
		start = Day(*explicit, time.UTC)
	case latest != nil:
		start = Day(*latest, time.UTC)
	default:
		start = today.AddDate(0, 0, -lookbackDays)
	}
	return Window{Start: start, End: today.AddDate(0, 0, -1)}
}

// Split cuts the window into consecutive batches of at most span days. The
// batches cover the window exactly, end date included, so a single-day
// window is one batch. A window whose start is after its end yields no
// batches.
func Split(w Window, span int) []Batch {
	if span <= 0 {
		span = DefaultBatchDays
	}
	var batches []Batch
	for start := w.Start; !start.After(w.End); start = start.AddDate(0, 0, span) {
		end := start.AddDate(0, 0, span-1)
		if end.After(w.End) {
			end = w.End
		}
		batches = append(batches, Batch{Start: start, End: end})
	}
	return batches
}
