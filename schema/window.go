package schema

import "time"

const millisPerDay = 24 * 60 * 60 * 1000

type (
	// Window describes a client's requested slice of a time series:
	// inclusive millisecond bounds, a global skip/limit over the
	// filtered sequence and an optional duplicate filter.
	//
	// Nil bounds are open, a nil Limit is unbounded. A Limit of zero
	// is a valid request for an empty slice: callers wanting a count
	// use the aggregate count path instead of the extractor.
	Window struct {
		TimestampFirst   *int64
		TimestampLast    *int64
		Skip             *int64
		Limit            *int64
		FilterDuplicates bool
	}
)

// InRange reports whether t lies inside the window bounds
func (w Window) InRange(t int64) bool {
	if w.TimestampFirst != nil && t < *w.TimestampFirst {
		return false
	}
	if w.TimestampLast != nil && t > *w.TimestampLast {
		return false
	}
	return true
}

// SkipCount returns the number of leading samples to discard
func (w Window) SkipCount() int64 {
	if w.Skip == nil || *w.Skip < 0 {
		return 0
	}
	return *w.Skip
}

// DayBounds normalizes the millisecond bounds to effective-day
// boundaries: the lower bound becomes midnight of its day, the upper
// bound midnight of the following day, so that any instant within a
// referred day selects the whole day record.
func (w Window) DayBounds() (*time.Time, *time.Time) {
	var start, end *time.Time
	if w.TimestampFirst != nil {
		firstDay := (*w.TimestampFirst / millisPerDay) * millisPerDay
		t := time.UnixMilli(firstDay).UTC()
		start = &t
	}
	if w.TimestampLast != nil {
		lastDay := (*w.TimestampLast/millisPerDay)*millisPerDay + millisPerDay
		t := time.UnixMilli(lastDay).UTC()
		end = &t
	}
	return start, end
}
