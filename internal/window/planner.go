// Package window plans epoch-aligned chunk windows. Windows depend only
// on the chunk width and the Unix epoch, never on a request's start or
// end, so every request that touches a moment in time agrees on which
// window owns it. That shared identity is what lets chunk outputs be
// reused across datasets.
package window

import "fmt"

// SecondsPerDay is the number of seconds in one chunk-width day.
const SecondsPerDay int64 = 86400

// Window is one epoch-aligned chunk window [Start, End).
type Window struct {
	Start int64
	End   int64
}

// Width returns the window length in seconds.
func (w Window) Width() int64 { return w.End - w.Start }

// Plan returns every window of widthDays days that overlaps
// [start, end). Windows are aligned to the Unix epoch and are NOT
// clipped to the request range: the first window may begin before
// start and the last may end after end.
func Plan(start, end, widthDays int64) ([]Window, error) {
	if widthDays < 1 {
		return nil, fmt.Errorf("window: chunk width must be at least one day, got %d", widthDays)
	}
	if end <= start {
		return nil, fmt.Errorf("window: end %d must be after start %d", end, start)
	}
	w := widthDays * SecondsPerDay
	first := floorDiv(start, w)
	last := floorDiv(end-1, w)

	windows := make([]Window, 0, last-first+1)
	for i := first; i <= last; i++ {
		windows = append(windows, Window{Start: i * w, End: (i + 1) * w})
	}
	return windows, nil
}

// Index returns the index of the window owning timestamp t for the
// given width: floor((t - epoch) / width).
func Index(t, widthDays int64) int64 {
	return floorDiv(t, widthDays*SecondsPerDay)
}

// BinStart aligns t down to the start of its interval bin. Bins share
// the windows' epoch alignment, so a bin never straddles two windows
// as long as the interval divides a day.
func BinStart(t, intervalSeconds int64) int64 {
	return floorDiv(t, intervalSeconds) * intervalSeconds
}

// floorDiv divides rounding toward negative infinity, so pre-epoch
// timestamps land in the correct window rather than window zero.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
