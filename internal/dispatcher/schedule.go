package dispatcher

import (
	"time"

	"noteops/internal/clock"
)

// computeNext derives a task's next due time from the current clock.
//
// With no prior execution the task is due now, snapped into its window. With
// a prior execution the nominal due time is last + interval; a nominal time
// already in the past collapses to "now, snapped", and if even that is not in
// the future the task falls back to a full interval from now. A due time at
// or past the end date completes the task (nil).
func computeNext(now time.Time, t *TaskInfo) *time.Time {
	iv := time.Duration(t.IntervalSeconds) * time.Second
	w := t.Window

	var base time.Time
	if t.LastExecutionTime == nil {
		base = snapNow(now, w)
	} else {
		base = t.LastExecutionTime.Add(iv)
		if !base.After(now) {
			base = snapNow(now, w)
			if !base.After(now) {
				base = now.Add(iv)
			}
		}
	}

	if t.EndDate != nil && !dateOf(base).Before(dateOf(*t.EndDate)) {
		return nil
	}

	if !clock.InWindow(base, w) {
		base = clock.NextWindowStart(base, w)
	}
	return &base
}

func snapNow(now time.Time, w *clock.Window) time.Time {
	if clock.InWindow(now, w) {
		return now
	}
	return clock.NextWindowStart(now, w)
}
