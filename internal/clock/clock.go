// Package clock supplies the scheduler's notion of time: an injectable Clock
// and the daily execution-window arithmetic.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Clock abstracts time.Now so scheduling decisions are testable.
type Clock interface {
	Now() time.Time
}

// System is the wall-clock implementation.
type System struct{}

// Now returns the current local time.
func (System) Now() time.Time { return time.Now() }

// Fake is a manually driven clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake frozen at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the frozen instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set jumps the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// Window is a per-task daily execution interval in local hours. A nil *Window
// means no restriction. Windows never wrap past midnight.
//
// Membership is inclusive at both ends (Start <= hour <= End), matching how
// running tasks are gated; the snap computation in NextWindowStart treats an
// in-window instant as already consumed for the day and moves to the next
// day's start.
type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Validate rejects inverted or out-of-range windows.
func (w *Window) Validate() error {
	if w == nil {
		return nil
	}
	if w.Start < 0 || w.End > 23 {
		return fmt.Errorf("window hours must be within 0-23, got [%d, %d]", w.Start, w.End)
	}
	if w.Start >= w.End {
		return fmt.Errorf("window start must be before end, got [%d, %d]", w.Start, w.End)
	}
	return nil
}

// Pair returns the window as the [start_hour, end_hour] wire form, or nil.
func (w *Window) Pair() []int {
	if w == nil {
		return nil
	}
	return []int{w.Start, w.End}
}

// WindowFromPair builds a Window from the [start_hour, end_hour] wire form.
// A nil or empty pair means no restriction.
func WindowFromPair(pair []int) (*Window, error) {
	if len(pair) == 0 {
		return nil, nil
	}
	if len(pair) != 2 {
		return nil, fmt.Errorf("valid_time_range must be [start_hour, end_hour], got %v", pair)
	}
	w := &Window{Start: pair[0], End: pair[1]}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// InWindow reports whether t falls inside w. A nil window never restricts.
func InWindow(t time.Time, w *Window) bool {
	if w == nil {
		return true
	}
	h := t.Hour()
	return w.Start <= h && h <= w.End
}

// NextWindowStart returns the next instant at which w opens, relative to t.
// With no window it returns t unchanged. Before today's opening hour it
// returns today's Start:00:00; at or past the opening hour it returns
// tomorrow's Start:00:00.
func NextWindowStart(t time.Time, w *Window) time.Time {
	if w == nil {
		return t
	}
	day := t
	if t.Hour() >= w.Start {
		day = t.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), w.Start, 0, 0, 0, t.Location())
}
