package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClock(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	fc := NewFake(start)

	assert.Equal(t, start, fc.Now())

	fc.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), fc.Now())

	later := start.AddDate(0, 0, 3)
	fc.Set(later)
	assert.Equal(t, later, fc.Now())
}

func TestWindowValidate(t *testing.T) {
	assert.NoError(t, (*Window)(nil).Validate())
	assert.NoError(t, (&Window{Start: 9, End: 18}).Validate())
	assert.NoError(t, (&Window{Start: 0, End: 23}).Validate())

	assert.Error(t, (&Window{Start: -1, End: 10}).Validate())
	assert.Error(t, (&Window{Start: 5, End: 24}).Validate())
	assert.Error(t, (&Window{Start: 18, End: 9}).Validate())
	assert.Error(t, (&Window{Start: 10, End: 10}).Validate())
}

func TestWindowFromPair(t *testing.T) {
	w, err := WindowFromPair(nil)
	require.NoError(t, err)
	assert.Nil(t, w)

	w, err = WindowFromPair([]int{9, 18})
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, 9, w.Start)
	assert.Equal(t, 18, w.End)
	assert.Equal(t, []int{9, 18}, w.Pair())

	_, err = WindowFromPair([]int{9})
	assert.Error(t, err)

	_, err = WindowFromPair([]int{18, 9})
	assert.Error(t, err)
}

func TestInWindow(t *testing.T) {
	w := &Window{Start: 9, End: 18}
	at := func(h, m int) time.Time {
		return time.Date(2025, 3, 1, h, m, 0, 0, time.Local)
	}

	assert.True(t, InWindow(at(3, 0), nil))

	assert.False(t, InWindow(at(8, 59), w))
	assert.True(t, InWindow(at(9, 0), w))
	assert.True(t, InWindow(at(12, 30), w))
	// End hour is inclusive for the whole hour.
	assert.True(t, InWindow(at(18, 59), w))
	assert.False(t, InWindow(at(19, 0), w))
}

func TestNextWindowStart(t *testing.T) {
	w := &Window{Start: 9, End: 18}
	at := func(h, m int) time.Time {
		return time.Date(2025, 3, 1, h, m, 0, 0, time.Local)
	}

	// No window: unchanged.
	assert.Equal(t, at(19, 30), NextWindowStart(at(19, 30), nil))

	// Before opening: today at 09:00.
	assert.Equal(t, at(9, 0), NextWindowStart(at(7, 15), w))

	// Inside the window counts as consumed: next day 09:00.
	next := NextWindowStart(at(12, 0), w)
	assert.Equal(t, time.Date(2025, 3, 2, 9, 0, 0, 0, time.Local), next)

	// After closing: next day 09:00.
	next = NextWindowStart(at(19, 30), w)
	assert.Equal(t, time.Date(2025, 3, 2, 9, 0, 0, 0, time.Local), next)
}
