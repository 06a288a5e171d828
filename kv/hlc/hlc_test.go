package hlc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func testClock(wall WallClock) *Clock {
	return NewClock(wall, atomic.NewDuration(500*time.Millisecond))
}

func TestTimestampOrdering(t *testing.T) {
	a := Timestamp{WallTime: 100, Logical: 0}
	b := Timestamp{WallTime: 100, Logical: 1}
	c := Timestamp{WallTime: 101, Logical: 0}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.True(t, a.LessEq(a))
	assert.False(t, c.Less(a))
	assert.Equal(t, c, Max(a, c))
	assert.True(t, a.Less(a.Next()))
	assert.Equal(t, Timestamp{WallTime: 100 + 1000, Logical: 0}, a.Add(time.Millisecond))
	// Adding a duration keeps the logical component, so a zero uncertainty
	// window still orders intents written in the same microsecond.
	assert.Equal(t, b, b.Add(0))
	assert.Equal(t, Timestamp{WallTime: 100 + 1000, Logical: 1}, b.Add(time.Millisecond))
}

func TestNowMonotonic(t *testing.T) {
	manual := NewManualClock(1000)
	clock := testClock(manual.Wall)

	prev := clock.Now()
	// Physical time is frozen, so the logical component must carry ordering.
	for i := 0; i < 100; i++ {
		cur := clock.Now()
		require.True(t, prev.Less(cur), "clock went backwards: %v -> %v", prev, cur)
		prev = cur
	}

	manual.Advance(time.Millisecond)
	cur := clock.Now()
	require.True(t, prev.Less(cur))
	assert.EqualValues(t, 0, cur.Logical)
}

func TestUpdateAdvances(t *testing.T) {
	manual := NewManualClock(1000)
	clock := testClock(manual.Wall)

	observed := Timestamp{WallTime: 5000, Logical: 3}
	clock.Update(observed)
	now := clock.Now()
	require.True(t, observed.Less(now))

	// An observation in the past must not rewind the clock.
	clock.Update(Timestamp{WallTime: 10})
	require.True(t, now.Less(clock.Now()))

	// Zero observations are ignored.
	clock.Update(Timestamp{})
	require.True(t, now.Less(clock.Now()))
}

func TestSkewedClock(t *testing.T) {
	manual := NewManualClock(1_000_000)
	skewed := NewSkewedClock(manual.Wall)

	assert.EqualValues(t, 1_000_000, skewed.Wall())
	skewed.SetDelta(-100 * time.Millisecond)
	assert.EqualValues(t, 900_000, skewed.Wall())
	skewed.SetDelta(250 * time.Millisecond)
	assert.EqualValues(t, 1_250_000, skewed.Wall())
}

func TestMaxOffset(t *testing.T) {
	offset := atomic.NewDuration(250 * time.Millisecond)
	clock := NewClock(SystemWallClock, offset)
	assert.Equal(t, 250*time.Millisecond, clock.MaxOffset())
	offset.Store(time.Second)
	assert.Equal(t, time.Second, clock.MaxOffset())
}
