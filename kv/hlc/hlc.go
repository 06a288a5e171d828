// Package hlc implements the hybrid logical clock used to order all
// transactional events in TinyTxn. A hybrid timestamp combines a physical
// wall-clock reading (microseconds) with a logical counter that breaks ties
// between events captured within the same microsecond. After time is
// propagated between two communicating nodes, their clocks differ by at most
// the configured maximum skew.
package hlc

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Timestamp is a hybrid physical/logical timestamp. WallTime is in
// microseconds since the Unix epoch. The zero Timestamp sorts before every
// other timestamp and is used as "unknown".
type Timestamp struct {
	WallTime int64
	Logical  int32
}

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool {
	return t.WallTime == 0 && t.Logical == 0
}

// Compare returns -1, 0 or +1 depending on whether t is ordered before,
// equal to, or after o.
func (t Timestamp) Compare(o Timestamp) int {
	if t.WallTime != o.WallTime {
		if t.WallTime < o.WallTime {
			return -1
		}
		return 1
	}
	if t.Logical != o.Logical {
		if t.Logical < o.Logical {
			return -1
		}
		return 1
	}
	return 0
}

func (t Timestamp) Less(o Timestamp) bool {
	return t.Compare(o) < 0
}

func (t Timestamp) LessEq(o Timestamp) bool {
	return t.Compare(o) <= 0
}

func (t Timestamp) Equal(o Timestamp) bool {
	return t.Compare(o) == 0
}

// Next returns the smallest timestamp strictly greater than t.
func (t Timestamp) Next() Timestamp {
	if t.Logical == int32(^uint32(0)>>1) {
		return Timestamp{WallTime: t.WallTime + 1}
	}
	return Timestamp{WallTime: t.WallTime, Logical: t.Logical + 1}
}

// Add returns t moved forward by d, keeping the logical component so that
// ordering within the same microsecond survives a zero-duration shift.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return Timestamp{WallTime: t.WallTime + d.Microseconds(), Logical: t.Logical}
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%04d", t.WallTime, t.Logical)
}

// Max returns the larger of a and b.
func Max(a, b Timestamp) Timestamp {
	if a.Less(b) {
		return b
	}
	return a
}

// WallClock supplies the physical component in microseconds. Separated out so
// tests can substitute manual or skewed sources.
type WallClock func() int64

// SystemWallClock reads the OS clock.
func SystemWallClock() int64 {
	return time.Now().UnixMicro()
}

// Clock produces hybrid timestamps. Now never returns the same or a smaller
// timestamp twice, and Update ratchets the clock forward when a larger remote
// timestamp is observed. Both are called on every read/write path, so the
// critical section is a couple of comparisons.
type Clock struct {
	wall      WallClock
	maxOffset *atomic.Duration

	mu   sync.Mutex
	last Timestamp
}

// NewClock creates a clock over the given physical source. maxOffset is
// shared with the tuning block so that skew bounds can be changed at runtime.
func NewClock(wall WallClock, maxOffset *atomic.Duration) *Clock {
	return &Clock{wall: wall, maxOffset: maxOffset}
}

// Now returns a timestamp strictly greater than any timestamp previously
// returned by Now or passed to Update.
func (c *Clock) Now() Timestamp {
	physical := c.wall()
	c.mu.Lock()
	defer c.mu.Unlock()
	if physical > c.last.WallTime {
		c.last = Timestamp{WallTime: physical}
	} else {
		c.last.Logical++
	}
	return c.last
}

// Update propagates a timestamp observed from another node, advancing the
// local clock if the observation is ahead. Zero observations are ignored.
func (c *Clock) Update(observed Timestamp) {
	if observed.IsZero() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last.Less(observed) {
		c.last = observed
	}
}

// MaxOffset returns the configured maximum clock skew between any two nodes.
func (c *Clock) MaxOffset() time.Duration {
	return c.maxOffset.Load()
}

// ManualClock is a WallClock source that only moves when told to. Used in
// tests that need deterministic physical time.
type ManualClock struct {
	now atomic.Int64
}

func NewManualClock(now int64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(now)
	return c
}

func (m *ManualClock) Wall() int64 {
	return m.now.Load()
}

func (m *ManualClock) Set(now int64) {
	m.now.Store(now)
}

func (m *ManualClock) Advance(d time.Duration) {
	m.now.Add(d.Microseconds())
}

// SkewedClock wraps a WallClock and shifts it by an adjustable delta. It
// models a node whose physical clock runs ahead of or behind the rest of the
// cluster, which is how read-restart behavior is exercised in tests.
type SkewedClock struct {
	base  WallClock
	delta atomic.Duration
}

func NewSkewedClock(base WallClock) *SkewedClock {
	return &SkewedClock{base: base}
}

func (s *SkewedClock) Wall() int64 {
	return s.base() + s.delta.Load().Microseconds()
}

// SetDelta changes the injected skew. Negative values move the clock behind
// its base source.
func (s *SkewedClock) SetDelta(d time.Duration) {
	s.delta.Store(d)
}
