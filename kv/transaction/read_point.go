package transaction

import (
	"github.com/pingcap-incubator/tinytxn/kv/hlc"
)

// ReadPoint fixes the snapshot a transaction reads at. ReadTime is the
// snapshot; GlobalLimit = ReadTime + max clock skew bounds the uncertainty
// window. A committed version with time in (ReadTime, GlobalLimit] may have
// committed before the snapshot was taken on a faster clock, so reads that
// see one must restart rather than silently miss it. Versions above
// GlobalLimit are definitely in the future and are ignored.
type ReadPoint struct {
	ReadTime    hlc.Timestamp
	GlobalLimit hlc.Timestamp

	// restartTime is the largest version time that forced a restart, kept
	// so the next incarnation's snapshot covers it.
	restartTime hlc.Timestamp
}

// NewReadPoint captures a snapshot at the clock's current time.
func NewReadPoint(clock *hlc.Clock) ReadPoint {
	now := clock.Now()
	return ReadPoint{
		ReadTime:    now,
		GlobalLimit: now.Add(clock.MaxOffset()),
	}
}

// ObserveRestart records a version time that makes the current snapshot
// unusable. The read point itself does not move until Restart.
func (rp *ReadPoint) ObserveRestart(existing hlc.Timestamp) {
	rp.restartTime = hlc.Max(rp.restartTime, existing)
}

// RestartRequired reports whether a restart has been observed.
func (rp *ReadPoint) RestartRequired() bool {
	return !rp.restartTime.IsZero()
}

// Restarted returns the read point for the next incarnation: a fresh
// snapshot at the clock's current time, guaranteed to cover every version
// that forced the restart. Never rewinds.
func (rp *ReadPoint) Restarted(clock *hlc.Clock) ReadPoint {
	clock.Update(rp.restartTime)
	next := NewReadPoint(clock)
	next.ReadTime = hlc.Max(next.ReadTime, rp.ReadTime)
	next.GlobalLimit = hlc.Max(next.GlobalLimit, next.ReadTime)
	return next
}
