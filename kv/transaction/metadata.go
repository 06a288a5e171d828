package transaction

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinytxn/kv/hlc"
)

type IsolationLevel int

const (
	Snapshot IsolationLevel = iota
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case Snapshot:
		return "SNAPSHOT"
	case Serializable:
		return "SERIALIZABLE"
	}
	return "UNKNOWN"
}

// Metadata identifies a transaction to every node it touches. It is fixed
// when the transaction first talks to the outside world and copied unchanged
// into every request; only the read point (carried separately) moves on
// restart.
type Metadata struct {
	ID        uuid.UUID
	Isolation IsolationLevel
	// StatusPartition is where the transaction's status record lives. All
	// status queries for this transaction go there.
	StatusPartition uint64
	// Priority decides conflicts: higher wins. Assigned at creation,
	// raised on conflict retries.
	Priority uint64
	// StartTime is the hybrid time the transaction began. Used only as a
	// conflict tiebreak input and for observability; visibility is
	// governed by the read point.
	StartTime hlc.Timestamp
}

func (m Metadata) String() string {
	return fmt.Sprintf("txn %s [%s, prio %d, status@%d]", m.ID, m.Isolation, m.Priority, m.StatusPartition)
}
