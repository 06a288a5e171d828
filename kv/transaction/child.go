package transaction

import (
	"github.com/pingcap-incubator/tinytxn/kv/hlc"
)

// ChildData is handed to another node so it can operate as a child of a
// running transaction. The child shares the parent's identity and snapshot:
// its writes are intents of the same transaction, and only the parent ever
// commits.
type ChildData struct {
	Meta        Metadata
	ReadTime    hlc.Timestamp
	GlobalLimit hlc.Timestamp
}

// ChildResult is what a finished child reports back to the parent: the data
// partitions it wrote to, and the largest version time that forced a read
// restart (zero if none).
type ChildResult struct {
	InvolvedPartitions []uint64
	RestartTime        hlc.Timestamp
	// LastWrite is the largest intent write time the child observed, so the
	// parent's commit time covers the child's writes.
	LastWrite hlc.Timestamp
}
