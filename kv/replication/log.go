// Package replication abstracts the durability step that coordinator and
// participant state changes pass through before they are acknowledged. In a
// full deployment each partition's entries would go through a consensus log;
// here the collaborator is an interface so the protocol core can be exercised
// with an in-process implementation.
package replication

import (
	"github.com/pingcap-incubator/tinytxn/kv/hlc"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
)

// Entry is one replicated state change: a batch of storage modifications for
// a single partition. Entries of one partition are applied in order.
type Entry struct {
	Partition uint64
	Batch     []storage.Modify
}

// Log replicates entries and applies them to local storage. Replicate returns
// the hybrid time at which the entry became durable; callers treat that time
// as the operation's timestamp.
type Log interface {
	Replicate(entry Entry) (hlc.Timestamp, error)
}

// MemLog applies entries straight to a storage and stamps them with the local
// clock. It provides the ordering guarantees of a real log within a single
// process: Replicate returns only after the entry is applied, and times are
// monotonic per clock.
type MemLog struct {
	clock   *hlc.Clock
	storage storage.Storage
}

func NewMemLog(clock *hlc.Clock, st storage.Storage) *MemLog {
	return &MemLog{clock: clock, storage: st}
}

func (l *MemLog) Replicate(entry Entry) (hlc.Timestamp, error) {
	if err := l.storage.Write(entry.Batch); err != nil {
		return hlc.Timestamp{}, err
	}
	return l.clock.Now(), nil
}
