// Package lockwaiter parks writers that lost a conflict until the intents
// blocking them are removed. A participant that force-aborts a pending intent
// owner registers a waiter keyed by the owner's transaction id; Discard and
// Apply wake the queue once the intents are gone, so the blocked writer can
// retry immediately instead of polling.
package lockwaiter

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinytxn/kv/hlc"
	"github.com/pingcap-incubator/tinytxn/log"
)

type Manager struct {
	mu            sync.Mutex
	waitingQueues map[uuid.UUID]*queue
}

func NewManager() *Manager {
	return &Manager{
		waitingQueues: map[uuid.UUID]*queue{},
	}
}

type queue struct {
	waiters []*Waiter
}

// getReadyWaiters returns the ready waiters array, and left waiter size in this queue,
// it should be used under map lock protection
func (q *queue) getReadyWaiters(keyHashes []uint64) (readyWaiters []*Waiter, remainSize int) {
	readyWaiters = make([]*Waiter, 0, 8)
	remainedWaiters := q.waiters[:0]
	for _, w := range q.waiters {
		if w.inKeys(keyHashes) {
			readyWaiters = append(readyWaiters, w)
		} else {
			remainedWaiters = append(remainedWaiters, w)
		}
	}
	remainSize = len(remainedWaiters)
	q.waiters = remainedWaiters
	return
}

// removeWaiter removes the correspond waiter from pending array
// it should be used under map lock protection
func (q *queue) removeWaiter(w *Waiter) {
	for i, waiter := range q.waiters {
		if waiter == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
}

type Waiter struct {
	timeout   time.Duration
	ch        chan WaitResult
	waiter    uuid.UUID
	BlockedOn uuid.UUID
	KeyHash   uint64
}

type Position int

// WaitResult tells a woken waiter where it stood in the queue and, if the
// blocking transaction committed, at what time.
type WaitResult struct {
	Position   Position
	CommitTime hlc.Timestamp
}

const WaitTimeout Position = -1

func (w *Waiter) Wait() WaitResult {
	select {
	case <-time.After(w.timeout):
		return WaitResult{Position: WaitTimeout}
	case result := <-w.ch:
		return result
	}
}

func (w *Waiter) inKeys(keyHashes []uint64) bool {
	idx := sort.Search(len(keyHashes), func(i int) bool {
		return keyHashes[i] >= w.KeyHash
	})
	if idx == len(keyHashes) {
		return false
	}
	return keyHashes[idx] == w.KeyHash
}

// NewWaiter registers a waiter blocked on the given transaction's intent on
// keyHash. The caller must either get woken or call CleanUp after a timeout.
func (lw *Manager) NewWaiter(waiter, blockedOn uuid.UUID, keyHash uint64, timeout time.Duration) *Waiter {
	// allocate memory before hold the lock.
	q := new(queue)
	q.waiters = make([]*Waiter, 0, 8)
	w := &Waiter{
		timeout:   timeout,
		ch:        make(chan WaitResult, 1),
		waiter:    waiter,
		BlockedOn: blockedOn,
		KeyHash:   keyHash,
	}
	q.waiters = append(q.waiters, w)
	lw.mu.Lock()
	if old, ok := lw.waitingQueues[blockedOn]; ok {
		old.waiters = append(old.waiters, w)
	} else {
		lw.waitingQueues[blockedOn] = q
	}
	lw.mu.Unlock()
	return w
}

// WakeUp wakes up waiters blocked on the given transaction's intents on
// keyHashes. commitTime is zero when the intents were discarded.
func (lw *Manager) WakeUp(txn uuid.UUID, commitTime hlc.Timestamp, keyHashes []uint64) {
	var (
		waiters    []*Waiter
		remainSize int
	)
	lw.mu.Lock()
	q := lw.waitingQueues[txn]
	if q != nil {
		sort.Slice(keyHashes, func(i, j int) bool {
			return keyHashes[i] < keyHashes[j]
		})
		waiters, remainSize = q.getReadyWaiters(keyHashes)
		if remainSize == 0 {
			delete(lw.waitingQueues, txn)
		}
	}
	lw.mu.Unlock()

	// wake up waiters
	if len(waiters) > 0 {
		for i, w := range waiters {
			w.ch <- WaitResult{Position: Position(i), CommitTime: commitTime}
		}
		log.Infof("woke up %d txns blocked by txn %s, keyHashes=%v", len(waiters), txn, keyHashes)
	}
}

// CleanUp removes a waiter from waitingQueues when wait timeout.
func (lw *Manager) CleanUp(w *Waiter) {
	lw.mu.Lock()
	q := lw.waitingQueues[w.BlockedOn]
	if q != nil {
		q.removeWaiter(w)
		if len(q.waiters) == 0 {
			delete(lw.waitingQueues, w.BlockedOn)
		}
	}
	lw.mu.Unlock()
}
