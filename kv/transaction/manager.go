package transaction

import (
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/hlc"
	"github.com/pingcap-incubator/tinytxn/kv/tablet"
)

// Manager creates transactions on behalf of one client process. It binds
// them to a clock, a router and a dispatcher, and caches the status
// partition choice so that a process's transactions cluster their records.
// Creating a transaction performs no network I/O; the coordinator first
// hears about it on the first write or heartbeat.
type Manager struct {
	clock      *hlc.Clock
	router     tablet.Router
	dispatcher Dispatcher
	tuning     *config.Tuning

	pickOnce        sync.Once
	statusPartition uint64
}

func NewManager(clock *hlc.Clock, router tablet.Router, dispatcher Dispatcher, tuning *config.Tuning) *Manager {
	return &Manager{
		clock:      clock,
		router:     router,
		dispatcher: dispatcher,
		tuning:     tuning,
	}
}

func (m *Manager) Clock() *hlc.Clock {
	return m.clock
}

func (m *Manager) pickStatusPartition() uint64 {
	m.pickOnce.Do(func() {
		m.statusPartition = tablet.PickStatusPartition(m.router)
	})
	return m.statusPartition
}

// Begin creates a transaction with a random priority.
func (m *Manager) Begin(isolation IsolationLevel) *Txn {
	return m.BeginWithPriority(isolation, NewPriority())
}

// BeginWithPriority creates a transaction with an explicit priority. Retries
// after a conflict use this to start above the winner's priority.
func (m *Manager) BeginWithPriority(isolation IsolationLevel, priority uint64) *Txn {
	meta := Metadata{
		ID:              uuid.New(),
		Isolation:       isolation,
		StatusPartition: m.pickStatusPartition(),
		Priority:        priority,
		StartTime:       m.clock.Now(),
	}
	return newTxn(m, meta, NewReadPoint(m.clock))
}

// BeginChild creates the local handle for a child of a transaction running
// elsewhere. The child shares the parent's identity and snapshot and never
// talks to the coordinator.
func (m *Manager) BeginChild(data ChildData) *Txn {
	m.clock.Update(data.GlobalLimit)
	txn := newTxn(m, data.Meta, ReadPoint{
		ReadTime:    data.ReadTime,
		GlobalLimit: data.GlobalLimit,
	})
	txn.child = true
	return txn
}

const maxPriority = uint64(1) << 60

// NewPriority returns a fresh random priority.
func NewPriority() uint64 {
	return rand.Uint64() % maxPriority
}

// RetryPriority returns a priority strictly above both the loser's own and
// the winner's, with a random component so that simultaneous losers don't
// collide again at the same level.
func RetryPriority(own, winner uint64) uint64 {
	base := own
	if winner > base {
		base = winner
	}
	return base + 1 + rand.Uint64()%1024
}
