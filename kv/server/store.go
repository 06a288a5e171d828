package server

import (
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/hlc"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap/errors"
)

// maxReadRestarts bounds server-side retries of autocommit reads hitting the
// uncertainty window.
const maxReadRestarts = 10

// Store is one node of the cluster. Partition owners created on it share its
// clock; its Manager creates client transactions driven by the same clock,
// which is how tests model a client co-located with a skewed node.
type Store struct {
	id      uint64
	cluster *Cluster
	skewed  *hlc.SkewedClock
	clock   *hlc.Clock
	manager *transaction.Manager
}

func newStore(id uint64, c *Cluster) *Store {
	s := &Store{id: id, cluster: c}
	s.skewed = hlc.NewSkewedClock(hlc.SystemWallClock)
	s.clock = hlc.NewClock(s.skewed.Wall, &c.tuning.MaxClockSkew)
	s.manager = transaction.NewManager(s.clock, c.router, c, c.tuning)
	return s
}

func (s *Store) ID() uint64 {
	return s.id
}

func (s *Store) Clock() *hlc.Clock {
	return s.clock
}

// SetClockSkew shifts this store's physical clock relative to the others.
func (s *Store) SetClockSkew(d time.Duration) {
	s.skewed.SetDelta(d)
}

func (s *Store) Manager() *transaction.Manager {
	return s.manager
}

// Begin starts a snapshot transaction on this store's manager.
func (s *Store) Begin() *transaction.Txn {
	return s.manager.Begin(transaction.Snapshot)
}

// Put writes a single key on the autocommit path: the value commits at the
// participant's clock time without a transaction record.
func (s *Store) Put(key, value []byte) error {
	part, ok := s.cluster.participants[s.cluster.router.DataPartition(key)]
	if !ok {
		return errors.WithStack(&transaction.TimedOutError{})
	}
	t, err := part.PutCommitted(key, value)
	if err != nil {
		return err
	}
	s.clock.Update(t)
	return nil
}

// Get reads a single key at this store's current time, retrying restarts
// caused by the uncertainty window server-side.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	part, err := s.cluster.Participant(s.cluster.router.DataPartition(key))
	if err != nil {
		return nil, false, err
	}

	rp := transaction.NewReadPoint(s.clock)
	for i := 0; i < maxReadRestarts; i++ {
		resp, err := part.Read(&transaction.ReadRequest{
			Key:         key,
			ReadTime:    rp.ReadTime,
			GlobalLimit: rp.GlobalLimit,
		})
		if err != nil {
			if restart, ok := errors.Cause(err).(*transaction.RestartRequiredError); ok {
				rp.ObserveRestart(restart.ExistingTime)
				rp = rp.Restarted(s.clock)
				continue
			}
			return nil, false, err
		}
		s.clock.Update(resp.Time)
		return resp.Value, resp.Found, nil
	}
	return nil, false, errors.WithStack(&transaction.TimedOutError{})
}
