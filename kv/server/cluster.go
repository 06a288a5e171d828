// Package server assembles stores, coordinators and participants into a
// running system. Cluster is the in-process deployment used by the server
// binary and the integration tests: every partition owner lives in the same
// process, each store with its own (skewable) clock, wired together by an
// in-memory dispatcher.
package server

import (
	"fmt"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/coordinator"
	"github.com/pingcap-incubator/tinytxn/kv/participant"
	"github.com/pingcap-incubator/tinytxn/kv/replication"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/tablet"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap-incubator/tinytxn/log"
	"github.com/pingcap/errors"
)

type Cluster struct {
	conf     *config.Config
	tuning   *config.Tuning
	router   tablet.Router
	selector tablet.ReplicaSelector
	stores   []*Store

	// replicas lists the placement of each partition; the selector picks
	// which copy a dispatched request goes to. In-process partitions have a
	// single leader replica on their owning store.
	replicas     map[uint64][]tablet.Replica
	coordinators map[uint64]*coordinator.Coordinator
	participants map[uint64]*participant.Participant
	storages     []storage.Storage
}

// NewCluster creates and starts a cluster of numStores stores hosting the
// configured number of data and status partitions, spread round-robin.
// Storage is in-memory; this is the constructor tests use.
func NewCluster(conf *config.Config, numStores int) *Cluster {
	return NewClusterWithSelector(conf, numStores, tablet.LeaderSelector{})
}

// NewClusterWithSelector is NewCluster with an explicit replica selection
// policy for dispatched requests.
func NewClusterWithSelector(conf *config.Config, numStores int, selector tablet.ReplicaSelector) *Cluster {
	return newCluster(conf, numStores, selector, func(uint64) storage.Storage {
		return storage.NewMemStorage()
	})
}

// NewStandaloneCluster creates a single-store cluster persisting every
// partition in its own badger instance under conf.DBPath. This is what the
// server binary runs.
func NewStandaloneCluster(conf *config.Config) (*Cluster, error) {
	var failed error
	c := newCluster(conf, 1, tablet.LeaderSelector{}, func(partition uint64) storage.Storage {
		st := storage.NewStandaloneStorage(conf, fmt.Sprintf("partition-%d", partition))
		if err := st.Start(); err != nil && failed == nil {
			failed = err
		}
		return st
	})
	if failed != nil {
		c.Stop()
		return nil, failed
	}
	return c, nil
}

func newRouter(conf *config.Config) tablet.Router {
	if len(conf.PartitionSplits) > 0 {
		splits := make([][]byte, len(conf.PartitionSplits))
		for i, s := range conf.PartitionSplits {
			splits[i] = []byte(s)
		}
		return tablet.NewRangeRouter(splits, conf.StatusPartitions)
	}
	return tablet.NewHashRouter(conf.DataPartitions, conf.StatusPartitions)
}

func newCluster(conf *config.Config, numStores int, selector tablet.ReplicaSelector, newStorage func(partition uint64) storage.Storage) *Cluster {
	c := &Cluster{
		conf:         conf,
		tuning:       conf.NewTuning(),
		router:       newRouter(conf),
		selector:     selector,
		replicas:     make(map[uint64][]tablet.Replica),
		coordinators: make(map[uint64]*coordinator.Coordinator),
		participants: make(map[uint64]*participant.Participant),
	}

	for i := 0; i < numStores; i++ {
		c.stores = append(c.stores, newStore(uint64(i), c))
	}

	next := 0
	pick := func() *Store {
		s := c.stores[next%len(c.stores)]
		next++
		return s
	}
	for _, id := range c.router.DataPartitions() {
		s := pick()
		st := newStorage(id)
		c.storages = append(c.storages, st)
		c.replicas[id] = []tablet.Replica{{StoreID: s.id, Leader: true, Distance: int(s.id)}}
		c.participants[id] = participant.NewParticipant(
			id, s.clock, c.tuning, st, replication.NewMemLog(s.clock, st))
	}
	for _, id := range c.router.StatusPartitions() {
		s := pick()
		st := newStorage(id)
		c.storages = append(c.storages, st)
		c.replicas[id] = []tablet.Replica{{StoreID: s.id, Leader: true, Distance: int(s.id)}}
		c.coordinators[id] = coordinator.NewCoordinator(
			id, s.clock, c.tuning, replication.NewMemLog(s.clock, st))
	}

	for _, p := range c.participants {
		p.Start(c)
	}
	for _, co := range c.coordinators {
		co.Start(c)
	}
	return c
}

func (c *Cluster) Stop() {
	for _, co := range c.coordinators {
		co.Stop()
	}
	for _, p := range c.participants {
		p.Stop()
	}
	for _, st := range c.storages {
		if err := st.Stop(); err != nil {
			log.Warnf("storage stop: %v", err)
		}
	}
}

func (c *Cluster) Tuning() *config.Tuning {
	return c.tuning
}

func (c *Cluster) Router() tablet.Router {
	return c.router
}

func (c *Cluster) Store(i int) *Store {
	return c.stores[i]
}

// Coordinator implements transaction.Dispatcher. Status requests always go
// through the leader replica; a selector that cannot produce one makes the
// partition unreachable.
func (c *Cluster) Coordinator(partition uint64) (transaction.CoordinatorClient, error) {
	if _, ok := c.selector.Select(c.replicas[partition]); !ok {
		return nil, errors.WithStack(&transaction.TimedOutError{})
	}
	co, ok := c.coordinators[partition]
	if !ok {
		return nil, errors.WithStack(&transaction.TimedOutError{})
	}
	return co, nil
}

// Participant implements transaction.Dispatcher.
func (c *Cluster) Participant(partition uint64) (transaction.ParticipantClient, error) {
	if _, ok := c.selector.Select(c.replicas[partition]); !ok {
		return nil, errors.WithStack(&transaction.TimedOutError{})
	}
	p, ok := c.participants[partition]
	if !ok {
		return nil, errors.WithStack(&transaction.TimedOutError{})
	}
	return p, nil
}

// CountTransactions returns the number of live status records across all
// status partitions.
func (c *Cluster) CountTransactions() int {
	n := 0
	for _, co := range c.coordinators {
		n += co.CountTransactions()
	}
	return n
}

// CountIntents returns the number of intents physically present across all
// data partitions, including aborted intents awaiting cleanup.
func (c *Cluster) CountIntents() int {
	n := 0
	for _, p := range c.participants {
		n += p.CountIntents()
	}
	return n
}

// CountRunning returns the number of transactions with live intents.
func (c *Cluster) CountRunning() int {
	n := 0
	for _, p := range c.participants {
		n += p.CountRunning()
	}
	return n
}

// Compact forces removal of aborted intents on every data partition.
func (c *Cluster) Compact() error {
	for _, p := range c.participants {
		if err := p.Compact(); err != nil {
			return err
		}
	}
	return nil
}
