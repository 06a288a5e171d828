package server

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/tablet"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCluster(t *testing.T, numStores int) *Cluster {
	c := NewCluster(config.NewTestConfig(), numStores)
	t.Cleanup(c.Stop)
	return c
}

func TestSimple(t *testing.T) {
	c := newTestCluster(t, 3)
	txn := c.Store(0).Begin()
	require.NoError(t, txn.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, txn.Put([]byte("k2"), []byte("v2")))

	// Provisional writes are visible to the writer and invisible to others.
	v, found, err := txn.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), v)
	_, found, err = c.Store(1).Get([]byte("k1"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, txn.CommitSync(context.Background()))

	for _, key := range []string{"k1", "k2"} {
		v, found, err := c.Store(1).Get([]byte(key))
		require.NoError(t, err)
		require.True(t, found, key)
		assert.Equal(t, "v"+key[1:], string(v))
	}
}

func TestOverwriteWithinTransaction(t *testing.T) {
	c := newTestCluster(t, 1)
	txn := c.Store(0).Begin()
	require.NoError(t, txn.Put([]byte("k"), []byte("v1")))
	require.NoError(t, txn.Put([]byte("k"), []byte("v2")))

	v, found, err := txn.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v2"), v)

	require.NoError(t, txn.CommitSync(context.Background()))
	v, _, err = c.Store(0).Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestDelete(t *testing.T) {
	c := newTestCluster(t, 1)
	s := c.Store(0)
	require.NoError(t, s.Put([]byte("k"), []byte("v")))

	txn := s.Begin()
	require.NoError(t, txn.Delete([]byte("k")))
	_, found, err := txn.Get([]byte("k"))
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, txn.CommitSync(context.Background()))

	_, found, err = s.Get([]byte("k"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReadRestart(t *testing.T) {
	c := newTestCluster(t, 2)
	writer, reader := c.Store(0), c.Store(1)
	reader.SetClockSkew(-100 * time.Millisecond)
	key := []byte("rr")

	rtxn := reader.Begin()
	_, found, err := rtxn.Get(key)
	require.NoError(t, err)
	require.False(t, found)

	wtxn := writer.Begin()
	require.NoError(t, wtxn.Put(key, []byte("v")))
	require.NoError(t, wtxn.CommitSync(context.Background()))

	// The commit landed inside the reader's uncertainty window.
	_, _, err = rtxn.Get(key)
	require.True(t, transaction.IsRestartRequired(err))
	require.True(t, rtxn.RestartRequired())

	next, err := rtxn.RestartedTransaction()
	require.NoError(t, err)
	v, found, err := next.Get(key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)
	require.NoError(t, next.CommitSync(context.Background()))
}

func TestReadRestartManyKeys(t *testing.T) {
	c := newTestCluster(t, 2)
	writer, reader := c.Store(0), c.Store(1)
	reader.SetClockSkew(-100 * time.Millisecond)

	rtxn := reader.Begin()
	// Pin the snapshot before the writes land.
	_, _, err := rtxn.Get([]byte("k0"))
	require.NoError(t, err)

	wtxn := writer.Begin()
	for i := 0; i < 5; i++ {
		key := []byte("k" + strconv.Itoa(i))
		require.NoError(t, wtxn.Put(key, append([]byte("v"), key...)))
	}
	require.NoError(t, wtxn.CommitSync(context.Background()))

	// Every key committed inside the reader's uncertainty window.
	for i := 0; i < 5; i++ {
		_, _, err := rtxn.Get([]byte("k" + strconv.Itoa(i)))
		require.True(t, transaction.IsRestartRequired(err), "k%d", i)
	}

	next, err := rtxn.RestartedTransaction()
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		key := []byte("k" + strconv.Itoa(i))
		v, found, err := next.Get(key)
		require.NoError(t, err)
		require.True(t, found, "k%d", i)
		assert.Equal(t, append([]byte("v"), key...), v)
	}
}

func TestCommitAtomicAcrossPartitions(t *testing.T) {
	c := newTestCluster(t, 3)
	txn := c.Store(0).Begin()

	// Spread writes over every data partition.
	partitions := make(map[uint64]struct{})
	var keys [][]byte
	for i := 0; len(partitions) < len(c.Router().DataPartitions()); i++ {
		key := []byte("atomic-" + strconv.Itoa(i))
		keys = append(keys, key)
		partitions[c.Router().DataPartition(key)] = struct{}{}
		require.NoError(t, txn.Put(key, key))
	}

	// Nothing is visible before the decision.
	probe := c.Store(1).Begin()
	for _, key := range keys {
		_, found, err := probe.Get(key)
		require.NoError(t, err)
		require.False(t, found)
	}
	require.NoError(t, probe.Abort())

	require.NoError(t, txn.CommitSync(context.Background()))

	// Everything is visible after it, from a fresh transaction.
	check := c.Store(2).Begin()
	for _, key := range keys {
		v, found, err := check.Get(key)
		require.NoError(t, err)
		require.True(t, found, string(key))
		assert.Equal(t, key, v)
	}
	require.NoError(t, check.CommitSync(context.Background()))
}

func TestReadWithPendingIntentsAndPinnedStatus(t *testing.T) {
	c := newTestCluster(t, 2)
	c.Tuning().IgnoreApplyingProbability.Store(1)
	c.Tuning().AllowRerequestStatus.Store(false)
	defer c.Tuning().IgnoreApplyingProbability.Store(0)

	writer, reader := c.Store(0), c.Store(1)
	reader.SetClockSkew(-100 * time.Millisecond)
	key := []byte("pin")

	wtxn := writer.Begin()
	require.NoError(t, wtxn.Put(key, []byte("v")))

	// The reader resolves the intent while it is pending; that answer is
	// pinned from now on.
	rtxn := reader.Begin()
	_, found, err := rtxn.Get(key)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, wtxn.CommitSync(context.Background()))

	// Same snapshot, same pinned answer: no value and no restart, even
	// though the commit landed in the uncertainty window.
	_, found, err = rtxn.Get(key)
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, rtxn.RestartRequired())
	require.NoError(t, rtxn.CommitSync(context.Background()))
}

func increment(s *Store, key []byte, priority uint64) error {
	txn := s.Manager().BeginWithPriority(transaction.Snapshot, priority)
	v, found, err := txn.Get(key)
	if err != nil {
		_ = txn.Abort()
		return err
	}
	n := 0
	if found {
		n, err = strconv.Atoi(string(v))
		if err != nil {
			_ = txn.Abort()
			return err
		}
	}
	if err := txn.Put(key, []byte(strconv.Itoa(n+1))); err != nil {
		_ = txn.Abort()
		return err
	}
	return txn.CommitSync(context.Background())
}

func TestConflictingIncrements(t *testing.T) {
	c := newTestCluster(t, 1)
	s := c.Store(0)
	key := []byte("counter")
	require.NoError(t, s.Put(key, []byte("0")))

	const workers, increments = 3, 3
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			priority := transaction.NewPriority()
			for done := 0; done < increments; {
				err := increment(s, key, priority)
				if err == nil {
					done++
					priority = transaction.NewPriority()
					continue
				}
				if conflict, ok := errors.Cause(err).(*transaction.ConflictError); ok {
					// Retry above the winner so progress is guaranteed.
					priority = transaction.RetryPriority(priority, conflict.WinnerPriority)
				}
			}
		}()
	}
	wg.Wait()

	v, found, err := s.Get(key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, strconv.Itoa(workers*increments), string(v))
}

func TestAbortCleansUpIntents(t *testing.T) {
	c := newTestCluster(t, 1)
	txn := c.Store(0).Begin()
	require.NoError(t, txn.Put([]byte("a"), []byte("1")))
	require.NoError(t, txn.Put([]byte("b"), []byte("2")))
	require.NoError(t, txn.Put([]byte("c"), []byte("3")))
	require.NoError(t, txn.Abort())

	require.Eventually(t, func() bool {
		return c.CountIntents() == 0 && c.CountTransactions() == 0
	}, 3*time.Second, 20*time.Millisecond)

	for _, key := range []string{"a", "b", "c"} {
		_, found, err := c.Store(0).Get([]byte(key))
		require.NoError(t, err)
		assert.False(t, found)
	}
}

func TestDeferredIntentCleanup(t *testing.T) {
	c := newTestCluster(t, 1)
	c.Tuning().IntentCleanupDelay.Store(time.Hour)
	txn := c.Store(0).Begin()
	require.NoError(t, txn.Put([]byte("a"), []byte("1")))
	require.NoError(t, txn.Put([]byte("b"), []byte("2")))
	require.NoError(t, txn.Abort())

	// Logically discarded but physically retained until compaction.
	require.Eventually(t, func() bool {
		return c.CountRunning() == 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, c.CountIntents())

	require.NoError(t, c.Compact())
	assert.Equal(t, 0, c.CountIntents())
}

func TestExpire(t *testing.T) {
	c := newTestCluster(t, 1)
	c.Tuning().DisableHeartbeat.Store(true)
	defer c.Tuning().DisableHeartbeat.Store(false)

	txn := c.Store(0).Begin()
	require.NoError(t, txn.Put([]byte("k"), []byte("v")))

	time.Sleep(c.Tuning().TransactionTimeout() + 150*time.Millisecond)
	err := txn.CommitSync(context.Background())
	require.True(t, transaction.IsExpired(err) || transaction.IsAborted(err))

	require.Eventually(t, func() bool {
		return c.CountIntents() == 0 && c.CountTransactions() == 0
	}, 3*time.Second, 20*time.Millisecond)
	_, found, err := c.Store(0).Get([]byte("k"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHeartbeatKeepsTransactionAlive(t *testing.T) {
	c := newTestCluster(t, 1)
	txn := c.Store(0).Begin()
	require.NoError(t, txn.Put([]byte("k"), []byte("v")))

	time.Sleep(2 * c.Tuning().TransactionTimeout())
	require.NoError(t, txn.CommitSync(context.Background()))

	v, found, err := c.Store(0).Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)
}

func TestApplyResentUntilAcknowledged(t *testing.T) {
	c := newTestCluster(t, 1)
	c.Tuning().IgnoreApplyingProbability.Store(1)

	txn := c.Store(0).Begin()
	require.NoError(t, txn.Put([]byte("k"), []byte("v")))
	require.NoError(t, txn.CommitSync(context.Background()))

	// The decision is durable but the intent stays unapplied.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, c.CountRunning())
	assert.Equal(t, 1, c.CountTransactions())

	c.Tuning().IgnoreApplyingProbability.Store(0)
	require.Eventually(t, func() bool {
		return c.CountRunning() == 0 && c.CountTransactions() == 0
	}, 3*time.Second, 20*time.Millisecond)

	v, found, err := c.Store(0).Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)
}

func TestChildTransaction(t *testing.T) {
	c := newTestCluster(t, 2)
	parent := c.Store(0).Begin()
	require.NoError(t, parent.Put([]byte("pk"), []byte("pv")))

	data, err := parent.PrepareChild()
	require.NoError(t, err)
	child := c.Store(1).Manager().BeginChild(data)
	require.NoError(t, child.Put([]byte("ck"), []byte("cv")))

	// The child shares the parent's identity and sees its writes.
	v, found, err := child.Get([]byte("pk"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("pv"), v)

	res, err := child.FinishChild()
	require.NoError(t, err)
	require.NoError(t, parent.ApplyChildResult(res))
	require.NoError(t, parent.CommitSync(context.Background()))

	for key, want := range map[string]string{"pk": "pv", "ck": "cv"} {
		v, found, err := c.Store(0).Get([]byte(key))
		require.NoError(t, err)
		require.True(t, found, key)
		assert.Equal(t, want, string(v))
	}
}

func TestRangePartitionedCluster(t *testing.T) {
	conf := config.NewTestConfig()
	conf.PartitionSplits = []string{"m"}
	c := NewCluster(conf, 2)
	t.Cleanup(c.Stop)

	txn := c.Store(0).Begin()
	require.NoError(t, txn.Put([]byte("apple"), []byte("1")))
	require.NoError(t, txn.Put([]byte("zebra"), []byte("2")))
	require.NoError(t, txn.CommitSync(context.Background()))

	for key, want := range map[string]string{"apple": "1", "zebra": "2"} {
		v, found, err := c.Store(1).Get([]byte(key))
		require.NoError(t, err)
		require.True(t, found, key)
		assert.Equal(t, want, string(v))
	}
}

func TestClusterWithNearestSelector(t *testing.T) {
	c := NewClusterWithSelector(config.NewTestConfig(), 2, tablet.NearestSelector{})
	t.Cleanup(c.Stop)

	txn := c.Store(0).Begin()
	require.NoError(t, txn.Put([]byte("k"), []byte("v")))
	require.NoError(t, txn.CommitSync(context.Background()))

	v, found, err := c.Store(1).Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)
}

func TestClusterUnreachableWithoutReplica(t *testing.T) {
	// A selector that never yields a replica makes every partition
	// unreachable, so requests fail with a timeout instead of hanging.
	c := NewClusterWithSelector(config.NewTestConfig(), 1, noReplicaSelector{})
	t.Cleanup(c.Stop)

	_, err := c.Participant(0)
	assert.True(t, transaction.IsTimedOut(err))
}

type noReplicaSelector struct{}

func (noReplicaSelector) Select([]tablet.Replica) (tablet.Replica, bool) {
	return tablet.Replica{}, false
}

func TestStandaloneCluster(t *testing.T) {
	conf := config.NewTestConfig()
	conf.DBPath = t.TempDir()
	conf.DataPartitions = 2
	conf.StatusPartitions = 1
	c, err := NewStandaloneCluster(conf)
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	s := c.Store(0)
	require.NoError(t, s.Put([]byte("k0"), []byte("v0")))

	txn := s.Begin()
	require.NoError(t, txn.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, txn.CommitSync(context.Background()))

	for key, want := range map[string]string{"k0": "v0", "k1": "v1"} {
		v, found, err := s.Get([]byte(key))
		require.NoError(t, err)
		require.True(t, found, key)
		assert.Equal(t, want, string(v))
	}
}
