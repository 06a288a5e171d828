// Package participant owns the data-partition side of the protocol: intents,
// committed versions, conflict resolution and snapshot reads. One
// Participant serves one data partition.
package participant

import (
	"bytes"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/hlc"
	"github.com/pingcap-incubator/tinytxn/kv/metrics"
	"github.com/pingcap-incubator/tinytxn/kv/replication"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap-incubator/tinytxn/kv/util/codec"
	"github.com/pingcap-incubator/tinytxn/kv/util/engine_util"
	"github.com/pingcap-incubator/tinytxn/kv/util/latches"
	"github.com/pingcap-incubator/tinytxn/kv/util/lockwaiter"
	"github.com/pingcap-incubator/tinytxn/log"
	"github.com/pingcap/errors"
)

// maxTs seeks to the newest version of a key.
var maxTs = hlc.Timestamp{WallTime: math.MaxInt64, Logical: math.MaxInt32}

type abortedTxn struct {
	keys     map[string]struct{}
	removeAt time.Time
}

type Participant struct {
	partition  uint64
	clock      *hlc.Clock
	tuning     *config.Tuning
	store      storage.Storage
	replog     replication.Log
	latches    *latches.Latches
	waiters    *lockwaiter.Manager
	dispatcher transaction.Dispatcher

	// mu guards the maps below and is held across replication so that
	// bookkeeping and storage never diverge. It is never held while
	// waiting on a latch, a lockwaiter or a remote call.
	mu sync.Mutex
	// txnKeys tracks the live intents of each transaction.
	txnKeys map[uuid.UUID]map[string]struct{}
	// aborted holds intents that are logically gone but still on disk,
	// awaiting deferred physical removal.
	aborted     map[uuid.UUID]*abortedTxn
	statusCache map[uuid.UUID]resolution
	// applied records when each transaction's apply instruction was first
	// executed, making resent instructions no-ops. Both it and statusCache
	// are pruned once no late instruction or reader can still refer to the
	// transaction.
	applied map[uuid.UUID]time.Time

	wg      sync.WaitGroup
	closeCh chan struct{}
}

func NewParticipant(partition uint64, clock *hlc.Clock, tuning *config.Tuning, store storage.Storage, replog replication.Log) *Participant {
	return &Participant{
		partition:   partition,
		clock:       clock,
		tuning:      tuning,
		store:       store,
		replog:      replog,
		latches:     latches.NewLatches(),
		waiters:     lockwaiter.NewManager(),
		txnKeys:     make(map[uuid.UUID]map[string]struct{}),
		aborted:     make(map[uuid.UUID]*abortedTxn),
		statusCache: make(map[uuid.UUID]resolution),
		applied:     make(map[uuid.UUID]time.Time),
		closeCh:     make(chan struct{}),
	}
}

func (p *Participant) Start(dispatcher transaction.Dispatcher) {
	p.dispatcher = dispatcher
	p.wg.Add(1)
	go p.cleanupLoop()
}

func (p *Participant) Stop() {
	close(p.closeCh)
	p.wg.Wait()
}

func keyHash(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

// Write upserts an intent for the writer. An existing intent of the same
// transaction is overwritten (last write wins within a transaction); a
// foreign intent first goes through conflict resolution.
func (p *Participant) Write(req *transaction.WriteRequest) (*transaction.WriteResponse, error) {
	key := req.Key
	p.latches.WaitForLatches([][]byte{key})
	defer p.latches.ReleaseLatches([][]byte{key})

	for {
		in, err := p.readIntent(key)
		if err != nil {
			return nil, err
		}
		if in == nil || in.TxnID == req.Meta.ID || p.isLogicallyAborted(in.TxnID) {
			break
		}

		res, err := p.resolveStatus(in.TxnID, in.StatusPartition)
		if err != nil {
			return nil, err
		}
		switch res.status {
		case transaction.Committed:
			// The owner decided; turn its intent into a version, then
			// the snapshot check below decides whether we conflict.
			if err := p.convertIntent(key, in, res.commitTime); err != nil {
				return nil, err
			}
		case transaction.Aborted:
			if err := p.dropIntent(key, in); err != nil {
				return nil, err
			}
		case transaction.Pending:
			if ownerWins(in, req.Meta) {
				// Park until the owner finishes; if it aborts or commits
				// within the wait we re-resolve, otherwise the writer
				// loses and must retry above the owner's priority. The
				// key latch is given up for the wait so readers and the
				// owner itself stay unblocked.
				if p.waitForOwner(req.Meta.ID, key, in) {
					continue
				}
				metrics.TxnConflictCounter.Inc()
				return nil, errors.WithStack(&transaction.ConflictError{
					ID:             req.Meta.ID,
					WinnerID:       in.TxnID,
					WinnerPriority: in.Priority,
				})
			}
			if err := p.forceAbortOwner(key, in); err != nil {
				return nil, err
			}
		}
		// Re-read the slot; the blocking intent is gone or converted.
	}

	// First-committer-wins: a committed version above the writer's snapshot
	// means it would overwrite state it never read.
	if ts, ok, err := p.latestVersionTime(key); err != nil {
		return nil, err
	} else if ok && req.ReadTime.Less(ts) {
		metrics.TxnConflictCounter.Inc()
		return nil, errors.WithStack(&transaction.ConflictError{ID: req.Meta.ID})
	}

	in := &Intent{
		TxnID:           req.Meta.ID,
		Priority:        req.Meta.Priority,
		StatusPartition: req.Meta.StatusPartition,
		WriteTime:       p.clock.Now(),
		Tombstone:       req.Delete,
		Value:           req.Value,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgetAbortedKeyLocked(key)
	keys := p.txnKeys[req.Meta.ID]
	if keys == nil {
		keys = make(map[string]struct{})
		p.txnKeys[req.Meta.ID] = keys
	}
	keys[string(key)] = struct{}{}
	t, err := p.replog.Replicate(replication.Entry{
		Partition: p.partition,
		Batch: []storage.Modify{{Data: storage.Put{
			Cf:    engine_util.CfIntent,
			Key:   key,
			Value: in.ToBytes(),
		}}},
	})
	if err != nil {
		delete(keys, string(key))
		return nil, err
	}
	return &transaction.WriteResponse{Time: t}, nil
}

// waitForOwner parks a losing writer until the owner's intents on key are
// applied or discarded. Returns false on timeout, meaning the owner is still
// in the way. The caller's latch on key is released for the duration of the
// wait and reacquired before returning; the caller must re-read the slot.
func (p *Participant) waitForOwner(loser uuid.UUID, key []byte, in *Intent) bool {
	waiter := p.waiters.NewWaiter(loser, in.TxnID, keyHash(key), p.waitTimeout())
	p.latches.ReleaseLatches([][]byte{key})
	defer p.latches.WaitForLatches([][]byte{key})
	defer p.waiters.CleanUp(waiter)
	return waiter.Wait().Position != lockwaiter.WaitTimeout
}

// forceAbortOwner is the winner's side of a conflict: tell the owner's
// coordinator to abort it. If the abort sticks, the intent in front of us is
// dead and can be dropped right here; the coordinator independently discards
// the owner's intents everywhere else.
func (p *Participant) forceAbortOwner(key []byte, in *Intent) error {
	coord, err := p.dispatcher.Coordinator(in.StatusPartition)
	if err != nil {
		return err
	}
	resp, err := coord.RequestAbort(&transaction.AbortRequest{Meta: transaction.Metadata{
		ID:              in.TxnID,
		StatusPartition: in.StatusPartition,
		Priority:        in.Priority,
	}})
	if err != nil {
		return err
	}
	p.clock.Update(resp.Time)
	if resp.Status == transaction.Committed {
		// Lost the race: the owner committed first. The caller re-resolves
		// and converts the intent.
		return nil
	}
	p.mu.Lock()
	p.statusCache[in.TxnID] = resolution{status: transaction.Aborted, cachedAt: time.Now()}
	p.mu.Unlock()
	return p.dropIntent(key, in)
}

func (p *Participant) waitTimeout() time.Duration {
	timeout := 2 * p.tuning.TransactionTimeout()
	if timeout < 100*time.Millisecond {
		timeout = 100 * time.Millisecond
	}
	return timeout
}

// PutCommitted writes a committed version directly, bypassing the
// transactional machinery. This is the autocommit path for single-key
// writes; the returned time is the write's commit time.
func (p *Participant) PutCommitted(key, value []byte) (hlc.Timestamp, error) {
	p.latches.WaitForLatches([][]byte{key})
	defer p.latches.ReleaseLatches([][]byte{key})

	for {
		in, err := p.readIntent(key)
		if err != nil {
			return hlc.Timestamp{}, err
		}
		if in == nil {
			break
		}
		if p.isLogicallyAborted(in.TxnID) {
			if err := p.dropIntent(key, in); err != nil {
				return hlc.Timestamp{}, err
			}
			continue
		}
		res, err := p.resolveStatus(in.TxnID, in.StatusPartition)
		if err != nil {
			return hlc.Timestamp{}, err
		}
		switch res.status {
		case transaction.Committed:
			if err := p.convertIntent(key, in, res.commitTime); err != nil {
				return hlc.Timestamp{}, err
			}
		case transaction.Aborted:
			if err := p.dropIntent(key, in); err != nil {
				return hlc.Timestamp{}, err
			}
		case transaction.Pending:
			metrics.TxnConflictCounter.Inc()
			return hlc.Timestamp{}, errors.WithStack(&transaction.ConflictError{
				WinnerID:       in.TxnID,
				WinnerPriority: in.Priority,
			})
		}
	}

	commitTime := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.replog.Replicate(replication.Entry{
		Partition: p.partition,
		Batch: []storage.Modify{{Data: storage.Put{
			Cf:    engine_util.CfDefault,
			Key:   codec.EncodeKey(key, commitTime),
			Value: versionBytes(false, value),
		}}},
	})
	if err != nil {
		return hlc.Timestamp{}, err
	}
	return commitTime, nil
}

// Read serves a snapshot read at [ReadTime, GlobalLimit]. Own intents are
// visible regardless of time; foreign committed state inside the uncertainty
// window forces a restart.
func (p *Participant) Read(req *transaction.ReadRequest) (*transaction.ReadResponse, error) {
	key := req.Key
	p.latches.WaitForLatches([][]byte{key})
	defer p.latches.ReleaseLatches([][]byte{key})

	in, err := p.readIntent(key)
	if err != nil {
		return nil, err
	}
	if in != nil {
		if in.TxnID == req.Meta.ID {
			// Read-your-writes through the own pending intent.
			return p.readResponse(in.Tombstone, in.Value), nil
		}
		if !p.isLogicallyAborted(in.TxnID) && in.WriteTime.LessEq(req.GlobalLimit) {
			res, err := p.resolveStatus(in.TxnID, in.StatusPartition)
			if err != nil {
				return nil, err
			}
			if res.status == transaction.Committed {
				if res.commitTime.LessEq(req.ReadTime) {
					// Committed before our snapshot but not yet applied;
					// the intent is the newest version of the key.
					return p.readResponse(in.Tombstone, in.Value), nil
				}
				if res.commitTime.LessEq(req.GlobalLimit) {
					return nil, errors.WithStack(&transaction.RestartRequiredError{
						Key:          key,
						ExistingTime: res.commitTime,
					})
				}
				// Committed above the uncertainty window: invisible.
			}
			// Pending or aborted intents are invisible to readers.
		}
	}

	reader, err := p.store.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	iter := reader.IterCF(engine_util.CfDefault)
	defer iter.Close()

	// The newest version at or below GlobalLimit; anything above it cannot
	// have committed before our snapshot on any clock.
	iter.Seek(codec.EncodeKey(key, req.GlobalLimit))
	if iter.Valid() {
		encoded := iter.Item().KeyCopy(nil)
		if bytes.Equal(codec.DecodeUserKey(encoded), key) {
			ts := codec.DecodeTs(encoded)
			if req.ReadTime.Less(ts) {
				return nil, errors.WithStack(&transaction.RestartRequiredError{
					Key:          key,
					ExistingTime: ts,
				})
			}
			val, err := iter.Item().Value()
			if err != nil {
				return nil, err
			}
			tombstone, value, err := parseVersion(val)
			if err != nil {
				return nil, err
			}
			return p.readResponse(tombstone, value), nil
		}
	}
	return p.readResponse(true, nil), nil
}

func (p *Participant) readResponse(tombstone bool, value []byte) *transaction.ReadResponse {
	resp := &transaction.ReadResponse{Time: p.clock.Now()}
	if !tombstone {
		resp.Value = value
		resp.Found = true
	}
	return resp
}

// Apply converts every intent of the transaction into a committed version at
// commitTime. Idempotent; applying an unknown transaction is a no-op.
func (p *Participant) Apply(req *transaction.ApplyRequest) error {
	p.mu.Lock()
	if _, done := p.applied[req.ID]; done {
		p.mu.Unlock()
		return nil
	}
	keys := p.txnKeys[req.ID]
	hashes := make([]uint64, 0, len(keys))
	batch := make([]storage.Modify, 0, 2*len(keys))
	for key := range keys {
		in, err := p.readIntent([]byte(key))
		if err != nil {
			p.mu.Unlock()
			return err
		}
		if in == nil || in.TxnID != req.ID {
			continue
		}
		batch = append(batch,
			storage.Modify{Data: storage.Put{
				Cf:    engine_util.CfDefault,
				Key:   codec.EncodeKey([]byte(key), req.CommitTime),
				Value: versionBytes(in.Tombstone, in.Value),
			}},
			storage.Modify{Data: storage.Delete{
				Cf:  engine_util.CfIntent,
				Key: []byte(key),
			}})
		hashes = append(hashes, keyHash([]byte(key)))
	}
	if len(batch) > 0 {
		if _, err := p.replog.Replicate(replication.Entry{Partition: p.partition, Batch: batch}); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	delete(p.txnKeys, req.ID)
	p.applied[req.ID] = time.Now()
	p.statusCache[req.ID] = resolution{status: transaction.Committed, commitTime: req.CommitTime, cachedAt: time.Now()}
	p.mu.Unlock()

	p.waiters.WakeUp(req.ID, req.CommitTime, hashes)
	return nil
}

// Discard logically removes the transaction's intents immediately and
// schedules their physical removal after the cleanup delay. Idempotent;
// discarding an unknown transaction is a no-op.
func (p *Participant) Discard(req *transaction.DiscardRequest) error {
	delay := p.tuning.IntentCleanupDelay.Load()

	p.mu.Lock()
	keys, ok := p.txnKeys[req.ID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.txnKeys, req.ID)
	p.statusCache[req.ID] = resolution{status: transaction.Aborted, cachedAt: time.Now()}
	hashes := make([]uint64, 0, len(keys))
	for key := range keys {
		hashes = append(hashes, keyHash([]byte(key)))
	}
	if delay == 0 && !p.tuning.DisableProactiveCleanup.Load() {
		err := p.removeIntentsLocked(req.ID, keys)
		p.mu.Unlock()
		if err != nil {
			return err
		}
		p.waiters.WakeUp(req.ID, hlc.Timestamp{}, hashes)
		return nil
	}
	p.aborted[req.ID] = &abortedTxn{keys: keys, removeAt: time.Now().Add(delay)}
	p.mu.Unlock()

	p.waiters.WakeUp(req.ID, hlc.Timestamp{}, hashes)
	return nil
}

// CountRunning returns the number of transactions with live intents here.
func (p *Participant) CountRunning() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txnKeys)
}

// CountIntents returns the number of intents physically present, including
// aborted intents awaiting cleanup.
func (p *Participant) CountIntents() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, keys := range p.txnKeys {
		n += len(keys)
	}
	for _, ab := range p.aborted {
		n += len(ab.keys)
	}
	return n
}

// Compact removes every aborted intent now, regardless of the cleanup delay
// and the proactive-cleanup knob. It models what a storage compaction does
// to aborted intents.
func (p *Participant) Compact() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ab := range p.aborted {
		if err := p.removeIntentsLocked(id, ab.keys); err != nil {
			return err
		}
		delete(p.aborted, id)
	}
	return nil
}

func (p *Participant) cleanupLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closeCh:
			return
		case <-time.After(p.tuning.CheckInterval.Load()):
		}
		p.mu.Lock()
		p.pruneResolutionsLocked()
		if !p.tuning.DisableProactiveCleanup.Load() {
			for id, ab := range p.aborted {
				if time.Now().After(ab.removeAt) {
					if err := p.removeIntentsLocked(id, ab.keys); err != nil {
						log.Warnf("cleanup of txn %s intents failed: %v", id, err)
						continue
					}
					delete(p.aborted, id)
				}
			}
		}
		p.mu.Unlock()
	}
}

// pruneResolutionsLocked drops apply and status bookkeeping for transactions
// old enough that no resent instruction or straggling reader can still refer
// to them.
func (p *Participant) pruneResolutionsLocked() {
	retention := p.tuning.IntentCleanupDelay.Load() + 2*p.tuning.TransactionTimeout()
	cutoff := time.Now().Add(-retention)
	for id, at := range p.applied {
		if at.Before(cutoff) {
			delete(p.applied, id)
		}
	}
	for id, res := range p.statusCache {
		if !res.cachedAt.IsZero() && res.cachedAt.Before(cutoff) {
			delete(p.statusCache, id)
		}
	}
}

// removeIntentsLocked deletes the given intents from storage if they still
// belong to the transaction; a key may have been overwritten since.
func (p *Participant) removeIntentsLocked(id uuid.UUID, keys map[string]struct{}) error {
	batch := make([]storage.Modify, 0, len(keys))
	for key := range keys {
		in, err := p.readIntent([]byte(key))
		if err != nil {
			return err
		}
		if in == nil || in.TxnID != id {
			continue
		}
		batch = append(batch, storage.Modify{Data: storage.Delete{
			Cf:  engine_util.CfIntent,
			Key: []byte(key),
		}})
	}
	if len(batch) == 0 {
		return nil
	}
	_, err := p.replog.Replicate(replication.Entry{Partition: p.partition, Batch: batch})
	return err
}

func (p *Participant) isLogicallyAborted(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.aborted[id]
	return ok
}

// forgetAbortedKeyLocked drops bookkeeping of an aborted intent about to be
// physically overwritten.
func (p *Participant) forgetAbortedKeyLocked(key []byte) {
	for id, ab := range p.aborted {
		if _, ok := ab.keys[string(key)]; ok {
			delete(ab.keys, string(key))
			if len(ab.keys) == 0 {
				delete(p.aborted, id)
			}
			return
		}
	}
}

// convertIntent turns a committed owner's intent into a version.
func (p *Participant) convertIntent(key []byte, in *Intent, commitTime hlc.Timestamp) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.replog.Replicate(replication.Entry{
		Partition: p.partition,
		Batch: []storage.Modify{
			{Data: storage.Put{
				Cf:    engine_util.CfDefault,
				Key:   codec.EncodeKey(key, commitTime),
				Value: versionBytes(in.Tombstone, in.Value),
			}},
			{Data: storage.Delete{Cf: engine_util.CfIntent, Key: key}},
		},
	})
	if err != nil {
		return err
	}
	if keys, ok := p.txnKeys[in.TxnID]; ok {
		delete(keys, string(key))
		if len(keys) == 0 {
			delete(p.txnKeys, in.TxnID)
		}
	}
	return nil
}

// dropIntent removes an aborted owner's intent.
func (p *Participant) dropIntent(key []byte, in *Intent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.replog.Replicate(replication.Entry{
		Partition: p.partition,
		Batch: []storage.Modify{
			{Data: storage.Delete{Cf: engine_util.CfIntent, Key: key}},
		},
	})
	if err != nil {
		return err
	}
	if keys, ok := p.txnKeys[in.TxnID]; ok {
		delete(keys, string(key))
		if len(keys) == 0 {
			delete(p.txnKeys, in.TxnID)
		}
	}
	p.forgetAbortedKeyLocked(key)
	return nil
}

func (p *Participant) readIntent(key []byte) (*Intent, error) {
	reader, err := p.store.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	val, err := reader.GetCF(engine_util.CfIntent, key)
	if err != nil || val == nil {
		return nil, err
	}
	return ParseIntent(val)
}

// latestVersionTime returns the time of the newest committed version of key.
func (p *Participant) latestVersionTime(key []byte) (hlc.Timestamp, bool, error) {
	reader, err := p.store.Reader()
	if err != nil {
		return hlc.Timestamp{}, false, err
	}
	defer reader.Close()
	iter := reader.IterCF(engine_util.CfDefault)
	defer iter.Close()
	iter.Seek(codec.EncodeKey(key, maxTs))
	if !iter.Valid() {
		return hlc.Timestamp{}, false, nil
	}
	encoded := iter.Item().KeyCopy(nil)
	if !bytes.Equal(codec.DecodeUserKey(encoded), key) {
		return hlc.Timestamp{}, false, nil
	}
	return codec.DecodeTs(encoded), true, nil
}
