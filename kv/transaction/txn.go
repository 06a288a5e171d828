package transaction

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinytxn/kv/hlc"
	"github.com/pingcap-incubator/tinytxn/kv/metrics"
	"github.com/pingcap-incubator/tinytxn/log"
	"github.com/pingcap/errors"
)

type txnState int32

const (
	// No contact with the cluster yet.
	stateCreated txnState = iota
	// Registered with the coordinator, heartbeating, accepting operations.
	stateRunning
	// Commit sent, outcome not yet known. No further operations.
	stateCommitRequested
	stateCommitted
	stateAborted
	// Superseded by a restarted incarnation; the record lives on under the
	// new handle.
	stateRestarted
	// Child sealed by FinishChild; only the parent may act on the
	// transaction from here.
	stateFinished
)

// Txn is a client-side transaction handle. It is not safe for concurrent use
// except for Abort, which may be called from another goroutine.
//
// The handle moves strictly forward: Created -> Running ->
// (CommitRequested -> Committed) | Aborted. Operations on a handle that has
// reached a terminal state fail with ErrInvalidState.
type Txn struct {
	manager *Manager
	meta    Metadata
	child   bool

	mu        sync.Mutex
	state     txnState
	readPoint ReadPoint
	involved  map[uint64]struct{}
	// lastWrite is the largest intent write time acknowledged so far. Sent
	// with the commit request so the coordinator's commit time covers it.
	lastWrite hlc.Timestamp

	heartbeatDone chan struct{}
}

func newTxn(m *Manager, meta Metadata, rp ReadPoint) *Txn {
	return &Txn{
		manager:   m,
		meta:      meta,
		readPoint: rp,
		involved:  make(map[uint64]struct{}),
	}
}

func (t *Txn) ID() uuid.UUID {
	return t.meta.ID
}

func (t *Txn) Meta() Metadata {
	return t.meta
}

func (t *Txn) Priority() uint64 {
	return t.meta.Priority
}

// ReadTime returns the snapshot the transaction reads at.
func (t *Txn) ReadTime() hlc.Timestamp {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readPoint.ReadTime
}

// ensureRunning registers the transaction on first use. Children skip
// registration: their record is owned by the parent.
func (t *Txn) ensureRunningLocked() error {
	switch t.state {
	case stateRunning:
		return nil
	case stateCreated:
	default:
		return errors.WithStack(ErrInvalidState)
	}
	if !t.child {
		if err := t.sendHeartbeat(t.involvedLocked()); err != nil {
			t.state = stateAborted
			return err
		}
		t.heartbeatDone = make(chan struct{})
		go t.heartbeatLoop(t.heartbeatDone)
	}
	t.state = stateRunning
	return nil
}

func (t *Txn) sendHeartbeat(involved []uint64) error {
	coord, err := t.manager.dispatcher.Coordinator(t.meta.StatusPartition)
	if err != nil {
		return err
	}
	resp, err := coord.RegisterOrHeartbeat(&HeartbeatRequest{Meta: t.meta, InvolvedPartitions: involved})
	if err != nil {
		return err
	}
	t.manager.clock.Update(resp.Time)
	if resp.Status == Aborted {
		return errors.WithStack(&AbortedError{ID: t.meta.ID})
	}
	return nil
}

func (t *Txn) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(t.manager.tuning.HeartbeatInterval.Load())
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if t.manager.tuning.DisableHeartbeat.Load() {
				continue
			}
			t.mu.Lock()
			involved := t.involvedLocked()
			t.mu.Unlock()
			if err := t.sendHeartbeat(involved); err != nil {
				log.Warnf("txn %s heartbeat failed: %v", t.meta.ID, err)
				if IsAborted(err) || IsExpired(err) {
					t.markAborted()
					return
				}
			}
		}
	}
}

func (t *Txn) stopHeartbeatLocked() {
	if t.heartbeatDone != nil {
		close(t.heartbeatDone)
		t.heartbeatDone = nil
	}
}

func (t *Txn) markAborted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateCommitted || t.state == stateAborted {
		return
	}
	t.state = stateAborted
	t.stopHeartbeatLocked()
}

// Put writes a provisional value for key.
func (t *Txn) Put(key, value []byte) error {
	return t.write(key, value, false)
}

// Delete writes a provisional tombstone for key.
func (t *Txn) Delete(key []byte) error {
	return t.write(key, nil, true)
}

func (t *Txn) write(key, value []byte, del bool) error {
	t.mu.Lock()
	if err := t.ensureRunningLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	meta := t.meta
	readTime := t.readPoint.ReadTime
	t.mu.Unlock()

	partition := t.manager.router.DataPartition(key)
	part, err := t.manager.dispatcher.Participant(partition)
	if err != nil {
		return err
	}
	resp, err := part.Write(&WriteRequest{
		Meta:     meta,
		Key:      key,
		Value:    value,
		Delete:   del,
		ReadTime: readTime,
	})
	if err != nil {
		if IsAborted(err) {
			t.markAborted()
		}
		return err
	}
	t.manager.clock.Update(resp.Time)

	t.mu.Lock()
	t.involved[partition] = struct{}{}
	t.lastWrite = hlc.Max(t.lastWrite, resp.Time)
	t.mu.Unlock()
	return nil
}

// Get reads key at the transaction's snapshot. Own provisional writes are
// visible. found is false for both never-written and deleted keys. A
// RestartRequiredError is recorded on the read point before being returned,
// so the caller can RestartedTransaction().
func (t *Txn) Get(key []byte) (value []byte, found bool, err error) {
	t.mu.Lock()
	if err := t.ensureRunningLocked(); err != nil {
		t.mu.Unlock()
		return nil, false, err
	}
	meta := t.meta
	rp := t.readPoint
	t.mu.Unlock()

	partition := t.manager.router.DataPartition(key)
	part, err := t.manager.dispatcher.Participant(partition)
	if err != nil {
		return nil, false, err
	}
	resp, err := part.Read(&ReadRequest{
		Meta:        meta,
		Key:         key,
		ReadTime:    rp.ReadTime,
		GlobalLimit: rp.GlobalLimit,
	})
	if err != nil {
		if restart, ok := errors.Cause(err).(*RestartRequiredError); ok {
			metrics.TxnRestartCounter.Inc()
			t.mu.Lock()
			t.readPoint.ObserveRestart(restart.ExistingTime)
			t.mu.Unlock()
		}
		return nil, false, err
	}
	t.manager.clock.Update(resp.Time)
	return resp.Value, resp.Found, nil
}

// RestartRequired reports whether a read hit the uncertainty window and the
// transaction must be restarted before it can commit meaningfully.
func (t *Txn) RestartRequired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readPoint.RestartRequired()
}

// Commit asks the coordinator for the commit decision. The returned channel
// resolves once the decision is durable; intents are applied asynchronously
// afterwards. Commit may be called once; the handle accepts no further
// operations.
func (t *Txn) Commit(ctx context.Context) <-chan error {
	ch := make(chan error, 1)

	t.mu.Lock()
	if t.child {
		t.mu.Unlock()
		ch <- errors.WithStack(ErrInvalidState)
		return ch
	}
	switch t.state {
	case stateCreated:
		// Nothing was written and nobody knows about us.
		t.state = stateCommitted
		t.mu.Unlock()
		ch <- nil
		return ch
	case stateRunning:
	case stateCommitted:
		// Repeating the request reports the decision that stands.
		t.mu.Unlock()
		ch <- nil
		return ch
	case stateAborted:
		t.mu.Unlock()
		ch <- errors.WithStack(&AbortedError{ID: t.meta.ID})
		return ch
	default:
		t.mu.Unlock()
		ch <- errors.WithStack(ErrInvalidState)
		return ch
	}
	t.state = stateCommitRequested
	t.stopHeartbeatLocked()
	req := &CommitRequest{
		Meta:               t.meta,
		InvolvedPartitions: t.involvedLocked(),
		LastWrite:          t.lastWrite,
	}
	t.mu.Unlock()

	go func() {
		ch <- t.doCommit(ctx, req)
	}()
	return ch
}

// CommitSync is Commit for callers with nothing else to do.
func (t *Txn) CommitSync(ctx context.Context) error {
	select {
	case err := <-t.Commit(ctx):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Txn) doCommit(ctx context.Context, req *CommitRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	coord, err := t.manager.dispatcher.Coordinator(t.meta.StatusPartition)
	if err != nil {
		return err
	}
	resp, err := coord.RequestCommit(req)
	if err != nil {
		t.markAborted()
		return err
	}
	t.manager.clock.Update(resp.Time)

	t.mu.Lock()
	defer t.mu.Unlock()
	if resp.Status == Committed {
		t.state = stateCommitted
		metrics.TxnCommitCounter.Inc()
		return nil
	}
	t.state = stateAborted
	return errors.WithStack(&AbortedError{ID: t.meta.ID})
}

// Abort rolls the transaction back. It is best-effort and idempotent: the
// coordinator will expire the record anyway if we never reach it. If the
// transaction turns out to have committed, the handle adopts that outcome
// and Abort reports it.
func (t *Txn) Abort() error {
	t.mu.Lock()
	if t.child {
		t.mu.Unlock()
		return errors.WithStack(ErrInvalidState)
	}
	switch t.state {
	case stateAborted:
		t.mu.Unlock()
		return nil
	case stateCreated:
		t.state = stateAborted
		t.mu.Unlock()
		return nil
	case stateRunning, stateCommitRequested:
	default:
		t.mu.Unlock()
		return errors.WithStack(ErrInvalidState)
	}
	t.state = stateAborted
	t.stopHeartbeatLocked()
	meta := t.meta
	involved := t.involvedLocked()
	t.mu.Unlock()

	coord, err := t.manager.dispatcher.Coordinator(meta.StatusPartition)
	if err != nil {
		return err
	}
	resp, err := coord.RequestAbort(&AbortRequest{Meta: meta, InvolvedPartitions: involved})
	if err != nil {
		log.Warnf("txn %s abort not delivered: %v", meta.ID, err)
		return nil
	}
	t.manager.clock.Update(resp.Time)
	if resp.Status == Committed {
		t.mu.Lock()
		t.state = stateCommitted
		t.mu.Unlock()
		return errors.Errorf("transaction %s already committed, abort lost", meta.ID)
	}
	metrics.TxnAbortCounter.Inc()
	return nil
}

// RestartedTransaction returns a new handle continuing this transaction at
// an advanced read point. Identity, priority, status record and intents are
// all retained; the new incarnation re-reads and may write more. The old
// handle is dead afterwards.
func (t *Txn) RestartedTransaction() (*Txn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.child || (t.state != stateRunning && t.state != stateCreated) {
		return nil, errors.WithStack(ErrInvalidState)
	}

	next := newTxn(t.manager, t.meta, t.readPoint.Restarted(t.manager.clock))
	for p := range t.involved {
		next.involved[p] = struct{}{}
	}
	next.lastWrite = t.lastWrite
	if t.state == stateRunning {
		// Hand the heartbeat over without a gap.
		t.stopHeartbeatLocked()
		next.heartbeatDone = make(chan struct{})
		go next.heartbeatLoop(next.heartbeatDone)
		next.state = stateRunning
	}
	t.state = stateRestarted
	return next, nil
}

// PrepareChild registers the transaction (so its record exists for the child
// to reference) and returns the data another node needs to run a child.
func (t *Txn) PrepareChild() (ChildData, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.child {
		return ChildData{}, errors.WithStack(ErrInvalidState)
	}
	if err := t.ensureRunningLocked(); err != nil {
		return ChildData{}, err
	}
	return ChildData{
		Meta:        t.meta,
		ReadTime:    t.readPoint.ReadTime,
		GlobalLimit: t.readPoint.GlobalLimit,
	}, nil
}

// FinishChild seals a child and returns what the parent needs to merge. The
// child never commits or aborts; its intents stay put until the parent
// decides.
func (t *Txn) FinishChild() (ChildResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.child {
		return ChildResult{}, errors.WithStack(ErrInvalidState)
	}
	switch t.state {
	case stateCreated, stateRunning:
	default:
		return ChildResult{}, errors.WithStack(ErrInvalidState)
	}
	t.state = stateFinished
	return ChildResult{
		InvolvedPartitions: t.involvedLocked(),
		RestartTime:        t.readPoint.restartTime,
		LastWrite:          t.lastWrite,
	}, nil
}

// ApplyChildResult merges a finished child's effects into the parent.
func (t *Txn) ApplyChildResult(res ChildResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.child {
		return errors.WithStack(ErrInvalidState)
	}
	switch t.state {
	case stateCreated, stateRunning:
	default:
		return errors.WithStack(ErrInvalidState)
	}
	for _, p := range res.InvolvedPartitions {
		t.involved[p] = struct{}{}
	}
	t.lastWrite = hlc.Max(t.lastWrite, res.LastWrite)
	if !res.RestartTime.IsZero() {
		t.readPoint.ObserveRestart(res.RestartTime)
	}
	return nil
}

func (t *Txn) involvedLocked() []uint64 {
	ps := make([]uint64, 0, len(t.involved))
	for p := range t.involved {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
	return ps
}
