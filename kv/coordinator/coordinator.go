// Package coordinator owns transaction status records. Each Coordinator
// instance serves one status partition: it registers transactions, tracks
// their heartbeats, makes the single irrevocable commit/abort decision, and
// afterwards drives intent application or cleanup on the involved data
// partitions until every one has acknowledged.
package coordinator

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/hlc"
	"github.com/pingcap-incubator/tinytxn/kv/metrics"
	"github.com/pingcap-incubator/tinytxn/kv/replication"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap-incubator/tinytxn/kv/util/worker"
	"github.com/pingcap-incubator/tinytxn/log"
	"github.com/pingcap/errors"
)

// record is the coordinator-side state of one transaction.
type record struct {
	meta       transaction.Metadata
	status     transaction.Status
	// statusTime is the commit time once Committed; while Pending it is a
	// monotone watermark below which no commit can happen.
	statusTime    hlc.Timestamp
	lastHeartbeat time.Time
	// involved maps each data partition the transaction wrote to onto
	// whether it has acknowledged the apply/discard instruction.
	involved  map[uint64]bool
	cleanupAt time.Time
	// poisoned records are frozen after an invariant violation.
	poisoned bool
}

func (r *record) allAcked() bool {
	for _, acked := range r.involved {
		if !acked {
			return false
		}
	}
	return true
}

// setStatus enforces the legal transitions. Anything else is a protocol bug;
// the caller must poison the record.
func (r *record) setStatus(next transaction.Status) error {
	ok := false
	switch r.status {
	case transaction.Pending:
		ok = next == transaction.Committed || next == transaction.Aborted
	case transaction.Committed:
		ok = next == transaction.Applying
	case transaction.Applying:
		ok = next == transaction.Applied || next == transaction.Applying
	default:
		ok = next == r.status
	}
	if !ok {
		return errors.Errorf("illegal status transition %v -> %v for txn %s", r.status, next, r.meta.ID)
	}
	r.status = next
	return nil
}

type Coordinator struct {
	partition  uint64
	clock      *hlc.Clock
	tuning     *config.Tuning
	replog     replication.Log
	dispatcher transaction.Dispatcher

	mu      sync.Mutex
	records map[uuid.UUID]*record
	// gcTime is a watermark above every status time a garbage collected
	// record ever reported. Unknown transactions answer with it so their
	// reported abort time never sits below a Pending watermark handed out
	// while the record still existed.
	gcTime hlc.Timestamp

	wg      sync.WaitGroup
	worker  *worker.Worker
	closeCh chan struct{}
}

func NewCoordinator(partition uint64, clock *hlc.Clock, tuning *config.Tuning, replog replication.Log) *Coordinator {
	c := &Coordinator{
		partition: partition,
		clock:     clock,
		tuning:    tuning,
		replog:    replog,
		records:   make(map[uuid.UUID]*record),
		closeCh:   make(chan struct{}),
	}
	c.worker = worker.NewWorker("coordinator-apply", &c.wg)
	return c
}

// Start begins the sweep and apply loops. The dispatcher is passed here
// because it can only be assembled once all partition owners exist.
func (c *Coordinator) Start(dispatcher transaction.Dispatcher) {
	c.dispatcher = dispatcher
	c.worker.Start(&taskHandler{c})
	c.wg.Add(1)
	go c.sweepLoop()
}

func (c *Coordinator) Stop() {
	close(c.closeCh)
	c.worker.Stop()
	c.wg.Wait()
}

// RegisterOrHeartbeat creates the status record on first contact and renews
// the expiry timer on every later one.
func (c *Coordinator) RegisterOrHeartbeat(req *transaction.HeartbeatRequest) (*transaction.HeartbeatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	metrics.TxnHeartbeatCounter.Inc()

	rec, ok := c.records[req.Meta.ID]
	if !ok {
		rec = &record{
			meta:          req.Meta,
			status:        transaction.Pending,
			lastHeartbeat: time.Now(),
			involved:      make(map[uint64]bool),
		}
		c.records[req.Meta.ID] = rec
	} else if rec.status == transaction.Pending {
		rec.lastHeartbeat = time.Now()
	}
	switch rec.status.External() {
	case transaction.Pending:
		for _, p := range req.InvolvedPartitions {
			if _, ok := rec.involved[p]; !ok {
				rec.involved[p] = false
			}
		}
	case transaction.Aborted:
		// The transaction expired behind the client's back. Its heartbeat
		// still reports where it wrote, so those intents can be discarded.
		c.mergeDiscardsLocked(rec, req.InvolvedPartitions)
	}
	return &transaction.HeartbeatResponse{
		Status: rec.status.External(),
		Time:   c.clock.Now(),
	}, nil
}

// RequestCommit makes the commit decision. It is the only place a record can
// become Committed. Calling it again after a decision returns the decision.
func (c *Coordinator) RequestCommit(req *transaction.CommitRequest) (*transaction.CommitResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[req.Meta.ID]
	if !ok {
		// Never registered, or already expired and garbage collected. Leave
		// an aborted tombstone and discard whatever the client wrote.
		rec = &record{
			meta:     req.Meta,
			status:   transaction.Pending,
			involved: make(map[uint64]bool),
		}
		c.records[req.Meta.ID] = rec
		c.abortLocked(rec)
		c.mergeDiscardsLocked(rec, req.InvolvedPartitions)
		return nil, errors.WithStack(&transaction.ExpiredError{ID: req.Meta.ID})
	}
	if rec.poisoned {
		return nil, errors.Errorf("txn %s record is poisoned", req.Meta.ID)
	}

	switch rec.status.External() {
	case transaction.Committed:
		return &transaction.CommitResponse{
			Status:     transaction.Committed,
			CommitTime: rec.statusTime,
			Time:       c.clock.Now(),
		}, nil
	case transaction.Aborted:
		// Expired behind the client's back. The request still tells us where
		// it wrote, so those intents can be discarded.
		c.mergeDiscardsLocked(rec, req.InvolvedPartitions)
		return nil, errors.WithStack(&transaction.AbortedError{ID: req.Meta.ID})
	}

	// Merge before the expiry check so an expired transaction's intents can
	// still be discarded everywhere the client knows it wrote.
	for _, p := range req.InvolvedPartitions {
		if _, ok := rec.involved[p]; !ok {
			rec.involved[p] = false
		}
	}

	if time.Since(rec.lastHeartbeat) > c.tuning.TransactionTimeout() {
		c.abortLocked(rec)
		metrics.TxnExpiredCounter.Inc()
		return nil, errors.WithStack(&transaction.ExpiredError{ID: req.Meta.ID})
	}

	// The client reports the largest intent write time it saw; moving our
	// clock past it guarantees commitTime >= every intent time.
	c.clock.Update(req.LastWrite)
	commitTime, err := c.replicateDecisionLocked(rec, transaction.Committed)
	if err != nil {
		return nil, err
	}
	if err := rec.setStatus(transaction.Committed); err != nil {
		c.poisonLocked(rec, err)
		return nil, err
	}
	rec.statusTime = commitTime

	if err := rec.setStatus(transaction.Applying); err != nil {
		c.poisonLocked(rec, err)
		return nil, err
	}
	c.enqueueApplyLocked(rec)

	return &transaction.CommitResponse{
		Status:     transaction.Committed,
		CommitTime: commitTime,
		Time:       c.clock.Now(),
	}, nil
}

// RequestAbort aborts a transaction unless it already committed. Aborting an
// unknown transaction writes an Aborted tombstone so a delayed register
// cannot resurrect it.
func (c *Coordinator) RequestAbort(req *transaction.AbortRequest) (*transaction.AbortResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[req.Meta.ID]
	if !ok {
		rec = &record{
			meta:     req.Meta,
			status:   transaction.Pending,
			involved: make(map[uint64]bool),
		}
		c.records[req.Meta.ID] = rec
	}
	if rec.poisoned {
		return nil, errors.Errorf("txn %s record is poisoned", req.Meta.ID)
	}

	switch rec.status.External() {
	case transaction.Committed:
		// Abort lost the race; report the decision that stands.
		return &transaction.AbortResponse{Status: transaction.Committed, Time: c.clock.Now()}, nil
	case transaction.Pending:
		for _, p := range req.InvolvedPartitions {
			if _, ok := rec.involved[p]; !ok {
				rec.involved[p] = false
			}
		}
		c.abortLocked(rec)
	case transaction.Aborted:
		c.mergeDiscardsLocked(rec, req.InvolvedPartitions)
	}
	return &transaction.AbortResponse{Status: transaction.Aborted, Time: c.clock.Now()}, nil
}

// GetStatus reports the transaction's status and the time it is valid at.
// Repeated calls never report a smaller time for Pending, a Committed time
// is strictly above every Pending time previously reported, and the commit
// time never changes once reported.
func (c *Coordinator) GetStatus(req *transaction.StatusRequest) (*transaction.StatusResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[req.ID]
	if !ok {
		// Unknown means either never existed or aborted and cleaned up.
		if c.gcTime.IsZero() {
			c.gcTime = c.clock.Now()
		}
		return &transaction.StatusResponse{
			Status:     transaction.Aborted,
			StatusTime: c.gcTime,
			Time:       c.clock.Now(),
		}, nil
	}
	resp := &transaction.StatusResponse{
		Status: rec.status.External(),
		Time:   c.clock.Now(),
	}
	if rec.status == transaction.Pending {
		// Watermark: any commit decided later will use a larger clock
		// reading than the one we hand out here.
		now := c.clock.Now()
		if rec.statusTime.Less(now) {
			rec.statusTime = now
		}
	}
	resp.StatusTime = rec.statusTime
	return resp, nil
}

// CountTransactions returns the number of live status records, including
// records still applying or awaiting cleanup.
func (c *Coordinator) CountTransactions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// abortLocked flips a Pending record to Aborted and schedules intent
// discards.
func (c *Coordinator) abortLocked(rec *record) {
	if _, err := c.replicateDecisionLocked(rec, transaction.Aborted); err != nil {
		log.Errorf("txn %s abort replication failed: %v", rec.meta.ID, err)
	}
	if err := rec.setStatus(transaction.Aborted); err != nil {
		c.poisonLocked(rec, err)
		return
	}
	rec.statusTime = c.clock.Now()
	for p, acked := range rec.involved {
		if !acked {
			c.trySend(discardTask{id: rec.meta.ID, partition: p})
		}
	}
	if len(rec.involved) == 0 {
		rec.cleanupAt = time.Now().Add(c.tuning.IntentCleanupDelay.Load())
	}
}

// mergeDiscardsLocked adds partitions reported after the abort decision and
// schedules their discards.
func (c *Coordinator) mergeDiscardsLocked(rec *record, involved []uint64) {
	for _, p := range involved {
		if _, ok := rec.involved[p]; !ok {
			rec.involved[p] = false
			c.trySend(discardTask{id: rec.meta.ID, partition: p})
		}
	}
}

func (c *Coordinator) poisonLocked(rec *record, err error) {
	log.Errorf("poisoning record of txn %s: %v", rec.meta.ID, err)
	rec.poisoned = true
}

// replicateDecisionLocked makes the decision durable before it is
// acknowledged to anyone. The replication time doubles as the commit time.
func (c *Coordinator) replicateDecisionLocked(rec *record, decision transaction.Status) (hlc.Timestamp, error) {
	entry := replication.Entry{
		Partition: c.partition,
		Batch:     storageModify(rec.meta.ID, decision),
	}
	return c.replog.Replicate(entry)
}

// trySend enqueues without blocking. The sender always holds c.mu and the
// worker takes it to ack, so a full queue must be dropped rather than waited
// on; the sweep resends anything dropped.
func (c *Coordinator) trySend(t worker.Task) {
	select {
	case c.worker.Sender() <- t:
	default:
	}
}

func (c *Coordinator) enqueueApplyLocked(rec *record) {
	for p, acked := range rec.involved {
		if !acked {
			c.trySend(applyTask{id: rec.meta.ID, partition: p, commitTime: rec.statusTime})
		}
	}
	if len(rec.involved) == 0 {
		c.finishApplyLocked(rec)
	}
}

func (c *Coordinator) finishApplyLocked(rec *record) {
	if err := rec.setStatus(transaction.Applied); err != nil {
		c.poisonLocked(rec, err)
		return
	}
	rec.cleanupAt = time.Now().Add(c.tuning.IntentCleanupDelay.Load())
}

// sweepLoop periodically expires silent transactions, resends unacked
// apply/discard instructions and garbage collects finished records.
func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()
	for {
		interval := c.tuning.CheckInterval.Load()
		select {
		case <-c.closeCh:
			return
		case <-time.After(interval):
		}
		c.sweep()
	}
}

func (c *Coordinator) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	timeout := c.tuning.TransactionTimeout()
	for id, rec := range c.records {
		if rec.poisoned {
			continue
		}
		switch rec.status {
		case transaction.Pending:
			if time.Since(rec.lastHeartbeat) > timeout {
				log.Infof("txn %s expired after %v without heartbeat", id, timeout)
				c.abortLocked(rec)
				metrics.TxnExpiredCounter.Inc()
			}
		case transaction.Applying:
			// Unacked partitions may have dropped the instruction.
			for p, acked := range rec.involved {
				if !acked {
					c.trySend(applyTask{id: id, partition: p, commitTime: rec.statusTime})
				}
			}
		case transaction.Aborted:
			for p, acked := range rec.involved {
				if !acked {
					c.trySend(discardTask{id: id, partition: p})
				}
			}
			if rec.allAcked() && rec.cleanupAt.IsZero() {
				rec.cleanupAt = time.Now().Add(c.tuning.IntentCleanupDelay.Load())
			}
			if !rec.cleanupAt.IsZero() && time.Now().After(rec.cleanupAt) {
				c.collectLocked(id)
			}
		case transaction.Applied:
			if time.Now().After(rec.cleanupAt) {
				c.collectLocked(id)
			}
		}
	}
}

// collectLocked deletes a finished record and advances the watermark that
// answers for unknown transactions.
func (c *Coordinator) collectLocked(id uuid.UUID) {
	delete(c.records, id)
	if now := c.clock.Now(); c.gcTime.Less(now) {
		c.gcTime = now
	}
}

type applyTask struct {
	id         uuid.UUID
	partition  uint64
	commitTime hlc.Timestamp
}

type discardTask struct {
	id        uuid.UUID
	partition uint64
}

type taskHandler struct {
	c *Coordinator
}

func (h *taskHandler) Handle(t worker.Task) {
	switch task := t.(type) {
	case applyTask:
		h.handleApply(task)
	case discardTask:
		h.handleDiscard(task)
	}
}

func (h *taskHandler) handleApply(task applyTask) {
	c := h.c
	// Fault injection: pretend the instruction was lost. The sweep resends.
	if prob := c.tuning.IgnoreApplyingProbability.Load(); prob > 0 && rand.Float64() < prob {
		return
	}
	part, err := c.dispatcher.Participant(task.partition)
	if err != nil {
		log.Warnf("apply of txn %s: no participant for partition %d: %v", task.id, task.partition, err)
		return
	}
	start := time.Now()
	if err := part.Apply(&transaction.ApplyRequest{ID: task.id, CommitTime: task.commitTime}); err != nil {
		log.Warnf("apply of txn %s on partition %d failed: %v", task.id, task.partition, err)
		return
	}
	metrics.IntentApplyDuration.Observe(time.Since(start).Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[task.id]
	if !ok || rec.status != transaction.Applying {
		return
	}
	rec.involved[task.partition] = true
	if rec.allAcked() {
		c.finishApplyLocked(rec)
	}
}

func (h *taskHandler) handleDiscard(task discardTask) {
	c := h.c
	part, err := c.dispatcher.Participant(task.partition)
	if err != nil {
		log.Warnf("discard of txn %s: no participant for partition %d: %v", task.id, task.partition, err)
		return
	}
	if err := part.Discard(&transaction.DiscardRequest{ID: task.id}); err != nil {
		log.Warnf("discard of txn %s on partition %d failed: %v", task.id, task.partition, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[task.id]
	if !ok || rec.status != transaction.Aborted {
		return
	}
	rec.involved[task.partition] = true
	if rec.allAcked() && rec.cleanupAt.IsZero() {
		rec.cleanupAt = time.Now().Add(c.tuning.IntentCleanupDelay.Load())
	}
}
