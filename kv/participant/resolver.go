package participant

import (
	"bytes"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinytxn/kv/hlc"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
)

// Conflict resolution between a writer and the owner of an existing pending
// intent. Higher priority wins; equal priorities fall back to the
// transaction ids, which gives a total order so exactly one side of any
// conflict wins.

func ownerWins(owner *Intent, writer transaction.Metadata) bool {
	if owner.Priority != writer.Priority {
		return owner.Priority > writer.Priority
	}
	return bytes.Compare(owner.TxnID[:], writer.ID[:]) < 0
}

// resolution is the outcome of resolving an intent owner's status.
type resolution struct {
	status transaction.Status
	// commitTime is set when status is Committed.
	commitTime hlc.Timestamp
	// cachedAt is set when the resolution enters the status cache; the
	// cleanup loop prunes stale entries by it.
	cachedAt time.Time
}

// resolveStatus asks the owner's coordinator what became of it. When
// re-requesting is disabled, the first answer for a transaction is cached
// and served forever after; terminal answers are cached regardless since
// they cannot change.
func (p *Participant) resolveStatus(txnID uuid.UUID, statusPartition uint64) (resolution, error) {
	rerequest := p.tuning.AllowRerequestStatus.Load()

	p.mu.Lock()
	cached, ok := p.statusCache[txnID]
	p.mu.Unlock()
	if ok && (!rerequest || cached.status.Terminal()) {
		return cached, nil
	}

	coord, err := p.dispatcher.Coordinator(statusPartition)
	if err != nil {
		return resolution{}, err
	}
	resp, err := coord.GetStatus(&transaction.StatusRequest{ID: txnID})
	if err != nil {
		return resolution{}, err
	}
	p.clock.Update(resp.Time)

	res := resolution{status: resp.Status.External()}
	if res.status == transaction.Committed {
		res.commitTime = resp.StatusTime
	}
	p.mu.Lock()
	if res.status.Terminal() || !rerequest {
		res.cachedAt = time.Now()
		p.statusCache[txnID] = res
	}
	p.mu.Unlock()
	return res, nil
}
