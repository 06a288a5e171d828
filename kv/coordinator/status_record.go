package coordinator

import (
	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap-incubator/tinytxn/kv/util/engine_util"
)

var statusKeyPrefix = []byte("txnstatus_")

// statusRecordKey is the storage key of a transaction's replicated decision.
func statusRecordKey(id uuid.UUID) []byte {
	return append(append([]byte{}, statusKeyPrefix...), id[:]...)
}

// storageModify encodes a terminal decision as a replicated storage write.
// Only the decision itself is persisted; heartbeat state is soft and is
// rebuilt from scratch after a restart.
func storageModify(id uuid.UUID, status transaction.Status) []storage.Modify {
	return []storage.Modify{{Data: storage.Put{
		Cf:    engine_util.CfDefault,
		Key:   statusRecordKey(id),
		Value: []byte{byte(status)},
	}}}
}
