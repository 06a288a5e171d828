// Package tablet maps keys and transaction records to partitions, and models
// replica placement for request routing.
package tablet

import (
	"hash/fnv"
	"math/rand"
)

// Router decides which partition owns a key and which status partitions are
// available for new transaction records. Data partitions and status
// partitions are disjoint id ranges so a dispatcher can tell them apart.
type Router interface {
	// DataPartition returns the id of the data partition owning key.
	DataPartition(key []byte) uint64
	// DataPartitions returns all data partition ids.
	DataPartitions() []uint64
	// StatusPartitions returns all status partition ids.
	StatusPartitions() []uint64
}

// HashRouter spreads keys over a fixed number of data partitions by key
// hash. Data partitions get ids [0, numData), status partitions
// [numData, numData+numStatus).
type HashRouter struct {
	numData   int
	numStatus int
}

func NewHashRouter(numData, numStatus int) *HashRouter {
	return &HashRouter{numData: numData, numStatus: numStatus}
}

func (r *HashRouter) DataPartition(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64() % uint64(r.numData)
}

func (r *HashRouter) DataPartitions() []uint64 {
	ids := make([]uint64, r.numData)
	for i := range ids {
		ids[i] = uint64(i)
	}
	return ids
}

func (r *HashRouter) StatusPartitions() []uint64 {
	ids := make([]uint64, r.numStatus)
	for i := range ids {
		ids[i] = uint64(r.numData + i)
	}
	return ids
}

// PickStatusPartition chooses a random status partition for a new
// transaction record.
func PickStatusPartition(r Router) uint64 {
	ids := r.StatusPartitions()
	return ids[rand.Intn(len(ids))]
}
