package tablet

import (
	"bytes"
	"sort"

	"github.com/google/btree"
)

var _ btree.Item = &rangeItem{}

type rangeItem struct {
	startKey []byte
	id       uint64
}

// Less returns true if the range start key is less than the other.
func (r *rangeItem) Less(other btree.Item) bool {
	return bytes.Compare(r.startKey, other.(*rangeItem).startKey) < 0
}

// RangeRouter assigns contiguous key ranges to data partitions. With n split
// keys there are n+1 data partitions: partition 0 owns everything below the
// first split, partition i owns [split[i-1], split[i]). Status partitions get
// the ids following the data partitions, same as HashRouter.
type RangeRouter struct {
	ranges    *btree.BTree
	numData   int
	numStatus int
}

func NewRangeRouter(splits [][]byte, numStatus int) *RangeRouter {
	sorted := make([][]byte, len(splits))
	copy(sorted, splits)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	r := &RangeRouter{
		ranges:    btree.New(2),
		numData:   len(sorted) + 1,
		numStatus: numStatus,
	}
	r.ranges.ReplaceOrInsert(&rangeItem{startKey: nil, id: 0})
	for i, split := range sorted {
		r.ranges.ReplaceOrInsert(&rangeItem{startKey: split, id: uint64(i + 1)})
	}
	return r
}

func (r *RangeRouter) DataPartition(key []byte) uint64 {
	var result *rangeItem
	r.ranges.DescendLessOrEqual(&rangeItem{startKey: key}, func(i btree.Item) bool {
		result = i.(*rangeItem)
		return false
	})
	return result.id
}

func (r *RangeRouter) DataPartitions() []uint64 {
	ids := make([]uint64, r.numData)
	for i := range ids {
		ids[i] = uint64(i)
	}
	return ids
}

func (r *RangeRouter) StatusPartitions() []uint64 {
	ids := make([]uint64, r.numStatus)
	for i := range ids {
		ids[i] = uint64(r.numData + i)
	}
	return ids
}
