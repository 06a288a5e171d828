package tablet

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashRouterStablePartition(t *testing.T) {
	r := NewHashRouter(8, 2)
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		p := r.DataPartition(key)
		assert.Equal(t, p, r.DataPartition(key))
		assert.Less(t, p, uint64(8))
	}
}

func TestPartitionIDRanges(t *testing.T) {
	r := NewHashRouter(4, 3)
	assert.Equal(t, []uint64{0, 1, 2, 3}, r.DataPartitions())
	assert.Equal(t, []uint64{4, 5, 6}, r.StatusPartitions())

	for i := 0; i < 50; i++ {
		p := PickStatusPartition(r)
		assert.GreaterOrEqual(t, p, uint64(4))
		assert.Less(t, p, uint64(7))
	}
}

func TestRangeRouter(t *testing.T) {
	r := NewRangeRouter([][]byte{[]byte("m"), []byte("f")}, 2)
	assert.Equal(t, []uint64{0, 1, 2}, r.DataPartitions())
	assert.Equal(t, []uint64{3, 4}, r.StatusPartitions())

	// Splits are sorted, so the ranges are [-inf, f), [f, m), [m, +inf).
	assert.EqualValues(t, 0, r.DataPartition([]byte("a")))
	assert.EqualValues(t, 0, r.DataPartition(nil))
	assert.EqualValues(t, 1, r.DataPartition([]byte("f")))
	assert.EqualValues(t, 1, r.DataPartition([]byte("giraffe")))
	assert.EqualValues(t, 2, r.DataPartition([]byte("m")))
	assert.EqualValues(t, 2, r.DataPartition([]byte("zebra")))
}

func TestRangeRouterSinglePartition(t *testing.T) {
	r := NewRangeRouter(nil, 1)
	assert.Equal(t, []uint64{0}, r.DataPartitions())
	assert.EqualValues(t, 0, r.DataPartition([]byte("anything")))
}

func TestSelectors(t *testing.T) {
	replicas := []Replica{
		{StoreID: 1, Leader: false, Distance: 1},
		{StoreID: 2, Leader: true, Distance: 5},
		{StoreID: 3, Leader: false, Distance: 3},
	}

	leader, ok := LeaderSelector{}.Select(replicas)
	require.True(t, ok)
	assert.EqualValues(t, 2, leader.StoreID)

	nearest, ok := NearestSelector{}.Select(replicas)
	require.True(t, ok)
	assert.EqualValues(t, 1, nearest.StoreID)

	_, ok = LeaderSelector{}.Select([]Replica{{StoreID: 9}})
	assert.False(t, ok)
	_, ok = NearestSelector{}.Select(nil)
	assert.False(t, ok)
}
