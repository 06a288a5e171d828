package codec

import (
	"bytes"
	"testing"

	"github.com/pingcap-incubator/tinytxn/kv/hlc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBytesRoundTrip(t *testing.T) {
	for _, key := range [][]byte{
		{},
		{1, 2, 3},
		{1, 2, 3, 0},
		{1, 2, 3, 4, 5, 6, 7, 8},
		bytes.Repeat([]byte{0xab}, 100),
	} {
		left, decoded, err := DecodeBytes(EncodeBytes(key))
		require.NoError(t, err)
		assert.Empty(t, left)
		assert.Equal(t, key, decoded)
	}
}

func TestEncodedKeyOrdering(t *testing.T) {
	ts1 := hlc.Timestamp{WallTime: 100}
	ts2 := hlc.Timestamp{WallTime: 100, Logical: 5}
	ts3 := hlc.Timestamp{WallTime: 200}

	// Same key: newer timestamps sort first.
	a := EncodeKey([]byte("k"), ts3)
	b := EncodeKey([]byte("k"), ts2)
	c := EncodeKey([]byte("k"), ts1)
	assert.True(t, bytes.Compare(a, b) < 0)
	assert.True(t, bytes.Compare(b, c) < 0)

	// Different keys: key order dominates, regardless of timestamps.
	assert.True(t, bytes.Compare(EncodeKey([]byte("a"), ts1), EncodeKey([]byte("b"), ts3)) < 0)
	assert.True(t, bytes.Compare(EncodeKey([]byte("a"), ts3), EncodeKey([]byte("ab"), ts1)) < 0)
}

func TestDecodeKeyParts(t *testing.T) {
	ts := hlc.Timestamp{WallTime: 123456, Logical: 7}
	encoded := EncodeKey([]byte("some-key"), ts)
	assert.Equal(t, []byte("some-key"), DecodeUserKey(encoded))
	assert.Equal(t, ts, DecodeTs(encoded))
}

func TestDecodeBytesErrors(t *testing.T) {
	_, _, err := DecodeBytes([]byte{1, 2, 3})
	assert.Error(t, err)

	corrupt := EncodeBytes([]byte("abc"))
	corrupt[len(corrupt)-1] = 0x10
	_, _, err = DecodeBytes(corrupt)
	assert.Error(t, err)
}
