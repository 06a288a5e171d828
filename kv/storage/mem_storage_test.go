package storage

import (
	"testing"

	"github.com/pingcap-incubator/tinytxn/kv/util/engine_util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStorageWriteRead(t *testing.T) {
	s := NewMemStorage()
	require.NoError(t, s.Start())
	defer s.Stop()

	err := s.Write([]Modify{
		{Data: Put{Key: []byte("a"), Value: []byte("1"), Cf: engine_util.CfDefault}},
		{Data: Put{Key: []byte("b"), Value: []byte("2"), Cf: engine_util.CfDefault}},
		{Data: Put{Key: []byte("a"), Value: []byte("lock"), Cf: engine_util.CfIntent}},
	})
	require.NoError(t, err)

	r, err := s.Reader()
	require.NoError(t, err)
	defer r.Close()

	val, err := r.GetCF(engine_util.CfDefault, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), val)

	val, err = r.GetCF(engine_util.CfIntent, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("lock"), val)

	// CFs are independent.
	val, err = r.GetCF(engine_util.CfIntent, []byte("b"))
	require.NoError(t, err)
	assert.Nil(t, val)

	require.NoError(t, s.Write([]Modify{
		{Data: Delete{Key: []byte("a"), Cf: engine_util.CfDefault}},
	}))
	val, err = r.GetCF(engine_util.CfDefault, []byte("a"))
	require.NoError(t, err)
	assert.Nil(t, val)
	assert.Equal(t, 1, s.Len(engine_util.CfDefault))
}

func TestMemStorageIter(t *testing.T) {
	s := NewMemStorage()
	for _, k := range []string{"a", "c", "e"} {
		require.NoError(t, s.Write([]Modify{
			{Data: Put{Key: []byte(k), Value: []byte(k), Cf: engine_util.CfDefault}},
		}))
	}

	r, err := s.Reader()
	require.NoError(t, err)
	defer r.Close()

	it := r.IterCF(engine_util.CfDefault)
	defer it.Close()

	it.Seek([]byte("b"))
	require.True(t, it.Valid())
	assert.Equal(t, []byte("c"), it.Item().Key())
	it.Next()
	require.True(t, it.Valid())
	assert.Equal(t, []byte("e"), it.Item().Key())
	it.Next()
	assert.False(t, it.Valid())
}
