package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	flushed := map[uint64][]byte{}
	c := New(2, func(bid uint64, data []byte) error {
		flushed[bid] = append([]byte{}, data...)
		return nil
	})
	c.Put(1, []byte("a"), false, false)
	require.Equal(t, []byte("a"), c.Get(1, false))
}

func TestEvictsCleanBeforeDirty(t *testing.T) {
	flushed := map[uint64][]byte{}
	c := New(1, func(bid uint64, data []byte) error {
		flushed[bid] = append([]byte{}, data...)
		return nil
	})
	c.Put(1, []byte("a"), true, false) // dirty
	c.Put(2, []byte("b"), false, false) // clean; capacity 1 forces eviction
	require.Equal(t, 1, c.Len())
	require.Nil(t, c.Get(2, false), "the clean entry is the one evicted")
	require.Equal(t, []byte("a"), c.Get(1, false), "the dirty entry stays resident")
}

func TestPinPreventsEviction(t *testing.T) {
	c := New(1, func(bid uint64, data []byte) error { return nil })
	c.Put(1, []byte("a"), false, true) // pinned
	c.Put(2, []byte("b"), false, false)
	// 1 is pinned so it must still be resident
	require.NotNil(t, c.Get(1, false))
	c.Unpin(1)
}
