package blockfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func block(b byte, size uint32) []byte {
	buf := make([]byte, size)
	buf[0] = b
	return buf
}

func TestAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.basalt")
	bf, err := Open(path, 64, true, false)
	require.NoError(t, err)
	defer bf.Close()

	bid0, err := bf.Append(block('D', 64))
	require.NoError(t, err)
	require.EqualValues(t, 0, bid0)

	bid1, err := bf.Append(block('N', 64))
	require.NoError(t, err)
	require.EqualValues(t, 1, bid1)

	require.True(t, bf.IsWritable(bid1))
	require.False(t, bf.IsWritable(bid0))

	got, err := bf.ReadBlock(bid0)
	require.NoError(t, err)
	require.Equal(t, byte('D'), got[0])

	require.NoError(t, bf.Fsync())
}

func TestReopenRecomputesFrontier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.basalt")
	bf, err := Open(path, 32, true, false)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := bf.Append(block('D', 32))
		require.NoError(t, err)
	}
	require.NoError(t, bf.Close())

	bf2, err := Open(path, 32, false, false)
	require.NoError(t, err)
	defer bf2.Close()
	require.EqualValues(t, 5, bf2.Frontier())
}

func TestTruncateTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.basalt")
	bf, err := Open(path, 16, true, false)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := bf.Append(block('D', 16))
		require.NoError(t, err)
	}
	require.NoError(t, bf.Truncate(1))
	require.EqualValues(t, 1, bf.Frontier())
	_, err = bf.ReadBlock(1)
	require.Error(t, err)
}
