package commit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basalt-db/basalt/blockfile"
	"github.com/basalt-db/basalt/cache"
	"github.com/basalt-db/basalt/doclog"
	"github.com/basalt-db/basalt/hbtrie"
	"github.com/basalt-db/basalt/internal/rlog"
)

func openBF(t *testing.T) *blockfile.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db.basalt")
	bf, err := blockfile.Open(path, 256, true, false)
	require.NoError(t, err)
	t.Cleanup(func() { bf.Close() })
	return bf
}

func TestHeaderWriteReadRoundTrip(t *testing.T) {
	bf := openBF(t)
	h := &Header{Timestamp: 12345, HasCatalogRoot: true, CatalogRoot: 7}
	bid, err := Write(bf, h)
	require.NoError(t, err)

	got, err := Read(bf, bid)
	require.NoError(t, err)
	require.Equal(t, h.Timestamp, got.Timestamp)
	require.Equal(t, h.HasCatalogRoot, got.HasCatalogRoot)
	require.Equal(t, h.CatalogRoot, got.CatalogRoot)
	require.False(t, got.HasPrev)
}

func TestHeaderChain(t *testing.T) {
	bf := openBF(t)
	bid1, err := Write(bf, &Header{Timestamp: 1})
	require.NoError(t, err)
	bid2, err := Write(bf, &Header{Timestamp: 2, HasPrev: true, PrevBid: bid1})
	require.NoError(t, err)

	h2, err := Read(bf, bid2)
	require.NoError(t, err)

	var seen []uint64
	err = WalkChain(bf, bid2, h2, func(h *Header, bid uint64) bool {
		seen = append(seen, h.Timestamp)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 1}, seen)
}

func TestRecoverFindsLatestValidHeaderPastGarbage(t *testing.T) {
	bf := openBF(t)
	_, err := Write(bf, &Header{Timestamp: 1})
	require.NoError(t, err)
	latest, err := Write(bf, &Header{Timestamp: 2})
	require.NoError(t, err)

	// Simulate a torn tail: a half-written block appended after the
	// last valid header.
	torn := make([]byte, bf.BlockSize())
	torn[0] = byte(blockfile.MarkerHeader)
	_, err = bf.Append(torn)
	require.NoError(t, err)

	logger := rlog.New("component", "committest")
	h, bid, ok, err := Recover(bf, logger)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, latest, bid)
	require.EqualValues(t, 2, h.Timestamp)

	// Recovery should have truncated the torn tail.
	require.Equal(t, latest+1, bf.Frontier())
}

func TestRecoverEmptyFile(t *testing.T) {
	bf := openBF(t)
	logger := rlog.New("component", "committest")
	_, _, ok, err := Recover(bf, logger)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCatalogPutGetList(t *testing.T) {
	bf := openBF(t)
	c := cache.New(1024, func(bid uint64, data []byte) error { return bf.WriteBlock(bid, data) })
	log := doclog.Open(bf, c)
	trie := hbtrie.New(hbtrie.Config{ChunkSize: 4, BlockFile: bf, Cache: c, KeyAt: func(offset uint64) ([]byte, error) {
		doc, err := log.Read(offset)
		if err != nil {
			return nil, err
		}
		return doc.Key, nil
	}}, 0, false)
	cat := OpenCatalog(log, trie)

	_, err := cat.Put("default", StoreMeta{HasRoot: true, Root: 5, LastSeqnum: 10})
	require.NoError(t, err)
	_, err = cat.Put("secondary", StoreMeta{HasRoot: false, LastSeqnum: 0})
	require.NoError(t, err)

	m, ok, err := cat.Get("default")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 5, m.Root)
	require.EqualValues(t, 10, m.LastSeqnum)

	names, err := cat.List()
	require.NoError(t, err)
	require.Equal(t, []string{"default", "secondary"}, names)

	_, ok, err = cat.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)
}
