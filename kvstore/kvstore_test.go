package kvstore

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	basalt "github.com/basalt-db/basalt"
	"github.com/basalt-db/basalt/internal/status"
)

func openTest(t *testing.T) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db.basalt")
	f, err := Open(path, basalt.Config{BlockSize: 256, ChunkSize: 4, Flags: basalt.OpenCreate})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestSetGetRoundTrip(t *testing.T) {
	f := openTest(t)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)

	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("1")}))
	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("b"), Body: []byte("2")}))

	var doc basalt.Document
	doc.Key = []byte("a")
	require.NoError(t, ks.Get(&doc))
	require.Equal(t, []byte("1"), doc.Body)
	require.EqualValues(t, 1, doc.Seqnum)
}

func TestGetMissingKey(t *testing.T) {
	f := openTest(t)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)

	var doc basalt.Document
	doc.Key = []byte("nope")
	err = ks.Get(&doc)
	require.Error(t, err)
	require.Equal(t, status.KeyNotFound, status.Of(err))
}

func TestDeleteTombstones(t *testing.T) {
	f := openTest(t)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)

	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("1")}))
	require.NoError(t, ks.Delete([]byte("a")))

	var doc basalt.Document
	doc.Key = []byte("a")
	err = ks.Get(&doc)
	require.Error(t, err)
	require.Equal(t, status.KeyNotFound, status.Of(err))
}

func TestCommitSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.basalt")
	f, err := Open(path, basalt.Config{BlockSize: 256, ChunkSize: 4, Flags: basalt.OpenCreate, WALThreshold: 1})
	require.NoError(t, err)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)
	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("1")}))
	require.NoError(t, f.Commit(basalt.CommitManualWALFlush))
	require.NoError(t, f.Close())

	f2, err := Open(path, basalt.Config{BlockSize: 256, ChunkSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { f2.Close() })
	ks2, err := f2.KVStore("", basalt.KVConfig{})
	require.NoError(t, err)

	var doc basalt.Document
	doc.Key = []byte("a")
	require.NoError(t, ks2.Get(&doc))
	require.Equal(t, []byte("1"), doc.Body)
}

func TestGetBySeqResolvesAcrossOverwrite(t *testing.T) {
	f := openTest(t)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)

	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("v1")}))
	var first basalt.Document
	first.Key = []byte("a")
	require.NoError(t, ks.Get(&first))
	firstSeq := first.Seqnum

	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("v2")}))

	var bySeq basalt.Document
	require.NoError(t, ks.GetBySeq(firstSeq, &bySeq))
	require.Equal(t, []byte("v1"), bySeq.Body)

	var latest basalt.Document
	latest.Key = []byte("a")
	require.NoError(t, ks.Get(&latest))
	require.Equal(t, []byte("v2"), latest.Body)
}

func TestGetBySeqAfterFlush(t *testing.T) {
	f := openTest(t)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)
	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("v1")}))
	require.NoError(t, f.Commit(basalt.CommitManualWALFlush))

	var doc basalt.Document
	require.NoError(t, ks.GetBySeq(1, &doc))
	require.Equal(t, []byte("v1"), doc.Body)
}

func TestSnapshotOpenEmpty(t *testing.T) {
	f := openTest(t)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)
	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("1")}))

	snap, err := ks.SnapshotOpen(0)
	require.NoError(t, err)
	var doc basalt.Document
	doc.Key = []byte("a")
	err = snap.Get(&doc)
	require.Error(t, err)
	require.Equal(t, status.KeyNotFound, status.Of(err))

	_, err = snap.Info()
	require.Error(t, err)
	require.Equal(t, status.RonlyViolation, status.Of(err))
}

func TestSnapshotOpenInMemIsolatedFromLaterWrites(t *testing.T) {
	f := openTest(t)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)
	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("v1")}))

	snap, err := ks.SnapshotOpen(basalt.InMemSentinel)
	require.NoError(t, err)

	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("v2")}))

	var doc basalt.Document
	doc.Key = []byte("a")
	require.NoError(t, snap.Get(&doc))
	require.Equal(t, []byte("v1"), doc.Body, "snapshot must not observe writes made after it was opened")
}

func TestRollbackRequiresCommittedHistory(t *testing.T) {
	f := openTest(t)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)

	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("v1")}))
	require.NoError(t, f.Commit(basalt.CommitManualWALFlush))

	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("v2")}))
	require.NoError(t, f.Commit(basalt.CommitManualWALFlush))

	require.NoError(t, ks.Rollback(1))

	var doc basalt.Document
	doc.Key = []byte("a")
	require.NoError(t, ks.Get(&doc))
	require.Equal(t, []byte("v1"), doc.Body)
}

func TestTransactionIsolation(t *testing.T) {
	f := openTest(t)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)

	tx, err := f.BeginTransaction(basalt.ReadCommitted)
	require.NoError(t, err)
	txKS, err := tx.KVStore("")
	require.NoError(t, err)
	require.NoError(t, txKS.Set(&basalt.Document{Key: []byte("a"), Body: []byte("v1")}))

	var doc basalt.Document
	doc.Key = []byte("a")
	err = ks.Get(&doc)
	require.Error(t, err, "uncommitted write must not be visible outside the transaction")

	require.NoError(t, tx.End(basalt.CommitManualWALFlush))

	require.NoError(t, ks.Get(&doc))
	require.Equal(t, []byte("v1"), doc.Body)
}

func TestTransactionAbortDiscardsWrites(t *testing.T) {
	f := openTest(t)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)

	tx, err := f.BeginTransaction(basalt.ReadCommitted)
	require.NoError(t, err)
	txKS, err := tx.KVStore("")
	require.NoError(t, err)
	require.NoError(t, txKS.Set(&basalt.Document{Key: []byte("a"), Body: []byte("v1")}))
	require.NoError(t, tx.Abort())

	var doc basalt.Document
	doc.Key = []byte("a")
	err = ks.Get(&doc)
	require.Error(t, err)
	require.Equal(t, status.KeyNotFound, status.Of(err))
}

func TestIteratorAscendingOrder(t *testing.T) {
	f := openTest(t)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)
	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, ks.Set(&basalt.Document{Key: []byte(k), Body: []byte(k)}))
	}

	it, err := ks.Iterator(basalt.IterOptions{})
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for it.Valid() {
		doc, err := it.Document()
		require.NoError(t, err)
		keys = append(keys, string(doc.Key))
		it.Next()
	}
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestIteratorSeekForwardAndBackward(t *testing.T) {
	f := openTest(t)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)
	for _, k := range []string{"a", "c", "e"} {
		require.NoError(t, ks.Set(&basalt.Document{Key: []byte(k), Body: []byte(k)}))
	}

	it, err := ks.Iterator(basalt.IterOptions{})
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Seek([]byte("b"), basalt.SeekForward))
	doc, err := it.Document()
	require.NoError(t, err)
	require.Equal(t, []byte("c"), doc.Key)

	require.True(t, it.Seek([]byte("b"), basalt.SeekBackward))
	doc, err = it.Document()
	require.NoError(t, err)
	require.Equal(t, []byte("a"), doc.Key)
}

func TestSeqIteratorRange(t *testing.T) {
	f := openTest(t)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, ks.Set(&basalt.Document{Key: []byte(k), Body: []byte(k)}))
	}

	it, err := ks.SeqIterator(2, 3, basalt.IterOptions{})
	require.NoError(t, err)
	defer it.Close()

	var seqs []uint64
	for it.Valid() {
		doc, err := it.Document()
		require.NoError(t, err)
		seqs = append(seqs, doc.Seqnum)
		it.Next()
	}
	require.Equal(t, []uint64{2, 3}, seqs)
}

func TestCompactPreservesDataAndSeqIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.basalt")
	f, err := Open(path, basalt.Config{BlockSize: 256, ChunkSize: 4, Flags: basalt.OpenCreate, WALThreshold: 1})
	require.NoError(t, err)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)
	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("1")}))
	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("b"), Body: []byte("2")}))
	require.NoError(t, ks.Delete([]byte("a")))
	require.NoError(t, f.Commit(basalt.CommitManualWALFlush))

	newPath := filepath.Join(t.TempDir(), "db.compact")
	require.NoError(t, f.Compact(newPath))

	f2, err := Open(path, basalt.Config{BlockSize: 256, ChunkSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { f2.Close() })
	ks2, err := f2.KVStore("", basalt.KVConfig{})
	require.NoError(t, err)

	var doc basalt.Document
	doc.Key = []byte("b")
	require.NoError(t, ks2.Get(&doc))
	require.Equal(t, []byte("2"), doc.Body)

	var bySeq basalt.Document
	require.NoError(t, ks2.GetBySeq(doc.Seqnum, &bySeq))
	require.Equal(t, []byte("2"), bySeq.Body)

	doc.Key = []byte("a")
	err = ks2.Get(&doc)
	require.Error(t, err)
	require.Equal(t, status.KeyNotFound, status.Of(err))
}

// TestRollbackSurvivesReopen confirms Rollback's new commit header
// (not just an in-memory state swap) is what a reopen actually sees.
func TestRollbackSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.basalt")
	f, err := Open(path, basalt.Config{BlockSize: 256, ChunkSize: 4, Flags: basalt.OpenCreate})
	require.NoError(t, err)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)

	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("v1")}))
	require.NoError(t, f.Commit(basalt.CommitManualWALFlush))
	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("v2")}))
	require.NoError(t, f.Commit(basalt.CommitManualWALFlush))
	require.NoError(t, ks.Rollback(1))
	require.NoError(t, f.Close())

	f2, err := Open(path, basalt.Config{BlockSize: 256, ChunkSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { f2.Close() })
	ks2, err := f2.KVStore("", basalt.KVConfig{})
	require.NoError(t, err)

	var doc basalt.Document
	doc.Key = []byte("a")
	require.NoError(t, ks2.Get(&doc))
	require.Equal(t, []byte("v1"), doc.Body)
}

func TestSpaceUsageReflectsTombstonesAndTotal(t *testing.T) {
	f := openTest(t)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)
	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("1")}))
	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("b"), Body: []byte("2")}))
	require.NoError(t, ks.Delete([]byte("a")))
	require.NoError(t, f.Commit(basalt.CommitManualWALFlush))

	live, total, err := f.SpaceUsage()
	require.NoError(t, err)
	require.Greater(t, total, uint64(0))
	require.Greater(t, live, uint64(0))
	require.LessOrEqual(t, live, total)
}

func TestMaybeAutoCompactNoopUnderManualMode(t *testing.T) {
	f := openTest(t)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)
	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("1")}))
	require.NoError(t, f.Commit(basalt.CommitManualWALFlush))

	ran, err := f.MaybeAutoCompact(time.Unix(0, 0), filepath.Join(t.TempDir(), "db.compact"))
	require.NoError(t, err)
	require.False(t, ran, "CompactionManual (the default) must never auto-compact")
}

func TestMaybeAutoCompactRunsWhenScheduled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.basalt")
	f, err := Open(path, basalt.Config{
		BlockSize: 256, ChunkSize: 4, Flags: basalt.OpenCreate,
		CompactionMode: basalt.CompactionAuto, CompactionThreshold: 1, CompactorSleepTime: time.Nanosecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)
	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("1")}))
	require.NoError(t, f.Commit(basalt.CommitManualWALFlush))

	ran, err := f.MaybeAutoCompact(time.Unix(1000, 0), filepath.Join(t.TempDir(), "db.compact"))
	require.NoError(t, err)
	require.True(t, ran, "a live/total ratio is never above threshold 1.0, so Tick should fire")
}

func TestCustomComparatorOrdersIterationDescending(t *testing.T) {
	f := openTest(t)
	descending := func(a, b []byte) int { return bytes.Compare(b, a) }
	ks, err := f.KVStore("desc", basalt.KVConfig{CreateIfMissing: true, Comparator: descending})
	require.NoError(t, err)

	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("1")}))
	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("b"), Body: []byte("2")}))
	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("c"), Body: []byte("3")}))
	require.NoError(t, f.Commit(basalt.CommitManualWALFlush))

	it, err := ks.Iterator(basalt.IterOptions{})
	require.NoError(t, err)
	var keys []string
	for it.Valid() {
		doc, err := it.Document()
		require.NoError(t, err)
		keys = append(keys, string(doc.Key))
		it.Next()
	}
	require.Equal(t, []string{"c", "b", "a"}, keys)
}

func TestGetAllSnapMarkers(t *testing.T) {
	f := openTest(t)
	ks, err := f.KVStore("", basalt.KVConfig{CreateIfMissing: true})
	require.NoError(t, err)
	require.NoError(t, ks.Set(&basalt.Document{Key: []byte("a"), Body: []byte("1")}))
	require.NoError(t, f.Commit(basalt.CommitManualWALFlush))

	groups, err := GetAllSnapMarkers(f)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, uint64(1), groups[0].Seqnum)
}
