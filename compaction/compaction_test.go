package compaction

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basalt-db/basalt/blockfile"
	"github.com/basalt-db/basalt/cache"
	"github.com/basalt-db/basalt/doclog"
	"github.com/basalt-db/basalt/hbtrie"
)

type env struct {
	bf    *blockfile.File
	cache *cache.Cache
	log   *doclog.Log
	trie  *hbtrie.Trie
}

func newEnv(t *testing.T) *env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db.basalt")
	bf, err := blockfile.Open(path, 256, true, false)
	require.NoError(t, err)
	t.Cleanup(func() { bf.Close() })
	c := cache.New(1024, func(bid uint64, data []byte) error { return bf.WriteBlock(bid, data) })
	log := doclog.Open(bf, c)
	trie := hbtrie.New(hbtrie.Config{ChunkSize: 4, BlockFile: bf, Cache: c, KeyAt: func(offset uint64) ([]byte, error) {
		doc, err := log.Read(offset)
		if err != nil {
			return nil, err
		}
		return doc.Key, nil
	}}, 0, false)
	return &env{bf: bf, cache: c, log: log, trie: trie}
}

func (e *env) put(t *testing.T, key, body string, seq uint64) uint64 {
	t.Helper()
	off, err := e.log.Append(&doclog.Document{Key: []byte(key), Body: []byte(body), Seqnum: seq})
	require.NoError(t, err)
	_, err = e.trie.Insert([]byte(key), off)
	require.NoError(t, err)
	return off
}

func TestCopyStoreCopiesLiveDocuments(t *testing.T) {
	src := newEnv(t)
	for i := 0; i < 20; i++ {
		src.put(t, fmt.Sprintf("key%03d", i), fmt.Sprintf("body%d", i), uint64(i+1))
	}
	srcRoot, hasSrcRoot := src.trie.Root()

	dst := newEnv(t)
	c := New(src.log, src.cache, dst.log, dst.cache, 4, nil)
	res, err := c.CopyStore("default", srcRoot, hasSrcRoot, 20, 0, false)
	require.NoError(t, err)
	require.True(t, res.HasRoot)

	dstTrie := hbtrie.New(hbtrie.Config{ChunkSize: 4, BlockFile: dst.bf, Cache: dst.cache, KeyAt: func(offset uint64) ([]byte, error) {
		doc, err := dst.log.Read(offset)
		if err != nil {
			return nil, err
		}
		return doc.Key, nil
	}}, res.NewRoot, res.HasRoot)

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key%03d", i)
		off, ok, err := dstTrie.Find([]byte(key))
		require.NoError(t, err)
		require.True(t, ok)
		doc, err := dst.log.Read(off)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("body%d", i), string(doc.Body))
	}
}

func TestCopyStoreResumeSkipsUnchangedKeys(t *testing.T) {
	src := newEnv(t)
	for i := 0; i < 5; i++ {
		src.put(t, fmt.Sprintf("key%d", i), fmt.Sprintf("body%d", i), uint64(i+1))
	}
	srcRoot, hasSrcRoot := src.trie.Root()

	dst := newEnv(t)
	c := New(src.log, src.cache, dst.log, dst.cache, 4, nil)
	first, err := c.CopyStore("default", srcRoot, hasSrcRoot, 5, 0, false)
	require.NoError(t, err)

	// Resuming against the same destination root with identical source
	// content should not append any new records.
	beforeFrontier := dst.bf.Frontier()
	second, err := c.CopyStore("default", srcRoot, hasSrcRoot, 5, first.NewRoot, first.HasRoot)
	require.NoError(t, err)
	require.Equal(t, beforeFrontier, dst.bf.Frontier(), "resume of unchanged content should not grow the destination file")
	require.Equal(t, first.NewRoot, second.NewRoot)
}

func TestApplyDeltaReplaysWritesAndDeletes(t *testing.T) {
	src := newEnv(t)
	off1 := src.put(t, "a", "1", 1)
	_ = off1
	off2 := src.put(t, "b", "2", 2)
	srcRoot, hasSrcRoot := src.trie.Root()

	dst := newEnv(t)
	c := New(src.log, src.cache, dst.log, dst.cache, 4, nil)
	base, err := c.CopyStore("default", srcRoot, hasSrcRoot, 2, 0, false)
	require.NoError(t, err)

	// Simulate a delta: "b" updated after the copy snapshot, "a" deleted.
	offB2 := src.put(t, "b", "2-updated", 3)
	newRoot, err := c.ApplyDelta(base.NewRoot, base.HasRoot,
		map[string]uint64{"b": offB2},
		map[string]bool{"a": true},
	)
	require.NoError(t, err)

	v, ok, err := c.FinalValue(newRoot, true, nil, []byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2-updated", string(v))

	_, ok, err = c.FinalValue(newRoot, true, nil, []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
	_ = off2
}

func TestSchedulerTriggersBelowThresholdRespectingCooldown(t *testing.T) {
	s := NewScheduler(0.3, time.Minute)
	now := time.Unix(1000, 0)

	require.False(t, s.Tick(now, 80, 100)) // ratio 0.8, above threshold
	require.True(t, s.Tick(now, 20, 100))  // ratio 0.2, triggers
	require.False(t, s.Tick(now.Add(time.Second), 10, 100), "cooldown should suppress immediate re-trigger")
	require.True(t, s.Tick(now.Add(2*time.Minute), 10, 100), "cooldown elapsed, should trigger again")
}
