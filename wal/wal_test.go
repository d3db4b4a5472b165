package wal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutLookupCommitted(t *testing.T) {
	w := New()
	w.Put(0, &Entry{Key: []byte("a"), Seqnum: 1, Offset: 100})
	e, ok := w.Lookup(View{}, []byte("a"))
	require.True(t, ok)
	require.EqualValues(t, 100, e.Offset)

	_, ok = w.Lookup(View{}, []byte("missing"))
	require.False(t, ok)
}

func TestTxnIsolation(t *testing.T) {
	w := New()
	w.Put(0, &Entry{Key: []byte("a"), Seqnum: 1, Offset: 1})

	txn := w.BeginTxn()
	w.Put(txn, &Entry{Key: []byte("a"), Seqnum: 2, Offset: 2})

	// A different reader not in the txn, under READ_COMMITTED, must not
	// see the uncommitted write.
	e, ok := w.Lookup(View{Isolation: ReadCommitted}, []byte("a"))
	require.True(t, ok)
	require.EqualValues(t, 1, e.Offset)

	// The owning txn sees its own write.
	e, ok = w.Lookup(View{Isolation: ReadCommitted, OwnTxnID: txn}, []byte("a"))
	require.True(t, ok)
	require.EqualValues(t, 2, e.Offset)

	// A READ_UNCOMMITTED reader sees it too, even without owning it.
	e, ok = w.Lookup(View{Isolation: ReadUncommitted}, []byte("a"))
	require.True(t, ok)
	require.EqualValues(t, 2, e.Offset)

	require.Equal(t, 1, w.LiveTxnCount())
	w.Merge(txn)
	require.Equal(t, 0, w.LiveTxnCount())

	e, ok = w.Lookup(View{}, []byte("a"))
	require.True(t, ok)
	require.EqualValues(t, 2, e.Offset)
}

func TestAbortDiscardsTxn(t *testing.T) {
	w := New()
	txn := w.BeginTxn()
	w.Put(txn, &Entry{Key: []byte("a"), Seqnum: 1, Offset: 1})
	w.Abort(txn)

	_, ok := w.Lookup(View{Isolation: ReadUncommitted}, []byte("a"))
	require.False(t, ok)
	require.Equal(t, 0, w.LiveTxnCount())
}

func TestDrainCommittedOrdersBySeqnum(t *testing.T) {
	w := New()
	w.Put(0, &Entry{Key: []byte("b"), Seqnum: 2, Offset: 20})
	w.Put(0, &Entry{Key: []byte("a"), Seqnum: 1, Offset: 10})
	w.Put(0, &Entry{Key: []byte("c"), Seqnum: 3, Offset: 30})

	drained := w.DrainCommitted()
	require.Len(t, drained, 3)
	require.EqualValues(t, 1, drained[0].Seqnum)
	require.EqualValues(t, 2, drained[1].Seqnum)
	require.EqualValues(t, 3, drained[2].Seqnum)
	require.Equal(t, 0, w.CommittedLen())
}

func TestVisibleEntriesOrderedByKey(t *testing.T) {
	w := New()
	w.Put(0, &Entry{Key: []byte("z"), Seqnum: 1, Offset: 1})
	w.Put(0, &Entry{Key: []byte("a"), Seqnum: 2, Offset: 2})
	w.Put(0, &Entry{Key: []byte("m"), Seqnum: 3, Offset: 3})

	es := w.VisibleEntries(View{})
	require.Len(t, es, 3)
	require.Equal(t, "a", string(es[0].Key))
	require.Equal(t, "m", string(es[1].Key))
	require.Equal(t, "z", string(es[2].Key))
}

func TestOverwriteKeepsOlderSeqIndexEntry(t *testing.T) {
	w := New()
	w.Put(0, &Entry{Key: []byte("a"), Seqnum: 1, Offset: 1})
	w.Put(0, &Entry{Key: []byte("a"), Seqnum: 2, Offset: 2})

	require.Equal(t, 1, w.CommittedLen())
	drained := w.DrainCommitted()
	require.Len(t, drained, 2)
	require.EqualValues(t, 1, drained[0].Seqnum)
	require.EqualValues(t, 2, drained[1].Seqnum)
}

func TestLookupBySeqHonorsIsolation(t *testing.T) {
	w := New()
	w.Put(0, &Entry{Key: []byte("a"), Seqnum: 1, Offset: 1})

	txn := w.BeginTxn()
	w.Put(txn, &Entry{Key: []byte("b"), Seqnum: 2, Offset: 2})

	_, ok := w.LookupBySeq(View{Isolation: ReadCommitted}, 2)
	require.False(t, ok, "uncommitted write not visible under READ_COMMITTED")

	e, ok := w.LookupBySeq(View{Isolation: ReadUncommitted}, 2)
	require.True(t, ok)
	require.EqualValues(t, 2, e.Offset)

	e, ok = w.LookupBySeq(View{}, 1)
	require.True(t, ok)
	require.EqualValues(t, 1, e.Offset)
}

func TestVisibleEntriesBySeqOrderedAndBounded(t *testing.T) {
	w := New()
	w.Put(0, &Entry{Key: []byte("c"), Seqnum: 3, Offset: 3})
	w.Put(0, &Entry{Key: []byte("a"), Seqnum: 1, Offset: 1})
	w.Put(0, &Entry{Key: []byte("b"), Seqnum: 2, Offset: 2})
	w.Put(0, &Entry{Key: []byte("d"), Seqnum: 4, Offset: 4})

	es := w.VisibleEntriesBySeq(View{}, 2, 3)
	require.Len(t, es, 2)
	require.EqualValues(t, 2, es[0].Seqnum)
	require.EqualValues(t, 3, es[1].Seqnum)
}
