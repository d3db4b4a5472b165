package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basalt-db/basalt/internal/status"
	"github.com/basalt-db/basalt/wal"
)

func TestBeginEndMergesIntoCommitted(t *testing.T) {
	m := New()
	w := wal.New()

	tx := m.Begin(wal.ReadCommitted)
	require.Equal(t, 1, m.LiveCount())

	w.AdoptTxn(tx.ID)
	w.Put(tx.ID, &wal.Entry{Key: []byte("a"), Seqnum: 1, Offset: 1})

	_, ok := w.Lookup(wal.View{}, []byte("a"))
	require.False(t, ok, "not yet merged")

	w.Merge(tx.ID)
	m.End(tx)
	require.Equal(t, 0, m.LiveCount())
	e, ok := w.Lookup(wal.View{}, []byte("a"))
	require.True(t, ok)
	require.EqualValues(t, 1, e.Offset)
}

func TestAbortDropsTxn(t *testing.T) {
	m := New()
	w := wal.New()
	tx := m.Begin(wal.ReadCommitted)
	w.AdoptTxn(tx.ID)
	w.Put(tx.ID, &wal.Entry{Key: []byte("a"), Offset: 1})

	w.Abort(tx.ID)
	m.Abort(tx)

	_, ok := w.Lookup(wal.View{Isolation: wal.ReadUncommitted}, []byte("a"))
	require.False(t, ok)
	require.Equal(t, 0, m.LiveCount())
}

func TestCheckNoLiveTxn(t *testing.T) {
	m := New()
	require.NoError(t, m.CheckNoLiveTxn())

	tx := m.Begin(wal.ReadCommitted)
	err := m.CheckNoLiveTxn()
	require.Error(t, err)
	require.Equal(t, status.FailByTransaction, status.Of(err))

	m.End(tx)
	require.NoError(t, m.CheckNoLiveTxn())
}
