package kvstore

import (
	basalt "github.com/basalt-db/basalt"
	"github.com/basalt-db/basalt/internal/status"
	"github.com/basalt-db/basalt/txn"
)

// Txn is a handle on one file-wide transaction, which may touch any
// number of this File's KV stores (§4.9, §6's BeginTransaction shape).
type Txn struct {
	f       *File
	inner   *txn.Txn
	touched map[string]*storeCore
}

// BeginTransaction mints a new transaction under isolation, spanning
// every store the caller goes on to open through Txn.KVStore.
func (f *File) BeginTransaction(isolation basalt.Isolation) (*Txn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, status.New(status.InvalidArgs)
	}
	return &Txn{f: f, inner: f.txns.Begin(isolation), touched: make(map[string]*storeCore)}, nil
}

// KVStore returns a view of the named store bound to this
// transaction: writes made through it are invisible to handles reading
// under ReadCommitted until End commits them (a ReadUncommitted
// transaction's handle does see them).
func (t *Txn) KVStore(name string) (*KVStore, error) {
	if name == "" {
		name = defaultStoreName
	}
	t.f.mu.RLock()
	core, ok := t.f.stores[name]
	t.f.mu.RUnlock()
	if !ok {
		return nil, status.New(status.NoDBInstance)
	}
	core.wal.AdoptTxn(t.inner.ID)
	t.touched[name] = core
	return &KVStore{f: t.f, name: name, core: core, view: t.inner.View()}, nil
}

// End merges every touched store's buffered writes into its committed
// WAL partition, retires the transaction, then drives a file commit
// under mode (§4.9).
func (t *Txn) End(mode basalt.CommitMode) error {
	for _, core := range t.touched {
		core.wal.Merge(t.inner.ID)
	}
	t.f.txns.End(t.inner)
	return t.f.Commit(mode)
}

// Abort discards every touched store's buffered writes under this
// transaction and retires it without committing anything.
func (t *Txn) Abort() error {
	for _, core := range t.touched {
		core.wal.Abort(t.inner.ID)
	}
	t.f.txns.Abort(t.inner)
	return nil
}
