// Package txn implements the transaction manager (§4.9, §5): a
// file-wide registry of live transaction ids and isolation levels,
// plus the file-level commit mutex that serializes commits across
// handles and lets rollback detect a live transaction. A single
// transaction can span every KV store in a file (§6's
// BeginTransaction/Txn.KVStore shape), so Manager itself does not own
// any one store's wal.WAL — callers adopt its minted id into whichever
// stores' WALs a transaction actually touches (wal.WAL.AdoptTxn) and
// merge or abort each of those WALs individually at End/Abort time.
//
// Grounded on core/state/pruner/pruner.go's lock-held-during-commit
// discipline (a single mutex guards the "swap to a new state root"
// step the same way it guards "swap to a new header" here) and on
// go-ethereum's general pattern of a thin manager type wrapping a
// lower-level mutable structure (here wal.WAL) with lifecycle and
// locking on top.
package txn

import (
	"sync"

	"github.com/basalt-db/basalt/internal/status"
	"github.com/basalt-db/basalt/wal"
)

// Txn is a live transaction handle.
type Txn struct {
	ID        uint64
	Isolation wal.Isolation
}

// View returns the wal.View this transaction's reads should use.
func (t *Txn) View() wal.View {
	return wal.View{Isolation: t.Isolation, OwnTxnID: t.ID}
}

// Manager mints transaction ids for one file and tracks which are
// currently live, independent of any particular KV store's WAL.
type Manager struct {
	commitMu sync.Mutex

	mu     sync.Mutex
	nextID uint64
	live   map[uint64]*Txn
}

// New creates an empty, file-scoped transaction manager.
func New() *Manager {
	return &Manager{live: make(map[uint64]*Txn)}
}

// Begin mints a new transaction id under the given isolation level.
// The caller must still call wal.WAL.AdoptTxn(t.ID) on every store's
// WAL the transaction goes on to touch.
func (m *Manager) Begin(isolation wal.Isolation) *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := &Txn{ID: m.nextID, Isolation: isolation}
	m.live[t.ID] = t
	return t
}

// End retires t. The caller is responsible for first calling
// wal.WAL.Merge(t.ID) on every store t touched (making its writes
// visible) and then driving the durable commit under the requested
// mode — writing the header is a file-level concern this package
// doesn't own.
func (m *Manager) End(t *Txn) {
	m.mu.Lock()
	delete(m.live, t.ID)
	m.mu.Unlock()
}

// Abort retires t. The caller must first call wal.WAL.Abort(t.ID) on
// every store t touched.
func (m *Manager) Abort(t *Txn) {
	m.mu.Lock()
	delete(m.live, t.ID)
	m.mu.Unlock()
}

// LiveCount reports how many transactions are currently open.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// LockCommit acquires the file-level commit mutex; callers must hold
// it across a header write and root swap.
func (m *Manager) LockCommit()   { m.commitMu.Lock() }
func (m *Manager) UnlockCommit() { m.commitMu.Unlock() }

// CheckNoLiveTxn returns FAIL_BY_TRANSACTION if any transaction is
// currently open, the precondition rollback requires (§4.8).
func (m *Manager) CheckNoLiveTxn() error {
	if m.LiveCount() > 0 {
		return status.New(status.FailByTransaction)
	}
	return nil
}
