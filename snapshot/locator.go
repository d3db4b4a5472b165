// Package snapshot implements durable and in-memory point-in-time
// views (§4.7) and the header-chain search rollback (§4.8) needs.
//
// Grounded on core/state/snapshot/iterator.go and difflayer.go's
// layered-diff read path: a go-ethereum state snapshot is a chain of
// immutable diff layers over a disk layer, read newest-first; basalt's
// in-memory snapshot is the same shape turned inside out — one frozen
// WAL layer over the durable HB-trie "disk layer" — while its durable
// snapshot is a single frozen HB-trie root, the commit-chain analogue
// of difflayer's parent pointer.
package snapshot

import (
	"github.com/basalt-db/basalt/blockfile"
	"github.com/basalt-db/basalt/commit"
	"github.com/basalt-db/basalt/doclog"
	"github.com/basalt-db/basalt/hbtrie"
)

// Locator bundles what header-chain search needs to resolve a target
// seqnum (snapshot_open) or a target upper bound (rollback) into a
// concrete commit header and that KV store's metadata as of it.
type Locator struct {
	BlockFile      *blockfile.File
	Log            *doclog.Log
	CatalogTrieCfg hbtrie.Config
}

func (l *Locator) catalogAt(h *commit.Header) (*commit.Catalog, bool) {
	if !h.HasCatalogRoot {
		return nil, false
	}
	trie := hbtrie.New(l.CatalogTrieCfg, h.CatalogRoot, true)
	return commit.OpenCatalog(l.Log, trie), true
}

// FindBySeqnum walks the chain from (headBid, head) toward older
// headers looking for the one whose recorded last-seqnum for
// storeName equals target exactly, per §4.7's snapshot_open semantics.
func (l *Locator) FindBySeqnum(headBid uint64, head *commit.Header, storeName string, target uint64) (commit.StoreMeta, uint64, bool, error) {
	var (
		found    commit.StoreMeta
		foundBid uint64
		ok       bool
		walkErr  error
	)
	err := commit.WalkChain(l.BlockFile, headBid, head, func(h *commit.Header, bid uint64) bool {
		cat, present := l.catalogAt(h)
		if !present {
			return true
		}
		meta, exists, gerr := cat.Get(storeName)
		if gerr != nil {
			walkErr = gerr
			return false
		}
		if exists && meta.LastSeqnum == target {
			found, foundBid, ok = meta, bid, true
			return false
		}
		return true
	})
	if err != nil {
		return commit.StoreMeta{}, 0, false, err
	}
	if walkErr != nil {
		return commit.StoreMeta{}, 0, false, walkErr
	}
	return found, foundBid, ok, nil
}

// FindForRollback walks the chain from (headBid, head) looking for the
// newest header whose last-seqnum for storeName is <= target. Because
// the walk proceeds newest-to-oldest, the first match found is the
// newest qualifying header, matching §4.8's rollback semantics.
func (l *Locator) FindForRollback(headBid uint64, head *commit.Header, storeName string, target uint64) (commit.StoreMeta, uint64, bool, error) {
	var (
		found    commit.StoreMeta
		foundBid uint64
		ok       bool
		walkErr  error
	)
	err := commit.WalkChain(l.BlockFile, headBid, head, func(h *commit.Header, bid uint64) bool {
		cat, present := l.catalogAt(h)
		if !present {
			return true
		}
		meta, exists, gerr := cat.Get(storeName)
		if gerr != nil {
			walkErr = gerr
			return false
		}
		if exists && meta.LastSeqnum <= target {
			found, foundBid, ok = meta, bid, true
			return false
		}
		return true
	})
	if err != nil {
		return commit.StoreMeta{}, 0, false, err
	}
	if walkErr != nil {
		return commit.StoreMeta{}, 0, false, walkErr
	}
	return found, foundBid, ok, nil
}
