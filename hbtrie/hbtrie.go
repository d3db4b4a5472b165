// Package hbtrie implements the hierarchical B-trie (§4.4): an
// ordered map from a variable-length byte key (1..64KiB) to a
// document-log offset, built as layered bptree.Tree instances, each
// level consuming one fixed-width chunk of the key.
//
// Grounded on trie/stacktrie.go's nibble-wise descent and
// getDiffIndex/insert dispatch (emptyNode -> leafNode -> branchNode
// promotion on divergence): hbtrie promotes a level-local entry from a
// single inline (terminal) cell into a pointer to a child bptree.Tree
// exactly when a second key shares that level's chunk, the
// byte-chunk analogue of stacktrie's nibble-by-nibble branch creation.
// Since a terminal cell carries only a doc-log offset, not the full
// key, resolving a collision reads the colliding key back out of the
// log via Config.KeyAt before deciding whether it's an update of the
// same key or a genuine divergence to demote into a new subtree.
package hbtrie

import (
	"bytes"
	"encoding/binary"

	"github.com/basalt-db/basalt/bptree"
	"github.com/basalt-db/basalt/blockfile"
	"github.com/basalt-db/basalt/cache"
)

const (
	tagTerminal byte = 0 // value is a doc-log offset; key ends at/before this level
	tagChild    byte = 1 // value is the bid of the next-level bptree.Tree root
)

// valueSize is 1 tag byte + 8 bytes payload (doc offset or child bid).
const valueSize = 9

// Config carries the chunking width and the shared block backing
// store all levels are built on.
//
// KeyAt resolves a terminal entry's doc-log offset back to the full
// original key it was filed under — needed only on the rare path
// where a second key collides with an existing terminal at the same
// chunk, mirroring the real HB-trie's own resolution strategy: it
// does not carry full keys inline either, and instead reads the
// colliding document back from the log to compare/re-home it.
type Config struct {
	ChunkSize  int
	BlockFile  *blockfile.File
	Cache      *cache.Cache
	Comparator bptree.Comparator
	KeyAt      func(offset uint64) ([]byte, error)
}

// Trie is a handle bound to one top-level root bid (or none, for an
// empty trie).
type Trie struct {
	cfg     Config
	topRoot uint64
	hasTop  bool
}

// New wraps an existing top-level root bid.
func New(cfg Config, topRoot uint64, hasTop bool) *Trie {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 8
	}
	return &Trie{cfg: cfg, topRoot: topRoot, hasTop: hasTop}
}

func (t *Trie) Root() (uint64, bool) { return t.topRoot, t.hasTop }

// chunkAt returns the chunkSize-byte slice of key at the given level,
// zero-padded if key is shorter. Per §9's open question, this fixed
// padding scheme can misorder keys that legitimately contain embedded
// zero bytes at a chunk boundary shared with a shorter sibling key;
// basalt accepts this as an implementation-latitude tradeoff (any
// fixed chunk width >= 4 "satisfies correctness" per the spec, and
// real workloads' keys are rarely zero-padded ambiguous prefixes of
// one another) rather than carrying a length-disambiguated wire format.
func chunkAt(key []byte, level, chunkSize int) ([]byte, bool) {
	start := level * chunkSize
	chunk := make([]byte, chunkSize)
	if start >= len(key) {
		return chunk, true // fully consumed: key ends at/before this level
	}
	end := start + chunkSize
	more := end < len(key)
	n := copy(chunk, key[start:])
	_ = n
	return chunk, !more
}

func (t *Trie) treeAt(root uint64, hasRoot bool) *bptree.Tree {
	return bptree.New(bptree.Config{
		KeySize:    t.cfg.ChunkSize,
		ValueSize:  valueSize,
		Comparator: t.cfg.Comparator,
		BlockFile:  t.cfg.BlockFile,
		Cache:      t.cfg.Cache,
	}, root, hasRoot)
}

func encodeTerminal(offset uint64) []byte {
	v := make([]byte, valueSize)
	v[0] = tagTerminal
	binary.BigEndian.PutUint64(v[1:], offset)
	return v
}

func encodeChild(bid uint64) []byte {
	v := make([]byte, valueSize)
	v[0] = tagChild
	binary.BigEndian.PutUint64(v[1:], bid)
	return v
}

func decodeValue(v []byte) (tag byte, payload uint64) {
	return v[0], binary.BigEndian.Uint64(v[1:])
}

// Find returns the document offset for key, or (0, false) if absent.
func (t *Trie) Find(key []byte) (uint64, bool, error) {
	root, hasRoot := t.topRoot, t.hasTop
	for level := 0; ; level++ {
		if !hasRoot {
			return 0, false, nil
		}
		tree := t.treeAt(root, hasRoot)
		chunk, _ := chunkAt(key, level, t.cfg.ChunkSize)
		v, err := tree.Find(chunk)
		if err != nil {
			return 0, false, err
		}
		if v == nil {
			return 0, false, nil
		}
		tag, payload := decodeValue(v)
		if tag == tagTerminal {
			return payload, true, nil
		}
		root, hasRoot = payload, true
	}
}

// Insert maps key -> offset, returning the new top-level root bid.
func (t *Trie) Insert(key []byte, offset uint64) (uint64, error) {
	newTop, err := t.insertLevel(t.topRoot, t.hasTop, key, 0, offset)
	if err != nil {
		return 0, err
	}
	t.topRoot, t.hasTop = newTop, true
	return newTop, nil
}

func (t *Trie) insertLevel(root uint64, hasRoot bool, key []byte, level int, offset uint64) (uint64, error) {
	tree := t.treeAt(root, hasRoot)
	chunk, _ := chunkAt(key, level, t.cfg.ChunkSize)

	existing, err := tree.Find(chunk)
	if err != nil {
		return 0, err
	}
	if existing == nil {
		// First key through this chunk at this level: insert directly
		// as a terminal inline entry rather than eagerly allocating a
		// child subtree — the prefix-compression-by-deferral described
		// in §4.4 (a chain of single-entry subtrees never materializes
		// until a second key actually diverges here).
		newRoot, err := tree.Insert(chunk, encodeTerminal(offset))
		if err != nil {
			return 0, err
		}
		return newRoot, nil
	}

	tag, payload := decodeValue(existing)
	if tag == tagChild {
		childTop, err := t.insertLevel(payload, true, key, level+1, offset)
		if err != nil {
			return 0, err
		}
		return tree.Insert(chunk, encodeChild(childTop))
	}

	// tag == tagTerminal: a different key may have previously ended
	// exactly at this chunk. Resolve the ambiguity by reading back the
	// key that terminal entry actually belongs to.
	oldKey, err := t.cfg.KeyAt(payload)
	if err != nil {
		return 0, err
	}
	if bytes.Equal(oldKey, key) {
		// Same key reinserted (update): overwrite the terminal in place,
		// no subtree needed.
		return tree.Insert(chunk, encodeTerminal(offset))
	}
	// Genuinely different keys sharing this chunk: demote both into a
	// freshly created child subtree at level+1, re-homing the old
	// terminal's (key, offset) alongside the new one.
	childTop, err := t.insertLevel(0, false, oldKey, level+1, payload)
	if err != nil {
		return 0, err
	}
	childTop, err = t.insertLevel(childTop, true, key, level+1, offset)
	if err != nil {
		return 0, err
	}
	return tree.Insert(chunk, encodeChild(childTop))
}

// Delete removes key, returning the new top-level root bid and whether
// it existed. A child subtree left with zero entries stays linked from
// its parent level as an empty subtree; it is not collapsed back into
// the parent.
func (t *Trie) Delete(key []byte) (uint64, bool, error) {
	newTop, existed, err := t.deleteLevel(t.topRoot, t.hasTop, key, 0)
	if err != nil {
		return 0, false, err
	}
	t.topRoot, t.hasTop = newTop, true
	return newTop, existed, nil
}

func (t *Trie) deleteLevel(root uint64, hasRoot bool, key []byte, level int) (uint64, bool, error) {
	tree := t.treeAt(root, hasRoot)
	chunk, last := chunkAt(key, level, t.cfg.ChunkSize)

	if last {
		existing, err := tree.Find(chunk)
		if err != nil || existing == nil {
			return root, false, err
		}
		if tag, childBid := decodeValue(existing); tag == tagChild {
			// key was previously demoted into a child subtree (a later,
			// longer sibling collided with it) — recurse rather than
			// deleting the whole subtree out from under that sibling.
			childTop, existed, err := t.deleteLevel(childBid, true, key, level+1)
			if err != nil || !existed {
				return root, existed, err
			}
			newRoot, err := tree.Insert(chunk, encodeChild(childTop))
			return newRoot, true, err
		}
		newRoot, existed, err := tree.Remove(chunk)
		return newRoot, existed, err
	}

	existing, err := tree.Find(chunk)
	if err != nil || existing == nil {
		return root, false, err
	}
	tag, payload := decodeValue(existing)
	if tag == tagTerminal {
		return root, false, nil // a different, shorter key occupies this slot
	}
	childTop, existed, err := t.deleteLevel(payload, true, key, level+1)
	if err != nil || !existed {
		return root, existed, err
	}
	newRoot, err := tree.Insert(chunk, encodeChild(childTop))
	return newRoot, true, err
}
