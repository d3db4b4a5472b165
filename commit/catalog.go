package commit

import (
	"encoding/binary"

	"github.com/basalt-db/basalt/doclog"
	"github.com/basalt-db/basalt/hbtrie"
)

// StoreMeta is one KV store's durable position: the roots of its
// by-key and by-seqnum HB-tries and the last seqnum it has committed
// (§3's commit header carries "root bid of each KV store's key-index
// and seqnum-index").
type StoreMeta struct {
	HasRoot    bool
	Root       uint64
	HasSeqRoot bool
	SeqRoot    uint64
	LastSeqnum uint64
}

const storeMetaSize = 1 + 8 + 1 + 8 + 8

func (m StoreMeta) marshal() []byte {
	buf := make([]byte, storeMetaSize)
	buf[0] = boolByte(m.HasRoot)
	binary.BigEndian.PutUint64(buf[1:9], m.Root)
	buf[9] = boolByte(m.HasSeqRoot)
	binary.BigEndian.PutUint64(buf[10:18], m.SeqRoot)
	binary.BigEndian.PutUint64(buf[18:26], m.LastSeqnum)
	return buf
}

func unmarshalStoreMeta(buf []byte) StoreMeta {
	return StoreMeta{
		HasRoot:    buf[0] == 1,
		Root:       binary.BigEndian.Uint64(buf[1:9]),
		HasSeqRoot: buf[9] == 1,
		SeqRoot:    binary.BigEndian.Uint64(buf[10:18]),
		LastSeqnum: binary.BigEndian.Uint64(buf[18:26]),
	}
}

// Catalog is the live KV-store namespace directory (EXPANSION item 4):
// a map from store name to StoreMeta, itself stored as an HB-trie
// whose terminal offsets point at doclog records holding the
// marshaled StoreMeta — the same key->offset shape every other
// HB-trie in basalt uses, so the catalog rides the same commit and
// compaction machinery as ordinary KV data instead of needing its own
// format.
type Catalog struct {
	trie *hbtrie.Trie
	log  *doclog.Log
}

// OpenCatalog wraps an existing (or empty) catalog root.
func OpenCatalog(log *doclog.Log, trie *hbtrie.Trie) *Catalog {
	return &Catalog{trie: trie, log: log}
}

// Root returns the catalog's current HB-trie root, to be stored in
// the next commit Header.
func (c *Catalog) Root() (uint64, bool) { return c.trie.Root() }

// Get looks up one store's metadata by name.
func (c *Catalog) Get(name string) (StoreMeta, bool, error) {
	offset, ok, err := c.trie.Find([]byte(name))
	if err != nil || !ok {
		return StoreMeta{}, false, err
	}
	doc, err := c.log.Read(offset)
	if err != nil {
		return StoreMeta{}, false, err
	}
	return unmarshalStoreMeta(doc.Body), true, nil
}

// Put durably records name's metadata, returning the catalog's new
// HB-trie root.
func (c *Catalog) Put(name string, m StoreMeta) (uint64, error) {
	offset, err := c.log.Append(&doclog.Document{Key: []byte(name), Body: m.marshal()})
	if err != nil {
		return 0, err
	}
	return c.trie.Insert([]byte(name), offset)
}

// List enumerates every store name currently in the catalog, in
// ascending order.
func (c *Catalog) List() ([]string, error) {
	cur, err := c.trie.Iterate(nil)
	if err != nil {
		return nil, err
	}
	var names []string
	for cur.Valid() {
		names = append(names, string(cur.Key()))
		cur.Next()
	}
	return names, nil
}
