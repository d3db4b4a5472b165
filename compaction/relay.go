// relay.go adapts ethdb/relaydb's primary/secondary read-through
// pattern (Get tries primary first, falls back to secondary, counting
// hits/misses) to the one place basalt has the same shape problem:
// while a compaction's delta is being replayed into the new file, a
// key's newest value may live in the still-in-memory delta buffer
// (primary, fast, newest) or may only exist in the already-bulk-copied
// destination trie (secondary, authoritative for anything the delta
// never touched).
package compaction

// Reader is anything relay can fall through to.
type Reader interface {
	Get(key []byte) ([]byte, bool, error)
}

// Relay tries primary, then secondary, tracking hit/miss counts the
// same way the teacher's relaydb.Database does.
type Relay struct {
	primary, secondary Reader
	hits, misses       int
}

// NewRelay builds a Relay over primary (consulted first) and secondary
// (the fallback).
func NewRelay(primary, secondary Reader) *Relay {
	return &Relay{primary: primary, secondary: secondary}
}

// Get returns the first match from primary, else secondary.
func (r *Relay) Get(key []byte) ([]byte, bool, error) {
	v, ok, err := r.primary.Get(key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		r.hits++
		return v, true, nil
	}
	r.misses++
	return r.secondary.Get(key)
}

// Efficiency reports how often primary served the read versus falling
// through to secondary.
func (r *Relay) Efficiency() (hits, misses int) { return r.hits, r.misses }

// mapReader is a Reader backed by a plain in-memory map, used for the
// delta buffer side of a Relay.
type mapReader map[string][]byte

func (m mapReader) Get(key []byte) ([]byte, bool, error) {
	v, ok := m[string(key)]
	return v, ok, nil
}
