package basalt

import (
	"github.com/basalt-db/basalt/doclog"
	"github.com/basalt-db/basalt/wal"
)

// Document is the full record shape Set/Get operate on — a direct
// alias of doclog.Document since the wire format and the public API's
// idea of "a document" are the same thing in basalt.
type Document = doclog.Document

// CommitMode selects commit's behavior (§4.6).
type CommitMode int

const (
	CommitNormal CommitMode = iota
	CommitManualWALFlush
)

// Isolation selects a transaction's read visibility (§4.9).
type Isolation = wal.Isolation

const (
	ReadCommitted   = wal.ReadCommitted
	ReadUncommitted = wal.ReadUncommitted
)

// SeekDirection controls Iterator.Seek's direction.
type SeekDirection int

const (
	SeekForward SeekDirection = iota
	SeekBackward
)

// IterOptions controls iteration flags; reserved for future expansion
// (e.g. key-only vs full-document iteration) without changing the
// Iterator method signatures.
type IterOptions struct {
	MetaOnly bool
}

// KVStoreInfo answers get_kvs_info (§6).
type KVStoreInfo struct {
	File       string
	Name       string
	DocCount   uint64
	LastSeqnum uint64
}

// KVMarker is one KV store's position within a SnapMarkerGroup.
type KVMarker struct {
	StoreName string
	Seqnum    uint64
}

// SnapMarkerGroup is one commit header's enumerable snapshot targets
// (EXPANSION item 3, get_all_snap_markers).
type SnapMarkerGroup struct {
	Seqnum  uint64
	Markers []KVMarker
}
