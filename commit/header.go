// Package commit implements the commit header format and backward-scan
// crash recovery (§4.6): a back-chained, self-describing block written
// at the end of every commit, plus the multi-KV-store catalog it
// points to.
//
// Grounded on core/rawdb/freezer_table.go's own header/index framing
// (a fixed-layout record with a magic number and a version byte
// guarding format drift) and on trie/stacktrie.go-style root-bid
// bookkeeping; the backward-chain walk itself is new to basalt since
// go-ethereum's freezer never needed to recover a root from a chain of
// self-referential headers — that part is grounded directly on
// original_source's `hdr_bid`/`prev_hdr_bid` back-reference scheme.
package commit

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/basalt-db/basalt/blockfile"
)

// Magic identifies a basalt commit header block amongst document and
// node blocks sharing the same file.
const Magic uint64 = 0xBA5A17DB00C0FFEE

// Version guards the on-disk header layout.
const Version uint16 = 1

// headerBodySize is everything after the marker byte and before the
// trailing CRC: magic(8) + version(2) + timestamp(8) + hasPrev(1) +
// prevBid(8) + hasCatalogRoot(1) + catalogRoot(8).
const headerBodySize = 8 + 2 + 8 + 1 + 8 + 1 + 8

// Header is one commit's durable record: a back-pointer to the prior
// header (forming the recovery chain) and the root of the KV-store
// catalog live as of this commit.
type Header struct {
	Timestamp      uint64
	HasPrev        bool
	PrevBid        uint64
	HasCatalogRoot bool
	CatalogRoot    uint64
}

func (h *Header) marshal(blockSize uint32) []byte {
	buf := make([]byte, blockSize)
	buf[0] = byte(blockfile.MarkerHeader)
	p := buf[1:]
	binary.BigEndian.PutUint64(p[0:8], Magic)
	binary.BigEndian.PutUint16(p[8:10], Version)
	binary.BigEndian.PutUint64(p[10:18], h.Timestamp)
	p[18] = boolByte(h.HasPrev)
	binary.BigEndian.PutUint64(p[19:27], h.PrevBid)
	p[27] = boolByte(h.HasCatalogRoot)
	binary.BigEndian.PutUint64(p[28:36], h.CatalogRoot)
	crc := crc32.ChecksumIEEE(buf[1 : 1+headerBodySize])
	binary.BigEndian.PutUint32(buf[1+headerBodySize:1+headerBodySize+4], crc)
	return buf
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// unmarshalHeader validates marker, magic, version and CRC, returning
// (nil, false) for any block that is not a well-formed header —
// including the "genuinely corrupt" case distinguished by classify.
func unmarshalHeader(buf []byte) (*Header, bool) {
	if len(buf) < 1+headerBodySize+4 || blockfile.Marker(buf[0]) != blockfile.MarkerHeader {
		return nil, false
	}
	body := buf[1 : 1+headerBodySize]
	wantCRC := binary.BigEndian.Uint32(buf[1+headerBodySize : 1+headerBodySize+4])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, false
	}
	if binary.BigEndian.Uint64(body[0:8]) != Magic {
		return nil, false
	}
	if binary.BigEndian.Uint16(body[8:10]) != Version {
		return nil, false
	}
	h := &Header{
		Timestamp:      binary.BigEndian.Uint64(body[10:18]),
		HasPrev:        body[18] == 1,
		PrevBid:        binary.BigEndian.Uint64(body[19:27]),
		HasCatalogRoot: body[27] == 1,
		CatalogRoot:    binary.BigEndian.Uint64(body[28:36]),
	}
	return h, true
}

// Write appends h as a new block (headers are never rewritten in
// place; each commit chains to the previous one by bid).
func Write(bf *blockfile.File, h *Header) (uint64, error) {
	return bf.Append(h.marshal(bf.BlockSize()))
}

// Read loads and validates the header at bid.
func Read(bf *blockfile.File, bid uint64) (*Header, error) {
	buf, err := bf.ReadBlock(bid)
	if err != nil {
		return nil, err
	}
	h, ok := unmarshalHeader(buf)
	if !ok {
		return nil, ErrNotAHeader
	}
	return h, nil
}
