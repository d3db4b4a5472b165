// Package doclog packs variable-length documents into the fixed-size
// blocks of a blockfile.File, length-prefixed and CRC-protected,
// exactly as core/rawdb/freezer_table.go packs variable-length blobs
// into an index+data file pair — except here index and data share one
// block-addressed file, and a record may span more than one block.
package doclog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/golang/snappy"

	"github.com/basalt-db/basalt/blockfile"
	"github.com/basalt-db/basalt/cache"
	"github.com/basalt-db/basalt/internal/status"
)

// Document is the self-delimited unit of storage (§3).
type Document struct {
	Key     []byte
	Meta    []byte
	Body    []byte
	Seqnum  uint64
	Deleted bool
}

// recordHeader is fixed-width and precedes every record's variable
// payload; crc32 is computed over everything that follows it.
type recordHeader struct {
	keyLen     uint32
	metaLen    uint32
	bodyLen    uint32 // length of the (possibly snappy-compressed) body
	seqnum     uint64
	deleted    uint8
	crc        uint32
}

const recordHeaderSize = 4 + 4 + 4 + 8 + 1 + 4

var (
	ErrCorrupt = errors.New("doclog: checksum mismatch")
)

// Log appends documents to a blockfile and reads them back by offset.
// Offset is an absolute byte position: bid*blockSize + intra-block pos.
type Log struct {
	bf        *blockfile.File
	cache     *cache.Cache
	blockSize uint32

	curBid uint64
	buf    []byte // partially-filled current block, length == blockSize
	pos    uint32 // write cursor within buf
}

// Open wraps an already-open blockfile.File with document packing.
// If the file is non-empty, the caller is responsible for having
// already recovered/truncated it to a block boundary (commit's job).
func Open(bf *blockfile.File, c *cache.Cache) *Log {
	size := bf.BlockSize()
	l := &Log{bf: bf, cache: c, blockSize: size}
	l.startNewBlock()
	return l
}

func (l *Log) startNewBlock() {
	l.buf = make([]byte, l.blockSize)
	l.buf[0] = byte(blockfile.MarkerDocument)
	l.pos = 1
	l.curBid = l.bf.Frontier()
}

func marshalHeader(h recordHeader) []byte {
	b := make([]byte, recordHeaderSize)
	binary.BigEndian.PutUint32(b[0:4], h.keyLen)
	binary.BigEndian.PutUint32(b[4:8], h.metaLen)
	binary.BigEndian.PutUint32(b[8:12], h.bodyLen)
	binary.BigEndian.PutUint64(b[12:20], h.seqnum)
	b[20] = h.deleted
	binary.BigEndian.PutUint32(b[21:25], h.crc)
	return b
}

func unmarshalHeader(b []byte) recordHeader {
	return recordHeader{
		keyLen:  binary.BigEndian.Uint32(b[0:4]),
		metaLen: binary.BigEndian.Uint32(b[4:8]),
		bodyLen: binary.BigEndian.Uint32(b[8:12]),
		seqnum:  binary.BigEndian.Uint64(b[12:20]),
		deleted: b[20],
		crc:     binary.BigEndian.Uint32(b[21:25]),
	}
}

// Append serializes doc and writes it, spanning blocks as needed,
// returning the stable byte offset of its first byte.
func (l *Log) Append(doc *Document) (uint64, error) {
	body := doc.Body
	if body == nil {
		body = []byte{}
	}
	compressed := snappy.Encode(nil, body)

	payload := make([]byte, 0, len(doc.Key)+len(doc.Meta)+len(compressed))
	payload = append(payload, doc.Key...)
	payload = append(payload, doc.Meta...)
	payload = append(payload, compressed...)

	crc := crc32.ChecksumIEEE(payload)
	deleted := uint8(0)
	if doc.Deleted {
		deleted = 1
	}
	hdr := marshalHeader(recordHeader{
		keyLen:  uint32(len(doc.Key)),
		metaLen: uint32(len(doc.Meta)),
		bodyLen: uint32(len(compressed)),
		seqnum:  doc.Seqnum,
		deleted: deleted,
		crc:     crc,
	})

	record := append(hdr, payload...)
	// length-prefix the whole record so Read knows how many bytes (and
	// therefore how many spanned blocks) to gather before decoding.
	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(len(record)))
	record = append(lenPrefix, record...)

	startBid := l.curBid
	startPos := l.pos
	offset := startBid*uint64(l.blockSize) + uint64(startPos)

	if err := l.writeSpanning(record); err != nil {
		return 0, err
	}
	return offset, nil
}

// writeSpanning copies data into the current block buffer, rolling
// over to freshly appended blocks as the buffer fills.
func (l *Log) writeSpanning(data []byte) error {
	for len(data) > 0 {
		room := int(l.blockSize) - int(l.pos)
		n := len(data)
		if n > room {
			n = room
		}
		copy(l.buf[l.pos:], data[:n])
		l.pos += uint32(n)
		data = data[n:]

		if l.pos == l.blockSize {
			if err := l.sealBlock(); err != nil {
				return err
			}
		}
	}
	return nil
}

// sealBlock appends the filled buffer to the file as a new block,
// caches that image (marked dirty) and starts the next one. A sealed
// block is never modified by later appends.
func (l *Log) sealBlock() error {
	bid, err := l.bf.Append(l.buf)
	if err != nil {
		return err
	}
	l.cache.Put(bid, l.buf, true, false)
	l.startNewBlock()
	return nil
}

// Flush seals a partially-filled trailing block so everything written
// so far is addressable and durable-eligible, used right before a
// commit header is written (a commit must not leave buffered document
// bytes that no bid yet addresses).
func (l *Log) Flush() error {
	if l.pos <= 1 {
		return nil // nothing but the marker byte written
	}
	return l.sealBlock()
}

// readRecord gathers offset's spanned blocks, validates its length and
// CRC, and splits out key/meta/compBody without decompressing the
// body — the part Read and ReadMetaOnly share. The CRC covers the
// whole payload (key+meta+compressed body), so the compressed bytes
// always have to be read off disk and verified; only decompression is
// optional, done by the caller.
func (l *Log) readRecord(offset uint64) (hdr recordHeader, key, meta, compBody []byte, err error) {
	bid := offset / uint64(l.blockSize)
	start := uint32(offset % uint64(l.blockSize))

	var gathered []byte
	need := -1
	for need < 0 || len(gathered) < need {
		block, berr := l.readBlock(bid)
		if berr != nil {
			return recordHeader{}, nil, nil, nil, berr
		}
		gathered = append(gathered, block[start:]...)
		if need < 0 && len(gathered) >= 4 {
			need = int(binary.BigEndian.Uint32(gathered[:4])) + 4
		}
		bid++
		start = 1 // every continuation block's first byte is its marker
	}
	gathered = gathered[4:need]

	if len(gathered) < recordHeaderSize {
		return recordHeader{}, nil, nil, nil, status.Wrap(status.FileCorruption, errors.New("doclog: truncated record"))
	}
	hdr = unmarshalHeader(gathered[:recordHeaderSize])
	payload := gathered[recordHeaderSize:]

	expectLen := int(hdr.keyLen) + int(hdr.metaLen) + int(hdr.bodyLen)
	if len(payload) != expectLen {
		return recordHeader{}, nil, nil, nil, status.Wrap(status.FileCorruption, errors.New("doclog: length mismatch"))
	}
	if crc32.ChecksumIEEE(payload) != hdr.crc {
		return recordHeader{}, nil, nil, nil, status.Wrap(status.ChecksumError, ErrCorrupt)
	}

	key = payload[:hdr.keyLen]
	meta = payload[hdr.keyLen : hdr.keyLen+hdr.metaLen]
	compBody = payload[hdr.keyLen+hdr.metaLen:]
	return hdr, key, meta, compBody, nil
}

// Read decodes the document whose Append returned offset.
func (l *Log) Read(offset uint64) (*Document, error) {
	hdr, key, meta, compBody, err := l.readRecord(offset)
	if err != nil {
		return nil, err
	}
	body, err := snappy.Decode(nil, compBody)
	if err != nil {
		return nil, status.Wrap(status.CompressionFail, err)
	}

	return &Document{
		Key:     bytes.Clone(key),
		Meta:    bytes.Clone(meta),
		Body:    body,
		Seqnum:  hdr.seqnum,
		Deleted: hdr.deleted != 0,
	}, nil
}

// ReadMetaOnly decodes the header, seqnum, key and meta of a record
// without decompressing or copying the body — the implementation of
// §6's get_metaonly fast path. The compressed body still has to be
// read off disk and CRC-validated along with the rest of the record
// (the checksum covers the whole payload), but the snappy.Decode call
// and the body allocation/copy it would need are skipped entirely.
func (l *Log) ReadMetaOnly(offset uint64) (*Document, error) {
	hdr, key, meta, _, err := l.readRecord(offset)
	if err != nil {
		return nil, err
	}
	return &Document{
		Key:     bytes.Clone(key),
		Meta:    bytes.Clone(meta),
		Body:    nil,
		Seqnum:  hdr.seqnum,
		Deleted: hdr.deleted != 0,
	}, nil
}

// RecordSize reports the on-disk byte size (header + key + meta +
// compressed body, excluding the 4-byte length prefix and any block
// marker bytes) of the record at offset, without decompressing its
// body — used by SpaceUsage's live-byte accounting.
func (l *Log) RecordSize(offset uint64) (uint64, error) {
	hdr, _, _, _, err := l.readRecord(offset)
	if err != nil {
		return 0, err
	}
	return uint64(recordHeaderSize) + uint64(hdr.keyLen) + uint64(hdr.metaLen) + uint64(hdr.bodyLen), nil
}

func (l *Log) readBlock(bid uint64) ([]byte, error) {
	if b := l.cache.Get(bid, false); b != nil {
		return b, nil
	}
	b, err := l.bf.ReadBlock(bid)
	if err != nil {
		return nil, err
	}
	l.cache.Put(bid, b, false, false)
	return b, nil
}
