// Package blockfile implements the byte-addressable, durable,
// append-capable file abstraction that every layer above it is built
// on: fixed-size blocks addressed by a monotonically increasing bid,
// written with pwrite/pread, made durable with fsync, and only ever
// grown, never shrunk except by an explicit truncate of torn tail
// bytes during recovery.
//
// Grounded on core/rawdb/freezer_table.go's repair()/Append()/
// Retrieve()/Sync() shape: os.File opened O_RDWR|O_CREATE, offsets
// computed in Go rather than relying on the OS append cursor so that
// concurrent readers can compute byte ranges without racing a writer.
package blockfile

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/basalt-db/basalt/internal/rlog"
	"github.com/basalt-db/basalt/internal/status"
)

// Marker is the first byte of every block, identifying its owner.
type Marker byte

const (
	MarkerDocument Marker = 'D'
	MarkerNode     Marker = 'N'
	MarkerHeader   Marker = 'H'
	MarkerFree     Marker = 0
)

var (
	errClosed   = errors.New("blockfile: closed")
	errOOB      = errors.New("blockfile: bid out of bounds")
	errBadWrite = errors.New("blockfile: short write")
)

// File is a fixed-size-block append-only file.
type File struct {
	mu        sync.RWMutex
	f         *os.File
	path      string
	blockSize uint32
	frontier  uint64 // next bid to be allocated by Append
	useMmap   bool
	mmap      mmap.MMap
	logger    rlog.Logger
}

// Open opens (creating if needed) a block file at path with the given
// fixed block size.
func Open(path string, blockSize uint32, create bool, useMmap bool) (*File, error) {
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, status.Wrap(status.OpenFail, err)
	}
	bf := &File{
		f:         f,
		path:      path,
		blockSize: blockSize,
		useMmap:   useMmap,
		logger:    rlog.New("component", "blockfile", "path", path),
	}
	if err := bf.recomputeFrontier(); err != nil {
		f.Close()
		return nil, err
	}
	if useMmap {
		if err := bf.remap(); err != nil {
			bf.logger.Warn("mmap unavailable, falling back to pread", "err", err)
			bf.useMmap = false
		}
	}
	return bf, nil
}

// remap (re)establishes the read-only mmap window over the file's
// current extent. Used only for the read path; writes always go
// through pwrite so the frontier accounting above stays authoritative.
func (bf *File) remap() error {
	if bf.mmap != nil {
		bf.mmap.Unmap()
		bf.mmap = nil
	}
	if bf.frontier == 0 {
		return nil
	}
	m, err := mmap.MapRegion(bf.f, int(bf.frontier*uint64(bf.blockSize)), mmap.RDONLY, 0, 0)
	if err != nil {
		return err
	}
	bf.mmap = m
	return nil
}

func (bf *File) recomputeFrontier() error {
	st, err := bf.f.Stat()
	if err != nil {
		return status.Wrap(status.ReadFail, err)
	}
	size := st.Size()
	// A torn trailing partial block is dropped silently; the owner
	// above (commit recovery) is responsible for deciding whether the
	// last whole block is a valid header or must itself be discarded.
	whole := uint64(size) / uint64(bf.blockSize)
	bf.frontier = whole
	return nil
}

// BlockSize returns the fixed block size.
func (bf *File) BlockSize() uint32 { return bf.blockSize }

// Frontier returns the next bid Append would allocate.
func (bf *File) Frontier() uint64 {
	return atomic.LoadUint64(&bf.frontier)
}

// IsWritable reports whether bid is the single most recently appended
// block (bid+1 == frontier), i.e. whether the B+tree engine may mutate
// it in place rather than copy-on-write. Fsync state is not tracked: a
// block stays writable until another block is appended, and every
// commit appends its header block, which moves the frontier past it.
func (bf *File) IsWritable(bid uint64) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bid+1 == bf.frontier
}

// ReadBlock reads the full fixed-size block at bid.
func (bf *File) ReadBlock(bid uint64) ([]byte, error) {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	if bf.f == nil {
		return nil, status.Wrap(status.ReadFail, errClosed)
	}
	if bid >= bf.frontier {
		return nil, status.Wrap(status.ReadFail, errOOB)
	}
	off := int64(bid) * int64(bf.blockSize)
	if bf.useMmap && bf.mmap != nil && off+int64(bf.blockSize) <= int64(len(bf.mmap)) {
		buf := make([]byte, bf.blockSize)
		copy(buf, bf.mmap[off:off+int64(bf.blockSize)])
		return buf, nil
	}
	buf := make([]byte, bf.blockSize)
	if _, err := bf.f.ReadAt(buf, off); err != nil {
		return nil, status.Wrap(status.ReadFail, err)
	}
	return buf, nil
}

// WriteBlock overwrites an already-allocated block in place. Callers
// MUST have verified IsWritable(bid) first; this is the "mutate in
// place" half of the B+tree's copy-on-write discipline (§4.3).
func (bf *File) WriteBlock(bid uint64, data []byte) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.writeBlockLocked(bid, data)
}

func (bf *File) writeBlockLocked(bid uint64, data []byte) error {
	if bf.f == nil {
		return status.Wrap(status.WriteFail, errClosed)
	}
	if uint32(len(data)) != bf.blockSize {
		return status.Wrap(status.InvalidArgs, errBadWrite)
	}
	off := int64(bid) * int64(bf.blockSize)
	n, err := bf.f.WriteAt(data, off)
	if err != nil {
		return status.Wrap(status.WriteFail, err)
	}
	if uint32(n) != bf.blockSize {
		return status.Wrap(status.WriteFail, errBadWrite)
	}
	return nil
}

// Append writes data as a brand new block and returns its bid.
func (bf *File) Append(data []byte) (uint64, error) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bid := bf.frontier
	if err := bf.writeBlockLocked(bid, data); err != nil {
		return 0, err
	}
	bf.frontier = bid + 1
	if bf.useMmap {
		if err := bf.remap(); err != nil {
			bf.logger.Warn("remap after append failed", "err", err)
		}
	}
	return bid, nil
}

// Fsync flushes both data and metadata to stable storage.
func (bf *File) Fsync() error {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	if bf.f == nil {
		return status.Wrap(status.WriteFail, errClosed)
	}
	if err := bf.f.Sync(); err != nil {
		return status.Wrap(status.WriteFail, err)
	}
	return nil
}

// Truncate discards every block from numBlocks onward, used by
// recovery to cut a torn tail after the last valid commit header, the
// way freezer_table.repair() truncates head/offsets back into sync.
func (bf *File) Truncate(numBlocks uint64) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if err := bf.f.Truncate(int64(numBlocks) * int64(bf.blockSize)); err != nil {
		return status.Wrap(status.WriteFail, err)
	}
	bf.frontier = numBlocks
	bf.logger.Warn("truncated torn tail", "kept_blocks", numBlocks)
	return nil
}

// Close releases the underlying descriptor (and mmap region, if any).
func (bf *File) Close() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	var errs []error
	if bf.mmap != nil {
		if err := bf.mmap.Unmap(); err != nil {
			errs = append(errs, err)
		}
		bf.mmap = nil
	}
	if bf.f != nil {
		if err := bf.f.Close(); err != nil {
			errs = append(errs, err)
		}
		bf.f = nil
	}
	if len(errs) != 0 {
		return status.Wrap(status.WriteFail, errs[0])
	}
	return nil
}

// Rename atomically replaces oldPath's file with newPath's, used by
// the compactor's final swap after it fsyncs the rewritten file.
func Rename(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return status.Wrap(status.WriteFail, err)
	}
	return nil
}
