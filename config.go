package basalt

import (
	"time"

	"github.com/basalt-db/basalt/bptree"
)

// CompactionMode selects whether compaction is triggered by the
// embedder (manual) or by the auto-compaction Scheduler.
type CompactionMode int

const (
	CompactionManual CompactionMode = iota
	CompactionAuto
)

// OpenFlag controls Open's creation behavior.
type OpenFlag int

const (
	OpenCreate OpenFlag = 1 << iota
	OpenReadOnly
)

// Config mirrors §6's configuration surface. Zero-value Config is
// completed by WithDefaults the way go-ethereum's eth.Config and
// core/state/pruner.Config are defaulted at construction time.
type Config struct {
	BlockSize           uint32
	ChunkSize           int
	BufferCacheSize     int
	WALThreshold        int
	Flags               OpenFlag
	CompactionMode      CompactionMode
	CompactionThreshold float64
	CompactorSleepTime  time.Duration
	MultiKVInstances    bool
	UseMmap             bool
}

const (
	DefaultBlockSize           = 4096
	DefaultChunkSize           = 8
	DefaultBufferCacheSize     = 1 << 20 // bytes
	DefaultWALThreshold        = 4096    // entries
	DefaultCompactionThreshold = 0.3
	DefaultCompactorSleep      = time.Second
)

// WithDefaults returns a copy of c with every zero-valued field
// replaced by its package default, the way core/state/pruner.Config
// and eth.Config are completed before use in the teacher.
func (c Config) WithDefaults() Config {
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.BufferCacheSize == 0 {
		c.BufferCacheSize = DefaultBufferCacheSize
	}
	if c.WALThreshold == 0 {
		c.WALThreshold = DefaultWALThreshold
	}
	if c.CompactionThreshold == 0 {
		c.CompactionThreshold = DefaultCompactionThreshold
	}
	if c.CompactorSleepTime == 0 {
		c.CompactorSleepTime = DefaultCompactorSleep
	}
	return c
}

// KVConfig configures an individual KV store opened within a File.
type KVConfig struct {
	CreateIfMissing bool

	// Comparator orders keys within this store's by-key HB-trie/B+tree
	// leaves, defaulting to byte-lex (bptree.defaultCompare) when nil.
	// It has no effect on the by-seqnum index, which is always ordered
	// by the fixed-width big-endian seqnum encoding (EXPANSION item 1).
	Comparator bptree.Comparator
}

// InMemSentinel is the seqnum value requesting an in-memory snapshot
// (WAL + HB-trie current state) rather than a durable, header-bound one.
const InMemSentinel uint64 = ^uint64(0)
