package commit

import (
	"errors"

	"github.com/basalt-db/basalt/blockfile"
	"github.com/basalt-db/basalt/internal/rlog"
)

// ErrNotAHeader is returned by Read when the block at the given bid
// does not decode as a valid header.
var ErrNotAHeader = errors.New("commit: block is not a valid header")

// blockClass distinguishes why a candidate block during backward-scan
// recovery was rejected, matching the original's separation of
// "never written" tail space from "a write that started but didn't
// finish" (EXPANSION item 6) — both are skipped, but logged at
// different severities.
type blockClass int

const (
	blockValid blockClass = iota
	blockGarbage
	blockCorrupt
)

func classify(buf []byte) blockClass {
	if _, ok := unmarshalHeader(buf); ok {
		return blockValid
	}
	if blockfile.Marker(buf[0]) == blockfile.MarkerHeader && isZero(buf[1:]) {
		// marker present but body never written: torn tail just past an
		// append that was interrupted before it completed.
		return blockGarbage
	}
	if isZero(buf) {
		return blockGarbage
	}
	if blockfile.Marker(buf[0]) == blockfile.MarkerHeader {
		return blockCorrupt
	}
	// Any other marker (document/node/free) simply isn't a header;
	// that's expected during the scan and not logged at all.
	return blockGarbage
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Recover scans bf backward from its append frontier looking for the
// newest valid header, truncating any torn tail it passes over along
// the way. It returns (header, bid, true) on success, or (nil, 0,
// false) if the file holds no valid header at all (a brand-new file).
func Recover(bf *blockfile.File, logger rlog.Logger) (*Header, uint64, bool, error) {
	frontier := bf.Frontier()
	var tornFrom uint64 = frontier
	for bid := frontier; bid > 0; {
		bid--
		buf, err := bf.ReadBlock(bid)
		if err != nil {
			return nil, 0, false, err
		}
		switch classify(buf) {
		case blockValid:
			h, _ := unmarshalHeader(buf)
			if tornFrom < frontier {
				logger.Warn("truncating torn tail past last valid header", "fromBlock", tornFrom, "blocks", frontier-tornFrom)
				if err := bf.Truncate(tornFrom); err != nil {
					return nil, 0, false, err
				}
			}
			return h, bid, true, nil
		case blockCorrupt:
			logger.Warn("skipping corrupt candidate header block during recovery", "block", bid)
			tornFrom = bid
		default: // blockGarbage
			logger.Debug("skipping non-header block during recovery scan", "block", bid)
			tornFrom = bid
		}
	}
	if tornFrom < frontier {
		logger.Warn("no valid header found; truncating entire trailing garbage", "blocks", frontier-tornFrom)
		if err := bf.Truncate(tornFrom); err != nil {
			return nil, 0, false, err
		}
	}
	return nil, 0, false, nil
}

// WalkChain visits headers from (bid, h) backward through the
// PrevBid back-chain, calling visit(header, bid) for each, stopping
// early if visit returns false. Used by snapshot_open's "find the
// header whose last-seqnum matches" search and by rollback.
func WalkChain(bf *blockfile.File, bid uint64, h *Header, visit func(*Header, uint64) bool) error {
	for {
		if !visit(h, bid) {
			return nil
		}
		if !h.HasPrev {
			return nil
		}
		prevBid := h.PrevBid
		prev, err := Read(bf, prevBid)
		if err != nil {
			return err
		}
		bid, h = prevBid, prev
	}
}
