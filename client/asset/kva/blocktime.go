// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kva

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	dexkva "kevacoin.org/kvaelectrum/dex/networks/kva"
)

const (
	// The timestamp is at bytes 68 to 72 of the serialized header.
	headerTimestampOffset = 68
	headerSize            = 80

	// fallbackAnchorHeight and fallbackAnchorTime are used to estimate the
	// chain height before any header has been received.
	fallbackAnchorHeight = 1_100_000
	fallbackAnchorTime   = 1_700_000_000
)

const blockInterval = dexkva.BlockInterval * time.Second

// HeaderTimestamp decodes the timestamp of a hex encoded block header.
func HeaderTimestamp(hdrHex string) (int64, error) {
	if len(hdrHex) < 2*headerSize {
		return 0, fmt.Errorf("header too short: %d hex characters", len(hdrHex))
	}
	b, err := hex.DecodeString(hdrHex[2*headerTimestampOffset : 2*(headerTimestampOffset+4)])
	if err != nil {
		return 0, fmt.Errorf("invalid header hex: %w", err)
	}
	return int64(binary.LittleEndian.Uint32(b)), nil
}

// blockClock relates block heights to times. It is anchored on the most
// recent header seen, or on a hard-coded approximate anchor.
type blockClock struct {
	now func() time.Time

	mtx          sync.RWMutex
	anchorHeight int64
	anchorTime   time.Time
	observed     bool
}

func newBlockClock(now func() time.Time) *blockClock {
	if now == nil {
		now = time.Now
	}
	return &blockClock{
		now:          now,
		anchorHeight: fallbackAnchorHeight,
		anchorTime:   time.Unix(fallbackAnchorTime, 0),
	}
}

// observeHeader anchors the clock on a header. Headers older than the
// current anchor are ignored.
func (bc *blockClock) observeHeader(height int64, hdrHex string) error {
	ts, err := HeaderTimestamp(hdrHex)
	if err != nil {
		return err
	}
	bc.mtx.Lock()
	defer bc.mtx.Unlock()
	if bc.observed && height < bc.anchorHeight {
		return nil
	}
	bc.anchorHeight = height
	bc.anchorTime = time.Unix(ts, 0)
	bc.observed = true
	return nil
}

// EstimateCurrentBlockHeight extrapolates the chain height from the anchor at
// the target block interval. The result is approximate and is only a fallback
// for when the server's tip is unknown.
func (bc *blockClock) EstimateCurrentBlockHeight() int64 {
	bc.mtx.RLock()
	defer bc.mtx.RUnlock()
	elapsed := bc.now().Sub(bc.anchorTime)
	if elapsed < 0 {
		return bc.anchorHeight
	}
	return bc.anchorHeight + int64(elapsed/blockInterval)
}

// CalculateBlockTime estimates when the block at height was or will be mined.
func (bc *blockClock) CalculateBlockTime(height int64) time.Time {
	bc.mtx.RLock()
	defer bc.mtx.RUnlock()
	return bc.anchorTime.Add(time.Duration(height-bc.anchorHeight) * blockInterval)
}
