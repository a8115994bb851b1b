// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kva

import (
	"testing"
	"time"
)

func TestBlockClock(t *testing.T) {
	now := time.Unix(fallbackAnchorTime, 0).Add(10 * blockInterval)
	bc := newBlockClock(func() time.Time { return now })

	// Fallback anchor.
	if h := bc.EstimateCurrentBlockHeight(); h != fallbackAnchorHeight+10 {
		t.Fatalf("wrong fallback estimate %d", h)
	}

	const height = 2_000_000
	hdrTime := now.Add(-3 * blockInterval)
	if err := bc.observeHeader(height, headerHexAt(hdrTime)); err != nil {
		t.Fatal(err)
	}
	if h := bc.EstimateCurrentBlockHeight(); h != height+3 {
		t.Fatalf("wrong estimate %d", h)
	}
	if bt := bc.CalculateBlockTime(height + 5); !bt.Equal(hdrTime.Add(5 * blockInterval)) {
		t.Fatalf("wrong future block time %v", bt)
	}
	if bt := bc.CalculateBlockTime(height - 2); !bt.Equal(hdrTime.Add(-2 * blockInterval)) {
		t.Fatalf("wrong past block time %v", bt)
	}

	// Older headers do not move the anchor.
	if err := bc.observeHeader(height-100, headerHexAt(hdrTime.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if h := bc.EstimateCurrentBlockHeight(); h != height+3 {
		t.Fatalf("anchor moved back: %d", h)
	}

	// A clock behind the anchor reports the anchor.
	now = hdrTime.Add(-time.Minute)
	if h := bc.EstimateCurrentBlockHeight(); h != height {
		t.Fatalf("wrong estimate %d", h)
	}

	if err := bc.observeHeader(height+1, "00"); err == nil {
		t.Fatalf("short header accepted")
	}
}

func TestHeaderTimestamp(t *testing.T) {
	hdr := headerHexAt(time.Unix(1_600_000_000, 0))
	ts, err := HeaderTimestamp(hdr)
	if err != nil {
		t.Fatal(err)
	}
	if ts != 1_600_000_000 {
		t.Fatalf("wrong timestamp %d", ts)
	}
	if _, err := HeaderTimestamp(hdr[:100]); err == nil {
		t.Fatalf("short header accepted")
	}
	bad := hdr[:136] + "zz" + hdr[138:]
	if _, err := HeaderTimestamp(bad); err == nil {
		t.Fatalf("invalid hex accepted")
	}
}
