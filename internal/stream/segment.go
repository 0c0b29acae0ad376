package stream

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"cb-recorder/internal/client"
	"cb-recorder/internal/streamerr"
)

// Segment sequence numbers ride on the file names, e.g.
// media_w123456789_b5128000_1042.ts -> 1042.
var segmentSeqRe = regexp.MustCompile(`_(\d+)\.ts$`)

const (
	segmentRetryAttempts = 3
	segmentRetryDelay    = 600 * time.Millisecond
)

// SegmentTracker remembers the newest segment sequence already captured, so
// the overlapping windows of a growing media playlist are never written
// twice. Sequence numbers only move forward.
type SegmentTracker struct {
	lastSequence uint64
}

// NewSegmentTracker returns a tracker that treats every sequence above zero
// as new.
func NewSegmentTracker() *SegmentTracker {
	return &SegmentTracker{}
}

// ExtractSequence parses the trailing _<digits>.ts sequence number out of a
// segment URI. ok is false when the URI does not carry one.
func (t *SegmentTracker) ExtractSequence(uri string) (uint64, bool) {
	m := segmentSeqRe.FindStringSubmatch(uri)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsNew reports whether sequence is strictly newer than anything seen.
func (t *SegmentTracker) IsNew(sequence uint64) bool {
	return sequence > t.lastSequence
}

// Update advances the tracker to sequence. It never moves backwards.
func (t *SegmentTracker) Update(sequence uint64) {
	if sequence > t.lastSequence {
		t.lastSequence = sequence
	}
}

// LastSequence returns the newest sequence recorded so far.
func (t *SegmentTracker) LastSequence() uint64 {
	return t.lastSequence
}

// downloadSegment fetches one media segment, retrying transient failures a
// fixed number of times with a fixed delay. Cancellation cuts the retry
// loop short.
func downloadSegment(ctx context.Context, c *client.Client, url string, attempts int) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		data, err := c.GetBytes(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if attempt+1 < attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(segmentRetryDelay):
			}
		}
	}
	return nil, streamerr.Wrap(streamerr.KindSegmentDownload, url, lastErr)
}
