package oracle

import (
	"context"
	"errors"
	"time"
)

// ErrFeedUnavailable wraps any transport-level failure talking to the feed.
// The engine aborts the enclosing operation without touching state.
var ErrFeedUnavailable = errors.New("price feed unavailable")

// ErrUnknownFeed is returned for feed ids the gateway does not serve.
var ErrUnknownFeed = errors.New("unknown feed id")

// Observation is one fresh price reading. It is transient: the engine never
// caches it across operations.
type Observation struct {
	Value     int64 // fixed-point at Decimals
	Decimals  int8
	Timestamp int64 // unix seconds reported by the feed
}

// PriceFeed is the gateway to an external price oracle. Implementations own
// their transport; callers pass a context carrying the operation deadline.
type PriceFeed interface {
	GetPrice(ctx context.Context, feedID string) (Observation, error)
}

// Age returns how stale the observation is at the given instant.
func (o Observation) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(o.Timestamp, 0))
}

// Well-known FTSO feed ids (bytes21: 0x01 + symbol + zero padding).
const (
	FeedFLRUSD  = "0x01464c522f55534400000000000000000000000000"
	FeedBTCUSD  = "0x014254432f55534400000000000000000000000000"
	FeedXRPUSD  = "0x015852502f55534400000000000000000000000000"
	FeedUSDCUSD = "0x01555344432f555344000000000000000000000000"
	FeedUSDTUSD = "0x01555344542f555344000000000000000000000000"
)
