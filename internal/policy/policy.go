package policy

import (
	"fmt"
	"time"
)

// Category is the closed set of parametric coverage products. Premium rates
// and trigger predicates are switched exhaustively on it; adding a product
// is a compile-time change, not a table edit.
type Category uint8

const (
	DepegProtection Category = iota
	PriceDrop
	FAssetCollateral
	BridgeProtection
)

// BaseRateBps returns the annualized premium rate in basis points.
func (c Category) BaseRateBps() int64 {
	switch c {
	case DepegProtection:
		return 200 // 2.00%
	case PriceDrop:
		return 300 // 3.00%
	case FAssetCollateral:
		return 250 // 2.50%
	case BridgeProtection:
		return 375 // 3.75%
	}
	panic(fmt.Sprintf("unknown policy category: %d", c))
}

func (c Category) String() string {
	switch c {
	case DepegProtection:
		return "DepegProtection"
	case PriceDrop:
		return "PriceDrop"
	case FAssetCollateral:
		return "FAssetCollateral"
	case BridgeProtection:
		return "BridgeProtection"
	}
	return "Unknown"
}

// ParseCategory maps the API-level name to a Category.
func ParseCategory(s string) (Category, error) {
	switch s {
	case "DepegProtection":
		return DepegProtection, nil
	case "PriceDrop":
		return PriceDrop, nil
	case "FAssetCollateral":
		return FAssetCollateral, nil
	case "BridgeProtection":
		return BridgeProtection, nil
	}
	return 0, fmt.Errorf("unknown policy category: %q", s)
}

// Status is the lifecycle state reported to callers. Expired is derived at
// read time from EndTime, never stored.
type Status string

const (
	StatusActive  Status = "Active"
	StatusClaimed Status = "Claimed"
	StatusExpired Status = "Expired"
)

// Policy is a single parametric coverage record. Owned by the Registry;
// mutated only through Registry methods (claim, expiry), never deleted.
type Policy struct {
	ID             uint64
	Holder         string
	Premium        int64 // amount scale
	Coverage       int64 // amount scale
	StrikePrice    int64 // fixed-point at StrikeDecimals
	StrikeDecimals int8
	FeedID         string
	Category       Category
	StartTime      int64 // unix seconds
	EndTime        int64 // unix seconds
	IsActive       bool
	IsClaimed      bool
}

// StatusAt derives the reported lifecycle state at the given instant.
func (p *Policy) StatusAt(now time.Time) Status {
	if p.IsClaimed {
		return StatusClaimed
	}
	if !p.IsActive || now.Unix() > p.EndTime {
		return StatusExpired
	}
	return StatusActive
}

// ExpiredAt reports whether the coverage window has lapsed.
func (p *Policy) ExpiredAt(now time.Time) bool {
	return now.Unix() > p.EndTime
}
