package event

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminates event payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypePolicyCreated
	TypePolicyClaimed
	TypePolicyExpired
	TypeLiquidityAdded
	TypeLiquidityRemoved
	TypeRewardsClaimed
	TypePriceChecked
	TypeRewardRateUpdated
)

func (t Type) String() string {
	switch t {
	case TypePolicyCreated:
		return "PolicyCreated"
	case TypePolicyClaimed:
		return "PolicyClaimed"
	case TypePolicyExpired:
		return "PolicyExpired"
	case TypeLiquidityAdded:
		return "LiquidityAdded"
	case TypeLiquidityRemoved:
		return "LiquidityRemoved"
	case TypeRewardsClaimed:
		return "RewardsClaimed"
	case TypePriceChecked:
		return "PriceChecked"
	case TypeRewardRateUpdated:
		return "RewardRateUpdated"
	default:
		return "Unknown"
	}
}

// Envelope wraps every emitted event. The sequence is assigned by the
// engine inside its critical section, so envelope order is the serialization
// order of the operations that produced them. Pool totals are captured
// after the operation applied, so downstream consumers can audit the ledger
// without replaying.
type Envelope struct {
	Sequence           int64     `json:"sequence"`
	ID                 uuid.UUID `json:"id"`
	EventType          Type      `json:"-"`
	EventName          string    `json:"event_type"`
	Timestamp          time.Time `json:"timestamp"`
	Payload            any       `json:"payload"`
	TotalLiquidity     int64     `json:"total_liquidity"`
	TotalCoverage      int64     `json:"total_coverage"`
	AvailableLiquidity int64     `json:"available_liquidity"`
}
