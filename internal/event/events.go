package event

// PolicyCreated is emitted when a purchase commits.
type PolicyCreated struct {
	PolicyID       uint64 `json:"policy_id"`
	Holder         string `json:"holder"`
	Coverage       int64  `json:"coverage"`
	Premium        int64  `json:"premium"`
	Category       string `json:"category"`
	FeedID         string `json:"feed_id"`
	StrikePrice    int64  `json:"strike_price"`
	StrikeDecimals int8   `json:"strike_decimals"`
	StartTime      int64  `json:"start_time"`
	EndTime        int64  `json:"end_time"`
}

// PolicyClaimed is emitted when a payout commits. TriggerPrice is the
// observation that satisfied the trigger, at its feed scale.
type PolicyClaimed struct {
	PolicyID     uint64 `json:"policy_id"`
	Holder       string `json:"holder"`
	Payout       int64  `json:"payout"`
	TriggerPrice int64  `json:"trigger_price"`
}

// PolicyExpired is emitted when reserved capital is released from a lapsed
// policy via the permissionless expiry path.
type PolicyExpired struct {
	PolicyID uint64 `json:"policy_id"`
	Holder   string `json:"holder"`
	Coverage int64  `json:"coverage"`
}

// LiquidityAdded is emitted on provider deposit.
type LiquidityAdded struct {
	Provider string `json:"provider"`
	Amount   int64  `json:"amount"`
}

// LiquidityRemoved is emitted on provider withdrawal.
type LiquidityRemoved struct {
	Provider string `json:"provider"`
	Amount   int64  `json:"amount"`
}

// RewardsClaimed is emitted when accrued rewards are paid out.
type RewardsClaimed struct {
	Provider string `json:"provider"`
	Amount   int64  `json:"amount"`
}

// PriceChecked is emitted on every claim evaluation, eligible or not, so
// auditors can reconstruct each adjudication input.
type PriceChecked struct {
	FeedID     string `json:"feed_id"`
	Price      int64  `json:"price"`
	Decimals   int8   `json:"decimals"`
	ObservedAt int64  `json:"observed_at"`
}

// RewardRateUpdated is emitted on admin rate changes.
type RewardRateUpdated struct {
	OldRateBps int64 `json:"old_rate_bps"`
	NewRateBps int64 `json:"new_rate_bps"`
}
