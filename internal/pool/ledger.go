package pool

import (
	"errors"
	"fmt"
	"time"

	fpmath "FlareShield/internal/math"
)

var (
	ErrInvalidAmount                  = errors.New("amount must be positive")
	ErrInsufficientDeposit            = errors.New("amount exceeds provider deposit")
	ErrInsufficientAvailableLiquidity = errors.New("insufficient available liquidity")
	ErrInsufficientPoolLiquidity      = errors.New("insufficient pool liquidity")
	ErrNoRewardsAvailable             = errors.New("no rewards available")
	ErrRateTooHigh                    = errors.New("rate too high")
)

// MaxRewardRateBps caps the admin-settable reward rate at 50% APY.
const MaxRewardRateBps = 5_000

// DefaultRewardRateBps is the launch reward rate (15% APY).
const DefaultRewardRateBps = 1_500

// Position is one provider's stake in the pool.
type Position struct {
	Provider       string
	Deposited      int64 // amount scale, >= 0
	DepositTime    int64 // unix seconds of first deposit
	LastAccrual    int64 // unix seconds of last reward checkpoint
	RewardsEarned  int64 // cumulative rewards paid out
	PendingRewards int64 // accrued but unclaimed
}

// Ledger is the singleton insurance pool: provider positions, the capital
// totals backing active coverage, and reward accrual. It is not safe for
// concurrent use on its own; the underwriting engine serializes access.
type Ledger struct {
	totalLiquidity int64
	totalCoverage  int64
	rewardRateBps  int64
	positions      map[string]*Position
}

func NewLedger() *Ledger {
	return &Ledger{
		rewardRateBps: DefaultRewardRateBps,
		positions:     make(map[string]*Position),
	}
}

// Stats is the externally visible pool snapshot.
type Stats struct {
	TotalLiquidity     int64
	TotalCoverage      int64
	AvailableLiquidity int64
	UtilizationBps     int64
	RewardRateBps      int64
}

// Available returns totalLiquidity - totalCoverage. Never negative: every
// reservation is checked before it is applied.
func (l *Ledger) Available() int64 {
	return l.totalLiquidity - l.totalCoverage
}

// Snapshot returns the current pool statistics.
func (l *Ledger) Snapshot() Stats {
	util := int64(0)
	if l.totalLiquidity > 0 {
		util = fpmath.MulDiv(l.totalCoverage, fpmath.BasisPointDivisor, l.totalLiquidity, fpmath.RoundDown)
	}
	return Stats{
		TotalLiquidity:     l.totalLiquidity,
		TotalCoverage:      l.totalCoverage,
		AvailableLiquidity: l.Available(),
		UtilizationBps:     util,
		RewardRateBps:      l.rewardRateBps,
	}
}

// RewardRateBps returns the current reward rate.
func (l *Ledger) RewardRateBps() int64 {
	return l.rewardRateBps
}

// SetRewardRateBps updates the reward rate, bounded by MaxRewardRateBps.
// Caller authorization is the engine's concern.
func (l *Ledger) SetRewardRateBps(rate int64) error {
	if rate < 0 || rate > MaxRewardRateBps {
		return fmt.Errorf("%w: %d bp (max %d bp)", ErrRateTooHigh, rate, MaxRewardRateBps)
	}
	l.rewardRateBps = rate
	return nil
}

// Deposit increases a provider's position and total liquidity. The token
// transfer-in happens before this call; pool state never rejects a deposit.
// Pending rewards are settled against the pre-deposit balance first so the
// new capital does not earn for time it was not in the pool.
func (l *Ledger) Deposit(provider string, amount int64, now time.Time) (*Position, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	pos, ok := l.positions[provider]
	if !ok {
		pos = &Position{
			Provider:    provider,
			DepositTime: now.Unix(),
			LastAccrual: now.Unix(),
		}
		l.positions[provider] = pos
	} else {
		l.settleAccrual(pos, now)
	}

	pos.Deposited += amount
	l.totalLiquidity += amount
	return pos, nil
}

// Withdraw decreases a provider's position and total liquidity. Capital
// currently backing active coverage cannot leave the pool.
func (l *Ledger) Withdraw(provider string, amount int64, now time.Time) (*Position, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	pos, ok := l.positions[provider]
	if !ok || pos.Deposited < amount {
		return nil, fmt.Errorf("%w: provider=%s amount=%d", ErrInsufficientDeposit, provider, amount)
	}
	if amount > l.Available() {
		return nil, fmt.Errorf("%w: requested=%d available=%d",
			ErrInsufficientAvailableLiquidity, amount, l.Available())
	}

	// Accrual uses the balance before reduction
	l.settleAccrual(pos, now)

	pos.Deposited -= amount
	l.totalLiquidity -= amount
	return pos, nil
}

// SettleRewards moves all accrued rewards into the paid state and returns
// the amount owed. ErrNoRewardsAvailable when nothing has accrued; callers
// treat that as a no-op, not a fault.
func (l *Ledger) SettleRewards(provider string, now time.Time) (int64, error) {
	pos, ok := l.positions[provider]
	if !ok {
		return 0, fmt.Errorf("%w: provider=%s", ErrNoRewardsAvailable, provider)
	}

	l.settleAccrual(pos, now)
	if pos.PendingRewards == 0 {
		return 0, fmt.Errorf("%w: provider=%s", ErrNoRewardsAvailable, provider)
	}

	amount := pos.PendingRewards
	pos.PendingRewards = 0
	pos.RewardsEarned += amount
	return amount, nil
}

// RestoreRewards reverts a SettleRewards outcome after a failed payout
// transfer. Only the engine's rollback path calls this.
func (l *Ledger) RestoreRewards(provider string, amount int64) {
	pos, ok := l.positions[provider]
	if !ok {
		return
	}
	pos.PendingRewards += amount
	pos.RewardsEarned -= amount
}

// PositionView returns a copy of the provider's position with pending
// rewards projected to now, without mutating the checkpoint.
func (l *Ledger) PositionView(provider string, now time.Time) (Position, bool) {
	pos, ok := l.positions[provider]
	if !ok {
		return Position{}, false
	}

	view := *pos
	view.PendingRewards += fpmath.ComputePendingRewards(
		pos.Deposited, l.rewardRateBps, now.Unix()-pos.LastAccrual)
	return view, true
}

// ReserveCoverage earmarks pool capital to back a new policy. Fails before
// mutation if the reservation would overdraw available liquidity.
func (l *Ledger) ReserveCoverage(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if amount > l.Available() {
		return fmt.Errorf("%w: requested=%d available=%d",
			ErrInsufficientPoolLiquidity, amount, l.Available())
	}
	l.totalCoverage += amount
	return nil
}

// ReleaseCoverage frees capital backing a claimed or expired policy.
func (l *Ledger) ReleaseCoverage(amount int64) {
	l.totalCoverage -= amount
	if l.totalCoverage < 0 {
		// Release must always pair with an earlier reserve
		panic(fmt.Sprintf("pool: coverage released below zero: %d", l.totalCoverage))
	}
}

// settleAccrual folds elapsed simple interest into PendingRewards and
// resets the checkpoint.
func (l *Ledger) settleAccrual(pos *Position, now time.Time) {
	elapsed := now.Unix() - pos.LastAccrual
	if elapsed <= 0 {
		return
	}
	pos.PendingRewards += fpmath.ComputePendingRewards(pos.Deposited, l.rewardRateBps, elapsed)
	pos.LastAccrual = now.Unix()
}
