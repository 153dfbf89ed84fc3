package engine

import (
	"context"
	"fmt"
	"time"

	"FlareShield/internal/event"
	fpmath "FlareShield/internal/math"
	"FlareShield/internal/policy"
	"FlareShield/internal/pool"
)

// QuotePremium prices a hypothetical purchase. Pure: usable before any
// mutation, and exactly the figure a real purchase will charge.
func (e *Engine) QuotePremium(coverage, durationSeconds int64, category policy.Category) (int64, error) {
	if err := e.validateCoverage(coverage); err != nil {
		return 0, err
	}
	if durationSeconds <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDuration, durationSeconds)
	}
	return fpmath.ComputePremium(coverage, durationSeconds, category.BaseRateBps()), nil
}

// PurchasePolicy validates, prices, and commits a coverage purchase. The
// premium collection, capital reservation, strike resolution, and policy
// creation happen inside one critical section; any failure unwinds fully
// and the holder is never partially charged.
func (e *Engine) PurchasePolicy(
	ctx context.Context,
	holder string,
	coverage, durationSeconds int64,
	category policy.Category,
	feedID string,
	strikePrice int64,
) (policy.Policy, error) {
	const op = "purchase_policy"

	if err := e.validateCoverage(coverage); err != nil {
		e.rejected(op, "coverage_bounds")
		return policy.Policy{}, err
	}
	if durationSeconds <= 0 {
		e.rejected(op, "duration")
		return policy.Policy{}, fmt.Errorf("%w: %d", ErrInvalidDuration, durationSeconds)
	}

	premium := fpmath.ComputePremium(coverage, durationSeconds, category.BaseRateBps())

	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	// Reserve first: the reservation is in-memory and infallible to undo,
	// so a later failure never needs a compensating token refund.
	if err := e.pool.ReserveCoverage(coverage); err != nil {
		e.rejected(op, "capacity")
		return policy.Policy{}, err
	}

	// One fresh gateway query resolves the default strike and pins the
	// strike's decimal scale. Re-validated here, inside the critical
	// section, so a stale pre-lock read cannot be exploited.
	obs, err := e.fetchPrice(ctx, feedID)
	if err != nil {
		e.pool.ReleaseCoverage(coverage)
		e.rejected(op, "feed")
		return policy.Policy{}, err
	}
	if strikePrice == 0 {
		// Default strike: 90% of the current price
		strikePrice = fpmath.MulDiv(obs.Value, 9_000, fpmath.BasisPointDivisor, fpmath.RoundDown)
	}

	if err := e.token.TransferIn(ctx, holder, premium); err != nil {
		e.pool.ReleaseCoverage(coverage)
		e.rejected(op, "premium_collection")
		return policy.Policy{}, err
	}

	now := e.now()
	p := e.registry.Create(policy.Policy{
		Holder:         holder,
		Premium:        premium,
		Coverage:       coverage,
		StrikePrice:    strikePrice,
		StrikeDecimals: obs.Decimals,
		FeedID:         feedID,
		Category:       category,
		StartTime:      now.Unix(),
		EndTime:        now.Unix() + durationSeconds,
	})

	// The premium joins the pool's token backing implicitly; it is not
	// added to totalLiquidity, which tracks provider deposits only.
	e.emit(event.TypePolicyCreated, event.PolicyCreated{
		PolicyID:       p.ID,
		Holder:         p.Holder,
		Coverage:       p.Coverage,
		Premium:        p.Premium,
		Category:       p.Category.String(),
		FeedID:         p.FeedID,
		StrikePrice:    p.StrikePrice,
		StrikeDecimals: p.StrikeDecimals,
		StartTime:      p.StartTime,
		EndTime:        p.EndTime,
	})

	if e.metrics != nil {
		e.metrics.PremiumsCollected.Add(float64(premium))
	}
	e.applied(op, start)

	e.logger.Info().
		Uint64("policy_id", p.ID).
		Str("holder", holder).
		Int64("coverage", coverage).
		Int64("premium", premium).
		Str("category", category.String()).
		Msg("policy created")

	return *p, nil
}

// AddLiquidity pulls amount into pool custody and credits the provider.
// Always accepted once the transfer clears; pool state never rejects a
// deposit.
func (e *Engine) AddLiquidity(ctx context.Context, provider string, amount int64) (pool.Position, error) {
	const op = "add_liquidity"

	if amount <= 0 {
		e.rejected(op, "amount")
		return pool.Position{}, fmt.Errorf("%w: %d", pool.ErrInvalidAmount, amount)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	if err := e.token.TransferIn(ctx, provider, amount); err != nil {
		e.rejected(op, "transfer_in")
		return pool.Position{}, err
	}

	pos, err := e.pool.Deposit(provider, amount, e.now())
	if err != nil {
		// Amount was validated above; a failure here is a programming error
		panic(fmt.Sprintf("engine: deposit rejected after transfer-in: %v", err))
	}

	e.emit(event.TypeLiquidityAdded, event.LiquidityAdded{Provider: provider, Amount: amount})
	e.applied(op, start)

	e.logger.Info().Str("provider", provider).Int64("amount", amount).Msg("liquidity added")
	return *pos, nil
}

// RemoveLiquidity returns unreserved capital to the provider. Reward
// accrual settles against the pre-withdrawal balance inside the same
// critical section.
func (e *Engine) RemoveLiquidity(ctx context.Context, provider string, amount int64) (pool.Position, error) {
	const op = "remove_liquidity"

	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	pos, err := e.pool.Withdraw(provider, amount, e.now())
	if err != nil {
		e.rejected(op, "withdraw")
		return pool.Position{}, err
	}

	if err := e.token.TransferOut(ctx, provider, amount); err != nil {
		// Put the capital back; the accrual checkpoint already settled and
		// restoring at the same instant accrues nothing extra.
		if _, restoreErr := e.pool.Deposit(provider, amount, e.now()); restoreErr != nil {
			panic(fmt.Sprintf("engine: withdraw rollback failed: %v", restoreErr))
		}
		e.rejected(op, "transfer_out")
		return pool.Position{}, err
	}

	e.emit(event.TypeLiquidityRemoved, event.LiquidityRemoved{Provider: provider, Amount: amount})
	e.applied(op, start)

	e.logger.Info().Str("provider", provider).Int64("amount", amount).Msg("liquidity removed")
	return *pos, nil
}

// ClaimRewards pays out all accrued rewards. ErrNoRewardsAvailable is a
// per-call no-op, not a fault.
func (e *Engine) ClaimRewards(ctx context.Context, provider string) (int64, error) {
	const op = "claim_rewards"

	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	amount, err := e.pool.SettleRewards(provider, e.now())
	if err != nil {
		e.rejected(op, "no_rewards")
		return 0, err
	}

	if err := e.token.TransferOut(ctx, provider, amount); err != nil {
		e.pool.RestoreRewards(provider, amount)
		e.rejected(op, "transfer_out")
		return 0, err
	}

	e.emit(event.TypeRewardsClaimed, event.RewardsClaimed{Provider: provider, Amount: amount})
	if e.metrics != nil {
		e.metrics.RewardsPaid.Add(float64(amount))
	}
	e.applied(op, start)

	e.logger.Info().Str("provider", provider).Int64("amount", amount).Msg("rewards claimed")
	return amount, nil
}

// SetRewardRate updates the pool reward rate. Restricted to the configured
// admin account and bounded by the pool's hard ceiling.
func (e *Engine) SetRewardRate(caller string, rateBps int64) error {
	const op = "set_reward_rate"

	if caller != e.cfg.AdminAccount || e.cfg.AdminAccount == "" {
		e.rejected(op, "unauthorized")
		return fmt.Errorf("%w: caller=%s", ErrUnauthorized, caller)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	oldRate := e.pool.RewardRateBps()
	if err := e.pool.SetRewardRateBps(rateBps); err != nil {
		e.rejected(op, "rate_bounds")
		return err
	}

	e.emit(event.TypeRewardRateUpdated, event.RewardRateUpdated{
		OldRateBps: oldRate,
		NewRateBps: rateBps,
	})
	e.applied(op, start)

	e.logger.Info().Int64("old_rate_bps", oldRate).Int64("new_rate_bps", rateBps).Msg("reward rate updated")
	return nil
}

func (e *Engine) validateCoverage(coverage int64) error {
	if coverage < e.cfg.MinCoverage {
		return fmt.Errorf("%w: %d < %d", ErrCoverageTooLow, coverage, e.cfg.MinCoverage)
	}
	if coverage > e.cfg.MaxCoverage {
		return fmt.Errorf("%w: %d > %d", ErrCoverageTooHigh, coverage, e.cfg.MaxCoverage)
	}
	return nil
}
