package engine

import (
	"context"
	"fmt"
	"time"

	"FlareShield/internal/event"
	fpmath "FlareShield/internal/math"
	"FlareShield/internal/oracle"
	"FlareShield/internal/policy"
)

// CanClaim evaluates claim eligibility without mutating state. Every
// evaluation queries the gateway fresh and emits a PriceChecked event,
// eligible or not, for auditability. The policy snapshot is taken under
// the read lock; concurrent claims are re-validated by ClaimPolicy itself.
func (e *Engine) CanClaim(ctx context.Context, policyID uint64) (bool, string, error) {
	e.mu.RLock()
	p, err := e.registry.Get(policyID)
	if err != nil {
		e.mu.RUnlock()
		return false, "", err
	}
	snapshot := *p
	now := e.now()
	e.mu.RUnlock()

	if !snapshot.IsActive {
		return false, ReasonNotActive, nil
	}
	if snapshot.ExpiredAt(now) {
		return false, ReasonExpired, nil
	}

	obs, err := e.fetchPrice(ctx, snapshot.FeedID)
	if err != nil {
		return false, "", err
	}

	eligible, err := triggerFires(&snapshot, obs)
	if err != nil {
		return false, "", err
	}
	e.recordPriceCheck(snapshot.FeedID, obs, eligible)

	if !eligible {
		return false, ReasonTriggerNotMet, nil
	}
	return true, ReasonTriggerMet, nil
}

// ClaimPolicy adjudicates and pays out a claim. The trigger is re-evaluated
// against a fresh observation inside the critical section; the eligibility
// a caller saw from CanClaim is advisory, never binding. The state flip,
// capital release, and payout are atomic: a failed payout transfer restores
// the policy and the reservation exactly.
func (e *Engine) ClaimPolicy(ctx context.Context, policyID uint64, caller string) (policy.Policy, error) {
	const op = "claim_policy"

	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	p, err := e.registry.Get(policyID)
	if err != nil {
		e.rejected(op, "not_found")
		return policy.Policy{}, err
	}

	if caller != p.Holder {
		e.rejected(op, "not_holder")
		return policy.Policy{}, fmt.Errorf("%w: policy=%d caller=%s", ErrNotPolicyHolder, policyID, caller)
	}
	if !p.IsActive {
		e.rejected(op, "not_active")
		return policy.Policy{}, fmt.Errorf("%w: id=%d", policy.ErrPolicyNotActive, policyID)
	}
	if p.ExpiredAt(e.now()) {
		e.rejected(op, "expired")
		return policy.Policy{}, fmt.Errorf("%w: id=%d", ErrPolicyExpired, policyID)
	}

	obs, err := e.fetchPrice(ctx, p.FeedID)
	if err != nil {
		e.rejected(op, "feed")
		return policy.Policy{}, err
	}

	eligible, err := triggerFires(p, obs)
	if err != nil {
		e.rejected(op, "feed")
		return policy.Policy{}, err
	}
	e.emitPriceChecked(p.FeedID, obs, eligible)

	if !eligible {
		e.rejected(op, "trigger_not_met")
		return policy.Policy{}, fmt.Errorf("%w: policy=%d price=%d strike=%d",
			ErrTriggerNotMet, policyID, obs.Value, p.StrikePrice)
	}

	if _, err := e.registry.MarkClaimed(policyID); err != nil {
		e.rejected(op, "state")
		return policy.Policy{}, err
	}
	e.pool.ReleaseCoverage(p.Coverage)

	if err := e.token.TransferOut(ctx, p.Holder, p.Coverage); err != nil {
		// Undo in reverse order; the capital we just released is still
		// unreserved, so re-reserving cannot fail.
		if reserveErr := e.pool.ReserveCoverage(p.Coverage); reserveErr != nil {
			panic(fmt.Sprintf("engine: claim rollback failed: %v", reserveErr))
		}
		e.registry.UnmarkClaimed(policyID)
		e.rejected(op, "transfer_out")
		return policy.Policy{}, err
	}

	e.emit(event.TypePolicyClaimed, event.PolicyClaimed{
		PolicyID:     p.ID,
		Holder:       p.Holder,
		Payout:       p.Coverage,
		TriggerPrice: obs.Value,
	})
	if e.metrics != nil {
		e.metrics.ClaimsPaid.Add(float64(p.Coverage))
	}
	e.applied(op, start)

	e.logger.Info().
		Uint64("policy_id", p.ID).
		Str("holder", p.Holder).
		Int64("payout", p.Coverage).
		Int64("trigger_price", obs.Value).
		Msg("policy claimed")

	return *p, nil
}

// ExpirePolicy releases the reserved capital of a lapsed, unclaimed policy.
// Permissionless: anyone may call it, so pool capital is never stranded
// behind a holder who walked away.
func (e *Engine) ExpirePolicy(policyID uint64) (policy.Policy, error) {
	const op = "expire_policy"

	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	p, err := e.registry.Get(policyID)
	if err != nil {
		e.rejected(op, "not_found")
		return policy.Policy{}, err
	}
	if !p.IsActive {
		e.rejected(op, "not_active")
		return policy.Policy{}, fmt.Errorf("%w: id=%d", policy.ErrPolicyNotActive, policyID)
	}
	if !p.ExpiredAt(e.now()) {
		e.rejected(op, "not_expired")
		return policy.Policy{}, fmt.Errorf("%w: id=%d ends=%d", ErrNotYetExpired, policyID, p.EndTime)
	}

	if _, err := e.registry.MarkExpired(policyID); err != nil {
		e.rejected(op, "state")
		return policy.Policy{}, err
	}
	e.pool.ReleaseCoverage(p.Coverage)

	e.emit(event.TypePolicyExpired, event.PolicyExpired{
		PolicyID: p.ID,
		Holder:   p.Holder,
		Coverage: p.Coverage,
	})
	e.applied(op, start)

	e.logger.Info().Uint64("policy_id", p.ID).Int64("coverage", p.Coverage).Msg("expired policy released")
	return *p, nil
}

// triggerFires evaluates the category's trigger predicate against a fresh
// observation, rescaled to the strike's decimal scale. An observation that
// cannot be rescaled without overflow is treated as a feed fault, never
// compared.
func triggerFires(p *policy.Policy, obs oracle.Observation) (bool, error) {
	price, err := fpmath.Rescale(obs.Value, obs.Decimals, p.StrikeDecimals)
	if err != nil {
		return false, fmt.Errorf("%w: feed=%s: %v", oracle.ErrFeedUnavailable, p.FeedID, err)
	}

	switch p.Category {
	case policy.PriceDrop, policy.FAssetCollateral, policy.BridgeProtection:
		return price <= p.StrikePrice, nil

	case policy.DepegProtection:
		// Strike stores the depeg trigger level (e.g. $0.95); the policy
		// pays when the price deviates from the $1.00 peg by at least
		// peg - strike, in either direction.
		peg := fpmath.Pow10(int(p.StrikeDecimals))
		threshold := peg - p.StrikePrice
		if threshold <= 0 {
			return false, nil
		}
		deviation := price - peg
		if deviation < 0 {
			deviation = -deviation
		}
		return deviation >= threshold, nil
	}
	return false, nil
}

// emitPriceChecked publishes the audit event for a claim evaluation.
// Callers must hold the write lock.
func (e *Engine) emitPriceChecked(feedID string, obs oracle.Observation, eligible bool) {
	e.emit(event.TypePriceChecked, event.PriceChecked{
		FeedID:     feedID,
		Price:      obs.Value,
		Decimals:   obs.Decimals,
		ObservedAt: obs.Timestamp,
	})
	if e.metrics != nil {
		outcome := "trigger_not_met"
		if eligible {
			outcome = "trigger_met"
		}
		e.metrics.PriceChecks.WithLabelValues(feedID, outcome).Inc()
	}
}

// recordPriceCheck is the read-path variant: it takes the write lock just
// long enough to sequence the audit event.
func (e *Engine) recordPriceCheck(feedID string, obs oracle.Observation, eligible bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitPriceChecked(feedID, obs, eligible)
}
