package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"FlareShield/internal/event"
	"FlareShield/internal/observability"
	"FlareShield/internal/oracle"
	"FlareShield/internal/policy"
	"FlareShield/internal/pool"
	"FlareShield/internal/token"
)

var (
	ErrCoverageTooLow   = errors.New("coverage too low")
	ErrCoverageTooHigh  = errors.New("coverage too high")
	ErrInvalidDuration  = errors.New("duration must be positive")
	ErrNotPolicyHolder  = errors.New("not policy holder")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTriggerNotMet    = errors.New("trigger condition not met")
	ErrPolicyExpired    = errors.New("policy expired")
	ErrNotYetExpired    = errors.New("policy not yet expired")
	ErrStaleObservation = errors.New("price observation too old")
)

// Claim-eligibility reasons surfaced verbatim across the API boundary.
const (
	ReasonNotActive     = "Policy not active"
	ReasonExpired       = "Policy expired"
	ReasonTriggerNotMet = "Trigger condition not met"
	ReasonTriggerMet    = "Trigger condition met"
)

// Config bounds the engine's underwriting behavior.
type Config struct {
	MinCoverage  int64
	MaxCoverage  int64
	AdminAccount string

	// MaxObservationAge rejects feed observations older than this at
	// decision time. Zero disables the check (the protocol's historical
	// behavior).
	MaxObservationAge time.Duration
}

// DefaultConfig returns launch parameters (amount scale, 6 decimals).
func DefaultConfig() Config {
	return Config{
		MinCoverage: 100 * 1_000_000,       // 100 WFLR
		MaxCoverage: 1_000_000 * 1_000_000, // 1,000,000 WFLR
	}
}

// Engine is the underwriting and claims orchestrator. A single mutex
// serializes every command across the pool ledger and the policy registry:
// the two are cross-updated within one logical operation, so they share one
// mutual-exclusion domain. Read-only queries take the read lock and return
// copies.
//
// Every operation either commits completely or leaves state untouched.
// The engine never retries; callers retry with a fresh request.
type Engine struct {
	mu sync.RWMutex

	registry *policy.Registry
	pool     *pool.Ledger
	feed     oracle.PriceFeed
	token    token.Transferor

	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics

	// now is injected so expiry and reward accrual are testable; the
	// engine itself never reaches for the wall clock directly.
	now func() time.Time

	// sequence numbers every emitted envelope in serialization order.
	sequence int64

	// persistChan gets a blocking send per event (backpressure, no loss);
	// publishChan gets a non-blocking send (drop-on-full, counted).
	// Either may be nil.
	persistChan chan<- event.Envelope
	publishChan chan<- event.Envelope
}

// Option configures optional engine collaborators.
type Option func(*Engine)

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithPersistChannel(ch chan<- event.Envelope) Option {
	return func(e *Engine) { e.persistChan = ch }
}

func WithPublishChannel(ch chan<- event.Envelope) Option {
	return func(e *Engine) { e.publishChan = ch }
}

func New(cfg Config, feed oracle.PriceFeed, transferor token.Transferor, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry: policy.NewRegistry(),
		pool:     pool.NewLedger(),
		feed:     feed,
		token:    transferor,
		cfg:      cfg,
		logger:   logger.With().Str("component", "underwriting_engine").Logger(),
		now:      time.Now,
		sequence: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// === Read-only queries ===

// PoolStats returns a snapshot of the pool.
func (e *Engine) PoolStats() pool.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.Snapshot()
}

// GetPolicy returns a copy of the policy record.
func (e *Engine) GetPolicy(id uint64) (policy.Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, err := e.registry.Get(id)
	if err != nil {
		return policy.Policy{}, err
	}
	return *p, nil
}

// PolicyStatus returns the derived lifecycle state at the engine clock.
func (e *Engine) PolicyStatus(id uint64) (policy.Status, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, err := e.registry.Get(id)
	if err != nil {
		return "", err
	}
	return p.StatusAt(e.now()), nil
}

// HolderPolicies returns the ids of every policy purchased by holder.
func (e *Engine) HolderPolicies(holder string) []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.HolderPolicyIDs(holder)
}

// Position returns a provider's liquidity position with pending rewards
// projected to now.
func (e *Engine) Position(provider string) (pool.Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.PositionView(provider, e.now())
}

// === Internals shared by the command paths ===

// emit assigns the next sequence and fans the envelope out. Callers must
// hold the write lock. The persist send blocks: if the persistence worker
// stalls, commands stall with it rather than losing the audit trail.
func (e *Engine) emit(t event.Type, payload any) {
	stats := e.pool.Snapshot()
	env := event.Envelope{
		Sequence:           e.sequence,
		ID:                 uuid.New(),
		EventType:          t,
		EventName:          t.String(),
		Timestamp:          e.now(),
		Payload:            payload,
		TotalLiquidity:     stats.TotalLiquidity,
		TotalCoverage:      stats.TotalCoverage,
		AvailableLiquidity: stats.AvailableLiquidity,
	}
	e.sequence++

	if e.persistChan != nil {
		e.persistChan <- env
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- env:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
	if e.metrics != nil {
		e.metrics.EventsEmitted.WithLabelValues(t.String()).Inc()
	}
}

// fetchPrice queries the gateway fresh and applies the optional staleness
// bound. Observations are never cached between operations.
func (e *Engine) fetchPrice(ctx context.Context, feedID string) (oracle.Observation, error) {
	start := time.Now()
	obs, err := e.feed.GetPrice(ctx, feedID)
	if e.metrics != nil {
		e.metrics.FeedQueryDuration.WithLabelValues(feedID).Observe(time.Since(start).Seconds())
		if err != nil {
			e.metrics.FeedQueryErrors.WithLabelValues(feedID).Inc()
		}
	}
	if err != nil {
		return oracle.Observation{}, err
	}

	if e.cfg.MaxObservationAge > 0 && obs.Age(e.now()) > e.cfg.MaxObservationAge {
		return oracle.Observation{}, fmt.Errorf("%w: feed=%s age=%s",
			ErrStaleObservation, feedID, obs.Age(e.now()))
	}
	return obs, nil
}

// applied records a committed operation and refreshes the pool gauges.
// Callers must hold the write lock. start must be a wall-clock instant;
// the injected clock governs domain time only.
func (e *Engine) applied(op string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.OpsApplied.WithLabelValues(op).Inc()
	e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	stats := e.pool.Snapshot()
	e.metrics.SetPoolGauges(stats.TotalLiquidity, stats.TotalCoverage,
		stats.AvailableLiquidity, stats.UtilizationBps, e.registry.ActiveCount())
}

// rejected records a failed operation.
func (e *Engine) rejected(op, reason string) {
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, reason).Inc()
	}
}
