package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"FlareShield/internal/event"
	"FlareShield/internal/observability"
	"FlareShield/internal/oracle"
	"FlareShield/internal/policy"
	"FlareShield/internal/pool"
	"FlareShield/internal/token"
)

const (
	wflr  = int64(1_000_000) // one WFLR at amount scale
	day   = int64(86_400)
	admin = "admin"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	engine *Engine
	feed   *oracle.Static
	vault  *token.Vault
	clock  *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	feed := oracle.NewStaticWithClock(clock.Now)
	vault := token.NewVault()

	cfg := DefaultConfig()
	cfg.AdminAccount = admin

	eng := New(cfg, feed, vault, zerolog.Nop(), WithClock(clock.Now))
	return &harness{engine: eng, feed: feed, vault: vault, clock: clock}
}

// seedPool mints and deposits liquidity for a provider.
func (h *harness) seedPool(t *testing.T, provider string, amount int64) {
	t.Helper()
	h.vault.Mint(provider, amount)
	if _, err := h.engine.AddLiquidity(context.Background(), provider, amount); err != nil {
		t.Fatalf("AddLiquidity(%s, %d): %v", provider, amount, err)
	}
}

func TestPurchaseReservesCoverageAndChargesPremium(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, "lp1", 50_000*wflr)

	h.feed.SetPrice(oracle.FeedBTCUSD, 100_000_00000, 5)
	h.vault.Mint("alice", 10*wflr)

	p, err := h.engine.PurchasePolicy(context.Background(),
		"alice", 1_000*wflr, 30*day, policy.PriceDrop, oracle.FeedBTCUSD, 0)
	if err != nil {
		t.Fatalf("PurchasePolicy: %v", err)
	}

	// 1,000 WFLR at 3% annual for 30/365 of a year, rounded up.
	wantPremium := int64(2_465_760)
	if p.Premium != wantPremium {
		t.Errorf("premium = %d, want %d", p.Premium, wantPremium)
	}
	if p.StrikePrice != 90_000_00000 {
		t.Errorf("default strike = %d, want %d", p.StrikePrice, int64(90_000_00000))
	}
	if p.StrikeDecimals != 5 {
		t.Errorf("strike decimals = %d, want 5", p.StrikeDecimals)
	}
	if !p.IsActive || p.IsClaimed {
		t.Errorf("new policy state: active=%v claimed=%v", p.IsActive, p.IsClaimed)
	}

	stats := h.engine.PoolStats()
	if stats.TotalLiquidity != 50_000*wflr {
		t.Errorf("totalLiquidity = %d, want %d", stats.TotalLiquidity, 50_000*wflr)
	}
	if stats.TotalCoverage != 1_000*wflr {
		t.Errorf("totalCoverage = %d, want %d", stats.TotalCoverage, 1_000*wflr)
	}
	if stats.AvailableLiquidity != 49_000*wflr {
		t.Errorf("available = %d, want %d", stats.AvailableLiquidity, 49_000*wflr)
	}

	if got := h.vault.BalanceOf("alice"); got != 10*wflr-wantPremium {
		t.Errorf("holder balance = %d, want %d", got, 10*wflr-wantPremium)
	}

	ids := h.engine.HolderPolicies("alice")
	if len(ids) != 1 || ids[0] != p.ID {
		t.Errorf("HolderPolicies = %v, want [%d]", ids, p.ID)
	}
}

func TestPurchaseRejectedWhenPoolCannotBack(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, "lp1", 50_000*wflr)

	h.feed.SetPrice(oracle.FeedBTCUSD, 100_000_00000, 5)
	h.vault.Mint("bob", 10_000*wflr)
	before := h.vault.BalanceOf("bob")

	_, err := h.engine.PurchasePolicy(context.Background(),
		"bob", 100_000*wflr, 30*day, policy.PriceDrop, oracle.FeedBTCUSD, 0)
	if !errors.Is(err, pool.ErrInsufficientPoolLiquidity) {
		t.Fatalf("err = %v, want ErrInsufficientPoolLiquidity", err)
	}

	if got := h.vault.BalanceOf("bob"); got != before {
		t.Errorf("holder charged %d despite rejection", before-got)
	}
	if stats := h.engine.PoolStats(); stats.TotalCoverage != 0 {
		t.Errorf("totalCoverage = %d after rejected purchase", stats.TotalCoverage)
	}
	if ids := h.engine.HolderPolicies("bob"); len(ids) != 0 {
		t.Errorf("policy created despite rejection: %v", ids)
	}
}

func TestPurchaseCoverageBounds(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, "lp1", 50_000*wflr)
	h.feed.SetPrice(oracle.FeedBTCUSD, 100_000_00000, 5)
	h.vault.Mint("alice", 1_000*wflr)

	_, err := h.engine.PurchasePolicy(context.Background(),
		"alice", 99*wflr, 30*day, policy.PriceDrop, oracle.FeedBTCUSD, 0)
	if !errors.Is(err, ErrCoverageTooLow) {
		t.Errorf("coverage below floor: err = %v, want ErrCoverageTooLow", err)
	}

	_, err = h.engine.PurchasePolicy(context.Background(),
		"alice", 1_000_001*wflr, 30*day, policy.PriceDrop, oracle.FeedBTCUSD, 0)
	if !errors.Is(err, ErrCoverageTooHigh) {
		t.Errorf("coverage above cap: err = %v, want ErrCoverageTooHigh", err)
	}

	_, err = h.engine.PurchasePolicy(context.Background(),
		"alice", 1_000*wflr, 0, policy.PriceDrop, oracle.FeedBTCUSD, 0)
	if !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("zero duration: err = %v, want ErrInvalidDuration", err)
	}
}

func TestPurchaseRollsBackReservationOnFeedFailure(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, "lp1", 50_000*wflr)
	h.vault.Mint("alice", 10*wflr)

	// Feed never primed for this id.
	_, err := h.engine.PurchasePolicy(context.Background(),
		"alice", 1_000*wflr, 30*day, policy.PriceDrop, oracle.FeedBTCUSD, 0)
	if !errors.Is(err, oracle.ErrUnknownFeed) {
		t.Fatalf("err = %v, want ErrUnknownFeed", err)
	}

	if stats := h.engine.PoolStats(); stats.TotalCoverage != 0 {
		t.Errorf("reservation leaked: totalCoverage = %d", stats.TotalCoverage)
	}
	if got := h.vault.BalanceOf("alice"); got != 10*wflr {
		t.Errorf("holder charged on feed failure: balance = %d", got)
	}
}

func TestQuoteMatchesPurchase(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, "lp1", 50_000*wflr)
	h.feed.SetPrice(oracle.FeedBTCUSD, 100_000_00000, 5)
	h.vault.Mint("alice", 10*wflr)

	quote, err := h.engine.QuotePremium(1_000*wflr, 30*day, policy.PriceDrop)
	if err != nil {
		t.Fatalf("QuotePremium: %v", err)
	}
	p, err := h.engine.PurchasePolicy(context.Background(),
		"alice", 1_000*wflr, 30*day, policy.PriceDrop, oracle.FeedBTCUSD, 0)
	if err != nil {
		t.Fatalf("PurchasePolicy: %v", err)
	}
	if quote != p.Premium {
		t.Errorf("quote %d != charged premium %d", quote, p.Premium)
	}
}

func TestClaimPaysOutAndReleasesCoverage(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, "lp1", 50_000*wflr)
	h.feed.SetPrice(oracle.FeedBTCUSD, 100_000_00000, 5)
	h.vault.Mint("alice", 10*wflr)

	p, err := h.engine.PurchasePolicy(context.Background(),
		"alice", 1_000*wflr, 30*day, policy.PriceDrop, oracle.FeedBTCUSD, 0)
	if err != nil {
		t.Fatalf("PurchasePolicy: %v", err)
	}
	balanceAfterPurchase := h.vault.BalanceOf("alice")

	// Price holds above strike: not eligible.
	ok, reason, err := h.engine.CanClaim(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("CanClaim: %v", err)
	}
	if ok || reason != ReasonTriggerNotMet {
		t.Errorf("CanClaim above strike: ok=%v reason=%q", ok, reason)
	}
	if _, err := h.engine.ClaimPolicy(context.Background(), p.ID, "alice"); !errors.Is(err, ErrTriggerNotMet) {
		t.Fatalf("claim above strike: err = %v, want ErrTriggerNotMet", err)
	}

	// Price collapses to 80,000, below the 90,000 strike.
	h.feed.SetPrice(oracle.FeedBTCUSD, 80_000_00000, 5)

	ok, reason, err = h.engine.CanClaim(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("CanClaim: %v", err)
	}
	if !ok || reason != ReasonTriggerMet {
		t.Errorf("CanClaim below strike: ok=%v reason=%q", ok, reason)
	}

	claimed, err := h.engine.ClaimPolicy(context.Background(), p.ID, "alice")
	if err != nil {
		t.Fatalf("ClaimPolicy: %v", err)
	}
	if claimed.IsActive || !claimed.IsClaimed {
		t.Errorf("claimed policy state: active=%v claimed=%v", claimed.IsActive, claimed.IsClaimed)
	}

	if got := h.vault.BalanceOf("alice"); got != balanceAfterPurchase+1_000*wflr {
		t.Errorf("payout balance = %d, want %d", got, balanceAfterPurchase+1_000*wflr)
	}

	stats := h.engine.PoolStats()
	if stats.TotalCoverage != 0 {
		t.Errorf("totalCoverage = %d after claim, want 0", stats.TotalCoverage)
	}
	if stats.AvailableLiquidity != 50_000*wflr {
		t.Errorf("available = %d after claim, want %d", stats.AvailableLiquidity, 50_000*wflr)
	}

	// A claimed policy stays claimed.
	if _, err := h.engine.ClaimPolicy(context.Background(), p.ID, "alice"); !errors.Is(err, policy.ErrPolicyNotActive) {
		t.Errorf("second claim: err = %v, want ErrPolicyNotActive", err)
	}
	ok, reason, err = h.engine.CanClaim(context.Background(), p.ID)
	if err != nil || ok || reason != ReasonNotActive {
		t.Errorf("CanClaim after claim: ok=%v reason=%q err=%v", ok, reason, err)
	}
}

func TestClaimRejectsNonHolder(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, "lp1", 50_000*wflr)
	h.feed.SetPrice(oracle.FeedBTCUSD, 100_000_00000, 5)
	h.vault.Mint("alice", 10*wflr)

	p, err := h.engine.PurchasePolicy(context.Background(),
		"alice", 1_000*wflr, 30*day, policy.PriceDrop, oracle.FeedBTCUSD, 0)
	if err != nil {
		t.Fatalf("PurchasePolicy: %v", err)
	}

	h.feed.SetPrice(oracle.FeedBTCUSD, 80_000_00000, 5)
	if _, err := h.engine.ClaimPolicy(context.Background(), p.ID, "mallory"); !errors.Is(err, ErrNotPolicyHolder) {
		t.Errorf("err = %v, want ErrNotPolicyHolder", err)
	}
	if stats := h.engine.PoolStats(); stats.TotalCoverage != 1_000*wflr {
		t.Errorf("coverage mutated by rejected claim: %d", stats.TotalCoverage)
	}
}

func TestClaimRejectedAfterExpiry(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, "lp1", 50_000*wflr)
	h.feed.SetPrice(oracle.FeedBTCUSD, 100_000_00000, 5)
	h.vault.Mint("alice", 10*wflr)

	p, err := h.engine.PurchasePolicy(context.Background(),
		"alice", 1_000*wflr, 30*day, policy.PriceDrop, oracle.FeedBTCUSD, 0)
	if err != nil {
		t.Fatalf("PurchasePolicy: %v", err)
	}

	h.feed.SetPrice(oracle.FeedBTCUSD, 80_000_00000, 5)
	h.clock.Advance(31 * 24 * time.Hour)

	if _, err := h.engine.ClaimPolicy(context.Background(), p.ID, "alice"); !errors.Is(err, ErrPolicyExpired) {
		t.Errorf("err = %v, want ErrPolicyExpired", err)
	}

	ok, reason, err := h.engine.CanClaim(context.Background(), p.ID)
	if err != nil || ok || reason != ReasonExpired {
		t.Errorf("CanClaim after lapse: ok=%v reason=%q err=%v", ok, reason, err)
	}

	status, err := h.engine.PolicyStatus(p.ID)
	if err != nil || status != policy.StatusExpired {
		t.Errorf("status = %v err = %v, want StatusExpired", status, err)
	}
}

func TestDepegTriggerSymmetric(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, "lp1", 50_000*wflr)
	h.feed.SetPrice(oracle.FeedUSDCUSD, 100_000, 5) // $1.00
	h.vault.Mint("alice", 100*wflr)

	// Strike $0.95: pays on a five-cent move away from the peg.
	p, err := h.engine.PurchasePolicy(context.Background(),
		"alice", 1_000*wflr, 30*day, policy.DepegProtection, oracle.FeedUSDCUSD, 95_000)
	if err != nil {
		t.Fatalf("PurchasePolicy: %v", err)
	}

	cases := []struct {
		name  string
		price int64
		want  bool
	}{
		{"at peg", 100_000, false},
		{"one cent below", 99_000, false},
		{"exactly at strike", 95_000, true},
		{"deep depeg", 85_000, true},
		{"above peg within band", 104_000, false},
		{"above peg beyond band", 106_000, true},
	}
	for _, tc := range cases {
		h.feed.SetPrice(oracle.FeedUSDCUSD, tc.price, 5)
		ok, _, err := h.engine.CanClaim(context.Background(), p.ID)
		if err != nil {
			t.Fatalf("%s: CanClaim: %v", tc.name, err)
		}
		if ok != tc.want {
			t.Errorf("%s: eligible = %v, want %v", tc.name, ok, tc.want)
		}
	}
}

func TestTriggerRescalesObservation(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, "lp1", 50_000*wflr)
	h.feed.SetPrice(oracle.FeedBTCUSD, 100_000_00000, 5)
	h.vault.Mint("alice", 10*wflr)

	p, err := h.engine.PurchasePolicy(context.Background(),
		"alice", 1_000*wflr, 30*day, policy.PriceDrop, oracle.FeedBTCUSD, 0)
	if err != nil {
		t.Fatalf("PurchasePolicy: %v", err)
	}

	// Same price, coarser feed scale: 80,000 at 2 decimals.
	h.feed.SetPrice(oracle.FeedBTCUSD, 80_000_00, 2)
	ok, _, err := h.engine.CanClaim(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("CanClaim: %v", err)
	}
	if !ok {
		t.Errorf("rescaled observation below strike not eligible")
	}
}

func TestClaimRejectsUnrescalableObservation(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, "lp1", 50_000*wflr)
	h.vault.Mint("alice", 10*wflr)

	// Strike pinned at 19 feed decimals.
	h.feed.SetPrice(oracle.FeedBTCUSD, 9_000_000_000_000_000_000, 19)
	p, err := h.engine.PurchasePolicy(context.Background(),
		"alice", 1_000*wflr, 30*day, policy.PriceDrop, oracle.FeedBTCUSD, 0)
	if err != nil {
		t.Fatalf("PurchasePolicy: %v", err)
	}

	// A later observation at 5 decimals cannot be widened to the strike
	// scale without overflowing int64; the claim path must report a feed
	// fault instead of comparing a wrapped price.
	h.feed.SetPrice(oracle.FeedBTCUSD, 9_000_000_000, 5)

	if _, _, err := h.engine.CanClaim(context.Background(), p.ID); !errors.Is(err, oracle.ErrFeedUnavailable) {
		t.Errorf("CanClaim: err = %v, want ErrFeedUnavailable", err)
	}
	if _, err := h.engine.ClaimPolicy(context.Background(), p.ID, "alice"); !errors.Is(err, oracle.ErrFeedUnavailable) {
		t.Errorf("ClaimPolicy: err = %v, want ErrFeedUnavailable", err)
	}

	// The policy and its reservation are untouched.
	got, err := h.engine.GetPolicy(p.ID)
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if !got.IsActive || got.IsClaimed {
		t.Errorf("policy state after feed fault: active=%v claimed=%v", got.IsActive, got.IsClaimed)
	}
	if stats := h.engine.PoolStats(); stats.TotalCoverage != 1_000*wflr {
		t.Errorf("totalCoverage = %d, want %d", stats.TotalCoverage, 1_000*wflr)
	}
}

func TestExpirePolicyReleasesCapital(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, "lp1", 50_000*wflr)
	h.feed.SetPrice(oracle.FeedBTCUSD, 100_000_00000, 5)
	h.vault.Mint("alice", 10*wflr)

	p, err := h.engine.PurchasePolicy(context.Background(),
		"alice", 1_000*wflr, 30*day, policy.PriceDrop, oracle.FeedBTCUSD, 0)
	if err != nil {
		t.Fatalf("PurchasePolicy: %v", err)
	}

	// Too early.
	if _, err := h.engine.ExpirePolicy(p.ID); !errors.Is(err, ErrNotYetExpired) {
		t.Fatalf("early expire: err = %v, want ErrNotYetExpired", err)
	}

	h.clock.Advance(31 * 24 * time.Hour)

	// Permissionless: no caller identity required.
	expired, err := h.engine.ExpirePolicy(p.ID)
	if err != nil {
		t.Fatalf("ExpirePolicy: %v", err)
	}
	if expired.IsActive {
		t.Errorf("expired policy still active")
	}

	stats := h.engine.PoolStats()
	if stats.TotalCoverage != 0 || stats.AvailableLiquidity != 50_000*wflr {
		t.Errorf("post-expiry pool: coverage=%d available=%d", stats.TotalCoverage, stats.AvailableLiquidity)
	}

	// Idempotence in effect: the second call is a clean rejection.
	if _, err := h.engine.ExpirePolicy(p.ID); !errors.Is(err, policy.ErrPolicyNotActive) {
		t.Errorf("second expire: err = %v, want ErrPolicyNotActive", err)
	}
}

func TestLiquidityRoundTripWithReservedCoverage(t *testing.T) {
	h := newHarness(t)
	h.vault.Mint("lp1", 50_000*wflr)

	if _, err := h.engine.AddLiquidity(context.Background(), "lp1", 50_000*wflr); err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}
	if got := h.vault.BalanceOf("lp1"); got != 0 {
		t.Errorf("lp balance after deposit = %d", got)
	}

	h.feed.SetPrice(oracle.FeedBTCUSD, 100_000_00000, 5)
	h.vault.Mint("alice", 100*wflr)
	if _, err := h.engine.PurchasePolicy(context.Background(),
		"alice", 30_000*wflr, 30*day, policy.PriceDrop, oracle.FeedBTCUSD, 0); err != nil {
		t.Fatalf("PurchasePolicy: %v", err)
	}

	// 20,000 available; withdrawing 30,000 must fail without mutation.
	if _, err := h.engine.RemoveLiquidity(context.Background(), "lp1", 30_000*wflr); !errors.Is(err, pool.ErrInsufficientAvailableLiquidity) {
		t.Fatalf("over-withdraw: err = %v, want ErrInsufficientAvailableLiquidity", err)
	}
	if stats := h.engine.PoolStats(); stats.TotalLiquidity != 50_000*wflr {
		t.Errorf("totalLiquidity mutated by rejected withdraw: %d", stats.TotalLiquidity)
	}

	if _, err := h.engine.RemoveLiquidity(context.Background(), "lp1", 20_000*wflr); err != nil {
		t.Fatalf("RemoveLiquidity: %v", err)
	}
	if got := h.vault.BalanceOf("lp1"); got != 20_000*wflr {
		t.Errorf("lp balance after withdraw = %d, want %d", got, 20_000*wflr)
	}
}

func TestRewardAccrualAndClaim(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, "lp1", 10_000*wflr)

	h.clock.Advance(365 * 24 * time.Hour)

	pos, ok := h.engine.Position("lp1")
	if !ok {
		t.Fatalf("Position: provider missing")
	}
	want := 1_500 * wflr // 15% of 10,000 over a full year
	if pos.PendingRewards != want {
		t.Errorf("pending = %d, want %d", pos.PendingRewards, want)
	}

	paid, err := h.engine.ClaimRewards(context.Background(), "lp1")
	if err != nil {
		t.Fatalf("ClaimRewards: %v", err)
	}
	if paid != want {
		t.Errorf("paid = %d, want %d", paid, want)
	}
	if got := h.vault.BalanceOf("lp1"); got != want {
		t.Errorf("lp balance = %d, want %d", got, want)
	}

	// Nothing further accrued at the same instant.
	if _, err := h.engine.ClaimRewards(context.Background(), "lp1"); !errors.Is(err, pool.ErrNoRewardsAvailable) {
		t.Errorf("immediate re-claim: err = %v, want ErrNoRewardsAvailable", err)
	}
}

func TestSetRewardRateAuthorization(t *testing.T) {
	h := newHarness(t)

	if err := h.engine.SetRewardRate("mallory", 2_000); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("non-admin: err = %v, want ErrUnauthorized", err)
	}
	if err := h.engine.SetRewardRate(admin, 6_000); !errors.Is(err, pool.ErrRateTooHigh) {
		t.Errorf("above ceiling: err = %v, want ErrRateTooHigh", err)
	}
	if err := h.engine.SetRewardRate(admin, 2_000); err != nil {
		t.Errorf("valid update: %v", err)
	}
}

func TestSetRewardRateRejectedWithoutConfiguredAdmin(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	feed := oracle.NewStaticWithClock(clock.Now)
	eng := New(DefaultConfig(), feed, token.NewVault(), zerolog.Nop(), WithClock(clock.Now))

	if err := eng.SetRewardRate("", 2_000); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("empty admin config: err = %v, want ErrUnauthorized", err)
	}
}

// failAfterVault wires a vault whose outbound transfers always fail,
// exercising payout rollback paths.
type failAfterVault struct {
	*token.Vault
}

func (f *failAfterVault) TransferOut(context.Context, string, int64) error {
	return token.ErrTransferFailed
}

func TestClaimRollsBackOnPayoutFailure(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	feed := oracle.NewStaticWithClock(clock.Now)
	vault := &failAfterVault{Vault: token.NewVault()}

	cfg := DefaultConfig()
	cfg.AdminAccount = admin
	eng := New(cfg, feed, vault, zerolog.Nop(), WithClock(clock.Now))

	vault.Mint("lp1", 50_000*wflr)
	if _, err := eng.AddLiquidity(context.Background(), "lp1", 50_000*wflr); err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}

	feed.SetPrice(oracle.FeedBTCUSD, 100_000_00000, 5)
	vault.Mint("alice", 10*wflr)
	p, err := eng.PurchasePolicy(context.Background(),
		"alice", 1_000*wflr, 30*day, policy.PriceDrop, oracle.FeedBTCUSD, 0)
	if err != nil {
		t.Fatalf("PurchasePolicy: %v", err)
	}

	feed.SetPrice(oracle.FeedBTCUSD, 80_000_00000, 5)
	if _, err := eng.ClaimPolicy(context.Background(), p.ID, "alice"); !errors.Is(err, token.ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}

	// Full restore: still active, still claimable, coverage still reserved.
	restored, err := eng.GetPolicy(p.ID)
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if !restored.IsActive || restored.IsClaimed {
		t.Errorf("post-rollback state: active=%v claimed=%v", restored.IsActive, restored.IsClaimed)
	}
	if stats := eng.PoolStats(); stats.TotalCoverage != 1_000*wflr {
		t.Errorf("post-rollback coverage = %d, want %d", stats.TotalCoverage, 1_000*wflr)
	}
}

func TestRewardClaimRollsBackOnPayoutFailure(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	feed := oracle.NewStaticWithClock(clock.Now)
	vault := &failAfterVault{Vault: token.NewVault()}

	cfg := DefaultConfig()
	cfg.AdminAccount = admin
	eng := New(cfg, feed, vault, zerolog.Nop(), WithClock(clock.Now))

	vault.Mint("lp1", 10_000*wflr)
	if _, err := eng.AddLiquidity(context.Background(), "lp1", 10_000*wflr); err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}
	clock.Advance(365 * 24 * time.Hour)

	if _, err := eng.ClaimRewards(context.Background(), "lp1"); !errors.Is(err, token.ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}

	pos, ok := eng.Position("lp1")
	if !ok {
		t.Fatalf("Position: provider missing")
	}
	if pos.PendingRewards != 1_500*wflr {
		t.Errorf("pending after rollback = %d, want %d", pos.PendingRewards, 1_500*wflr)
	}
}

func TestEventSequencing(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	feed := oracle.NewStaticWithClock(clock.Now)
	vault := token.NewVault()

	persist := make(chan event.Envelope, 64)

	cfg := DefaultConfig()
	cfg.AdminAccount = admin
	eng := New(cfg, feed, vault, zerolog.Nop(),
		WithClock(clock.Now), WithPersistChannel(persist))

	vault.Mint("lp1", 50_000*wflr)
	if _, err := eng.AddLiquidity(context.Background(), "lp1", 50_000*wflr); err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}

	feed.SetPrice(oracle.FeedBTCUSD, 100_000_00000, 5)
	vault.Mint("alice", 10*wflr)
	if _, err := eng.PurchasePolicy(context.Background(),
		"alice", 1_000*wflr, 30*day, policy.PriceDrop, oracle.FeedBTCUSD, 0); err != nil {
		t.Fatalf("PurchasePolicy: %v", err)
	}
	close(persist)

	var seq int64
	types := []event.Type{}
	for env := range persist {
		if env.Sequence <= seq {
			t.Errorf("sequence not strictly increasing: %d after %d", env.Sequence, seq)
		}
		seq = env.Sequence
		types = append(types, env.EventType)
	}

	want := []event.Type{event.TypeLiquidityAdded, event.TypePolicyCreated}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %v, want %v", i, types[i], want[i])
		}
	}
}

func TestClaimEmitsPriceCheckAndPoolTotals(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	feed := oracle.NewStaticWithClock(clock.Now)
	vault := token.NewVault()

	persist := make(chan event.Envelope, 64)

	cfg := DefaultConfig()
	cfg.AdminAccount = admin
	eng := New(cfg, feed, vault, zerolog.Nop(),
		WithClock(clock.Now), WithPersistChannel(persist))

	vault.Mint("lp1", 50_000*wflr)
	if _, err := eng.AddLiquidity(context.Background(), "lp1", 50_000*wflr); err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}
	feed.SetPrice(oracle.FeedBTCUSD, 100_000_00000, 5)
	vault.Mint("alice", 10*wflr)
	p, err := eng.PurchasePolicy(context.Background(),
		"alice", 1_000*wflr, 30*day, policy.PriceDrop, oracle.FeedBTCUSD, 0)
	if err != nil {
		t.Fatalf("PurchasePolicy: %v", err)
	}

	feed.SetPrice(oracle.FeedBTCUSD, 80_000_00000, 5)
	if _, err := eng.ClaimPolicy(context.Background(), p.ID, "alice"); err != nil {
		t.Fatalf("ClaimPolicy: %v", err)
	}
	close(persist)

	var sawCheck, sawClaim bool
	for env := range persist {
		switch env.EventType {
		case event.TypePriceChecked:
			sawCheck = true
			payload := env.Payload.(event.PriceChecked)
			if payload.Price != 80_000_00000 {
				t.Errorf("price check payload price = %d", payload.Price)
			}
		case event.TypePolicyClaimed:
			sawClaim = true
			payload := env.Payload.(event.PolicyClaimed)
			if payload.Payout != 1_000*wflr {
				t.Errorf("claim payout = %d", payload.Payout)
			}
			if env.TotalCoverage != 0 {
				t.Errorf("claim envelope totalCoverage = %d, want 0", env.TotalCoverage)
			}
			if env.AvailableLiquidity != 50_000*wflr {
				t.Errorf("claim envelope available = %d", env.AvailableLiquidity)
			}
		}
	}
	if !sawCheck || !sawClaim {
		t.Errorf("missing events: priceCheck=%v claim=%v", sawCheck, sawClaim)
	}
}

func TestStaleObservationRejected(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	feed := oracle.NewStaticWithClock(clock.Now)
	vault := token.NewVault()

	cfg := DefaultConfig()
	cfg.AdminAccount = admin
	cfg.MaxObservationAge = time.Minute
	eng := New(cfg, feed, vault, zerolog.Nop(), WithClock(clock.Now))

	vault.Mint("lp1", 50_000*wflr)
	if _, err := eng.AddLiquidity(context.Background(), "lp1", 50_000*wflr); err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}
	feed.SetPrice(oracle.FeedBTCUSD, 100_000_00000, 5)
	vault.Mint("alice", 10*wflr)

	clock.Advance(2 * time.Minute)

	_, err := eng.PurchasePolicy(context.Background(),
		"alice", 1_000*wflr, 30*day, policy.PriceDrop, oracle.FeedBTCUSD, 0)
	if !errors.Is(err, ErrStaleObservation) {
		t.Errorf("err = %v, want ErrStaleObservation", err)
	}
}

func TestCrashSimulationEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, "lp1", 50_000*wflr)
	h.feed.SetPrice(oracle.FeedFLRUSD, 2_00000, 5) // $2.00
	h.vault.Mint("alice", 100*wflr)

	p, err := h.engine.PurchasePolicy(context.Background(),
		"alice", 500*wflr, 90*day, policy.BridgeProtection, oracle.FeedFLRUSD, 0)
	if err != nil {
		t.Fatalf("PurchasePolicy: %v", err)
	}

	// 5% drop keeps the price above the 90% strike.
	h.feed.SimulateCrash(oracle.FeedFLRUSD, 5)
	if ok, _, err := h.engine.CanClaim(context.Background(), p.ID); err != nil || ok {
		t.Errorf("5%% drop: ok=%v err=%v", ok, err)
	}

	// Another 15% off the already reduced price crosses the strike.
	h.feed.SimulateCrash(oracle.FeedFLRUSD, 15)
	if ok, _, err := h.engine.CanClaim(context.Background(), p.ID); err != nil || !ok {
		t.Errorf("compounded drop: ok=%v err=%v", ok, err)
	}

	if _, err := h.engine.ClaimPolicy(context.Background(), p.ID, "alice"); err != nil {
		t.Fatalf("ClaimPolicy: %v", err)
	}
}

func TestOperationDurationUsesWallClock(t *testing.T) {
	metrics := observability.NewMetrics()

	// Domain clock pinned to the epoch: a duration measured against it
	// would come out as decades, not microseconds.
	clock := &testClock{now: time.Unix(0, 0)}
	feed := oracle.NewStaticWithClock(clock.Now)
	vault := token.NewVault()
	eng := New(DefaultConfig(), feed, vault, zerolog.Nop(),
		WithClock(clock.Now), WithMetrics(metrics))

	vault.Mint("lp1", 1_000*wflr)
	if _, err := eng.AddLiquidity(context.Background(), "lp1", 1_000*wflr); err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	found := false
	var sum float64
	for _, mf := range families {
		if mf.GetName() != "shield_engine_op_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "op" && l.GetValue() == "add_liquidity" {
					found = true
					sum = m.GetHistogram().GetSampleSum()
				}
			}
		}
	}
	if !found {
		t.Fatalf("add_liquidity duration not recorded")
	}
	if sum > 60 {
		t.Errorf("op duration sum = %.0fs; duration measured against the domain clock", sum)
	}
}
