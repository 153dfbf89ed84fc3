package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"FlareShield/internal/engine"
	"FlareShield/internal/observability"
	"FlareShield/internal/policy"
	"FlareShield/internal/query"
)

// Handler serves the protocol's HTTP/JSON API. Live state comes from the
// engine; history endpoints read the Postgres projections and are absent
// when the service runs without a database.
type Handler struct {
	engine  *engine.Engine
	queries *query.Service
	hub     *Hub
	health  *observability.HealthChecker
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewHandler(
	eng *engine.Engine,
	queries *query.Service,
	hub *Hub,
	health *observability.HealthChecker,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Handler {
	return &Handler{
		engine:  eng,
		queries: queries,
		hub:     hub,
		health:  health,
		logger:  logger.With().Str("component", "http_handler").Logger(),
		metrics: metrics,
	}
}

// RegisterRoutes mounts every API route on e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", echo.WrapHandler(http.HandlerFunc(h.health.LivenessHandler)))
	e.GET("/readyz", echo.WrapHandler(http.HandlerFunc(h.health.ReadinessHandler)))

	v1 := e.Group("/v1")

	v1.GET("/pool", h.getPoolStats)
	v1.POST("/quote", h.postQuote)

	v1.POST("/policies", h.postPurchase)
	v1.GET("/policies/:id", h.getPolicy)
	v1.GET("/policies/:id/claimable", h.getClaimable)
	v1.POST("/policies/:id/claim", h.postClaim)
	v1.POST("/policies/:id/expire", h.postExpire)
	v1.GET("/holders/:holder/policies", h.getHolderPolicies)

	v1.POST("/liquidity", h.postAddLiquidity)
	v1.POST("/liquidity/withdraw", h.postRemoveLiquidity)
	v1.GET("/providers/:provider/position", h.getPosition)
	v1.POST("/rewards/claim", h.postClaimRewards)

	v1.PUT("/admin/reward-rate", h.putRewardRate)

	if h.queries != nil {
		v1.GET("/events", h.getEvents)
	}
	if h.hub != nil {
		v1.GET("/events/stream", h.hub.ServeWS)
	}
}

// humanAmount renders a raw amount as a decimal WFLR string.
func humanAmount(v int64) string {
	return decimal.New(v, -6).String()
}

type poolStatsResponse struct {
	TotalLiquidity     int64  `json:"total_liquidity"`
	TotalCoverage      int64  `json:"total_coverage"`
	AvailableLiquidity int64  `json:"available_liquidity"`
	UtilizationBps     int64  `json:"utilization_bps"`
	RewardRateBps      int64  `json:"reward_rate_bps"`
	TotalLiquidityWFLR string `json:"total_liquidity_wflr"`
	AvailableWFLR      string `json:"available_wflr"`
}

func (h *Handler) getPoolStats(c echo.Context) error {
	s := h.engine.PoolStats()
	return c.JSON(http.StatusOK, poolStatsResponse{
		TotalLiquidity:     s.TotalLiquidity,
		TotalCoverage:      s.TotalCoverage,
		AvailableLiquidity: s.AvailableLiquidity,
		UtilizationBps:     s.UtilizationBps,
		RewardRateBps:      s.RewardRateBps,
		TotalLiquidityWFLR: humanAmount(s.TotalLiquidity),
		AvailableWFLR:      humanAmount(s.AvailableLiquidity),
	})
}

type quoteRequest struct {
	Coverage        int64  `json:"coverage" validate:"gt=0"`
	DurationSeconds int64  `json:"duration_seconds" validate:"gt=0"`
	Category        string `json:"category" validate:"required"`
}

type quoteResponse struct {
	Premium     int64  `json:"premium"`
	PremiumWFLR string `json:"premium_wflr"`
	RateBps     int64  `json:"rate_bps"`
}

func (h *Handler) postQuote(c echo.Context) error {
	var req quoteRequest
	if err := bindAndValidate(c, &req); err != nil {
		return nil
	}
	category, err := policy.ParseCategory(req.Category)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Code: "ERR_UNKNOWN_CATEGORY", Message: err.Error()})
	}

	premium, err := h.engine.QuotePremium(req.Coverage, req.DurationSeconds, category)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, quoteResponse{
		Premium:     premium,
		PremiumWFLR: humanAmount(premium),
		RateBps:     category.BaseRateBps(),
	})
}

type purchaseRequest struct {
	Holder          string `json:"holder" validate:"required"`
	Coverage        int64  `json:"coverage" validate:"gt=0"`
	DurationSeconds int64  `json:"duration_seconds" validate:"gt=0"`
	Category        string `json:"category" validate:"required"`
	FeedID          string `json:"feed_id" validate:"required"`
	// StrikePrice zero selects the default strike (90% of spot).
	StrikePrice int64 `json:"strike_price" validate:"gte=0"`
}

type policyResponse struct {
	PolicyID       uint64 `json:"policy_id"`
	Holder         string `json:"holder"`
	Premium        int64  `json:"premium"`
	PremiumWFLR    string `json:"premium_wflr"`
	Coverage       int64  `json:"coverage"`
	CoverageWFLR   string `json:"coverage_wflr"`
	StrikePrice    int64  `json:"strike_price"`
	StrikeDecimals int8   `json:"strike_decimals"`
	FeedID         string `json:"feed_id"`
	Category       string `json:"category"`
	StartTime      int64  `json:"start_time"`
	EndTime        int64  `json:"end_time"`
	Status         string `json:"status"`
}

func (h *Handler) policyJSON(p policy.Policy) policyResponse {
	status, _ := h.engine.PolicyStatus(p.ID)
	return policyResponse{
		PolicyID:       p.ID,
		Holder:         p.Holder,
		Premium:        p.Premium,
		PremiumWFLR:    humanAmount(p.Premium),
		Coverage:       p.Coverage,
		CoverageWFLR:   humanAmount(p.Coverage),
		StrikePrice:    p.StrikePrice,
		StrikeDecimals: p.StrikeDecimals,
		FeedID:         p.FeedID,
		Category:       p.Category.String(),
		StartTime:      p.StartTime,
		EndTime:        p.EndTime,
		Status:         string(status),
	}
}

func (h *Handler) postPurchase(c echo.Context) error {
	var req purchaseRequest
	if err := bindAndValidate(c, &req); err != nil {
		return nil
	}
	category, err := policy.ParseCategory(req.Category)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Code: "ERR_UNKNOWN_CATEGORY", Message: err.Error()})
	}

	p, err := h.engine.PurchasePolicy(c.Request().Context(),
		req.Holder, req.Coverage, req.DurationSeconds, category, req.FeedID, req.StrikePrice)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, h.policyJSON(p))
}

func (h *Handler) getPolicy(c echo.Context) error {
	id, err := parsePolicyID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Code: "ERR_BAD_REQUEST", Message: "invalid policy id"})
	}
	p, err := h.engine.GetPolicy(id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, h.policyJSON(p))
}

type claimableResponse struct {
	PolicyID uint64 `json:"policy_id"`
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
}

func (h *Handler) getClaimable(c echo.Context) error {
	id, err := parsePolicyID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Code: "ERR_BAD_REQUEST", Message: "invalid policy id"})
	}
	eligible, reason, err := h.engine.CanClaim(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, claimableResponse{PolicyID: id, Eligible: eligible, Reason: reason})
}

type claimRequest struct {
	Caller string `json:"caller" validate:"required"`
}

func (h *Handler) postClaim(c echo.Context) error {
	id, err := parsePolicyID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Code: "ERR_BAD_REQUEST", Message: "invalid policy id"})
	}
	var req claimRequest
	if err := bindAndValidate(c, &req); err != nil {
		return nil
	}

	p, err := h.engine.ClaimPolicy(c.Request().Context(), id, req.Caller)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, h.policyJSON(p))
}

func (h *Handler) postExpire(c echo.Context) error {
	id, err := parsePolicyID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Code: "ERR_BAD_REQUEST", Message: "invalid policy id"})
	}
	p, err := h.engine.ExpirePolicy(id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, h.policyJSON(p))
}

func (h *Handler) getHolderPolicies(c echo.Context) error {
	holder := c.Param("holder")
	ids := h.engine.HolderPolicies(holder)

	policies := make([]policyResponse, 0, len(ids))
	for _, id := range ids {
		p, err := h.engine.GetPolicy(id)
		if err != nil {
			continue
		}
		policies = append(policies, h.policyJSON(p))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"holder":   holder,
		"policies": policies,
	})
}

type liquidityRequest struct {
	Provider string `json:"provider" validate:"required"`
	Amount   int64  `json:"amount" validate:"gt=0"`
}

type positionResponse struct {
	Provider       string `json:"provider"`
	Deposited      int64  `json:"deposited"`
	DepositedWFLR  string `json:"deposited_wflr"`
	PendingRewards int64  `json:"pending_rewards"`
	RewardsEarned  int64  `json:"rewards_earned"`
}

func (h *Handler) postAddLiquidity(c echo.Context) error {
	var req liquidityRequest
	if err := bindAndValidate(c, &req); err != nil {
		return nil
	}
	pos, err := h.engine.AddLiquidity(c.Request().Context(), req.Provider, req.Amount)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, positionResponse{
		Provider:       pos.Provider,
		Deposited:      pos.Deposited,
		DepositedWFLR:  humanAmount(pos.Deposited),
		PendingRewards: pos.PendingRewards,
		RewardsEarned:  pos.RewardsEarned,
	})
}

func (h *Handler) postRemoveLiquidity(c echo.Context) error {
	var req liquidityRequest
	if err := bindAndValidate(c, &req); err != nil {
		return nil
	}
	pos, err := h.engine.RemoveLiquidity(c.Request().Context(), req.Provider, req.Amount)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, positionResponse{
		Provider:       pos.Provider,
		Deposited:      pos.Deposited,
		DepositedWFLR:  humanAmount(pos.Deposited),
		PendingRewards: pos.PendingRewards,
		RewardsEarned:  pos.RewardsEarned,
	})
}

func (h *Handler) getPosition(c echo.Context) error {
	provider := c.Param("provider")
	pos, ok := h.engine.Position(provider)
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorBody{Code: "ERR_PROVIDER_NOT_FOUND", Message: "no position for provider"})
	}
	return c.JSON(http.StatusOK, positionResponse{
		Provider:       pos.Provider,
		Deposited:      pos.Deposited,
		DepositedWFLR:  humanAmount(pos.Deposited),
		PendingRewards: pos.PendingRewards,
		RewardsEarned:  pos.RewardsEarned,
	})
}

type rewardsRequest struct {
	Provider string `json:"provider" validate:"required"`
}

func (h *Handler) postClaimRewards(c echo.Context) error {
	var req rewardsRequest
	if err := bindAndValidate(c, &req); err != nil {
		return nil
	}
	amount, err := h.engine.ClaimRewards(c.Request().Context(), req.Provider)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"provider":    req.Provider,
		"amount":      amount,
		"amount_wflr": humanAmount(amount),
	})
}

type rewardRateRequest struct {
	Caller  string `json:"caller" validate:"required"`
	RateBps int64  `json:"rate_bps" validate:"gte=0"`
}

func (h *Handler) putRewardRate(c echo.Context) error {
	var req rewardRateRequest
	if err := bindAndValidate(c, &req); err != nil {
		return nil
	}
	if err := h.engine.SetRewardRate(req.Caller, req.RateBps); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"rate_bps": req.RateBps})
}

func (h *Handler) getEvents(c echo.Context) error {
	eventType := c.QueryParam("type")
	after, _ := strconv.ParseInt(c.QueryParam("after"), 10, 64)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	ctx, cancel := contextWithTimeout(c, 5*time.Second)
	defer cancel()

	records, err := h.queries.Events(ctx, eventType, after, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("event history query failed")
		return c.JSON(http.StatusInternalServerError, ErrorBody{Code: "ERR_INTERNAL", Message: "internal error"})
	}
	if records == nil {
		records = []query.EventRecord{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": records})
}

func parsePolicyID(c echo.Context) (uint64, error) {
	return strconv.ParseUint(c.Param("id"), 10, 64)
}

func contextWithTimeout(c echo.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), d)
}
