package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"FlareShield/internal/engine"
	"FlareShield/internal/oracle"
	"FlareShield/internal/policy"
	"FlareShield/internal/pool"
	"FlareShield/internal/token"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps protocol sentinel errors onto HTTP statuses. Unknown
// errors are internal.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, policy.ErrPolicyNotFound):
		return http.StatusNotFound, "ERR_POLICY_NOT_FOUND"
	case errors.Is(err, policy.ErrPolicyNotActive):
		return http.StatusConflict, "ERR_POLICY_NOT_ACTIVE"
	case errors.Is(err, policy.ErrAlreadyClaimed):
		return http.StatusConflict, "ERR_ALREADY_CLAIMED"
	case errors.Is(err, engine.ErrPolicyExpired):
		return http.StatusConflict, "ERR_POLICY_EXPIRED"
	case errors.Is(err, engine.ErrNotYetExpired):
		return http.StatusConflict, "ERR_NOT_YET_EXPIRED"
	case errors.Is(err, engine.ErrTriggerNotMet):
		return http.StatusUnprocessableEntity, "ERR_TRIGGER_NOT_MET"
	case errors.Is(err, engine.ErrNotPolicyHolder):
		return http.StatusForbidden, "ERR_NOT_POLICY_HOLDER"
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusForbidden, "ERR_UNAUTHORIZED"
	case errors.Is(err, engine.ErrCoverageTooLow),
		errors.Is(err, engine.ErrCoverageTooHigh),
		errors.Is(err, engine.ErrInvalidDuration),
		errors.Is(err, pool.ErrInvalidAmount):
		return http.StatusBadRequest, "ERR_INVALID_REQUEST"
	case errors.Is(err, pool.ErrInsufficientAvailableLiquidity),
		errors.Is(err, pool.ErrInsufficientPoolLiquidity):
		return http.StatusUnprocessableEntity, "ERR_INSUFFICIENT_LIQUIDITY"
	case errors.Is(err, pool.ErrInsufficientDeposit):
		return http.StatusUnprocessableEntity, "ERR_INSUFFICIENT_DEPOSIT"
	case errors.Is(err, pool.ErrNoRewardsAvailable):
		return http.StatusUnprocessableEntity, "ERR_NO_REWARDS"
	case errors.Is(err, pool.ErrRateTooHigh):
		return http.StatusBadRequest, "ERR_RATE_TOO_HIGH"
	case errors.Is(err, token.ErrTransferFailed):
		return http.StatusUnprocessableEntity, "ERR_TRANSFER_FAILED"
	case errors.Is(err, oracle.ErrUnknownFeed):
		return http.StatusBadRequest, "ERR_UNKNOWN_FEED"
	case errors.Is(err, oracle.ErrFeedUnavailable),
		errors.Is(err, engine.ErrStaleObservation):
		return http.StatusServiceUnavailable, "ERR_FEED_UNAVAILABLE"
	}
	return http.StatusInternalServerError, "ERR_INTERNAL"
}

func errorResponse(c echo.Context, err error) error {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return c.JSON(status, ErrorBody{Code: code, Message: msg})
}
