package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/Blockeeer/ai-hair-simulation/internal/payment"
	"github.com/Blockeeer/ai-hair-simulation/internal/quota"
	"github.com/Blockeeer/ai-hair-simulation/internal/service"
)

type errorBody struct {
	Error string `json:"error"`
}

type quotaExceededBody struct {
	Error         string `json:"error"`
	Remaining     int    `json:"remaining"`
	CreditBalance int    `json:"credit_balance"`
	CanPurchase   bool   `json:"can_purchase"`
}

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{service.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{service.ErrProviderTimeout, http.StatusGatewayTimeout, "provider_timeout"},
	{service.ErrProviderRejected, http.StatusUnprocessableEntity, "provider_rejected"},
	{service.ErrProviderUnavailable, http.StatusServiceUnavailable, "provider_unavailable"},
	{quota.ErrUserNotFound, http.StatusNotFound, "user_not_found"},
	{service.ErrUserNotFound, http.StatusNotFound, "user_not_found"},
	{payment.ErrForbidden, http.StatusForbidden, "forbidden"},
	{payment.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
	{payment.ErrNotPaid, http.StatusPaymentRequired, "payment_not_completed"},
	{payment.ErrInvalidSignature, http.StatusBadRequest, "invalid_signature"},
	{service.ErrPaymentsDisabled, http.StatusServiceUnavailable, "payments_disabled"},
	{service.ErrPlanNotFound, http.StatusNotFound, "plan_not_found"},
	{service.ErrInvalidPlan, http.StatusBadRequest, "invalid_plan"},
	{service.ErrPromoInvalid, http.StatusNotFound, "promo_invalid"},
	{service.ErrPromoExhausted, http.StatusConflict, "promo_exhausted"},
	{service.ErrPromoAlreadyRedeemed, http.StatusConflict, "promo_already_redeemed"},
}

// writeError maps a service error to a status and a stable error code.
// Anything unrecognized is logged and reported as internal_error.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		writeJSON(w, http.StatusPaymentRequired, quotaExceededBody{
			Error:         "quota_exceeded",
			Remaining:     exceeded.Remaining,
			CreditBalance: exceeded.CreditBalance,
			CanPurchase:   exceeded.CanPurchase,
		})
		return
	}
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			writeJSON(w, e.status, errorBody{Error: e.code})
			return
		}
	}
	log.Error("http handler error", "err", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
}
