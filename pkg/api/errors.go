package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/gateway"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/ledger"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// writeDomainError maps an error from the billing core to a response
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case ledger.IsInsufficientBalance(err):
		httputil.WriteErrorCode(w, http.StatusPaymentRequired, "INSUFFICIENT_BALANCE", err.Error())
	case ledger.IsDailyCapExceeded(err):
		httputil.WriteErrorCode(w, http.StatusTooManyRequests, "DAILY_CAP_EXCEEDED", err.Error())
	case errors.Is(err, ledger.ErrSubscriptionLapsed):
		httputil.WriteErrorCode(w, http.StatusForbidden, "SUBSCRIPTION_LAPSED", err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount):
		httputil.WriteErrorCode(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
	case errors.Is(err, plans.ErrUnknownTier):
		httputil.WriteErrorCode(w, http.StatusBadRequest, "UNKNOWN_TIER", err.Error())
	case errors.Is(err, subscriptions.ErrSubscriptionNotFound):
		httputil.WriteErrorCode(w, http.StatusNotFound, "SUBSCRIPTION_NOT_FOUND", err.Error())
	case errors.Is(err, subscriptions.ErrEntryNotFound):
		httputil.WriteErrorCode(w, http.StatusNotFound, "ENTRY_NOT_FOUND", err.Error())
	case errors.Is(err, subscriptions.ErrInvalidTransition):
		httputil.WriteErrorCode(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, subscriptions.ErrDuplicateChargeRef):
		httputil.WriteErrorCode(w, http.StatusConflict, "DUPLICATE_CHARGE", err.Error())
	case errors.Is(err, billing.ErrCredentialNotBound):
		httputil.WriteErrorCode(w, http.StatusConflict, "CREDENTIAL_NOT_BOUND", err.Error())
	case errors.Is(err, billing.ErrSignatureVerificationFailed):
		httputil.WriteErrorCode(w, http.StatusUnauthorized, "INVALID_SIGNATURE", err.Error())
	case errors.Is(err, billing.ErrAuthorizationExpired):
		httputil.WriteErrorCode(w, http.StatusGone, "AUTHORIZATION_EXPIRED", err.Error())
	case errors.Is(err, billing.ErrMalformedEvent):
		httputil.WriteErrorCode(w, http.StatusBadRequest, "MALFORMED_EVENT", err.Error())
	default:
		if gerr, ok := gateway.AsGatewayError(err); ok {
			httputil.WriteErrorCode(w, http.StatusBadGateway, gerr.Code, gerr.UserMessage())
			return
		}
		if errors.Is(err, gateway.ErrChargeTimeout) {
			httputil.WriteErrorCode(w, http.StatusGatewayTimeout, gateway.CodeTimeout, gateway.UserMessage(gateway.CodeTimeout))
			return
		}
		observability.FromContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("Unhandled request error")
		httputil.WriteInternalError(w)
	}
}
