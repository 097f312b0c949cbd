package api

import (
	"net/http"

	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/ledger"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// debit charges tokens for consumed work units
func (s *Server) debit(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := httputil.ParsePathStringOrError(w, r, "subscriberID")
	if !ok {
		return
	}
	var req DebitRequest
	if !httputil.ParseAndValidateOrError(w, r, &req) {
		return
	}

	ctx := observability.WithSubscriberID(r.Context(), subscriberID)
	sub, err := s.deps.Store.GetBySubscriber(ctx, subscriberID)
	if err != nil {
		writeDomainError(w, r.WithContext(ctx), err)
		return
	}

	result, err := s.deps.Ledger.Debit(ctx, ledger.DebitRequest{
		SubscriptionID:   sub.ID,
		Units:            req.Units,
		SurchargePercent: req.SurchargePercent,
	})
	if err != nil {
		writeDomainError(w, r.WithContext(ctx), err)
		return
	}

	httputil.WriteSuccess(w, DebitResponse{
		OK:             true,
		Remaining:      result.Remaining,
		DailyRemaining: result.DailyRemaining,
		TokensCharged:  result.TokensCharged,
		Enforced:       result.Enforced,
	})
}
