package api

import (
	"net/http"

	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
)

// requestAuthorization creates or reuses the subscriber's subscription and
// returns what the client needs to open the gateway's registration window
func (s *Server) requestAuthorization(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := httputil.ParsePathStringOrError(w, r, "subscriberID")
	if !ok {
		return
	}
	var body AuthorizationRequestBody
	if !httputil.ParseAndValidateOrError(w, r, &body) {
		return
	}

	ctx := observability.WithSubscriberID(r.Context(), subscriberID)
	req, err := s.deps.Authorizer.RequestAuthorization(ctx, subscriberID, plans.Tier(body.Tier), body.AmountOverride)
	if err != nil {
		writeDomainError(w, r.WithContext(ctx), err)
		return
	}
	httputil.WriteCreated(w, req)
}

// authorizationSuccess is where the gateway redirects after the subscriber
// registered a card
func (s *Server) authorizationSuccess(w http.ResponseWriter, r *http.Request) {
	params, ok := httputil.RequireQuery(w, r, "customerKey", "authKey")
	if !ok {
		return
	}
	result, err := s.deps.Authorizer.CompleteAuthorization(r.Context(), params["customerKey"], params["authKey"])
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

func (s *Server) authorizationFailure(w http.ResponseWriter, r *http.Request) {
	params, ok := httputil.RequireQuery(w, r, "customerKey")
	if !ok {
		return
	}
	code := r.URL.Query().Get("code")
	message, err := s.deps.Authorizer.FailAuthorization(r.Context(), params["customerKey"], code, r.URL.Query().Get("message"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, AuthorizationFailureResponse{
		Status:  "failed",
		Code:    code,
		Message: message,
	})
}
