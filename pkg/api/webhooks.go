package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/httputil"
)

// gatewayWebhook applies a signed gateway delivery. Duplicates and unknown
// event types are acknowledged with 200 so the gateway stops retrying.
func (s *Server) gatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	event, err := s.deps.Reconciler.HandleWebhook(r.Context(), body, r.Header.Get(billing.SignatureHeader))
	switch {
	case err == nil:
		status := "applied"
		if _, unknown := event.(billing.UnknownEvent); unknown {
			status = "ignored"
		}
		httputil.WriteSuccess(w, WebhookResponse{Status: status, EventType: event.Meta().Type})
	case errors.Is(err, billing.ErrDuplicateEvent):
		httputil.WriteSuccess(w, WebhookResponse{Status: "duplicate", EventType: event.Meta().Type})
	default:
		writeDomainError(w, r, err)
	}
}
