package api

import (
	"context"
	"net/http"

	"github.com/platinummonkey/tollgate/pkg/async"
	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/httputil"
)

// runRenewals triggers a renewal run. With ?async=true the run continues in
// the background and 202 is returned immediately.
func (s *Server) runRenewals(w http.ResponseWriter, r *http.Request) {
	runAsync, err := httputil.ParseQueryBool(r, "async", false)
	if err != nil {
		httputil.WriteBadRequest(w, "async must be a boolean")
		return
	}
	log := s.logger.WithContext(r.Context())

	if runAsync {
		async.SafeGo(context.WithoutCancel(r.Context()), s.logger, 0, "admin-renewal-run", func(ctx context.Context) error {
			_, ran, err := s.deps.Scheduler.RunLocked(ctx, billing.TriggerAdmin)
			if err == nil && !ran {
				log.Info("Admin renewal run skipped, another run holds the lock")
			}
			return err
		})
		httputil.WriteAccepted(w, RunStartedResponse{Status: "started", Trigger: billing.TriggerAdmin})
		return
	}

	summary, ran, err := s.deps.Scheduler.RunLocked(r.Context(), billing.TriggerAdmin)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if !ran {
		httputil.WriteErrorCode(w, http.StatusConflict, "RUN_IN_PROGRESS", "a renewal run is already in progress")
		return
	}
	log.WithFields(map[string]interface{}{
		"processed": summary.Processed,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	}).Info("Admin renewal run completed")
	httputil.WriteSuccess(w, summary)
}

func (s *Server) creditTokens(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req CreditRequest
	if !httputil.ParseAndValidateOrError(w, r, &req) {
		return
	}
	ref := req.Reference
	if ref == "" {
		ref = r.Header.Get("Idempotency-Key")
	}
	sub, err := s.deps.Ledger.Credit(r.Context(), id, req.Tokens, req.Reason, ref)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

func (s *Server) refundCharge(w http.ResponseWriter, r *http.Request) {
	ref, ok := httputil.ParsePathStringOrError(w, r, "ref")
	if !ok {
		return
	}
	var req RefundRequest
	if !httputil.ParseAndValidateOrError(w, r, &req) {
		return
	}
	entry, err := s.deps.Reconciler.Refund(r.Context(), ref, req.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, entry)
}
