package api

import (
	"net/http"

	"github.com/platinummonkey/tollgate/pkg/httputil"
)

const (
	defaultEntryLimit = 50
	maxEntryLimit     = 500
)

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]interface{}{
		"plans":     s.deps.Catalog.List(),
		"unit_cost": s.deps.Catalog.UnitCost(),
	})
}

func (s *Server) getSubscriberSubscription(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := httputil.ParsePathStringOrError(w, r, "subscriberID")
	if !ok {
		return
	}
	sub, err := s.deps.Store.GetBySubscriber(r.Context(), subscriberID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	balance, err := s.deps.Ledger.GetBalance(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, balance)
}

// listEntries returns the newest ledger entries first
func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", defaultEntryLimit)
	if err != nil || limit <= 0 {
		httputil.WriteBadRequest(w, "limit must be a positive integer")
		return
	}
	if limit > maxEntryLimit {
		limit = maxEntryLimit
	}

	if _, err := s.deps.Store.Get(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	entries, err := s.deps.Store.ListEntries(r.Context(), id, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// cancelSubscription stops renewal at the end of the current period. The
// balance stays usable until then.
func (s *Server) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if err := s.deps.Store.SetCancelAtPeriodEnd(r.Context(), id, true); err != nil {
		writeDomainError(w, r, err)
		return
	}
	sub, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.logger.WithContext(r.Context()).WithField("subscription_id", id).Info("Subscription set to cancel at period end")
	httputil.WriteSuccess(w, sub)
}
