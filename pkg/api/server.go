package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/ledger"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// AdminSecretHeader authenticates admin routes
const AdminSecretHeader = "X-Admin-Secret"

// Dependencies are the components the API serves
type Dependencies struct {
	Store      subscriptions.Store
	Catalog    *plans.Catalog
	Ledger     *ledger.Ledger
	Scheduler  *billing.Scheduler
	Authorizer *billing.Authorizer
	Reconciler *billing.Reconciler

	// RateLimiter guards the debit route when set
	RateLimiter *middleware.RateLimitMiddleware
	Logger      *observability.Logger
	Metrics     *observability.Metrics

	// AdminSecret must be non-empty for admin routes to accept anything
	AdminSecret  string
	MaxBodyBytes int64
}

// Server represents our API server
type Server struct {
	deps    Dependencies
	router  *mux.Router
	handler http.Handler
	logger  *observability.Logger
}

// NewServer creates a new API server
func NewServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		logger: deps.Logger.WithField("component", "api"),
	}
	s.setupRoutes()
	s.handler = s.buildHandler()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(observability.HTTPMetricsMiddleware(s.deps.Metrics))

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Consumption
	var debit http.Handler = http.HandlerFunc(s.debit)
	if s.deps.RateLimiter != nil {
		debit = s.deps.RateLimiter.Handler(debit)
	}
	v1.Handle("/subscribers/{subscriberID}/debit", debit).Methods(http.MethodPost)

	// Subscriptions
	v1.HandleFunc("/plans", s.listPlans).Methods(http.MethodGet)
	v1.HandleFunc("/subscribers/{subscriberID}/subscription", s.getSubscriberSubscription).Methods(http.MethodGet)
	v1.HandleFunc("/subscribers/{subscriberID}/authorizations", s.requestAuthorization).Methods(http.MethodPost)
	v1.HandleFunc("/authorizations/success", s.authorizationSuccess).Methods(http.MethodGet)
	v1.HandleFunc("/authorizations/failure", s.authorizationFailure).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions/{id}/balance", s.getBalance).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions/{id}/entries", s.listEntries).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions/{id}/cancel", s.cancelSubscription).Methods(http.MethodPost)

	// Gateway webhooks
	v1.HandleFunc("/webhooks/gateway", s.gatewayWebhook).Methods(http.MethodPost)

	// Admin
	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/renewals/run", s.runRenewals).Methods(http.MethodPost)
	admin.HandleFunc("/subscriptions/{id}/credits", s.creditTokens).Methods(http.MethodPost)
	admin.HandleFunc("/charges/{ref}/refund", s.refundCharge).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFound(w, "route not found")
	})
}

// Handler returns the router wrapped in tracing, request ids, panic recovery,
// request logging and body size limits
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildHandler() http.Handler {
	chain := httputil.Chain(
		httputil.RequestIDMiddleware(s.deps.Logger),
		httputil.RecoveryMiddleware(s.deps.Logger),
		httputil.LoggingMiddleware(s.deps.Logger),
		httputil.MaxBytesMiddleware(s.deps.MaxBodyBytes),
	)
	return otelhttp.NewHandler(chain(s.router), "tollgate.http")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		given := r.Header.Get(AdminSecretHeader)
		if s.deps.AdminSecret == "" || subtle.ConstantTimeCompare([]byte(given), []byte(s.deps.AdminSecret)) != 1 {
			s.logger.WithContext(r.Context()).WithField("path", r.URL.Path).Warn("Rejected admin request")
			httputil.WriteUnauthorized(w, "admin credentials required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
