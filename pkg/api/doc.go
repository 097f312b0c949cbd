// Package api exposes the tollgate HTTP interface on a gorilla/mux router.
//
// Consumption:
//
//	POST /v1/subscribers/{subscriberID}/debit          debit tokens (rate limited)
//
// Subscriptions:
//
//	GET  /v1/plans
//	GET  /v1/subscribers/{subscriberID}/subscription
//	POST /v1/subscribers/{subscriberID}/authorizations start the card registration flow
//	GET  /v1/authorizations/success                    gateway redirect after registration
//	GET  /v1/authorizations/failure                    gateway redirect after a failed registration
//	GET  /v1/subscriptions/{id}/balance
//	GET  /v1/subscriptions/{id}/entries
//	POST /v1/subscriptions/{id}/cancel                 cancel at period end
//
// Gateway webhooks:
//
//	POST /v1/webhooks/gateway
//
// Admin (X-Admin-Secret header):
//
//	POST /admin/renewals/run                           run renewals now (?async=true)
//	POST /admin/subscriptions/{id}/credits
//	POST /admin/charges/{ref}/refund
//
// Domain errors are mapped to status codes in one place (writeDomainError)
// and rendered as {"error": "...", "code": "..."}.
package api
