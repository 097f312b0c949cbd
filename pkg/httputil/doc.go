// Package httputil provides the JSON response and request helpers and the
// common middleware used by the tollgate API.
//
// Error bodies always carry a machine readable code next to the message:
//
//	{"error": "insufficient token balance", "code": "INSUFFICIENT_BALANCE"}
//
// Request bodies are decoded and validated in one step with go-playground
// validator tags:
//
//	var req DebitRequest
//	if !httputil.ParseAndValidateOrError(w, r, &req) {
//		return
//	}
//
// Middleware:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//	)(router)
package httputil
