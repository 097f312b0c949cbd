// Package billing drives money movement for tollgate subscriptions.
//
// Three components share one settlement path:
//
//   - Authorizer binds a subscriber to a reusable billing credential and runs
//     the initial charge.
//   - Scheduler periodically charges subscriptions that are due for renewal.
//   - Reconciler applies signed, possibly duplicated and out-of-order gateway
//     events.
//
// Every charge is a CHARGE ledger entry created PENDING under a unique
// external charge reference before the gateway is called. Whoever moves that
// entry from PENDING to COMPLETED first (the scheduler on a synchronous
// success, or the reconciler on a CHARGE_SUCCEEDED event) renews the period
// and resets the token balance; the other writer observes the terminal status
// and does nothing. Failures feed a circuit breaker: three failed charges in
// a trailing 30 day window set cancelAtPeriodEnd.
package billing
