// Package ledger keeps the token balance of every subscription.
//
// Consumption is debited synchronously: the daily cap is checked first (in
// work units), then the period balance (in tokens), and both counters move
// together or not at all. All writes go through subscriptions.Store.Mutate so
// concurrent debits for one subscription are serialized and can never
// overcommit the balance.
//
//	res, err := l.Debit(ctx, ledger.DebitRequest{SubscriptionID: id, Units: 30})
//	switch {
//	case ledger.IsDailyCapExceeded(err):
//		// 429
//	case ledger.IsInsufficientBalance(err):
//		// 402
//	}
//
// Period resets are driven by the billing package after a completed charge.
package ledger
