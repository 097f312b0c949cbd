// Package async provides a safe way to run background tasks.
//
// SafeGo wraps a goroutine with panic recovery, an optional timeout and
// structured error logging. The admin renewal trigger uses it to run a
// scheduler pass without holding the HTTP request open:
//
//	done := async.SafeGo(ctx, logger, 0, "admin renewal run", func(ctx context.Context) error {
//		_, err := scheduler.RunOnce(ctx, billing.TriggerAdmin)
//		return err
//	})
//	<-done // optional
//
// Per-subscription fan-out inside a renewal run uses errgroup instead, since
// the run needs the bounded concurrency and the joined completion.
package async
