package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// SafeGo runs fn in a goroutine with panic recovery, an optional timeout and
// error logging. A zero timeout means the task runs until ctx is done.
//
// The returned channel is closed when fn has returned (or panicked).
//
// Example:
//
//	async.SafeGo(context.WithoutCancel(r.Context()), logger, 0, "admin renewal run", func(ctx context.Context) error {
//	    _, err := scheduler.RunOnce(ctx, billing.TriggerAdmin)
//	    return err
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) <-chan struct{} {
	if logger == nil {
		logger = observability.NopLogger()
	}
	done := make(chan struct{})

	go func() {
		defer close(done)

		ctx, cancel := parentCtx, context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(parentCtx, timeout)
		}
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"task":  taskName,
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				}).Error("PANIC in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Error("Background task failed")
		}
	}()

	return done
}
