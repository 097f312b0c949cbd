package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic logs a recovered panic with its stack. Call it deferred.
// The panic is not re-raised.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logger.WithFields(map[string]interface{}{
			"panic": fmt.Sprint(r),
			"stack": string(debug.Stack()),
			"where": where,
		}).Error("PANIC recovered")
	}
}

// RecoverToError converts a recovered panic value into an error; nil stays nil.
//
//	defer func() {
//	    if perr := observability.RecoverToError(recover()); perr != nil {
//	        err = perr
//	    }
//	}()
func RecoverToError(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}
