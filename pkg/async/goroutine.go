// Package async provides panic-safe goroutine helpers for fire-and-forget
// work.
package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/bosslabs/pulse/pkg/observability"
)

// SafeGo executes fn in a goroutine with a timeout, panic recovery and
// error logging. Use this instead of a bare `go func()` for background
// work whose failure must not crash the process.
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, logger *observability.Logger, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"task":  taskName,
					"panic": fmt.Sprintf("%v", r),
					"stack": string(debug.Stack()),
				}).Error("Background task panicked")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Warn("Background task failed")
		}
	}()
}

// SafeGoNoError is like SafeGo but for functions that don't return errors.
func SafeGoNoError(parentCtx context.Context, timeout time.Duration, taskName string, logger *observability.Logger, fn func(context.Context)) {
	SafeGo(parentCtx, timeout, taskName, logger, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Run executes fn synchronously with a timeout and panic recovery,
// returning the panic as an error. Scheduled jobs use this so a bad run
// cannot take down the scheduler.
func Run(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", taskName, r)
		}
	}()

	return fn(ctx)
}
