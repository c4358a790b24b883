package exchange

import (
	"context"
	"time"
)

// Compose returns a context that is done when the first of these happens:
// timeout elapses, shutdown is done, parent is done, or the returned cancel func is called.
//
// context.Cause reports ErrTimeout or ErrShutdown for the first two.
// A timeout <= 0 yields a context that is already done.
// A nil shutdown never fires.
func Compose(parent, shutdown context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)

	if timeout <= 0 {
		cancel(ErrTimeout)
		return ctx, func() {}
	}
	if shutdown != nil && shutdown.Err() != nil {
		cancel(ErrShutdown)
		return ctx, func() {}
	}

	timer := time.AfterFunc(timeout, func() { cancel(ErrTimeout) })
	stopShutdown := func() bool { return false }
	if shutdown != nil {
		stopShutdown = context.AfterFunc(shutdown, func() { cancel(ErrShutdown) })
	}

	// release the timer and the shutdown watcher on whichever source fires first
	context.AfterFunc(ctx, func() {
		timer.Stop()
		stopShutdown()
	})

	return ctx, func() { cancel(context.Canceled) }
}
