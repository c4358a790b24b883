package exchange

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// Detach runs fn on its own goroutine for fire-and-forget work that nobody waits on.
// An error returned by fn, or a panic inside it, is logged under name and goes no further.
// The returned channel is closed when fn has finished.
func Detach(ctx context.Context, log *zap.SugaredLogger, name string, fn func(ctx context.Context) error) <-chan struct{} {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := runDetached(ctx, fn); err != nil {
			log.Errorw("detached work failed", "Name", name, "Error", err)
			return
		}
		log.Debugw("detached work finished", "Name", name)
	}()
	return done
}

func runDetached(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}
