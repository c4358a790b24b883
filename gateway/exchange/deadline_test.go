package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeNonPositiveTimeoutFiresImmediately(t *testing.T) {
	for _, d := range []time.Duration{0, -1, -time.Hour} {
		ctx, cancel := Compose(context.Background(), context.Background(), d)
		select {
		case <-ctx.Done():
		default:
			t.Fatalf("context for timeout %s is not done", d)
		}
		assert.ErrorIs(t, context.Cause(ctx), ErrTimeout)
		assert.ErrorIs(t, context.Cause(ctx), ErrCanceled)
		cancel()
	}
}

func TestComposeTimeout(t *testing.T) {
	ctx, cancel := Compose(context.Background(), context.Background(), 10*time.Millisecond)
	defer cancel()

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deadline")
	}
	assert.ErrorIs(t, context.Cause(ctx), ErrTimeout)
	assert.False(t, errors.Is(context.Cause(ctx), ErrShutdown))
}

func TestComposeShutdown(t *testing.T) {
	t.Run("already shut down", func(t *testing.T) {
		shutdown, stop := context.WithCancel(context.Background())
		stop()
		ctx, cancel := Compose(context.Background(), shutdown, time.Hour)
		defer cancel()
		require.Error(t, ctx.Err())
		assert.ErrorIs(t, context.Cause(ctx), ErrShutdown)
	})

	t.Run("shut down later", func(t *testing.T) {
		shutdown, stop := context.WithCancel(context.Background())
		ctx, cancel := Compose(context.Background(), shutdown, time.Hour)
		defer cancel()
		require.NoError(t, ctx.Err())

		stop()
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for shutdown to propagate")
		}
		assert.ErrorIs(t, context.Cause(ctx), ErrShutdown)
	})

	t.Run("nil shutdown never fires", func(t *testing.T) {
		ctx, cancel := Compose(context.Background(), nil, time.Hour)
		defer cancel()
		assert.NoError(t, ctx.Err())
	})
}

func TestComposeParentAndCancel(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := Compose(parent, context.Background(), time.Hour)
	defer cancel()
	cancelParent()
	<-ctx.Done()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	ctx, cancel = Compose(context.Background(), context.Background(), time.Hour)
	cancel()
	<-ctx.Done()
	assert.ErrorIs(t, context.Cause(ctx), context.Canceled)
	assert.False(t, errors.Is(context.Cause(ctx), ErrCanceled))
}
