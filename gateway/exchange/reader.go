package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

const scratchSize = 4096

// Receive reads one complete message from r.
//
// Fragments are accumulated until the final one arrives. If limit > 0, a message longer than limit bytes
// fails with ErrMessageTooLarge before the excess is buffered. If ctx fires first, the partial message is
// dropped and the returned error matches ErrCanceled.
func Receive(ctx context.Context, r FragmentReader, limit int64) ([]byte, error) {
	scratch := make([]byte, scratchSize)
	buf := []byte{}
	for {
		if ctx.Err() != nil {
			return nil, canceledError(ctx)
		}

		n, final, err := r.ReadFragment(ctx, scratch)
		if err != nil {
			if ctx.Err() != nil {
				return nil, canceledError(ctx)
			}
			if errors.Is(err, ErrCanceled) {
				return nil, err
			}
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w after %d bytes: %s", ErrConnClosed, len(buf), err)
			}
			return nil, fmt.Errorf("reading fragment: %w", err)
		}

		if limit > 0 && int64(len(buf))+int64(n) > limit {
			return nil, fmt.Errorf("%w of %d bytes", ErrMessageTooLarge, limit)
		}
		buf = append(buf, scratch[:n]...)

		if final {
			return buf, nil
		}
	}
}

// ReceiveTimeout is Receive bounded by a deadline composed from ctx, shutdown and timeout.
func ReceiveTimeout(ctx, shutdown context.Context, r FragmentReader, limit int64, timeout time.Duration) ([]byte, error) {
	ctx, cancel := Compose(ctx, shutdown, timeout)
	defer cancel()
	return Receive(ctx, r, limit)
}
