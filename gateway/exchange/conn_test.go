package exchange

import (
	"context"
	"io"
	"sync"

	"nhooyr.io/websocket"
)

type fragment struct {
	b     []byte
	final bool
}

// fakeConn replays a fixed list of fragments and records what is written to it.
// When the fragments run out it either reports EOF or, if block is set, waits for ctx.
type fakeConn struct {
	mu      sync.Mutex
	frags   []fragment
	block   bool
	written [][]byte
	closes  []websocket.StatusCode

	writeErr error
}

func fragments(final bool, parts ...string) []fragment {
	var frags []fragment
	for _, p := range parts {
		frags = append(frags, fragment{b: []byte(p)})
	}
	if final && len(frags) > 0 {
		frags[len(frags)-1].final = true
	}
	return frags
}

func (c *fakeConn) ReadFragment(ctx context.Context, p []byte) (int, bool, error) {
	c.mu.Lock()
	if len(c.frags) == 0 {
		c.mu.Unlock()
		if c.block {
			<-ctx.Done()
			return 0, false, ctx.Err()
		}
		return 0, false, io.EOF
	}
	defer c.mu.Unlock()
	f := c.frags[0]
	n := copy(p, f.b)
	if n < len(f.b) {
		c.frags[0].b = f.b[n:]
		return n, false, nil
	}
	c.frags = c.frags[1:]
	return n, f.final, nil
}

func (c *fakeConn) Write(ctx context.Context, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close(ctx context.Context, code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, code)
	return nil
}
