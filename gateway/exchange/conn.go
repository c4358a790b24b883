package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"

	"nhooyr.io/websocket"
)

// FragmentReader delivers a message one transport fragment at a time.
type FragmentReader interface {
	// ReadFragment reads the next fragment of the current message into p.
	// final is true for the last fragment of the message, which may be empty.
	// An error matching io.EOF means the peer went away before the message was complete.
	ReadFragment(ctx context.Context, p []byte) (n int, final bool, err error)
}

// Conn is a duplex, message-oriented connection.
type Conn interface {
	FragmentReader
	// Write sends p as one message.
	Write(ctx context.Context, p []byte) error
	// Close performs the closing handshake, giving up when ctx is done.
	Close(ctx context.Context, code websocket.StatusCode, reason string) error
}

// websocket close reasons can't be above 123 bytes
const maxCloseReason = 100

type wsConn struct {
	conn *websocket.Conn
	typ  websocket.MessageType

	// msg is the reader for the message currently being read, nil between messages.
	msg io.Reader
}

// NewWebSocketConn adapts a WebSocket connection to a Conn. Outgoing messages are sent as text.
func NewWebSocketConn(c *websocket.Conn) Conn {
	return &wsConn{conn: c, typ: websocket.MessageText}
}

func (c *wsConn) ReadFragment(ctx context.Context, p []byte) (int, bool, error) {
	if c.msg == nil {
		_, r, err := c.conn.Reader(ctx)
		if err != nil {
			return 0, false, wsReadError(err)
		}
		c.msg = r
	}
	n, err := c.msg.Read(p)
	if errors.Is(err, io.EOF) {
		c.msg = nil
		return n, true, nil
	}
	if err != nil {
		c.msg = nil
		return n, false, wsReadError(err)
	}
	return n, false, nil
}

func wsReadError(err error) error {
	if websocket.CloseStatus(err) != -1 {
		return fmt.Errorf("%w: %s", io.EOF, err)
	}
	return err
}

func (c *wsConn) Write(ctx context.Context, p []byte) error {
	return c.conn.Write(ctx, c.typ, p)
}

func (c *wsConn) Close(ctx context.Context, code websocket.StatusCode, reason string) error {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	// the handshake itself gives up after a few seconds, so this goroutine is bounded
	done := make(chan error, 1)
	go func() { done <- c.conn.Close(code, reason) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return canceledError(ctx)
	}
}

type bodyReader struct {
	r io.Reader
}

// NewBodyReader adapts a byte stream, such as an HTTP request body, to a FragmentReader.
// The whole stream is one message, and its end is the final fragment.
func NewBodyReader(r io.Reader) FragmentReader {
	return &bodyReader{r: r}
}

func (b *bodyReader) ReadFragment(ctx context.Context, p []byte) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, canceledError(ctx)
	}
	n, err := b.r.Read(p)
	if errors.Is(err, io.EOF) {
		return n, true, nil
	}
	return n, false, err
}
