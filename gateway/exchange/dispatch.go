package exchange

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	DefaultReadLimit      = 1 << 20
	DefaultReceiveTimeout = 1 * time.Minute
	DefaultSendTimeout    = 1 * time.Minute
	DefaultCloseTimeout   = 5 * time.Second
)

// Options configures an Exchange. Zero values are replaced with defaults.
type Options struct {
	Log *zap.SugaredLogger
	// Shutdown is the process-wide shutdown signal. Every receive, send and close gives up once it is done.
	Shutdown context.Context

	// ReadLimit is the largest request accepted, in bytes. Negative means no limit.
	ReadLimit      int64
	ReceiveTimeout time.Duration
	SendTimeout    time.Duration
	CloseTimeout   time.Duration

	// NullOnEmpty makes an empty request decode to a nil Value.
	NullOnEmpty bool
	Compression websocket.CompressionMode
}

func (o Options) withDefaults() Options {
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
	if o.ReadLimit == 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.ReceiveTimeout == 0 {
		o.ReceiveTimeout = DefaultReceiveTimeout
	}
	if o.SendTimeout == 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.CloseTimeout == 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	return o
}

// Exchange is one request/reply turn, carried either by a WebSocket connection or by a plain HTTP request.
// It is not goroutine-safe, except that concurrent Respond calls are detected.
type Exchange struct {
	ID string

	log  *zap.SugaredLogger
	opts Options

	// conn is nil when the exchange is a plain HTTP request.
	conn Conn
	w    http.ResponseWriter
	r    *http.Request

	responded atomic.Bool
}

// IsWebSocketRequest reports whether r asks for a WebSocket upgrade.
func IsWebSocketRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// Accept starts an exchange for the request. WebSocket upgrade requests are accepted as WebSocket connections;
// if the upgrade fails, an HTTP error has already been written to w.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Exchange, error) {
	opts = opts.withDefaults()
	id := uuid.NewString()
	e := &Exchange{
		ID:   id,
		log:  opts.Log.Named("exchange").With("ExchangeID", id),
		opts: opts,
		w:    w,
		r:    r,
	}
	if !IsWebSocketRequest(r) {
		return e, nil
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: opts.Compression,
	})
	if err != nil {
		e.log.Debugf("error accepting WebSocket conn: %s", err)
		return nil, fmt.Errorf("accepting WebSocket conn: %w", err)
	}
	if opts.ReadLimit > 0 {
		// one byte of headroom so our own limit check reports the oversize message
		wsConn.SetReadLimit(opts.ReadLimit + 1)
	} else {
		wsConn.SetReadLimit(math.MaxInt64 - 1)
	}
	e.conn = NewWebSocketConn(wsConn)
	e.log.Debug("accepted WebSocket conn")
	return e, nil
}

// NewConnExchange starts an exchange over an already established connection.
func NewConnExchange(conn Conn, opts Options) *Exchange {
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Exchange{
		ID:   id,
		log:  opts.Log.Named("exchange").With("ExchangeID", id),
		opts: opts,
		conn: conn,
	}
}

// IsWebSocket reports whether the exchange is carried by a duplex connection.
func (e *Exchange) IsWebSocket() bool { return e.conn != nil }

// Receive reads and parses the request value, bounded by the receive timeout, the read limit and the shutdown signal.
func (e *Exchange) Receive(ctx context.Context) (Value, error) {
	ctx, cancel := Compose(ctx, e.opts.Shutdown, e.opts.ReceiveTimeout)
	defer cancel()

	var r FragmentReader = e.conn
	if e.conn == nil {
		r = NewBodyReader(e.r.Body)
	}
	v, err := ReadValue(ctx, r, ReadOptions{Limit: e.opts.ReadLimit, NullOnEmpty: e.opts.NullOnEmpty})
	if err != nil {
		e.log.Debugf("error receiving request: %s", err)
		return nil, err
	}
	return v, nil
}

// Respond sends v as the single reply of the exchange.
//
// Over a WebSocket, v is sent as one message and the connection is then closed normally; status is ignored.
// Over HTTP, v is written as a JSON body with the given status (200 if zero).
// Only the first call takes effect; later calls return ErrAlreadyResponded.
func (e *Exchange) Respond(status int, v Value) error {
	b, err := Encode(v)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	if !e.responded.CompareAndSwap(false, true) {
		return ErrAlreadyResponded
	}
	if e.conn != nil {
		return e.respondConn(b)
	}
	return e.respondHTTP(status, b)
}

func (e *Exchange) respondConn(b []byte) error {
	ctx, cancel := Compose(context.Background(), e.opts.Shutdown, e.opts.SendTimeout)
	defer cancel()
	e.log.Debugf("sending %d byte response", len(b))
	if err := e.conn.Write(ctx, b); err != nil {
		return fmt.Errorf("sending response: %w", err)
	}

	closeCtx, cancelClose := Compose(context.Background(), e.opts.Shutdown, e.opts.CloseTimeout)
	defer cancelClose()
	if err := e.conn.Close(closeCtx, websocket.StatusNormalClosure, ""); err != nil {
		return fmt.Errorf("closing conn: %w", err)
	}
	return nil
}

func (e *Exchange) respondHTTP(status int, b []byte) error {
	if status == 0 {
		status = http.StatusOK
	}
	e.w.Header().Set("Content-Type", "application/json")
	e.w.WriteHeader(status)
	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	if f, ok := e.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Fail responds with an error envelope describing err.
func (e *Exchange) Fail(err error) error {
	return e.Respond(HTTPStatus(err), ErrorEnvelope(err.Error(), ErrorID(err)))
}

// Abort closes a WebSocket exchange without a reply. It is a no-op over HTTP or after Respond.
func (e *Exchange) Abort(code websocket.StatusCode, reason string) {
	if e.conn == nil || !e.responded.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := Compose(context.Background(), e.opts.Shutdown, e.opts.CloseTimeout)
	defer cancel()
	if err := e.conn.Close(ctx, code, reason); err != nil {
		e.log.Debugf("error closing conn: %s", err)
	}
}

// ErrorEnvelope builds the {"error": message, "error_id": errorID} object sent to peers on failure.
func ErrorEnvelope(message, errorID string) *Object {
	return NewObject().
		Set("error", String(message)).
		Set("error_id", String(errorID))
}
