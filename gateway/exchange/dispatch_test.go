package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// echoHandler replies to every exchange with {"echo": request}, or with an error envelope.
func echoHandler(t *testing.T, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := Accept(w, r, opts)
		if err != nil {
			t.Logf("accept error: %s", err)
			return
		}
		v, err := e.Receive(r.Context())
		if err != nil {
			if err := e.Fail(err); err != nil {
				t.Logf("fail error: %s", err)
			}
			return
		}
		if v == nil {
			v = Null{}
		}
		if err := e.Respond(http.StatusOK, NewObject().Set("echo", v)); err != nil {
			t.Logf("respond error: %s", err)
		}
	}
}

func TestHTTPExchange(t *testing.T) {
	log := zap.NewExample().Sugar()
	cases := []struct {
		name      string
		body      string
		opts      Options
		expStatus int
		expBody   string
	}{
		{
			name:      "echo",
			body:      `{"prompt":"a cat","seed":7}`,
			expStatus: http.StatusOK,
			expBody:   `{"echo":{"prompt":"a cat","seed":7}}`,
		},
		{
			name:      "empty body as null",
			body:      "",
			opts:      Options{NullOnEmpty: true},
			expStatus: http.StatusOK,
			expBody:   `{"echo":null}`,
		},
		{
			name:      "invalid JSON",
			body:      `{"prompt":`,
			expStatus: http.StatusBadRequest,
		},
		{
			name:      "too large",
			body:      `"0123456789"`,
			opts:      Options{ReadLimit: 11},
			expStatus: http.StatusRequestEntityTooLarge,
			expBody:   `{"error":"exchange: protocol violation: message exceeds size limit of 11 bytes","error_id":"message_too_large"}`,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.opts.Log = log
			req := httptest.NewRequest(http.MethodPost, "/exchange", strings.NewReader(c.body))
			rec := httptest.NewRecorder()
			echoHandler(t, c.opts)(rec, req)

			assert.Equal(t, c.expStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			if c.expBody != "" {
				assert.Equal(t, c.expBody, rec.Body.String())
			}
			v, err := ParseText(rec.Body.String(), false)
			require.NoError(t, err)
			if c.expStatus != http.StatusOK {
				id, ok := v.(*Object).Get("error_id")
				require.True(t, ok)
				assert.NotEmpty(t, id)
			}
		})
	}
}

func TestRespondTwice(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/exchange", strings.NewReader(`1`))
	rec := httptest.NewRecorder()
	e, err := Accept(rec, req, Options{})
	require.NoError(t, err)
	require.False(t, e.IsWebSocket())

	require.NoError(t, e.Respond(http.StatusCreated, Int(1)))
	assert.ErrorIs(t, e.Respond(http.StatusOK, Int(2)), ErrAlreadyResponded)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "1", rec.Body.String())
}

func TestRespondEncodeErrorTakesNoAction(t *testing.T) {
	rec := httptest.NewRecorder()
	e, err := Accept(rec, httptest.NewRequest(http.MethodPost, "/", nil), Options{})
	require.NoError(t, err)

	err = e.Respond(http.StatusOK, Array{nil})
	assert.ErrorIs(t, err, ErrInvariant)
	require.NoError(t, e.Respond(http.StatusOK, Bool(true)))
	assert.Equal(t, "true", rec.Body.String())
}

func TestConnExchangeRespond(t *testing.T) {
	conn := &fakeConn{frags: fragments(true, `{"q":`, `1}`)}
	e := NewConnExchange(conn, Options{})
	require.True(t, e.IsWebSocket())

	v, err := e.Receive(context.Background())
	require.NoError(t, err)
	assert.True(t, Equal(NewObject().Set("q", Int(1)), v))

	// status code is meaningless on a duplex connection
	require.NoError(t, e.Respond(http.StatusTeapot, v))
	require.Len(t, conn.written, 1)
	assert.Equal(t, `{"q":1}`, string(conn.written[0]))
	assert.Equal(t, []websocket.StatusCode{websocket.StatusNormalClosure}, conn.closes)

	assert.ErrorIs(t, e.Respond(http.StatusOK, v), ErrAlreadyResponded)
	assert.Len(t, conn.written, 1)
}

func TestConnExchangeSendError(t *testing.T) {
	conn := &fakeConn{writeErr: errors.New("broken pipe")}
	e := NewConnExchange(conn, Options{})
	err := e.Respond(0, Null{})
	assert.ErrorContains(t, err, "broken pipe")
	assert.Empty(t, conn.closes)
}

func TestConnExchangeShutdownDuringReceive(t *testing.T) {
	shutdown, stop := context.WithCancel(context.Background())
	conn := &fakeConn{frags: fragments(false, `{"partial":`), block: true}
	e := NewConnExchange(conn, Options{Shutdown: shutdown})

	time.AfterFunc(10*time.Millisecond, stop)
	v, err := e.Receive(context.Background())
	assert.Nil(t, v)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Equal(t, IDShutdown, ErrorID(err))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(err))
}

func TestWebSocketExchange(t *testing.T) {
	log := zap.NewExample().Sugar()
	s := httptest.NewServer(echoHandler(t, Options{Log: log, ReadLimit: 64}))
	t.Cleanup(s.Close)
	u := "ws" + strings.TrimPrefix(s.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("echo", func(t *testing.T) {
		conn, _, err := websocket.Dial(ctx, u, nil)
		require.NoError(t, err)
		defer conn.Close(websocket.StatusInternalError, "")

		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"b":2,"a":1.5}`)))

		b, err := Receive(ctx, NewWebSocketConn(conn), 0)
		require.NoError(t, err)
		assert.Equal(t, `{"echo":{"b":2,"a":1.5}}`, string(b))

		// the server closes normally after its single reply
		_, _, err = conn.Read(ctx)
		assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	})

	t.Run("too large", func(t *testing.T) {
		conn, _, err := websocket.Dial(ctx, u, nil)
		require.NoError(t, err)
		defer conn.Close(websocket.StatusInternalError, "")

		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`"`+strings.Repeat("x", 100)+`"`)))

		b, err := Receive(ctx, NewWebSocketConn(conn), 0)
		require.NoError(t, err)
		v, err := Parse(b)
		require.NoError(t, err)
		id, _ := v.(*Object).Get("error_id")
		assert.Equal(t, String(IDTooLarge), id)
	})
}

func TestOptionsReadLimitDefaults(t *testing.T) {
	cases := []struct {
		limit int64
		exp   int64
	}{
		{limit: 0, exp: DefaultReadLimit},
		{limit: -1, exp: -1},
		{limit: 10, exp: 10},
	}
	for _, c := range cases {
		opts := Options{ReadLimit: c.limit}.withDefaults()
		assert.Equal(t, c.exp, opts.ReadLimit, "limit %d", c.limit)
	}
}
