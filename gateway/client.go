package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/guseggert/mediagate/gateway/exchange"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	readLimit                int64
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("gateway_client").Sugar()
	}
}

// WithClientReadLimit bounds the size of replies. A limit <= 0 means unlimited.
func WithClientReadLimit(n int64) ClientOption {
	return func(c *Client) {
		c.readLimit = n
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// NewClient builds a client for the gateway listening on addr (host:port).
// When certs is non-nil the client speaks mTLS using the client cert.
func NewClient(log *zap.SugaredLogger, addr string, certs *Certs, opts ...ClientOption) (*Client, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway address: %w", err)
	}

	c := &Client{
		Logger:        log.Named("gateway_client"),
		baseURL:       "http://" + addr,
		readLimit:     exchange.DefaultReadLimit,
		waitInterval:  100 * time.Millisecond,
		stopHeartbeat: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	var transport http.RoundTripper
	if certs != nil {
		tlsConfig, err := ClientTLSConfig(certs.CA.CertPEM, certs.Client.CertPEM, certs.Client.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("building client TLS config: %w", err)
		}
		// Always dial addr, but keep the server name in the URL so the Host header and
		// certificate verification both use it, since the gateway cert is not issued for addr.
		dialer := &net.Dialer{Timeout: 5 * time.Second}
		transport = &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "tcp", addr)
			},
			TLSClientConfig: tlsConfig,
		}
		c.baseURL = fmt.Sprintf("https://%s:%s", ServerName, port)
	}

	c.HTTPClient = newRetryableClient(c.Logger, transport, c.customizeRetryableClient).StandardClient()
	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	r.Close = true
}

func (c *Client) do(req *http.Request, expStatus ...int) (*http.Response, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	if len(expStatus) == 0 {
		expStatus = []int{http.StatusOK}
	}
	for _, s := range expStatus {
		if resp.StatusCode == s {
			return resp, nil
		}
	}
	defer resp.Body.Close()
	return nil, responseError(resp)
}

// responseError builds the error for an unexpected HTTP status, preferring the error envelope in the body.
func responseError(resp *http.Response) error {
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxControlRequestSize))
	if err != nil {
		return fmt.Errorf("non-200 HTTP status code %d received, error reading body: %w", resp.StatusCode, err)
	}
	if v, err := exchange.Parse(b); err == nil {
		if appErr := envelopeError(resp.StatusCode, v); appErr != nil {
			return appErr
		}
	}
	return fmt.Errorf("non-200 HTTP status code %d received: %s", resp.StatusCode, b)
}

// envelopeError returns the *Error carried by v when v is exactly an error envelope.
func envelopeError(status int, v exchange.Value) *Error {
	obj, ok := v.(*exchange.Object)
	if !ok || obj.Len() != 2 {
		return nil
	}
	msg, ok := obj.Get("error")
	if !ok {
		return nil
	}
	id, ok := obj.Get("error_id")
	if !ok {
		return nil
	}
	msgStr, ok1 := msg.(exchange.String)
	idStr, ok2 := id.(exchange.String)
	if !ok1 || !ok2 {
		return nil
	}
	return &Error{Status: status, ID: string(idStr), Message: string(msgStr)}
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.prepReq(req)

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("sending heartbeat: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// StartHeartbeat sends a heartbeat every interval until StopHeartbeat is called.
func (c *Client) StartHeartbeat(interval time.Duration) {
	c.startHeartbeatOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-c.stopHeartbeat:
					return
				case <-ticker.C:
				}
				if err := c.SendHeartbeat(context.Background()); err != nil {
					c.Logger.Debugf("heartbeat error: %s", err)
				}
			}
		}()
	})
}

func (c *Client) StopHeartbeat() {
	c.stopHeartbeatOnce.Do(func() { close(c.stopHeartbeat) })
}

// Exchange sends req over a new WebSocket connection and returns the single reply.
// An error envelope reply is returned as an *Error.
func (c *Client) Exchange(ctx context.Context, req exchange.Value) (exchange.Value, error) {
	b, err := exchange.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	u := c.baseURL + "/exchange"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	defer conn.Close(websocket.StatusInternalError, "")
	if c.readLimit > 0 {
		conn.SetReadLimit(c.readLimit + 1)
	} else {
		conn.SetReadLimit(math.MaxInt64 - 1)
	}

	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	resp, err := exchange.ReadValue(ctx, exchange.NewWebSocketConn(conn), exchange.ReadOptions{Limit: c.readLimit})
	if err != nil {
		return nil, fmt.Errorf("receiving reply: %w", err)
	}
	// the gateway closes after its single reply, this completes the handshake
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		c.Logger.Debugf("error closing WebSocket conn: %s", err)
	}
	if appErr := envelopeError(0, resp); appErr != nil {
		return nil, appErr
	}
	return resp, nil
}

// Post sends req as a plain HTTP exchange and returns the reply.
func (c *Client) Post(ctx context.Context, req exchange.Value) (exchange.Value, error) {
	b, err := exchange.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/exchange", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	httpResp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	resp, err := exchange.ReadValue(ctx, exchange.NewBodyReader(httpResp.Body), exchange.ReadOptions{Limit: c.readLimit})
	if err != nil {
		return nil, fmt.Errorf("reading reply: %w", err)
	}
	return resp, nil
}

// FileInfo describes a file stored by the gateway.
type FileInfo struct {
	Path   string `json:"path"`
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256"`
}

func (c *Client) SendFile(ctx context.Context, filePath string, contents io.Reader) (*FileInfo, error) {
	u := c.baseURL + path.Join("/file", filePath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, contents)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Close = true

	httpResp, err := c.do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending file over HTTP: %w", err)
	}
	defer httpResp.Body.Close()
	var info FileInfo
	if err := json.NewDecoder(httpResp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &info, nil
}

// ReadFile reads a file from the gateway, returning os.ErrNotExist if it is not found.
func (c *Client) ReadFile(ctx context.Context, filePath string) (io.ReadCloser, error) {
	u := c.baseURL + path.Join("/file", filePath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("reading file over HTTP: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		if httpResp.StatusCode == http.StatusNotFound {
			return nil, os.ErrNotExist
		}
		return nil, responseError(httpResp)
	}
	return httpResp.Body, nil
}

// Fetch asks the gateway to download url to dest. With async set the gateway replies before the download completes
// and the returned byte count is zero.
func (c *Client) Fetch(ctx context.Context, url, dest string, async bool) (*FetchResponse, error) {
	b, err := json.Marshal(FetchRequest{URL: url, Dest: dest, Async: async})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fetch", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	httpResp, err := c.do(httpReq, http.StatusOK, http.StatusAccepted)
	if err != nil {
		return nil, fmt.Errorf("fetching: %w", err)
	}
	defer httpResp.Body.Close()
	var resp FetchResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

// Signal asks the gateway to send the named signal to a process on its host.
func (c *Client) Signal(ctx context.Context, pid int, signal string) error {
	u := fmt.Sprintf("%s/signal/%s/%s", c.baseURL, strconv.Itoa(pid), signal)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	httpResp, err := c.do(httpReq)
	if err != nil {
		return fmt.Errorf("signaling process %d: %w", pid, err)
	}
	httpResp.Body.Close()
	return nil
}
