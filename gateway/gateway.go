// Package gateway serves the message exchange endpoint and its supporting file, fetch and signal routes over HTTP.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/mediagate/gateway/exchange"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Handler computes the reply to a single exchange request.
// A returned *Error is sent to the peer as is; any other error is classified by exchange.ErrorID.
type Handler func(ctx context.Context, req exchange.Value) (exchange.Value, error)

// Echo is the default Handler. It replies with the request itself.
func Echo(_ context.Context, req exchange.Value) (exchange.Value, error) {
	return req, nil
}

// Error is an application error with the status and error id reported to the peer.
type Error struct {
	Status  int
	ID      string
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%s, status %d)", e.Message, e.ID, e.Status)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.ID)
}

// Gateway is the HTTP server fronting the exchange handler.
// TLS is optional; when configured, mTLS is required for both traffic encryption and authz.
type Gateway struct {
	logger *zap.SugaredLogger

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	listenAddr   string
	root         string
	handler      Handler
	exchangeOpts exchange.Options
	httpClient   *http.Client

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	heartbeatCheckInterval  time.Duration
	shutdownTimeout         time.Duration

	mut      sync.Mutex
	shutdown context.Context
	stop     context.CancelFunc

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(g *Gateway)

func WithListenAddr(s string) Option {
	return func(g *Gateway) {
		g.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = l.Named("gateway").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(g *Gateway) {
		g.logger = g.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithRoot confines the file and fetch routes to the given directory.
// Without a root, request paths are used as is.
func WithRoot(dir string) Option {
	return func(g *Gateway) {
		g.root = dir
	}
}

func WithHandler(h Handler) Option {
	return func(g *Gateway) {
		g.handler = h
	}
}

// WithExchangeOptions sets the limits and timeouts of every exchange.
// The shutdown signal is replaced by the context passed to Run.
func WithExchangeOptions(o exchange.Options) Option {
	return func(g *Gateway) {
		g.exchangeOpts = o
	}
}

// WithTLS serves over mTLS using the given PEM-encoded CA cert and server key pair.
func WithTLS(caCertPEM, certPEM, keyPEM []byte) Option {
	return func(g *Gateway) {
		g.caCertPEM = caCertPEM
		g.certPEM = certPEM
		g.keyPEM = keyPEM
	}
}

// WithHTTPClient sets the client used by the fetch route.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		g.httpClient = c
	}
}

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.heartbeatTimeout = d
	}
}

// WithHeartbeatFailureHandler sets a func called when no heartbeat arrived within the heartbeat timeout.
func WithHeartbeatFailureHandler(f func()) Option {
	return func(g *Gateway) {
		g.heartbeatFailureHandler = f
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.shutdownTimeout = d
	}
}

// New constructs a gateway. Nothing listens until Run is called.
func New(opts ...Option) (*Gateway, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	g := &Gateway{
		logger:                 logger.Named("gateway").Sugar(),
		listenAddr:             "127.0.0.1:8188",
		handler:                Echo,
		heartbeatTimeout:       1 * time.Minute,
		heartbeatCheckInterval: 1 * time.Second,
		shutdownTimeout:        5 * time.Second,
	}
	for _, o := range opts {
		o(g)
	}
	if g.exchangeOpts.Log == nil {
		g.exchangeOpts.Log = g.logger
	}
	if g.httpClient == nil {
		g.httpClient = newRetryableClient(g.logger, nil, nil).StandardClient()
	}
	if g.tlsEnabled() && (len(g.certPEM) == 0 || len(g.keyPEM) == 0) {
		return nil, errors.New("TLS requires a CA cert, a cert and a key")
	}
	return g, nil
}

func (g *Gateway) tlsEnabled() bool {
	return len(g.caCertPEM) > 0 || len(g.certPEM) > 0 || len(g.keyPEM) > 0
}

// Handler returns the gateway routes. Run serves the same routes; Handler is exposed for embedding and tests.
func (g *Gateway) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", g.heartbeat)
	router.GET("/exchange", g.serveExchange)
	router.POST("/exchange", g.serveExchange)
	router.POST("/file/*path", g.postFile)
	router.GET("/file/*path", g.readFile)
	router.POST("/fetch", g.fetch)
	router.POST("/signal/:pid/:signal", g.signal)
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.writeError(w, http.StatusNotFound, exchange.IDNotFound, "no route for "+r.URL.Path)
	})
	return router
}

// shutdownSignal is the context that aborts every in-flight exchange. It is nil when Run is not active.
func (g *Gateway) shutdownSignal() context.Context {
	g.mut.Lock()
	defer g.mut.Unlock()
	return g.shutdown
}

func (g *Gateway) exchangeOptions() exchange.Options {
	opts := g.exchangeOpts
	if s := g.shutdownSignal(); s != nil {
		opts.Shutdown = s
	}
	return opts
}

func (g *Gateway) listen() (net.Listener, error) {
	l, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening TCP: %w", err)
	}
	if !g.tlsEnabled() {
		return l, nil
	}
	tlsConfig, err := ServerTLSConfig(g.caCertPEM, g.certPEM, g.keyPEM)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("building server TLS config: %w", err)
	}
	return tls.NewListener(l, tlsConfig), nil
}

// Run serves until ctx is done or Stop is called, then shuts down gracefully.
// ctx is also the shutdown signal of every exchange, so in-flight exchanges are aborted when it is done.
func (g *Gateway) Run(ctx context.Context) error {
	l, err := g.listen()
	if err != nil {
		return err
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	server := &http.Server{
		Handler:  g.Handler(),
		ErrorLog: zap.NewStdLog(g.logger.Desugar()),
	}

	g.mut.Lock()
	if g.stop != nil {
		g.mut.Unlock()
		l.Close()
		return errors.New("gateway is already running")
	}
	g.shutdown = ctx
	g.stop = stop
	g.mut.Unlock()
	defer func() {
		g.mut.Lock()
		g.shutdown, g.stop = nil, nil
		g.mut.Unlock()
	}()

	g.logger.Infow("gateway listening", "Addr", l.Addr().String(), "TLS", g.tlsEnabled())

	group := &errgroup.Group{}
	group.Go(func() error {
		defer stop()
		err := server.Serve(l)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			g.logger.Debugf("graceful shutdown error, closing: %s", err)
			return server.Close()
		}
		return nil
	})
	group.Go(func() error {
		g.checkHeartbeats(ctx)
		return nil
	})
	return group.Wait()
}

// Stop stops a running gateway. It is a no-op if the gateway is not running.
func (g *Gateway) Stop() error {
	g.mut.Lock()
	stop := g.stop
	g.mut.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

// checkHeartbeats calls the heartbeat failure handler whenever the heartbeat timeout elapses without a heartbeat.
func (g *Gateway) checkHeartbeats(ctx context.Context) {
	if g.heartbeatFailureHandler == nil {
		return
	}
	g.heartbeatMut.Lock()
	g.lastHeartbeat = time.Now()
	g.heartbeatMut.Unlock()

	ticker := time.NewTicker(g.heartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		g.heartbeatMut.Lock()
		lastHeartbeat := g.lastHeartbeat
		g.heartbeatMut.Unlock()

		if lastHeartbeat.Add(g.heartbeatTimeout).Before(time.Now()) {
			g.logger.Warnw("heartbeat timed out", "LastHeartbeat", lastHeartbeat)
			g.heartbeatFailureHandler()
		}
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// retryTransportErrors retries only requests that never got a response.
// Error statuses carry an error envelope and are returned to the caller as is.
func retryTransportErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// newRetryableClient builds the retrying HTTP client shared by the gateway's fetch route and Client.
func newRetryableClient(log *zap.SugaredLogger, transport http.RoundTripper, customize func(*retryablehttp.Client)) *retryablehttp.Client {
	retryClient := retryablehttp.NewClient()
	if transport != nil {
		retryClient.HTTPClient = &http.Client{Transport: transport}
	}
	retryClient.RetryMax = 5
	retryClient.RetryWaitMin = 10 * time.Millisecond
	retryClient.RetryWaitMax = 1 * time.Second
	retryClient.Logger = &logAdapter{SugaredLogger: log.Named("http")}
	retryClient.CheckRetry = retryTransportErrors
	if customize != nil {
		customize(retryClient)
	}
	return retryClient
}
