package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/guseggert/mediagate/gateway/exchange"
	"github.com/guseggert/mediagate/internal/files"
	"github.com/guseggert/mediagate/internal/hashutil"
	"github.com/guseggert/mediagate/internal/proc"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

const maxControlRequestSize = 64 << 10

// writeValue writes v as a JSON response outside of an exchange.
func (g *Gateway) writeValue(w http.ResponseWriter, status int, v exchange.Value) {
	b, err := exchange.Encode(v)
	if err != nil {
		g.logger.Errorw("error encoding response", "Error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		g.logger.Debugf("error writing response: %s", err)
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, id, message string) {
	g.writeValue(w, status, exchange.ErrorEnvelope(message, id))
}

// resolvePath maps a request path onto the filesystem, confining it to the root when one is configured.
func (g *Gateway) resolvePath(p string) string {
	if g.root == "" {
		return p
	}
	rel := strings.ReplaceAll(p, `\`, "/")
	for {
		rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
		// a drive letter would make Combine discard the root
		if !files.IsAbs(rel) {
			break
		}
		rel = rel[2:]
	}
	return files.Combine(g.root, rel)
}

func (g *Gateway) heartbeat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	g.heartbeatMut.Lock()
	lastHeartbeat := g.lastHeartbeat
	g.lastHeartbeat = time.Now()
	g.heartbeatMut.Unlock()

	last := exchange.Value(exchange.Null{})
	if !lastHeartbeat.IsZero() {
		last = exchange.String(lastHeartbeat.UTC().Format(time.RFC3339))
	}
	g.writeValue(w, http.StatusOK, exchange.NewObject().Set("last_heartbeat", last))
}

// serveExchange runs one request/reply turn through the handler, over a WebSocket or plain HTTP.
func (g *Gateway) serveExchange(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	opts := g.exchangeOptions()
	if !exchange.IsWebSocketRequest(r) && r.Method != http.MethodPost {
		g.writeError(w, http.StatusBadRequest, exchange.IDBadRequest, "GET /exchange requires a WebSocket upgrade")
		return
	}
	e, err := exchange.Accept(w, r, opts)
	if err != nil {
		return
	}
	log := g.logger.With("ExchangeID", e.ID)

	ctx := r.Context()
	req, err := e.Receive(ctx)
	if err != nil {
		g.fail(e, err)
		return
	}
	if req == nil {
		req = exchange.Null{}
	}

	resp, err := g.handler(ctx, req)
	if err != nil {
		log.Debugf("handler error: %s", err)
		g.fail(e, err)
		return
	}
	if resp == nil {
		resp = exchange.Null{}
	}
	if err := e.Respond(http.StatusOK, resp); err != nil {
		log.Debugf("error responding: %s", err)
	}
}

func (g *Gateway) fail(e *exchange.Exchange, err error) {
	if e.IsWebSocket() && errors.Is(err, exchange.ErrShutdown) {
		e.Abort(websocket.StatusGoingAway, "shutting down")
		return
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		status := appErr.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		err = e.Respond(status, exchange.ErrorEnvelope(appErr.Message, appErr.ID))
	} else {
		err = e.Fail(err)
	}
	if err != nil {
		g.logger.Debugw("error sending error envelope", "ExchangeID", e.ID, "Error", err)
	}
}

func (g *Gateway) postFile(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	dest := g.resolvePath(params.ByName("path"))

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		g.writeError(w, http.StatusInternalServerError, exchange.IDInternal, err.Error())
		return
	}
	f, err := os.Create(dest)
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, exchange.IDInternal, err.Error())
		return
	}
	defer f.Close()

	sum, n, err := hashutil.SHA256Reader(io.TeeReader(r.Body, f))
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, exchange.IDInternal, err.Error())
		return
	}
	if err := f.Close(); err != nil {
		g.writeError(w, http.StatusInternalServerError, exchange.IDInternal, err.Error())
		return
	}
	g.logger.Debugw("stored file", "Path", dest, "Bytes", n)

	g.writeValue(w, http.StatusOK, exchange.NewObject().
		Set("path", exchange.String(dest)).
		Set("bytes", exchange.Int(n)).
		Set("sha256", exchange.String(sum)))
}

func (g *Gateway) readFile(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	p := g.resolvePath(params.ByName("path"))

	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			g.writeError(w, http.StatusNotFound, exchange.IDNotFound, "no such file or directory")
			return
		}
		g.writeError(w, http.StatusInternalServerError, exchange.IDInternal, err.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", files.ContentType(p))
	if _, err := io.Copy(w, f); err != nil {
		g.logger.Debugf("error sending file response: %s", err)
	}
}

type FetchRequest struct {
	URL   string `json:"url"`
	Dest  string `json:"dest"`
	Async bool   `json:"async"`
}

type FetchResponse struct {
	Dest  string `json:"dest"`
	Bytes int64  `json:"bytes"`
}

// parseFetchRequest decodes a fetch body through the exchange codec, so it accepts exactly what exchanges accept.
func parseFetchRequest(b []byte) (FetchRequest, error) {
	var req FetchRequest
	v, err := exchange.Parse(b)
	if err != nil {
		return req, err
	}
	obj, ok := v.(*exchange.Object)
	if !ok {
		return req, fmt.Errorf("fetch request must be an object, got %s", v.Kind())
	}
	var fieldErr error
	obj.Range(func(key string, v exchange.Value) bool {
		switch key {
		case "url", "dest":
			s, ok := v.(exchange.String)
			if !ok {
				fieldErr = fmt.Errorf("fetch %s must be a string, got %s", key, v.Kind())
				return false
			}
			if key == "url" {
				req.URL = string(s)
			} else {
				req.Dest = string(s)
			}
		case "async":
			async, ok := v.(exchange.Bool)
			if !ok {
				fieldErr = fmt.Errorf("fetch async must be a bool, got %s", v.Kind())
				return false
			}
			req.Async = bool(async)
		}
		return true
	})
	return req, fieldErr
}

// fetch downloads a URL onto the gateway's filesystem, either before replying or in a detached unit.
func (g *Gateway) fetch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxControlRequestSize))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, exchange.IDBadRequest, err.Error())
		return
	}
	req, err := parseFetchRequest(b)
	if err != nil {
		id := exchange.IDBadRequest
		if errors.Is(err, exchange.ErrParse) {
			id = exchange.IDInvalidJSON
		}
		g.writeError(w, http.StatusBadRequest, id, err.Error())
		return
	}
	if req.URL == "" || req.Dest == "" {
		g.writeError(w, http.StatusBadRequest, exchange.IDBadRequest, "fetch requires a url and a dest")
		return
	}
	dest := g.resolvePath(req.Dest)
	log := g.logger.With("URL", req.URL, "Dest", dest)

	if req.Async {
		ctx := g.shutdownSignal()
		if ctx == nil {
			ctx = context.Background()
		}
		exchange.Detach(ctx, log, "fetch", func(ctx context.Context) error {
			n, err := files.Download(ctx, g.httpClient, req.URL, dest)
			if err == nil {
				log.Debugw("fetched", "Bytes", n)
			}
			return err
		})
		g.writeValue(w, http.StatusAccepted, exchange.NewObject().
			Set("dest", exchange.String(dest)).
			Set("bytes", exchange.Int(0)))
		return
	}

	n, err := files.Download(r.Context(), g.httpClient, req.URL, dest)
	if err != nil {
		log.Debugf("fetch error: %s", err)
		g.writeError(w, http.StatusBadGateway, exchange.IDInternal, err.Error())
		return
	}
	g.writeValue(w, http.StatusOK, exchange.NewObject().
		Set("dest", exchange.String(dest)).
		Set("bytes", exchange.Int(n)))
}

func (g *Gateway) signal(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	pid, err := strconv.Atoi(params.ByName("pid"))
	if err != nil || pid <= 0 {
		g.writeError(w, http.StatusBadRequest, exchange.IDBadRequest, "invalid pid "+strconv.Quote(params.ByName("pid")))
		return
	}
	sig, err := proc.ParseSignal(params.ByName("signal"))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, exchange.IDBadRequest, err.Error())
		return
	}
	if err := proc.Signal(pid, sig); err != nil {
		g.writeError(w, http.StatusInternalServerError, exchange.IDInternal, err.Error())
		return
	}
	g.logger.Debugw("signaled process", "PID", pid, "Signal", sig.String())
	g.writeValue(w, http.StatusOK, exchange.NewObject().
		Set("pid", exchange.Int(pid)).
		Set("signal", exchange.String(sig.String())))
}
