package service

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/childproc/channel"
	"github.com/guseggert/childproc/task"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 1 << 20

// Host serves a task.Service over HTTP and WebSocket inside a child process.
type Host struct {
	logger *zap.SugaredLogger

	svc             task.Service
	name            string
	listenAddr      string
	tlsConfig       *tls.Config
	shutdownTimeout time.Duration

	httpServer *http.Server
	listener   net.Listener
	started    time.Time
	serveErr   chan error

	// ctx is canceled on Close so in-flight calls and streams wind down
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

type Option func(h *Host)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(h *Host) {
		h.logger = l
	}
}

func WithTLS(cfg *tls.Config) Option {
	return func(h *Host) {
		h.tlsConfig = cfg
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(h *Host) {
		h.shutdownTimeout = d
	}
}

// WithName sets the name reported by the heartbeat endpoint.
func WithName(name string) Option {
	return func(h *Host) {
		h.name = name
	}
}

func NewHost(svc task.Service, listenAddr string, opts ...Option) *Host {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		logger:          zap.NewNop().Sugar(),
		svc:             svc,
		listenAddr:      listenAddr,
		shutdownTimeout: 5 * time.Second,
		serveErr:        make(chan error, 1),
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handler returns the router, which is useful for serving the host from a test server.
func (h *Host) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", h.heartbeat)
	router.POST("/call/:method", h.call)
	router.GET("/ws", h.stream)
	if hs, ok := h.svc.(task.HTTPService); ok {
		handler := http.StripPrefix("/svc", hs.Handler())
		router.Handler(http.MethodGet, "/svc/*path", handler)
		router.Handler(http.MethodPost, "/svc/*path", handler)
		router.Handler(http.MethodPut, "/svc/*path", handler)
		router.Handler(http.MethodDelete, "/svc/*path", handler)
	}
	return router
}

// Start listens on the configured address and serves in the background.
// It returns once the listener is bound, so address errors surface here.
func (h *Host) Start() error {
	tcpListener, err := net.Listen("tcp", h.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	h.listener = tcpListener
	if h.tlsConfig != nil {
		h.listener = tls.NewListener(tcpListener, h.tlsConfig)
	}
	h.started = time.Now()
	h.httpServer = &http.Server{
		Handler:     h.Handler(),
		BaseContext: func(net.Listener) context.Context { return h.ctx },
	}
	h.logger.Infow("service listening", "Addr", tcpListener.Addr().String(), "TLS", h.tlsConfig != nil)

	go func() {
		err := h.httpServer.Serve(h.listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		h.serveErr <- err
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (h *Host) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Close shuts the server down, waiting up to the shutdown timeout for in-flight requests.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.shutdown()
	})
	return h.closeErr
}

func (h *Host) shutdown() error {
	// hijacked WebSocket conns aren't tracked by Shutdown, so cancel them first
	h.cancel()
	if h.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	err := h.httpServer.Shutdown(ctx)
	if err != nil {
		h.logger.Debugf("graceful shutdown failed, closing: %s", err)
		err = h.httpServer.Close()
	}
	h.wg.Wait()
	if serveErr := <-h.serveErr; serveErr != nil {
		return fmt.Errorf("serving: %w", serveErr)
	}
	return err
}

func (h *Host) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	writeJSON(w, http.StatusOK, heartbeatResponse{
		Service: h.name,
		Uptime:  time.Since(h.started).Round(time.Millisecond).String(),
	})
}

func (h *Host) call(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	method := params.ByName("method")
	payload, err := io.ReadAll(io.LimitReader(r.Body, readLimit))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := h.invoke(r.Context(), 0, method, payload)
	if resp.Error != nil {
		// not a 5xx, so the retrying client never repeats a call that already ran
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Result)
}

// stream serves calls over a WebSocket, one JSON request per message, answered in order.
func (h *Host) stream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		h.logger.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)
	h.wg.Add(1)
	defer h.wg.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-h.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		var req callRequest
		err := wsjson.Read(ctx, wsConn, &req)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			h.logger.Debug("got normal closure from client")
			return
		}
		if err != nil {
			h.logger.Debugf("stream reader got error: %s", err)
			wsConn.Close(websocket.StatusInternalError, "read failed")
			return
		}
		resp := h.invoke(ctx, req.ID, req.Method, req.Payload)
		if err := wsjson.Write(ctx, wsConn, resp); err != nil {
			h.logger.Debugf("error writing stream response: %s", err)
			wsConn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
}

func (h *Host) invoke(ctx context.Context, id uint64, method string, payload []byte) (resp callResponse) {
	resp.ID = id
	defer func() {
		if r := recover(); r != nil {
			resp.Result = nil
			resp.Error = channel.DescribeError(fmt.Errorf("service panicked: %v", r))
		}
	}()
	if len(payload) == 0 {
		payload = []byte("null")
	}
	result, err := h.svc.Call(ctx, method, payload)
	if err != nil {
		h.logger.Debugw("service call failed", "Method", method, "Error", err)
		resp.Error = channel.DescribeError(err)
		return resp
	}
	if len(result) == 0 {
		result = []byte("null")
	}
	if !json.Valid(result) {
		resp.Error = channel.DescribeError(fmt.Errorf("service returned invalid JSON for %q", method))
		return resp
	}
	resp.Result = result
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}
