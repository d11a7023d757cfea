package service

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/childproc/channel"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client talks to a service hosted in a child process.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	wsURL                    string
	tlsClientConfig          *tls.Config
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientTLS(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsClientConfig = cfg
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the service listening on addr (host:port).
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		Logger:       log.Named("service_client"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	scheme, wsScheme := "http", "ws"
	if c.tlsClientConfig != nil {
		scheme, wsScheme = "https", "wss"
	}
	c.baseURL = fmt.Sprintf("%s://%s", scheme, addr)
	c.wsURL = fmt.Sprintf("%s://%s/ws", wsScheme, addr)

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: c.tlsClientConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

// WaitForServer polls the heartbeat endpoint until it answers or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		err := c.SendHeartbeat(ctx)
		if err == nil {
			c.Logger.Debug("heartbeat succeeded, done waiting for server")
			return nil
		}
		c.Logger.Debugf("got heartbeat error: %s", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Call invokes method with req marshaled as JSON and unmarshals the result into resp, which may be nil.
// Errors returned by the service are rebuilt with channel.ErrorInfo.Err.
func (c *Client) Call(ctx context.Context, method string, req any, resp any) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call/"+method, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Add("Content-Type", "application/json")

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("calling %q: %w", method, err)
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, readLimit))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	switch httpResp.StatusCode {
	case http.StatusOK:
		return unmarshalResult(body, resp)
	case http.StatusUnprocessableEntity:
		var cr callResponse
		if err := json.Unmarshal(body, &cr); err == nil && cr.Error != nil {
			return cr.Error.Err()
		}
	}
	return fmt.Errorf("non-200 HTTP status code %d received when calling %q: %s", httpResp.StatusCode, method, body)
}

// Stream opens a WebSocket for issuing many calls over one connection.
func (c *Client) Stream(ctx context.Context) (*Stream, error) {
	c.Logger.Debugw("dialing WebSocket", "URL", c.wsURL)
	wsConn, _, err := websocket.Dial(ctx, c.wsURL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(readLimit)
	return &Stream{conn: wsConn, log: c.Logger.Named("stream")}, nil
}

// Stream is a WebSocket connection to a hosted service. Calls are answered in order and
// a Stream allows one call at a time.
type Stream struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	mut    sync.Mutex
	nextID uint64

	closeOnce sync.Once
}

func (s *Stream) Call(ctx context.Context, method string, req any, resp any) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	s.nextID++
	id := s.nextID
	if err := wsjson.Write(ctx, s.conn, callRequest{ID: id, Method: method, Payload: payload}); err != nil {
		return fmt.Errorf("writing call: %w", err)
	}
	var cr callResponse
	if err := wsjson.Read(ctx, s.conn, &cr); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if cr.ID != id {
		return fmt.Errorf("response for call %d arrived while waiting for %d", cr.ID, id)
	}
	if cr.Error != nil {
		return cr.Error.Err()
	}
	return unmarshalResult(cr.Result, resp)
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close(websocket.StatusNormalClosure, "")
		if err != nil {
			s.log.Debugf("error closing conn: %s", err)
		}
	})
	return err
}

func unmarshalResult(b []byte, resp any) error {
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(b, resp); err != nil {
		return fmt.Errorf("unmarshaling result: %w", err)
	}
	return nil
}

// IsServiceError reports whether err came back from the service itself rather than from the transport.
func IsServiceError(err error) bool {
	var remote *channel.RemoteError
	var typed *channel.Error
	return errors.As(err, &remote) || errors.As(err, &typed)
}
