package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client invokes procedures on the Server bound at a socket path.
type Client struct {
	Log *zap.SugaredLogger

	path        string
	retryMax    int
	dialTimeout time.Duration
	transport   *http.Transport
	httpClient  *http.Client

	// calls are not pipelined
	callMut sync.Mutex
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		c.Log = l
	}
}

// WithRetryMax sets how many times a call is retried when the socket cannot be dialed.
// Calls that reached the server are never retried.
func WithRetryMax(n int) ClientOption {
	return func(c *Client) {
		c.retryMax = n
	}
}

func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.dialTimeout = d
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// Dial returns a Client for the server at path. No connection is made until the first call.
func Dial(path string, opts ...ClientOption) *Client {
	c := &Client{
		Log:         zap.NewNop().Sugar(),
		path:        path,
		retryMax:    3,
		dialTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := &net.Dialer{Timeout: c.dialTimeout}
	c.transport = &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", path)
		},
		MaxConnsPerHost:    1,
		DisableCompression: true,
	}
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: c.transport}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.CheckRetry = retryDialFailures
	retryClient.RetryMax = c.retryMax
	retryClient.Logger = &logAdapter{SugaredLogger: c.Log}

	c.httpClient = retryClient.StandardClient()
	return c
}

// retryDialFailures retries only when the request never left this process.
func retryDialFailures(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	var opErr *net.OpError
	if err != nil && errors.As(err, &opErr) && opErr.Op == "dial" {
		return true, nil
	}
	return false, nil
}

// Addr returns the socket path of the remote server.
func (c *Client) Addr() string {
	return c.path
}

// Call invokes procedure with args and decodes its result into result, which may be nil.
// A remote handler error is returned as a *Fault; failing to reach the server wraps ErrConnection.
func (c *Client) Call(ctx context.Context, procedure string, result any, args ...any) error {
	c.callMut.Lock()
	defer c.callMut.Unlock()

	if args == nil {
		args = []any{}
	}
	body, err := json.Marshal(callRequest{Args: args})
	if err != nil {
		return fmt.Errorf("encoding arguments for %q: %w", procedure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://unix/rpc/"+procedure, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	c.Log.Debugw("calling", "Procedure", procedure, "Socket", c.path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: calling %q on %s: %w", ErrConnection, procedure, c.path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected HTTP status code %d calling %q: %s", resp.StatusCode, procedure, string(b))
	}

	var reply replyResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("%w: reading reply to %q: %w", ErrConnection, procedure, err)
	}
	if reply.Fault != nil {
		return reply.Fault
	}
	if result == nil || len(reply.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Result, result); err != nil {
		return fmt.Errorf("decoding result of %q: %w", procedure, err)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}
