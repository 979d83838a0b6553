// Package transport issues single HTTP requests through the host device's
// companion bridge, falling back to a direct connection when the bridge is
// unreachable. Every call returns a terminal response so that callers can
// branch on status codes uniformly.
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	spintunes "github.com/spintunes/go-spintunes"
)

const DefaultTimeout = 60 * time.Second

// Request describes one HTTP exchange.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	// Queue marks the request as queueable on the host bridge: it is then
	// exempt from the fixed timeout.
	Queue bool
}

// Response is a terminal outcome. StatusCode 0 together with a non-empty Err
// means the transport itself failed (offline).
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Err        string
}

// Executor issues requests over a primary round tripper (the host bridge) and
// a direct fallback.
type Executor struct {
	host    http.RoundTripper
	direct  http.RoundTripper
	timeout time.Duration
}

func NewExecutor(host http.RoundTripper) *Executor {
	return &Executor{
		host:    host,
		direct:  http.DefaultTransport,
		timeout: DefaultTimeout,
	}
}

// RoundTrip implements http.RoundTripper with the host-then-direct fallback,
// so the executor can back an *http.Client (used for the oauth2 exchange and
// thumbnail downloads).
func (e *Executor) RoundTrip(req *http.Request) (*http.Response, error) {
	if e.host != nil {
		resp, err := e.host.RoundTrip(req)
		if err == nil {
			return resp, nil
		}

		log.WithError(err).Debugf("host transport unavailable for %s %s, falling back to direct", req.Method, req.URL)
	}

	return e.direct.RoundTrip(req)
}

// HTTPClient returns a client routed through the executor, bounded by the
// executor timeout.
func (e *Executor) HTTPClient() *http.Client {
	return &http.Client{Transport: e, Timeout: e.timeout}
}

// Do performs one request and always returns a terminal response: a timeout
// yields a synthetic 500 "Timeout", any other transport failure yields
// status 0 with the error message.
func (e *Executor) Do(ctx context.Context, req Request) *Response {
	if !req.Queue {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return &Response{StatusCode: 0, Err: err.Error()}
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", spintunes.UserAgent())
	}

	httpResp, err := e.RoundTrip(httpReq)
	if err != nil {
		if !req.Queue && (errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded) {
			log.Warnf("%s %s timed out after %s", req.Method, req.URL, e.timeout)
			return &Response{StatusCode: http.StatusInternalServerError, Headers: http.Header{}, Err: "Timeout"}
		}

		return &Response{StatusCode: 0, Err: err.Error()}
	}

	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		if !req.Queue && errors.Is(err, context.DeadlineExceeded) {
			return &Response{StatusCode: http.StatusInternalServerError, Headers: http.Header{}, Err: "Timeout"}
		}

		return &Response{StatusCode: 0, Err: err.Error()}
	}

	return &Response{StatusCode: httpResp.StatusCode, Headers: httpResp.Header, Body: body}
}
