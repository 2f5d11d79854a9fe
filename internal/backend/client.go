package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// MaxBodyBytes caps the backend body relayed to a client.
const MaxBodyBytes = 1 << 20

// ErrBodyTooLarge is returned when a backend body exceeds MaxBodyBytes.
var ErrBodyTooLarge = errors.New("backend body exceeds 1 MiB")

// Response is what a backend answered to a GET on its root path.
type Response struct {
	Proto      string
	StatusCode int
	Body       []byte
}

// Success reports whether the status code is in the 2xx class.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// StatusLine renders the status the way it is relayed to clients,
// e.g. "HTTP/1.1 200 OK".
func (r *Response) StatusLine() string {
	line := r.Proto + " " + strconv.Itoa(r.StatusCode)
	if reason := http.StatusText(r.StatusCode); reason != "" {
		line += " " + reason
	}
	return line
}

// Fetcher performs an HTTP GET against a backend's root path.
type Fetcher interface {
	Get(ctx context.Context, host string, port int) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, host string, port int) (*Response, error)

func (f FetcherFunc) Get(ctx context.Context, host string, port int) (*Response, error) {
	return f(ctx, host, port)
}

// HTTPClient is the net/http implementation of Fetcher. No connection is
// reused between calls.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient returns a Fetcher bounded by the given timeout.
// A zero timeout leaves the call bounded only by the caller's context.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	transport := &http.Transport{
		DisableKeepAlives: true,
		DialContext: (&net.Dialer{
			Timeout: 5 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: timeout,
	}

	return &HTTPClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}
}

// Get issues GET http://host:port/. A body longer than MaxBodyBytes is an
// error rather than a truncated success.
func (c *HTTPClient) Get(ctx context.Context, host string, port int) (*Response, error) {
	target := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/",
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", target.Host, err)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", target.Host, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body from %s: %w", target.Host, err)
	}
	if len(body) > MaxBodyBytes {
		return nil, fmt.Errorf("read body from %s: %w", target.Host, ErrBodyTooLarge)
	}

	proto := res.Proto
	if !strings.HasPrefix(proto, "HTTP/") {
		proto = fmt.Sprintf("HTTP/%d.%d", res.ProtoMajor, res.ProtoMinor)
	}

	return &Response{
		Proto:      proto,
		StatusCode: res.StatusCode,
		Body:       body,
	}, nil
}
