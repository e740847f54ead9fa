// Package httpkit builds the HTTP clients used for outbound model API
// calls. Every client stamps a genbridge User-Agent and can log each
// round trip.
package httpkit

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/genbridge/internal/buildinfo"
)

// Transport defaults.
const (
	DialTimeout         = 10 * time.Second
	KeepAlive           = 30 * time.Second
	TLSHandshakeTimeout = 10 * time.Second
	IdleConnTimeout     = 90 * time.Second
	MaxIdleConnsPerHost = 4

	// DefaultHeaderTimeout bounds the wait for response headers once a
	// request is written.
	DefaultHeaderTimeout = 60 * time.Second

	// DefaultTimeout is the overall request timeout of a client built
	// without WithTimeout.
	DefaultTimeout = 2 * time.Minute
)

// NewTransport returns a pooled transport that waits at most
// headerTimeout for response headers. Zero selects DefaultHeaderTimeout.
func NewTransport(headerTimeout time.Duration) *http.Transport {
	if headerTimeout <= 0 {
		headerTimeout = DefaultHeaderTimeout
	}
	dialer := &net.Dialer{Timeout: DialTimeout, KeepAlive: KeepAlive}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ResponseHeaderTimeout: headerTimeout,
		IdleConnTimeout:       IdleConnTimeout,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
	}
}

// Option adjusts a client built by NewClient.
type Option func(*http.Client, *roundTripper)

// WithTimeout sets the overall request timeout. Zero disables it, which
// streaming callers need; their context bounds the request instead.
func WithTimeout(d time.Duration) Option {
	return func(c *http.Client, _ *roundTripper) { c.Timeout = d }
}

// WithTransport replaces the underlying transport.
func WithTransport(base http.RoundTripper) Option {
	return func(_ *http.Client, rt *roundTripper) { rt.base = base }
}

// WithLogger logs every round trip at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(_ *http.Client, rt *roundTripper) { rt.logger = l }
}

// NewClient returns a client using NewTransport(0) and DefaultTimeout
// unless options say otherwise.
func NewClient(opts ...Option) *http.Client {
	rt := &roundTripper{userAgent: buildinfo.UserAgent()}
	c := &http.Client{Timeout: DefaultTimeout, Transport: rt}
	for _, o := range opts {
		o(c, rt)
	}
	if rt.base == nil {
		rt.base = NewTransport(0)
	}
	return c
}

// roundTripper fills in a missing User-Agent and logs method, host,
// path, status and latency. Query strings are never logged.
type roundTripper struct {
	base      http.RoundTripper
	userAgent string
	logger    *slog.Logger
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", rt.userAgent)
	}
	if rt.logger == nil {
		return rt.base.RoundTrip(req)
	}

	start := time.Now()
	resp, err := rt.base.RoundTrip(req)
	log := rt.logger.With(
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	if err != nil {
		log.Debug("http request failed", "error", err)
		return nil, err
	}
	log.Debug("http request", "status", resp.StatusCode)
	return resp, nil
}

// ReadErrorBody returns up to limit bytes of an error response body for
// use in messages. The rest is discarded and rc is closed so the
// connection can be reused. A nil rc yields "".
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer rc.Close()

	body, err := io.ReadAll(io.LimitReader(rc, limit))
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 1024))
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
