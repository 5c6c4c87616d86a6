// Package transport implements the HTTP client described in spec.md §4.5:
// a per-call-timeout HTTP/1.1 client with an HTTPS -> insecure-HTTPS ->
// plain-HTTP failover ladder, same-host redirect re-authorization, and
// broken-pipe diagnosis. It knows nothing about registry semantics (auth
// challenges, manifest/blob paths) -- pkg/auth and pkg/registry build on
// top of it.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultTimeout is the per-call timeout spec.md §4.5 names as the default.
const DefaultTimeout = 20 * time.Second

// Scheme records which rung of the failover ladder served a request.
type Scheme int

const (
	SchemeHTTPSVerified Scheme = iota
	SchemeHTTPSInsecure
	SchemeHTTP
)

func (s Scheme) String() string {
	switch s {
	case SchemeHTTPSVerified:
		return "https"
	case SchemeHTTPSInsecure:
		return "https (insecure)"
	case SchemeHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// ResponseException is what Do returns for a transport failure. Do hands
// non-2xx responses back as ordinary *http.Response values, so it never sets
// StatusCode. CredentialsCleared records whether the Authorization header was
// stripped before the failed plain-HTTP attempt; it is never set on a 401 or
// 403, since those come back as responses.
type ResponseException struct {
	URL                string
	StatusCode         int // 0 if the failure was a transport error, not an HTTP response
	Scheme             Scheme
	CredentialsCleared bool
	Body               []byte
	Cause              error
}

func (e *ResponseException) Error() string {
	if e.StatusCode != 0 {
		return errors.Errorf("%s %s: unexpected status %d", e.Scheme, e.URL, e.StatusCode).Error()
	}
	return errors.Wrapf(e.Cause, "%s %s", e.Scheme, e.URL).Error()
}

func (e *ResponseException) Unwrap() error { return e.Cause }

// Options configures a Client.
type Options struct {
	// AllowInsecureRegistries enables rungs 2 and 3 of the failover ladder.
	// When false (the default) only verified HTTPS is attempted.
	AllowInsecureRegistries bool

	// SendCredentialsOverHTTP permits the Authorization header to survive
	// onto the plain-HTTP rung. Defaults to false: credentials are
	// stripped before falling back to HTTP.
	SendCredentialsOverHTTP bool

	// Timeout is the per-call deadline; zero means DefaultTimeout.
	Timeout time.Duration
}

// Client issues requests with the failover ladder and redirect policy of
// spec.md §4.5. It is safe for concurrent use.
type Client struct {
	opts       Options
	verified   *http.Client
	insecure   *http.Client
	plainHTTP  *http.Client
}

// New builds a Client from opts.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	base := func(tlsConfig *tls.Config) *http.Client {
		return &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
				Proxy:           http.ProxyFromEnvironment,
			},
			CheckRedirect: checkRedirect,
		}
	}

	return &Client{
		opts:      opts,
		verified:  base(nil),
		insecure:  base(&tls.Config{InsecureSkipVerify: true}),
		plainHTTP: base(nil),
	}
}

// checkRedirect implements spec.md §4.5's redirect rule: rebuild with the
// new URL, re-sending Authorization only when the new host matches the
// original host.
func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) == 0 {
		return nil
	}
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	first := via[0]
	if req.URL.Host != first.URL.Host {
		req.Header.Del("Authorization")
	}
	return nil
}

// Do executes req against https, failing over to insecure-https and then
// plain-http as allowed by the client's Options. req.URL must use "https"
// as its scheme; the ladder rewrites the scheme for lower rungs itself.
// The caller-supplied Authorization header (if any) is cleared before any
// plain-HTTP attempt unless SendCredentialsOverHTTP is set.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return nil, errors.Errorf("transport: request URL %s must use https scheme", req.URL)
	}

	resp, err := c.verified.Do(req)
	if err == nil {
		return resp, nil
	}
	if !c.opts.AllowInsecureRegistries || !isTLSOrConnectFailure(err) {
		return nil, c.wrapTransportError(req, SchemeHTTPSVerified, false, err)
	}

	resp, err = c.insecure.Do(req)
	if err == nil {
		return resp, nil
	}
	if !isConnectFailure(err) {
		return nil, c.wrapTransportError(req, SchemeHTTPSInsecure, false, err)
	}

	httpReq := req.Clone(req.Context())
	httpReq.URL = cloneURL(req.URL)
	httpReq.URL.Scheme = "http"
	cleared := false
	if !c.opts.SendCredentialsOverHTTP && httpReq.Header.Get("Authorization") != "" {
		httpReq.Header.Del("Authorization")
		cleared = true
	}

	resp, err = c.plainHTTP.Do(httpReq)
	if err != nil {
		return nil, c.wrapTransportError(httpReq, SchemeHTTP, cleared, err)
	}
	return resp, nil
}

func (c *Client) wrapTransportError(req *http.Request, scheme Scheme, cleared bool, cause error) error {
	return &ResponseException{
		URL:                req.URL.String(),
		Scheme:             scheme,
		CredentialsCleared: cleared,
		Cause:              diagnoseBrokenPipe(cause),
	}
}

func cloneURL(u *url.URL) *url.URL {
	cp := *u
	return &cp
}

// BrokenPipeError wraps a transport error whose chain contains a broken
// pipe, suggesting the usual culprits: an intermediate proxy or an MTU
// mismatch truncating large uploads.
type BrokenPipeError struct {
	Cause error
}

func (e *BrokenPipeError) Error() string {
	return "broken pipe talking to registry (check for a proxy or MTU/packet-size mismatch): " + e.Cause.Error()
}

func (e *BrokenPipeError) Unwrap() error { return e.Cause }

func diagnoseBrokenPipe(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "broken pipe") {
		return &BrokenPipeError{Cause: err}
	}
	return err
}

// isTLSOrConnectFailure reports whether err looks like a certificate
// problem or a connection failure worth retrying on a lower rung.
func isTLSOrConnectFailure(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	if _, ok := err.(tls.RecordHeaderError); ok {
		return true
	}
	return isConnectFailure(err)
}

// isConnectFailure reports whether err indicates the peer refused the
// connection or a TLS handshake never completed -- spec.md §4.5's trigger
// for falling through to plain HTTP.
func isConnectFailure(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		msg := netErr.Error()
		if strings.Contains(msg, "connection refused") ||
			strings.Contains(msg, "no such host") ||
			strings.Contains(msg, "handshake failure") ||
			strings.Contains(msg, "tls:") {
			return true
		}
	}
	return strings.Contains(err.Error(), "connection refused")
}

// WithTimeout returns a context bound by the client's configured timeout,
// for callers that want the deadline to apply across a multi-request
// operation rather than per-call.
func (c *Client) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
