package strategy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/story-cache/store/generations"
	"github.com/wolfeidau/story-cache/telemetry"
)

// DefaultTimeout is the default timeout for upstream requests.
const DefaultTimeout = 30 * time.Second

// hopHeaders are removed from requests before they are forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// NetworkError reports a request that never produced a response.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network request to %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Upstream sends intercepted requests to the network.
type Upstream struct {
	client  *http.Client
	token   string
	apiHost string // parsed from the API URL, for auth host-matching
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *Upstream) {
		u.client = client
	}
}

// WithBearerToken sets a token attached to API requests that arrive without
// an Authorization header.
func WithBearerToken(token string) UpstreamOption {
	return func(u *Upstream) {
		u.token = token
	}
}

// WithAPIURL sets the story API URL whose host may receive the bearer token.
func WithAPIURL(apiURL string) UpstreamOption {
	return func(u *Upstream) {
		if parsed, err := url.Parse(apiURL); err == nil {
			u.apiHost = parsed.Hostname()
		}
	}
}

// NewUpstream creates a network client for the engine.
func NewUpstream(opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "unknown"),
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// shouldAttachAuth returns true if the token should be sent to the given URL.
// Only attaches auth when the target host matches the configured API host.
func (u *Upstream) shouldAttachAuth(target *url.URL) bool {
	if u.token == "" || u.apiHost == "" {
		return false
	}
	return strings.EqualFold(target.Hostname(), u.apiHost)
}

// setAuth sets the Authorization header unless the caller supplied one.
func (u *Upstream) setAuth(req *http.Request) {
	if req.Header.Get("Authorization") != "" {
		return
	}
	if u.shouldAttachAuth(req.URL) {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}
}

// Do sends req to the network. Transport failures are returned as
// *NetworkError; any HTTP status is a successful round trip.
func (u *Upstream) Do(req *http.Request) (*http.Response, error) {
	u.setAuth(req)
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: req.URL.String(), Err: err}
	}
	return resp, nil
}

// captured is a network response whose body has been read into memory.
type captured struct {
	status int
	header http.Header
	body   []byte
}

func (c *captured) ok() bool {
	return c.status >= 200 && c.status <= 299
}

func (c *captured) response(req *http.Request) *http.Response {
	h := c.header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Del("Transfer-Encoding")
	h.Set("Content-Length", fmt.Sprint(len(c.body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", c.status, http.StatusText(c.status)),
		StatusCode:    c.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(c.body)),
		ContentLength: int64(len(c.body)),
		Request:       req,
	}
}

func (c *captured) snapshot(req *http.Request) *generations.Snapshot {
	return generations.NewSnapshot(req, c.status, c.header, c.body)
}

// capture sends req and reads the whole body.
func (u *Upstream) capture(req *http.Request) (*captured, error) {
	resp, err := u.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, generations.MaxBodySize+1))
	if err != nil {
		return nil, &NetworkError{URL: req.URL.String(), Err: fmt.Errorf("reading body: %w", err)}
	}
	if len(body) > generations.MaxBodySize {
		return nil, &NetworkError{URL: req.URL.String(), Err: fmt.Errorf("body exceeds %d bytes", generations.MaxBodySize)}
	}
	return &captured{status: resp.StatusCode, header: resp.Header, body: body}, nil
}
