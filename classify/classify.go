// Package classify decides how an intercepted request is handled.
package classify

import (
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// Class is the handling class of an intercepted request.
type Class int

const (
	// Ignore marks requests that are not intercepted at all.
	Ignore Class = iota
	APIRead
	APIWrite
	Image
	ShellAsset
)

func (c Class) String() string {
	switch c {
	case Ignore:
		return "ignore"
	case APIRead:
		return "api_read"
	case APIWrite:
		return "api_write"
	case Image:
		return "image"
	case ShellAsset:
		return "shell"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Destination is the request destination hint (Sec-Fetch-Dest).
type Destination string

const (
	DestinationEmpty    Destination = ""
	DestinationDocument Destination = "document"
	DestinationImage    Destination = "image"
	DestinationScript   Destination = "script"
	DestinationStyle    Destination = "style"
)

// InterceptedRequest is the part of a request classification looks at.
type InterceptedRequest struct {
	Method      string
	URL         *url.URL
	Destination Destination
}

// Classifier classifies requests against the story API prefix.
type Classifier struct {
	apiPrefix *url.URL
}

// New creates a classifier. apiPrefix is the absolute URL the story API lives
// under, e.g. "https://story-api.example.com/v1".
func New(apiPrefix string) (*Classifier, error) {
	u, err := url.Parse(apiPrefix)
	if err != nil {
		return nil, fmt.Errorf("parsing api prefix: %w", err)
	}
	if !isHTTP(u.Scheme) || u.Host == "" {
		return nil, fmt.Errorf("api prefix must be an absolute http(s) URL: %q", apiPrefix)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return &Classifier{apiPrefix: u}, nil
}

// APIPrefix returns the configured API prefix.
func (c *Classifier) APIPrefix() *url.URL {
	u := *c.apiPrefix
	return &u
}

// Classify returns the class of r. It has no side effects.
func (c *Classifier) Classify(r InterceptedRequest) Class {
	if r.URL == nil || !isHTTP(r.URL.Scheme) {
		return Ignore
	}
	if c.IsAPI(r.URL) {
		if r.Method == "" || strings.EqualFold(r.Method, http.MethodGet) {
			return APIRead
		}
		return APIWrite
	}
	if r.Destination == DestinationImage {
		return Image
	}
	return ShellAsset
}

// IsAPI reports whether u lives under the API prefix. The path must match on
// a segment boundary: "/v1" matches "/v1" and "/v1/stories" but not "/v10".
func (c *Classifier) IsAPI(u *url.URL) bool {
	if !strings.EqualFold(u.Scheme, c.apiPrefix.Scheme) || !strings.EqualFold(u.Host, c.apiPrefix.Host) {
		return false
	}
	prefix := c.apiPrefix.Path
	if prefix == "" {
		return true
	}
	p := u.Path
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// APIPath returns the path of u relative to the API prefix, e.g.
// "/stories/abc". ok is false when u is not an API URL.
func (c *Classifier) APIPath(u *url.URL) (string, bool) {
	if !c.IsAPI(u) {
		return "", false
	}
	rel := strings.TrimPrefix(u.Path, c.apiPrefix.Path)
	if rel == "" {
		rel = "/"
	}
	return rel, true
}

// FromHTTP builds an InterceptedRequest from an incoming request. Absolute-form
// proxy requests keep their URL; origin-form requests are resolved against
// origin.
func FromHTTP(r *http.Request, origin *url.URL) InterceptedRequest {
	u := r.URL
	if !u.IsAbs() && origin != nil {
		u = origin.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	}
	return InterceptedRequest{
		Method:      r.Method,
		URL:         u,
		Destination: destination(r.Header),
	}
}

func destination(h http.Header) Destination {
	if d := h.Get("Sec-Fetch-Dest"); d != "" {
		return Destination(strings.ToLower(d))
	}
	// Older clients send no fetch metadata; an Accept that leads with an
	// image type is the next best signal.
	if accept := h.Get("Accept"); accept != "" {
		first, _, _ := strings.Cut(accept, ",")
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(first))
		if err == nil && strings.HasPrefix(mt, "image/") {
			return DestinationImage
		}
	}
	return DestinationEmpty
}

func isHTTP(scheme string) bool {
	return strings.EqualFold(scheme, "http") || strings.EqualFold(scheme, "https")
}
