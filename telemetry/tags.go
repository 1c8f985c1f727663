// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// classKey is the context key for propagating the request class to background goroutines.
	classKey contextKey = "class"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit      CacheResult = "hit"
	CacheMiss     CacheResult = "miss"
	CacheStale    CacheResult = "stale"
	CacheFallback CacheResult = "fallback"
	CacheBypass   CacheResult = "bypass"
	CacheNA       CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Class       string
	CacheResult CacheResult
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(ctx context.Context, result CacheResult) {
	if tags := GetTags(ctx); tags != nil {
		tags.CacheResult = result
	}
}

// SetClass sets the request class tag for metrics and logging.
func SetClass(ctx context.Context, class string) {
	if tags := GetTags(ctx); tags != nil {
		tags.Class = class
	}
}

// SetEndpoint sets the endpoint tag for logging.
func SetEndpoint(ctx context.Context, endpoint string) {
	if tags := GetTags(ctx); tags != nil {
		tags.Endpoint = endpoint
	}
}

// ClassFromContext retrieves the request class from a context.
// It checks both background contexts (set by WithClassContext) and
// request contexts (set by SetClass via InjectTags).
func ClassFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(classKey).(string); ok && c != "" {
		return c
	}
	if tags := GetTags(ctx); tags != nil {
		return tags.Class
	}
	return ""
}

// WithClassContext returns a context with the request class stored.
// Use this to propagate the class into goroutines that outlive the request context.
func WithClassContext(ctx context.Context, class string) context.Context {
	return context.WithValue(ctx, classKey, class)
}
