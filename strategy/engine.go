// Package strategy applies the caching strategy for each class of
// intercepted request. API reads are served stale-while-revalidate and
// mirrored into the offline record store, images are cache-first, shell
// assets are cache-first without write-back and API writes always go to
// the network.
package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	storycache "github.com/wolfeidau/story-cache"
	"github.com/wolfeidau/story-cache/classify"
	"github.com/wolfeidau/story-cache/download"
	"github.com/wolfeidau/story-cache/store/generations"
	"github.com/wolfeidau/story-cache/telemetry"
)

const (
	// backgroundTimeout bounds detached revalidation and mirroring work.
	backgroundTimeout = 2 * time.Minute

	// HeaderCache reports how a response was produced: hit, stale or fallback.
	HeaderCache = "X-Story-Cache"
)

// ErrNotIntercepted is returned by Fetch for requests the engine ignores.
var ErrNotIntercepted = errors.New("strategy: request not intercepted")

// Cache is the cache generation store used by the engine.
type Cache interface {
	Match(ctx context.Context, name string, req *http.Request) (*generations.Snapshot, error)
	Put(ctx context.Context, name string, req *http.Request, snap *generations.Snapshot) error
	DeleteEntry(ctx context.Context, name string, req *http.Request) error
}

// Records is the offline story store used by the engine.
type Records interface {
	Get(ctx context.Context, id string) (storycache.StoryRecord, error)
	GetAll(ctx context.Context) ([]storycache.StoryRecord, error)
	PutAll(ctx context.Context, stories []storycache.StoryRecord) (int, error)
}

// Controller publishes the generations of the active worker.
type Controller interface {
	Current() (generations.Set, bool)
}

// Engine is the fetch strategy engine. It holds no cached state of its own;
// it only owns the goroutines doing background revalidation.
type Engine struct {
	classifier  *classify.Classifier
	cache       Cache
	records     Records
	controller  Controller
	upstream    *Upstream
	downloader  *download.Downloader
	origin      *url.URL
	passthrough http.Handler
	logger      *slog.Logger

	// Lifecycle management for background goroutines
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithUpstream sets the network client.
func WithUpstream(upstream *Upstream) Option {
	return func(e *Engine) {
		e.upstream = upstream
	}
}

// WithDownloader sets the image fetch deduplicator.
func WithDownloader(d *download.Downloader) Option {
	return func(e *Engine) {
		e.downloader = d
	}
}

// WithOrigin sets the application origin that origin-form requests are
// resolved against.
func WithOrigin(origin *url.URL) Option {
	return func(e *Engine) {
		e.origin = origin
	}
}

// WithPassthrough sets the handler for requests the engine ignores.
func WithPassthrough(h http.Handler) Option {
	return func(e *Engine) {
		e.passthrough = h
	}
}

// NewEngine creates a fetch strategy engine.
func NewEngine(classifier *classify.Classifier, cache Cache, records Records, controller Controller, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		classifier: classifier,
		cache:      cache,
		records:    records,
		controller: controller,
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.upstream == nil {
		e.upstream = NewUpstream(WithAPIURL(classifier.APIPrefix().String()))
	}
	if e.downloader == nil {
		e.downloader = download.New(download.WithLogger(e.logger))
	}
	if e.passthrough == nil {
		e.passthrough = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "not intercepted", http.StatusNotImplemented)
		})
	}
	return e
}

// Close cancels background work and waits for it to finish.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Fetch applies the strategy for r's class and returns the response. Network
// responses are returned whatever their status; errors mean no response
// could be produced.
func (e *Engine) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	_, resp, err := e.fetch(ctx, r)
	return resp, err
}

func (e *Engine) fetch(ctx context.Context, r *http.Request) (classify.Class, *http.Response, error) {
	ir := classify.FromHTTP(r, e.origin)
	class := e.classifier.Classify(ir)
	if class == classify.Ignore {
		return class, nil, ErrNotIntercepted
	}
	telemetry.SetClass(ctx, class.String())
	req := outgoing(ctx, r, ir.URL)

	set, ok := e.controller.Current()
	if !ok {
		// Uncontrolled: no worker is active yet, so nothing is read or written.
		telemetry.SetCacheResult(ctx, telemetry.CacheBypass)
		resp, err := e.upstream.Do(req)
		return class, resp, err
	}

	var (
		resp *http.Response
		err  error
	)
	switch class {
	case classify.APIWrite:
		resp, err = e.apiWrite(ctx, req)
	case classify.APIRead:
		resp, err = e.apiRead(ctx, req, set.APISnapshot)
	case classify.Image:
		resp, err = e.image(ctx, req, set.Images)
	case classify.ShellAsset:
		resp, err = e.shell(ctx, req, set.Shell)
	}
	return class, resp, err
}

// ServeHTTP implements http.Handler. Every intercepted request gets a
// response: failures are rendered as 502 (API classes get an error envelope).
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	class, resp, err := e.fetch(r.Context(), r)
	if errors.Is(err, ErrNotIntercepted) {
		e.passthrough.ServeHTTP(w, r)
		return
	}
	if err != nil {
		if r.Context().Err() == nil && (class == classify.APIRead || class == classify.APIWrite) {
			e.logger.Warn("api request failed", "url", r.URL.String(), "error", err)
			writeJSON(w, http.StatusBadGateway, storycache.ErrorResponse{
				Error:   true,
				Message: "network unavailable",
			}, e.logger)
			return
		}
		download.HandleFetchError(w, e.logger, err)
		return
	}
	download.WriteResponse(w, r, resp, e.logger)
}

// apiWrite forwards mutating API requests untouched. Nothing is cached.
func (e *Engine) apiWrite(ctx context.Context, req *http.Request) (*http.Response, error) {
	telemetry.SetCacheResult(ctx, telemetry.CacheBypass)
	return e.upstream.Do(req)
}

// shell serves the precached copy or goes to the network without storing.
func (e *Engine) shell(ctx context.Context, req *http.Request, gen string) (*http.Response, error) {
	if snap := e.match(ctx, gen, req); snap != nil {
		telemetry.SetCacheResult(ctx, telemetry.CacheHit)
		return cachedResponse(snap, req, "hit"), nil
	}
	telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
	return e.upstream.Do(req)
}

// match looks req up in gen. HEAD requests match the stored GET. Lookup
// failures other than a miss are logged and treated as a miss.
func (e *Engine) match(ctx context.Context, gen string, req *http.Request) *generations.Snapshot {
	lookup := req
	if req.Method == http.MethodHead {
		lookup = req.Clone(ctx)
		lookup.Method = http.MethodGet
	}
	if lookup.Method != http.MethodGet {
		return nil
	}
	snap, err := e.cache.Match(ctx, gen, lookup)
	if err != nil {
		if !errors.Is(err, generations.ErrNotFound) {
			e.logger.Error("cache read failed", "generation", gen, "url", req.URL.String(), "error", err)
		}
		return nil
	}
	return snap
}

func cachedResponse(snap *generations.Snapshot, req *http.Request, how string) *http.Response {
	resp := snap.Response(req)
	resp.Header.Set(HeaderCache, how)
	return resp
}

// outgoing prepares r for the network: absolute URL, no hop-by-hop headers,
// bound to ctx. The page's Accept-Encoding is dropped so the transport
// negotiates compression itself and hands back decoded bodies, which is what
// snapshots and record mirroring expect.
func outgoing(ctx context.Context, r *http.Request, u *url.URL) *http.Request {
	out := r.Clone(ctx)
	target := *u
	out.URL = &target
	out.Host = ""
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	out.Header.Del("Accept-Encoding")
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}
