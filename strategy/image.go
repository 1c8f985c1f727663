package strategy

import (
	"context"
	"errors"
	"net/http"

	storycache "github.com/wolfeidau/story-cache"
	"github.com/wolfeidau/story-cache/classify"
	"github.com/wolfeidau/story-cache/download"
	"github.com/wolfeidau/story-cache/store/generations"
	"github.com/wolfeidau/story-cache/telemetry"
)

// image serves images cache-first. Misses are fetched once per request key
// however many callers wait on them; 2xx responses are stored. When the
// network fails a synthetic 404 is returned instead of an error.
func (e *Engine) image(ctx context.Context, req *http.Request, gen string) (*http.Response, error) {
	if snap := e.match(ctx, gen, req); snap != nil {
		telemetry.SetCacheResult(ctx, telemetry.CacheHit)
		return cachedResponse(snap, req, "hit"), nil
	}
	telemetry.SetCacheResult(ctx, telemetry.CacheMiss)

	if req.Method != http.MethodGet {
		resp, err := e.upstream.Do(req)
		if err != nil {
			return e.imageUnavailable(ctx, req, err), nil
		}
		return resp, nil
	}

	key := storycache.RequestKey(req.Method, generations.NormalizeURL(req.URL))
	res, shared, err := e.downloader.Do(ctx, key, func(dctx context.Context) (*download.Result, error) {
		dctx, cancel := context.WithTimeout(dctx, backgroundTimeout)
		defer cancel()
		dctx = telemetry.WithClassContext(dctx, classify.Image.String())
		return e.fetchImage(dctx, req.Clone(dctx), gen)
	})
	if err != nil {
		download.ForgetOnFetchError(e.downloader, key, err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return e.imageUnavailable(ctx, req, err), nil
	}
	if shared {
		e.logger.Debug("shared image fetch", "url", req.URL.String())
	}
	return res.Snapshot.Response(req), nil
}

// fetchImage fetches an image and stores it when the status is 2xx. Other
// statuses are passed back unstored.
func (e *Engine) fetchImage(ctx context.Context, req *http.Request, gen string) (*download.Result, error) {
	resp, err := e.upstream.capture(req)
	if err != nil {
		return nil, err
	}
	snap := resp.snapshot(req)
	if !resp.ok() {
		return &download.Result{Snapshot: snap}, nil
	}

	stored := true
	if err := e.cache.Put(ctx, gen, req, snap); err != nil {
		stored = false
		if errors.Is(err, generations.ErrRetired) {
			e.logger.Debug("generation retired, image not stored", "generation", gen)
		} else {
			e.logger.Error("failed to store image", "generation", gen, "url", req.URL.String(), "error", err)
		}
	} else {
		telemetry.RecordSnapshotWrite(ctx, string(generations.RoleImages), len(resp.body))
	}
	return &download.Result{Snapshot: snap, Stored: stored}, nil
}

func (e *Engine) imageUnavailable(ctx context.Context, req *http.Request, err error) *http.Response {
	e.logger.Info("image unavailable offline", "url", req.URL.String(), "error", err)
	telemetry.RecordFallback(ctx, "not_found")
	c := &captured{
		status: http.StatusNotFound,
		header: http.Header{
			"Content-Type": {"text/plain; charset=utf-8"},
			HeaderCache:    {"fallback"},
		},
		body: []byte("image unavailable offline\n"),
	}
	return c.response(req)
}
