package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	storycache "github.com/wolfeidau/story-cache"
	"github.com/wolfeidau/story-cache/classify"
	"github.com/wolfeidau/story-cache/store/generations"
	"github.com/wolfeidau/story-cache/store/records"
	"github.com/wolfeidau/story-cache/telemetry"
)

// networkResult is what a background revalidation hands back to a waiting
// caller.
type networkResult struct {
	resp *captured
	err  error
}

// apiRead serves API reads stale-while-revalidate. The network request
// always runs detached from the caller; a cached snapshot is returned
// without waiting for it.
func (e *Engine) apiRead(ctx context.Context, req *http.Request, gen string) (*http.Response, error) {
	snap := e.match(ctx, gen, req)
	result := e.revalidate(req, gen)

	if snap != nil {
		telemetry.SetCacheResult(ctx, telemetry.CacheStale)
		return cachedResponse(snap, req, "stale"), nil
	}
	telemetry.SetCacheResult(ctx, telemetry.CacheMiss)

	var res networkResult
	select {
	case res = <-result:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	switch {
	case res.err != nil:
		e.logger.Info("api unreachable, serving offline records", "url", req.URL.String(), "error", res.err)
	case res.resp.status >= http.StatusInternalServerError:
		e.logger.Info("api failed, serving offline records", "url", req.URL.String(), "status", res.resp.status)
	default:
		// Success and every 4xx, including auth rejection, go back untouched.
		return res.resp.response(req), nil
	}

	resp, ok := e.fallback(ctx, req)
	if !ok {
		if res.err != nil {
			return nil, res.err
		}
		return res.resp.response(req), nil
	}
	telemetry.SetCacheResult(ctx, telemetry.CacheFallback)
	return resp, nil
}

// revalidate starts the network request for an API read as a detached task.
// The result is delivered on the returned channel, which never blocks the
// task. A successful response is stored in gen and its stories mirrored
// into the record store; failures there are logged only.
func (e *Engine) revalidate(req *http.Request, gen string) <-chan networkResult {
	result := make(chan networkResult, 1)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, backgroundTimeout)
		defer cancel()
		ctx = telemetry.WithClassContext(ctx, classify.APIRead.String())

		bg := req.Clone(ctx)
		resp, err := e.upstream.capture(bg)
		result <- networkResult{resp: resp, err: err}

		logger := e.logger.With("url", req.URL.String())
		switch {
		case err != nil:
			telemetry.RecordRevalidation(ctx, "error")
			logger.Debug("revalidation failed", "error", err)
			return
		case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
			// Drop the snapshot so the next read reaches the network and the
			// page sees the rejection instead of stale data.
			telemetry.RecordRevalidation(ctx, "auth_rejected")
			logger.Warn("api rejected credentials", "status", resp.status)
			if err := e.cache.DeleteEntry(ctx, gen, bg); err != nil {
				logger.Error("failed to drop rejected snapshot", "generation", gen, "error", err)
			}
			return
		case !resp.ok():
			telemetry.RecordRevalidation(ctx, "not_stored")
			logger.Debug("revalidation not stored", "status", resp.status)
			return
		}

		e.mirror(ctx, bg, gen, resp)
		telemetry.RecordRevalidation(ctx, "stored")
	}()

	return result
}

// mirror stores a successful API response and upserts its stories. Both
// steps are best-effort.
func (e *Engine) mirror(ctx context.Context, req *http.Request, gen string, resp *captured) {
	logger := e.logger.With("url", req.URL.String())

	if err := e.cache.Put(ctx, gen, req, resp.snapshot(req)); err != nil {
		if errors.Is(err, generations.ErrRetired) {
			logger.Debug("generation retired, snapshot dropped", "generation", gen)
		} else {
			logger.Error("failed to store api snapshot", "generation", gen, "error", err)
		}
	} else {
		telemetry.RecordSnapshotWrite(ctx, string(generations.RoleAPISnapshot), len(resp.body))
	}

	stories := storycache.ExtractStories(resp.body)
	if len(stories) == 0 {
		return
	}
	stored, err := e.records.PutAll(ctx, stories)
	if err != nil {
		logger.Error("failed to mirror stories", "error", err)
		return
	}
	telemetry.RecordMirror(ctx, stored)
	logger.Debug("mirrored stories", "stored", stored, "received", len(stories))
}

// fallback synthesizes an API response from the record store, shaped like
// the API's own success response. ok is false when the path has no offline
// equivalent or the store cannot be read.
func (e *Engine) fallback(ctx context.Context, req *http.Request) (*http.Response, bool) {
	path, isAPI := e.classifier.APIPath(req.URL)
	if !isAPI {
		return nil, false
	}
	path = strings.TrimSuffix(path, "/")

	var (
		status = http.StatusOK
		body   any
	)
	switch {
	case path == "/stories":
		stories, err := e.records.GetAll(ctx)
		if err != nil {
			e.logger.Error("offline store read failed", "error", err)
			return nil, false
		}
		body = storycache.ListResponse{
			Error:     false,
			Message:   "Stories fetched from offline store",
			ListStory: stories,
		}
		telemetry.RecordFallback(ctx, "records")
	case strings.HasPrefix(path, "/stories/") && !strings.Contains(path[len("/stories/"):], "/"):
		id := path[len("/stories/"):]
		story, err := e.records.Get(ctx, id)
		switch {
		case errors.Is(err, records.ErrNotFound):
			status = http.StatusNotFound
			body = storycache.ErrorResponse{Error: true, Message: "Story not available offline"}
			telemetry.RecordFallback(ctx, "not_found")
		case err != nil:
			e.logger.Error("offline store read failed", "id", id, "error", err)
			return nil, false
		default:
			body = storycache.DetailResponse{
				Error:   false,
				Message: "Story fetched from offline store",
				Story:   &story,
			}
			telemetry.RecordFallback(ctx, "records")
		}
	default:
		return nil, false
	}

	data, err := json.Marshal(body)
	if err != nil {
		e.logger.Error("failed to encode fallback response", "error", err)
		return nil, false
	}
	c := &captured{
		status: status,
		header: http.Header{
			"Content-Type": {"application/json"},
			HeaderCache:    {"fallback"},
		},
		body: data,
	}
	return c.response(req), true
}
