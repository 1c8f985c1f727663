// Package download provides singleflight-based deduplication for concurrent
// upstream fetches. When several pages ask for the same uncached image at
// once, only one upstream fetch is performed and every caller gets the same
// snapshot.
package download

import (
	"context"
	"log/slog"

	storycache "github.com/wolfeidau/story-cache"
	"github.com/wolfeidau/story-cache/store/generations"
	"golang.org/x/sync/singleflight"
)

// Result holds the outcome of a fetch.
type Result struct {
	Snapshot *generations.Snapshot
	// Stored reports whether the snapshot was written to a cache generation.
	Stored bool
}

// FetchFunc fetches from upstream and stores the response.
// The context passed to FetchFunc is detached from any single request so
// that one caller going away does not cancel the fetch for other waiters.
type FetchFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent fetches for the same request key
// using singleflight. It uses DoChan so each caller can respect its own
// context deadline without cancelling the in-flight fetch for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent fetches for the same key.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the fetch completes, Do returns
// the context error but the in-flight fetch continues for other waiters.
// Shared snapshots must be treated as read-only.
func (d *Downloader) Do(ctx context.Context, key storycache.Hash, fn FetchFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key.String(), func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		if res.Shared {
			d.logger.Debug("joined in-flight fetch", "key", key.ShortString())
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, so the next caller
// starts a new fetch instead of joining the in-flight one.
func (d *Downloader) Forget(key storycache.Hash) {
	d.group.Forget(key.String())
}
