package download

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	storycache "github.com/wolfeidau/story-cache"
)

// HandleFetchError writes an HTTP error response for fetch errors that have
// no class-specific rendering: 504 when the caller's context ended, 502
// otherwise.
func HandleFetchError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
		return
	}
	logger.Error("fetch failed", "error", err)
	http.Error(w, "upstream error", http.StatusBadGateway)
}

// WriteResponse copies resp to w and closes its body. For HEAD requests the
// headers are written but the body is skipped.
func WriteResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, logger *slog.Logger) {
	defer func() { _ = resp.Body.Close() }()

	h := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Warn("failed to stream response", "url", r.URL.String(), "error", err)
	}
}

// ForgetOnFetchError calls Forget on the downloader if the error represents
// a real fetch failure (not a caller context timeout).
func ForgetOnFetchError(d *Downloader, key storycache.Hash, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
