package download

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	storycache "github.com/wolfeidau/story-cache"
	"github.com/wolfeidau/story-cache/store/generations"
)

func imageResult(body string) *Result {
	req := httptest.NewRequest(http.MethodGet, "https://cdn.example.com/photo.jpg", nil)
	return &Result{
		Snapshot: generations.NewSnapshot(req, http.StatusOK, http.Header{"Content-Type": {"image/jpeg"}}, []byte(body)),
		Stored:   true,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func key(s string) storycache.Hash {
	return storycache.RequestKey(http.MethodGet, s)
}

func TestDo_SingleCall(t *testing.T) {
	d := New()
	expected := imageResult("jpeg")

	result, shared, err := d.Do(context.Background(), key("a"), func(ctx context.Context) (*Result, error) {
		return expected, nil
	})

	require.NoError(t, err)
	require.False(t, shared)
	require.Same(t, expected, result)
}

func TestDo_ConcurrentDeduplication(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	expected := imageResult("data")

	var wg sync.WaitGroup
	results := make([]*Result, 10)
	errs := make([]error, 10)

	for i := range 10 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _, errs[idx] = d.Do(context.Background(), key("shared"), func(ctx context.Context) (*Result, error) {
				callCount.Add(1)
				time.Sleep(50 * time.Millisecond)
				return expected, nil
			})
		}(i)
	}

	wg.Wait()

	require.Equal(t, int32(1), callCount.Load(), "fetch func should be called exactly once")
	for i := range 10 {
		require.NoError(t, errs[i])
		require.Same(t, expected, results[i])
	}
}

func TestDo_CallerTimeout(t *testing.T) {
	d := New()

	var fetchCompleted atomic.Bool
	expected := imageResult("slow")

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer shortCancel()

	started := make(chan struct{})
	var slowWg sync.WaitGroup
	slowWg.Add(1)
	var shortErr error
	go func() {
		defer slowWg.Done()
		_, _, shortErr = d.Do(shortCtx, key("timeout"), func(ctx context.Context) (*Result, error) {
			close(started)
			time.Sleep(200 * time.Millisecond)
			fetchCompleted.Store(ctx.Err() == nil)
			return expected, nil
		})
	}()
	<-started

	longCtx, longCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer longCancel()

	result, shared, err := d.Do(longCtx, key("timeout"), func(ctx context.Context) (*Result, error) {
		t.Fatal("should not be called - fetch already in flight")
		return nil, nil
	})

	require.NoError(t, err)
	require.True(t, shared)
	require.Same(t, expected, result)
	require.True(t, fetchCompleted.Load(), "fetch context must outlive the caller")

	slowWg.Wait()
	require.ErrorIs(t, shortErr, context.DeadlineExceeded)
}

func TestDo_FetchError(t *testing.T) {
	d := New()
	expectedErr := errors.New("upstream unavailable")

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = d.Do(context.Background(), key("error"), func(ctx context.Context) (*Result, error) {
				time.Sleep(20 * time.Millisecond)
				return nil, expectedErr
			})
		}(i)
	}
	wg.Wait()

	for i := range 5 {
		require.ErrorIs(t, errs[i], expectedErr)
	}
}

func TestDo_DifferentKeys(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	errs := make([]error, 5)
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			k := "key-" + string(rune('a'+idx))
			_, _, errs[idx] = d.Do(context.Background(), key(k), func(ctx context.Context) (*Result, error) {
				callCount.Add(1)
				return imageResult(k), nil
			})
		}(i)
	}
	wg.Wait()

	for i := range 5 {
		require.NoError(t, errs[i])
	}
	require.Equal(t, int32(5), callCount.Load(), "each key should trigger its own fetch")
}

func TestForgetOnFetchError_SkipsContextErrors(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	expected := imageResult("data")

	started := make(chan struct{})
	go func() {
		_, _, _ = d.Do(context.Background(), key("forget"), func(ctx context.Context) (*Result, error) {
			callCount.Add(1)
			close(started)
			time.Sleep(200 * time.Millisecond)
			return expected, nil
		})
	}()
	<-started

	// A caller that timed out must not evict the in-flight fetch.
	ForgetOnFetchError(d, key("forget"), context.DeadlineExceeded)

	result, shared, err := d.Do(context.Background(), key("forget"), func(ctx context.Context) (*Result, error) {
		callCount.Add(1)
		return expected, nil
	})

	require.NoError(t, err)
	require.True(t, shared, "should share the in-flight fetch")
	require.Same(t, expected, result)
	require.Equal(t, int32(1), callCount.Load())
}

func TestForgetOnFetchError_ForgetsRealErrors(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	expectedErr := errors.New("upstream error")

	_, _, err := d.Do(context.Background(), key("forget-err"), func(ctx context.Context) (*Result, error) {
		callCount.Add(1)
		return nil, expectedErr
	})
	require.ErrorIs(t, err, expectedErr)

	ForgetOnFetchError(d, key("forget-err"), expectedErr)

	expected := imageResult("retry")
	result, shared, err := d.Do(context.Background(), key("forget-err"), func(ctx context.Context) (*Result, error) {
		callCount.Add(1)
		return expected, nil
	})
	require.NoError(t, err)
	require.False(t, shared)
	require.Same(t, expected, result)
	require.Equal(t, int32(2), callCount.Load())
}

func TestWriteResponse(t *testing.T) {
	res := imageResult("jpeg-bytes")

	for _, method := range []string{http.MethodGet, http.MethodHead} {
		t.Run(method, func(t *testing.T) {
			r := httptest.NewRequest(method, "https://cdn.example.com/photo.jpg", nil)
			rec := httptest.NewRecorder()
			WriteResponse(rec, r, res.Snapshot.Response(r), discardLogger())

			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
			require.Equal(t, "10", rec.Header().Get("Content-Length"))
			if method == http.MethodHead {
				require.Empty(t, rec.Body.String())
			} else {
				require.Equal(t, "jpeg-bytes", rec.Body.String())
			}
		})
	}
}

func TestHandleFetchError(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleFetchError(rec, discardLogger(), context.DeadlineExceeded)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)

	rec = httptest.NewRecorder()
	HandleFetchError(rec, discardLogger(), errors.New("connection refused"))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	require.True(t, strings.HasPrefix(string(body), "upstream error"))
}
