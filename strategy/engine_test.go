package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	storycache "github.com/wolfeidau/story-cache"
	"github.com/wolfeidau/story-cache/classify"
	"github.com/wolfeidau/story-cache/store/generations"
	"github.com/wolfeidau/story-cache/store/records"
)

type staticController struct {
	set generations.Set
	ok  bool
}

func (c staticController) Current() (generations.Set, bool) {
	return c.set, c.ok
}

type testEnv struct {
	engine   *Engine
	cache    *generations.Manager
	records  *records.Store
	upstream *httptest.Server
	set      generations.Set
}

func newTestEnv(t *testing.T, handler http.Handler, opts ...Option) *testEnv {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cache := generations.NewManager(filepath.Join(dir, "cache.db"), generations.WithNoSync(true))
	t.Cleanup(func() { _ = cache.Close() })
	recs := records.New(filepath.Join(dir, "records.db"), records.WithNoSync(true))
	t.Cleanup(func() { _ = recs.Close() })

	classifier, err := classify.New(srv.URL + "/v1")
	require.NoError(t, err)
	origin, err := url.Parse(srv.URL)
	require.NoError(t, err)

	set := generations.NewSet(1, 1, 1)
	opts = append([]Option{
		WithOrigin(origin),
		WithLogger(slog.New(slog.DiscardHandler)),
	}, opts...)
	engine := NewEngine(classifier, cache, recs, staticController{set: set, ok: true}, opts...)
	// Registered last so it runs first: background work must stop before
	// the stores close.
	t.Cleanup(engine.Close)

	return &testEnv{engine: engine, cache: cache, records: recs, upstream: srv, set: set}
}

func (env *testEnv) url(path string) string {
	return env.upstream.URL + path
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func listBody(t *testing.T, stories ...storycache.StoryRecord) []byte {
	t.Helper()
	b, err := json.Marshal(storycache.ListResponse{Message: "Stories fetched successfully", ListStory: stories})
	require.NoError(t, err)
	return b
}

func testStory(id string, day int) storycache.StoryRecord {
	return storycache.StoryRecord{
		ID:          id,
		Name:        "name " + id,
		Description: "description " + id,
		PhotoURL:    "https://story-api.example.com/images/" + id + ".jpg",
		CreatedAt:   time.Date(2024, 3, day, 10, 0, 0, 0, time.UTC),
	}
}

func imageRequest(target string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.Header.Set("Sec-Fetch-Dest", "image")
	return r
}

func TestAPIRead_StaleWhileRevalidate(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	freshBody := listBody(t, testStory("fresh", 2))

	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(freshBody)
	}))
	defer close(release)

	ctx := context.Background()
	target := env.url("/v1/stories")
	cachedReq := httptest.NewRequest(http.MethodGet, target, nil)
	stale := generations.NewSnapshot(cachedReq, http.StatusOK, http.Header{"Content-Type": {"application/json"}}, listBody(t, testStory("stale", 1)))
	require.NoError(t, env.cache.Put(ctx, env.set.APISnapshot, cachedReq, stale))

	done := make(chan *http.Response, 1)
	go func() {
		resp, err := env.engine.Fetch(ctx, httptest.NewRequest(http.MethodGet, target, nil))
		assert.NoError(t, err)
		done <- resp
	}()

	var resp *http.Response
	select {
	case resp = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cached response waited for the network")
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stale", resp.Header.Get(HeaderCache))
	assert.Contains(t, readBody(t, resp), `"id":"stale"`)

	// The network request is in flight, not abandoned.
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	release <- struct{}{}
	require.Eventually(t, func() bool {
		_, err := env.records.Get(ctx, "fresh")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		snap, err := env.cache.Match(ctx, env.set.APISnapshot, cachedReq)
		return err == nil && string(snap.Body) == string(freshBody)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAPIRead_MissReturnsNetworkAndMirrors(t *testing.T) {
	body := listBody(t, testStory("a", 1), testStory("b", 2), storycache.StoryRecord{Name: "no id"})
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))

	ctx := context.Background()
	resp, err := env.engine.Fetch(ctx, httptest.NewRequest(http.MethodGet, env.url("/v1/stories?page=1"), nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(HeaderCache))
	assert.Contains(t, readBody(t, resp), `"id":"a"`)

	require.Eventually(t, func() bool {
		n, err := env.records.Count(ctx)
		return err == nil && n == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAPIRead_CompressedUpstreamIsMirrored(t *testing.T) {
	body := listBody(t, testStory("gz", 1))
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			_, _ = w.Write(body)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		_, _ = zw.Write(body)
		_ = zw.Close()
	}))

	ctx := context.Background()
	target := env.url("/v1/stories")
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := env.engine.Fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.JSONEq(t, string(body), readBody(t, resp))

	require.Eventually(t, func() bool {
		all, err := env.records.GetAll(ctx)
		return err == nil && len(all) == 1 && all[0].ID == "gz"
	}, 5*time.Second, 10*time.Millisecond)

	snap, err := env.cache.Match(ctx, env.set.APISnapshot, httptest.NewRequest(http.MethodGet, target, nil))
	require.NoError(t, err)
	assert.JSONEq(t, string(body), string(snap.Body))
}

func TestAPIRead_FallbackToRecordsWhenOffline(t *testing.T) {
	env := newTestEnv(t, http.NotFoundHandler())
	ctx := context.Background()
	target := env.url("/v1/stories")
	env.upstream.Close()

	require.NoError(t, env.records.Put(ctx, testStory("old", 1)))
	require.NoError(t, env.records.Put(ctx, testStory("new", 5)))

	resp, err := env.engine.Fetch(ctx, httptest.NewRequest(http.MethodGet, target, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fallback", resp.Header.Get(HeaderCache))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body storycache.ListResponse
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &body))
	assert.False(t, body.Error)
	require.Len(t, body.ListStory, 2)
	assert.Equal(t, "new", body.ListStory[0].ID)
	assert.Equal(t, "old", body.ListStory[1].ID)
}

func TestAPIRead_FallbackOnServerError(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	ctx := context.Background()

	resp, err := env.engine.Fetch(ctx, httptest.NewRequest(http.MethodGet, env.url("/v1/stories"), nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"error":false,"message":"Stories fetched from offline store","listStory":[]}`, readBody(t, resp))
}

func TestAPIRead_DetailFallback(t *testing.T) {
	env := newTestEnv(t, http.NotFoundHandler())
	ctx := context.Background()
	base := env.url("/v1/stories/")
	env.upstream.Close()

	require.NoError(t, env.records.Put(ctx, testStory("s1", 1)))

	resp, err := env.engine.Fetch(ctx, httptest.NewRequest(http.MethodGet, base+"s1", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var detail storycache.DetailResponse
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &detail))
	require.NotNil(t, detail.Story)
	assert.Equal(t, "s1", detail.Story.ID)

	resp, err = env.engine.Fetch(ctx, httptest.NewRequest(http.MethodGet, base+"missing", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), `"error":true`)
}

func TestAPIRead_UnknownPathPropagatesNetworkError(t *testing.T) {
	env := newTestEnv(t, http.NotFoundHandler())
	target := env.url("/v1/notifications")
	env.upstream.Close()

	_, err := env.engine.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, target, nil))
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
}

func TestAPIRead_AuthRejectionNeverFallsBack(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"error":true,"message":"Missing authentication"}`))
			}))
			ctx := context.Background()
			require.NoError(t, env.records.Put(ctx, testStory("offline", 1)))

			resp, err := env.engine.Fetch(ctx, httptest.NewRequest(http.MethodGet, env.url("/v1/stories"), nil))
			require.NoError(t, err)
			assert.Equal(t, status, resp.StatusCode)
			assert.Empty(t, resp.Header.Get(HeaderCache))
			body := readBody(t, resp)
			assert.Contains(t, body, "Missing authentication")
			assert.NotContains(t, body, "offline")
		})
	}
}

func TestAPIRead_AuthRejectionDropsSnapshot(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":true,"message":"token expired"}`, http.StatusUnauthorized)
	}))
	ctx := context.Background()
	target := env.url("/v1/stories")

	cachedReq := httptest.NewRequest(http.MethodGet, target, nil)
	snap := generations.NewSnapshot(cachedReq, http.StatusOK, nil, listBody(t, testStory("s", 1)))
	require.NoError(t, env.cache.Put(ctx, env.set.APISnapshot, cachedReq, snap))

	resp, err := env.engine.Fetch(ctx, httptest.NewRequest(http.MethodGet, target, nil))
	require.NoError(t, err)
	assert.Equal(t, "stale", resp.Header.Get(HeaderCache))
	_ = readBody(t, resp)

	require.Eventually(t, func() bool {
		_, err := env.cache.Match(ctx, env.set.APISnapshot, cachedReq)
		return errors.Is(err, generations.ErrNotFound)
	}, 5*time.Second, 10*time.Millisecond)

	resp, err = env.engine.Fetch(ctx, httptest.NewRequest(http.MethodGet, target, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = readBody(t, resp)
}

func TestAPIWrite_ForwardedUntouched(t *testing.T) {
	var gotAuth, gotBody string
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"error":false,"message":"Story created successfully"}`))
	}))
	ctx := context.Background()

	r := httptest.NewRequest(http.MethodPost, env.url("/v1/stories"), nil)
	r.Body = io.NopCloser(strings.NewReader("description=hello"))
	r.Header.Set("Authorization", "Bearer page-token")

	resp, err := env.engine.Fetch(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = readBody(t, resp)
	assert.Equal(t, "Bearer page-token", gotAuth)
	assert.Equal(t, "description=hello", gotBody)

	gens, err := env.cache.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, gens, "writes must never be cached")
}

func TestAPIWrite_NetworkErrorPropagates(t *testing.T) {
	env := newTestEnv(t, http.NotFoundHandler())
	target := env.url("/v1/stories")
	env.upstream.Close()

	_, err := env.engine.Fetch(context.Background(), httptest.NewRequest(http.MethodPost, target, nil))
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, target, netErr.URL)
}

func TestImage_CacheFirst(t *testing.T) {
	var hits atomic.Int32
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	ctx := context.Background()
	target := env.url("/images/a.jpg")

	resp, err := env.engine.Fetch(ctx, imageRequest(target))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", readBody(t, resp))

	env.upstream.Close()

	resp, err = env.engine.Fetch(ctx, imageRequest(target))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hit", resp.Header.Get(HeaderCache))
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "jpeg-bytes", readBody(t, resp))
	assert.Equal(t, int32(1), hits.Load())
}

func TestImage_OfflineMissIsNotFound(t *testing.T) {
	env := newTestEnv(t, http.NotFoundHandler())
	target := env.url("/images/missing.jpg")
	env.upstream.Close()

	resp, err := env.engine.Fetch(context.Background(), imageRequest(target))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "fallback", resp.Header.Get(HeaderCache))
	_ = readBody(t, resp)
}

func TestImage_NonSuccessNotStored(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	ctx := context.Background()
	target := env.url("/images/gone.jpg")

	resp, err := env.engine.Fetch(ctx, imageRequest(target))
	require.NoError(t, err)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	_ = readBody(t, resp)

	_, err = env.cache.Match(ctx, env.set.Images, imageRequest(target))
	require.ErrorIs(t, err, generations.ErrNotFound)
}

func TestImage_ConcurrentMissesShareOneFetch(t *testing.T) {
	var hits atomic.Int32
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(100 * time.Millisecond)
		_, _ = w.Write([]byte("png"))
	}))
	target := env.url("/images/popular.png")

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := env.engine.Fetch(context.Background(), imageRequest(target))
			if !assert.NoError(t, err) {
				return
			}
			defer func() { _ = resp.Body.Close() }()
			b, err := io.ReadAll(resp.Body)
			assert.NoError(t, err)
			assert.Equal(t, "png", string(b))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())
}

func TestShell_PrecachedCopyWins(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("network " + r.URL.Path))
	}))
	ctx := context.Background()

	require.NoError(t, env.cache.Precache(ctx, env.set.Shell, []string{env.url("/index.html")}, http.DefaultClient))
	env.upstream.Close()

	// Origin-form requests resolve against the shell origin.
	resp, err := env.engine.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/index.html", nil))
	require.NoError(t, err)
	assert.Equal(t, "hit", resp.Header.Get(HeaderCache))
	assert.Equal(t, "network /index.html", readBody(t, resp))

	_, err = env.engine.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/other.js", nil))
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
}

func TestShell_MissIsNotStored(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("late asset"))
	}))
	ctx := context.Background()

	resp, err := env.engine.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/late.js", nil))
	require.NoError(t, err)
	assert.Equal(t, "late asset", readBody(t, resp))

	_, err = env.cache.Info(ctx, env.set.Shell)
	require.ErrorIs(t, err, generations.ErrNotFound)
}

func TestUncontrolled_BypassesCache(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("img"))
	}))
	env.engine.controller = staticController{}
	ctx := context.Background()

	resp, err := env.engine.Fetch(ctx, imageRequest(env.url("/images/a.png")))
	require.NoError(t, err)
	assert.Equal(t, "img", readBody(t, resp))

	gens, err := env.cache.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, gens)
}

func TestIgnore(t *testing.T) {
	env := newTestEnv(t, http.NotFoundHandler())

	r := httptest.NewRequest(http.MethodGet, "ftp://files.example.com/a.txt", nil)
	_, err := env.engine.Fetch(context.Background(), r)
	require.ErrorIs(t, err, ErrNotIntercepted)

	rec := httptest.NewRecorder()
	env.engine.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServeHTTP_APIErrorEnvelope(t *testing.T) {
	env := newTestEnv(t, http.NotFoundHandler())
	target := env.url("/v1/stories")
	env.upstream.Close()

	rec := httptest.NewRecorder()
	env.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":true,"message":"network unavailable"}`, rec.Body.String())
}

func TestServeHTTP_WritesCachedResponse(t *testing.T) {
	env := newTestEnv(t, http.NotFoundHandler())
	ctx := context.Background()
	target := env.url("/images/a.jpg")

	req := imageRequest(target)
	require.NoError(t, env.cache.Put(ctx, env.set.Images, req,
		generations.NewSnapshot(req, http.StatusOK, http.Header{"Content-Type": {"image/jpeg"}}, []byte("jpeg"))))

	rec := httptest.NewRecorder()
	env.engine.ServeHTTP(rec, imageRequest(target))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hit", rec.Header().Get(HeaderCache))
	assert.Equal(t, "jpeg", rec.Body.String())
}
