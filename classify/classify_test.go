package classify

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestClassify(t *testing.T) {
	c, err := New("https://story-api.example.com/v1")
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		url    string
		dest   Destination
		want   Class
	}{
		{"chrome extension", http.MethodGet, "chrome-extension://abc/script.js", DestinationScript, Ignore},
		{"data url", http.MethodGet, "data:image/png;base64,AAAA", DestinationImage, Ignore},
		{"list stories", http.MethodGet, "https://story-api.example.com/v1/stories", DestinationEmpty, APIRead},
		{"story detail", http.MethodGet, "https://story-api.example.com/v1/stories/story-1", DestinationEmpty, APIRead},
		{"prefix itself", http.MethodGet, "https://story-api.example.com/v1", DestinationEmpty, APIRead},
		{"host case", http.MethodGet, "https://STORY-API.example.com/v1/stories", DestinationEmpty, APIRead},
		{"add story", http.MethodPost, "https://story-api.example.com/v1/stories", DestinationEmpty, APIWrite},
		{"delete story", http.MethodDelete, "https://story-api.example.com/v1/stories/1", DestinationEmpty, APIWrite},
		{"api image stays api", http.MethodGet, "https://story-api.example.com/v1/images/1.jpg", DestinationImage, APIRead},
		{"segment boundary", http.MethodGet, "https://story-api.example.com/v10/stories", DestinationEmpty, ShellAsset},
		{"other scheme", http.MethodGet, "http://story-api.example.com/v1/stories", DestinationEmpty, ShellAsset},
		{"image", http.MethodGet, "https://cdn.example.com/photo.jpg", DestinationImage, Image},
		{"document", http.MethodGet, "https://app.example.com/", DestinationDocument, ShellAsset},
		{"script", http.MethodGet, "https://app.example.com/app.js", DestinationScript, ShellAsset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(InterceptedRequest{Method: tt.method, URL: mustParse(t, tt.url), Destination: tt.dest})
			assert.Equal(t, tt.want, got, "got %s", got)
		})
	}
}

func TestClassify_NilURL(t *testing.T) {
	c, err := New("https://api.example.com")
	require.NoError(t, err)
	assert.Equal(t, Ignore, c.Classify(InterceptedRequest{Method: http.MethodGet}))
}

func TestNew_Validation(t *testing.T) {
	for _, bad := range []string{"", "/v1", "ftp://example.com/v1", "://bad"} {
		_, err := New(bad)
		assert.Error(t, err, bad)
	}
}

func TestAPIPath(t *testing.T) {
	c, err := New("https://story-api.example.com/v1/")
	require.NoError(t, err)

	p, ok := c.APIPath(mustParse(t, "https://story-api.example.com/v1/stories/abc"))
	require.True(t, ok)
	assert.Equal(t, "/stories/abc", p)

	p, ok = c.APIPath(mustParse(t, "https://story-api.example.com/v1"))
	require.True(t, ok)
	assert.Equal(t, "/", p)

	_, ok = c.APIPath(mustParse(t, "https://app.example.com/v1/stories"))
	assert.False(t, ok)
}

func TestFromHTTP(t *testing.T) {
	origin := mustParse(t, "https://app.example.com")

	t.Run("origin form", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/styles/main.css?v=2", nil)
		r.Header.Set("Sec-Fetch-Dest", "Style")
		ir := FromHTTP(r, origin)
		assert.Equal(t, "https://app.example.com/styles/main.css?v=2", ir.URL.String())
		assert.Equal(t, DestinationStyle, ir.Destination)
	})

	t.Run("absolute form", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "http://cdn.example.com/a.png", nil)
		r.Header.Set("Accept", "image/avif,image/webp,*/*")
		ir := FromHTTP(r, origin)
		assert.Equal(t, "http://cdn.example.com/a.png", ir.URL.String())
		assert.Equal(t, DestinationImage, ir.Destination)
	})

	t.Run("accept without image", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Accept", "text/html,image/webp")
		assert.Equal(t, DestinationEmpty, FromHTTP(r, origin).Destination)
	})
}

func TestClass_String(t *testing.T) {
	assert.Equal(t, "api_read", APIRead.String())
	assert.Equal(t, "class(42)", Class(42).String())
}
