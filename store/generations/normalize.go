package generations

import (
	"net"
	"net/url"
	"strings"

	storycache "github.com/wolfeidau/story-cache"
)

// NormalizeURL returns the canonical form of u used for matching:
// lowercase scheme and host, default ports dropped, fragment removed and
// an empty path replaced with "/". Query strings are kept verbatim.
func NormalizeURL(u *url.URL) string {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil

	host := strings.ToLower(n.Host)
	if h, port, err := net.SplitHostPort(host); err == nil {
		if (n.Scheme == "http" && port == "80") || (n.Scheme == "https" && port == "443") {
			host = h
			if strings.Contains(h, ":") {
				host = "[" + h + "]"
			}
		}
	}
	n.Host = host

	if n.Path == "" && n.Opaque == "" {
		n.Path = "/"
		n.RawPath = ""
	}
	return n.String()
}

// Key returns the storage key for a request method and URL.
func Key(method string, u *url.URL) []byte {
	h := storycache.RequestKey(method, NormalizeURL(u))
	return h[:]
}
