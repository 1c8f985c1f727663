// Package manifest loads and discovers the list of shell URLs precached when
// a version is installed.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"golang.org/x/net/html"
)

// DefaultPaths is the minimal shell: the root document and the index page.
var DefaultPaths = []string{"/", "/index.html"}

// ErrEmpty is returned when a manifest has no entries.
var ErrEmpty = errors.New("manifest: no entries")

// File is the JSON form of a manifest. A bare JSON array of strings is also
// accepted.
type File struct {
	URLs []string `json:"urls"`
}

// Load reads a manifest from r.
func Load(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	data = bytes.TrimSpace(data)

	var entries []string
	if len(data) > 0 && data[0] == '[' {
		err = json.Unmarshal(data, &entries)
	} else {
		var f File
		err = json.Unmarshal(data, &f)
		entries = f.URLs
	}
	if err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrEmpty
	}
	return entries, nil
}

// LoadFile reads a manifest from the file at name.
func LoadFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Resolve turns manifest entries into absolute URLs. Relative entries are
// resolved against origin; absolute http(s) entries are kept, so shells may
// include third-party assets. Duplicates are dropped, order is kept.
func Resolve(entries []string, origin *url.URL) ([]string, error) {
	if len(entries) == 0 {
		return nil, ErrEmpty
	}
	seen := make(map[string]bool, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		ref, err := url.Parse(e)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", e, err)
		}
		if !ref.IsAbs() {
			if origin == nil {
				return nil, fmt.Errorf("manifest entry %q is relative and no origin is set", e)
			}
			ref = origin.ResolveReference(ref)
		}
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return nil, fmt.Errorf("manifest entry %q: unsupported scheme %q", e, ref.Scheme)
		}
		ref.Fragment = ""
		s := ref.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}

// linkRels are the <link rel> values whose targets belong in the shell.
var linkRels = map[string]bool{
	"stylesheet":       true,
	"icon":             true,
	"shortcut":         true,
	"apple-touch-icon": true,
	"manifest":         true,
	"modulepreload":    true,
	"preload":          true,
}

// Discover scans an index page for the same-origin assets it loads: scripts,
// stylesheets, icons, the web app manifest and images. The result starts
// with "/" and indexPath and holds root-relative paths in document order.
func Discover(r io.Reader, indexPath string) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing index: %w", err)
	}
	if indexPath == "" {
		indexPath = "/index.html"
	}
	if !strings.HasPrefix(indexPath, "/") {
		indexPath = "/" + indexPath
	}
	base := &url.URL{Path: indexPath}

	paths := []string{"/", indexPath}
	seen := map[string]bool{"/": true, indexPath: true}
	add := func(ref string) {
		p, ok := sameOrigin(base, ref)
		if !ok || seen[p] {
			return
		}
		seen[p] = true
		paths = append(paths, p)
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "base":
				if href := attr(n, "href"); href != "" {
					if u, err := url.Parse(href); err == nil && !u.IsAbs() && u.Host == "" {
						base = base.ResolveReference(u)
					}
				}
			case "script", "img":
				add(attr(n, "src"))
			case "link":
				for _, rel := range strings.Fields(strings.ToLower(attr(n, "rel"))) {
					if linkRels[rel] {
						add(attr(n, "href"))
						break
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return paths, nil
}

// sameOrigin resolves ref against base and returns the cleaned path when ref
// stays on the page's origin.
func sameOrigin(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "", false
	}
	resolved := base.ResolveReference(u)
	p := path.Clean(resolved.Path)
	if resolved.RawQuery != "" {
		p += "?" + resolved.RawQuery
	}
	return p, true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
