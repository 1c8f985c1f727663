package generations

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	storycache "github.com/wolfeidau/story-cache"
	"go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
)

// precacheConcurrency bounds parallel manifest fetches.
const precacheConcurrency = 8

// ErrPrecache is matched by every precache failure.
var ErrPrecache = errors.New("generations: precache failed")

// PrecacheError reports the manifest URL that failed.
type PrecacheError struct {
	URL    string
	Status int
	Err    error
}

func (e *PrecacheError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("precache %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("precache %s: unexpected status %d", e.URL, e.Status)
}

// Is makes errors.Is(err, ErrPrecache) true for every PrecacheError.
func (e *PrecacheError) Is(target error) bool {
	return target == ErrPrecache
}

func (e *PrecacheError) Unwrap() error {
	return e.Err
}

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Precache fetches every URL and stores the responses as the named
// generation. Either every URL is stored or nothing is: any transport error
// or non-2xx status fails the whole operation and leaves the database
// untouched. An existing generation with the same name is replaced.
func (m *Manager) Precache(ctx context.Context, name string, urls []string, fetcher Fetcher) error {
	db, codec, err := m.handle()
	if err != nil {
		return err
	}

	type entry struct {
		key  []byte
		data []byte
	}
	entries := make([]entry, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(precacheConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u, nil)
			if err != nil {
				return &PrecacheError{URL: u, Err: err}
			}
			snap, err := fetchSnapshot(fetcher, req)
			if err != nil {
				return err
			}
			snap.StoredAt = m.now().UTC()
			entries[i] = entry{key: Key(req.Method, req.URL), data: codec.Encode(snap)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn("precache failed", "generation", name, "error", err)
		return err
	}

	digest := storycache.HashList(urls)
	err = db.Update(func(tx *bbolt.Tx) error {
		if err := deleteGeneration(tx, name); err != nil {
			return err
		}
		gen, err := tx.Bucket(bucketGenerations).CreateBucket([]byte(name))
		if err != nil {
			return fmt.Errorf("creating generation %s: %w", name, err)
		}
		for _, e := range entries {
			if err := gen.Put(e.key, e.data); err != nil {
				return fmt.Errorf("storing precache entry: %w", err)
			}
		}
		info := Info{
			Name:           name,
			CreatedAt:      m.now().UTC(),
			ManifestDigest: &digest,
			Complete:       true,
		}
		if role, version, ok := ParseName(name); ok {
			info.Role, info.Version = role, version
		}
		return putInfo(tx, info)
	})
	if err != nil {
		return err
	}
	m.unretire([]string{name})
	m.logger.Info("precached generation", "generation", name, "urls", len(urls), "manifest", digest.ShortString())
	return nil
}

func fetchSnapshot(fetcher Fetcher, req *http.Request) (*Snapshot, error) {
	resp, err := fetcher.Do(req)
	if err != nil {
		return nil, &PrecacheError{URL: req.URL.String(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &PrecacheError{URL: req.URL.String(), Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return nil, &PrecacheError{URL: req.URL.String(), Err: err}
	}
	if len(body) > MaxBodySize {
		return nil, &PrecacheError{URL: req.URL.String(), Err: fmt.Errorf("body exceeds %d bytes", MaxBodySize)}
	}
	return NewSnapshot(req, resp.StatusCode, resp.Header, body), nil
}
