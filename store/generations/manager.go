// Package generations manages named, versioned cache generations holding
// request -> response snapshots. Each generation is a nested bbolt bucket,
// so a generation is created, populated and deleted as a unit.
package generations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	storycache "github.com/wolfeidau/story-cache"
	"go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when a generation or entry does not exist.
	ErrNotFound = errors.New("generations: not found")

	// ErrNotCacheable is returned when a non-GET request is offered for storage.
	ErrNotCacheable = errors.New("generations: only GET requests are cacheable")

	// ErrRetired is returned when writing to a generation deleted by this process.
	ErrRetired = errors.New("generations: generation retired")

	// ErrClosed is returned when the manager is used after Close.
	ErrClosed = errors.New("generations: manager closed")
)

var (
	bucketGenerations = []byte("generations")     // name -> nested bucket of key -> snapshot
	bucketInfo        = []byte("generation_info") // name -> Info JSON
)

// Info describes a generation.
type Info struct {
	Name           string           `json:"name"`
	Role           Role             `json:"role,omitempty"`
	Version        int              `json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
	ManifestDigest *storycache.Hash `json:"manifest_digest,omitempty"`
	Complete       bool             `json:"complete"`
	Entries        int              `json:"entries"`
}

// Manager owns every cache generation.
//
// The bbolt handle is opened on first use and reused until Close.
// All methods are safe for concurrent use.
type Manager struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
	noSync bool

	mu      sync.Mutex
	db      *bbolt.DB
	codec   *Codec
	closed  bool
	retired map[string]bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithNoSync disables fsync per transaction.
// Use only for testing, never in production.
func WithNoSync(noSync bool) Option {
	return func(m *Manager) {
		m.noSync = noSync
	}
}

// NewManager creates a manager for the cache database at path.
func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{
		path:    path,
		logger:  slog.Default(),
		now:     time.Now,
		retired: map[string]bool{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) handle() (*bbolt.DB, *Codec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, ErrClosed
	}
	if m.db != nil {
		return m.db, m.codec, nil
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating cache directory: %w", err)
	}
	db, err := bbolt.Open(m.path, 0o600, &bbolt.Options{
		Timeout: time.Second,
		NoSync:  m.noSync,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening cache database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketGenerations, bucketInfo} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	m.db, m.codec = db, codec
	m.logger.Debug("opened cache database", "path", m.path)
	return db, codec, nil
}

func (m *Manager) isRetired(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retired[name]
}

// Close closes the cache database.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.codec != nil {
		m.codec.Close()
		m.codec = nil
	}
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}

// Open creates the named generation if it does not exist.
func (m *Manager) Open(_ context.Context, name string) error {
	db, _, err := m.handle()
	if err != nil {
		return err
	}
	if m.isRetired(name) {
		return fmt.Errorf("%w: %s", ErrRetired, name)
	}
	return db.Update(func(tx *bbolt.Tx) error {
		_, err := m.ensureGeneration(tx, name, true)
		return err
	})
}

// ensureGeneration returns the generation bucket, creating it and its info
// row when missing. complete marks lazily created generations as usable.
func (m *Manager) ensureGeneration(tx *bbolt.Tx, name string, complete bool) (*bbolt.Bucket, error) {
	gens := tx.Bucket(bucketGenerations)
	if b := gens.Bucket([]byte(name)); b != nil {
		return b, nil
	}
	b, err := gens.CreateBucket([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("creating generation %s: %w", name, err)
	}
	info := Info{Name: name, CreatedAt: m.now().UTC(), Complete: complete}
	if role, version, ok := ParseName(name); ok {
		info.Role, info.Version = role, version
	}
	if err := putInfo(tx, info); err != nil {
		return nil, err
	}
	return b, nil
}

// Match returns the snapshot stored for the request in the named generation.
// Matching uses the normalized method and URL only.
func (m *Manager) Match(_ context.Context, name string, req *http.Request) (*Snapshot, error) {
	db, codec, err := m.handle()
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = db.View(func(tx *bbolt.Tx) error {
		gen := tx.Bucket(bucketGenerations).Bucket([]byte(name))
		if gen == nil {
			return ErrNotFound
		}
		val := gen.Get(Key(req.Method, req.URL))
		if val == nil {
			return ErrNotFound
		}
		raw = make([]byte, len(val))
		copy(raw, val)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return codec.Decode(raw)
}

// Put stores a snapshot for a GET request, creating the generation if needed.
func (m *Manager) Put(_ context.Context, name string, req *http.Request, snap *Snapshot) error {
	if req.Method != http.MethodGet {
		return ErrNotCacheable
	}
	db, codec, err := m.handle()
	if err != nil {
		return err
	}
	if snap.StoredAt.IsZero() {
		snap.StoredAt = m.now().UTC()
	}
	data := codec.Encode(snap)
	key := Key(req.Method, req.URL)

	return db.Update(func(tx *bbolt.Tx) error {
		// Checked inside the write transaction so a late background write
		// cannot resurrect a generation deleted by DeleteExcept.
		if m.isRetired(name) {
			return fmt.Errorf("%w: %s", ErrRetired, name)
		}
		gen, err := m.ensureGeneration(tx, name, true)
		if err != nil {
			return err
		}
		return gen.Put(key, data)
	})
}

// DeleteEntry removes the snapshot stored for req. Missing entries are a no-op.
func (m *Manager) DeleteEntry(_ context.Context, name string, req *http.Request) error {
	db, _, err := m.handle()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		gen := tx.Bucket(bucketGenerations).Bucket([]byte(name))
		if gen == nil {
			return nil
		}
		return gen.Delete(Key(req.Method, req.URL))
	})
}

// Delete removes a single generation. Missing generations are a no-op.
func (m *Manager) Delete(_ context.Context, name string) error {
	db, _, err := m.handle()
	if err != nil {
		return err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if err := deleteGeneration(tx, name); err != nil {
			return err
		}
		m.retire([]string{name})
		return nil
	})
	if err != nil {
		m.unretire([]string{name})
	}
	return err
}

// DeleteExcept deletes every generation whose name is not in keep and
// returns the deleted names. The deletion happens in one transaction.
func (m *Manager) DeleteExcept(_ context.Context, keep []string) ([]string, error) {
	db, _, err := m.handle()
	if err != nil {
		return nil, err
	}
	var deleted []string
	err = db.Update(func(tx *bbolt.Tx) error {
		deleted = deleted[:0]
		var names []string
		if err := tx.Bucket(bucketGenerations).ForEachBucket(func(k []byte) error {
			names = append(names, string(k))
			return nil
		}); err != nil {
			return err
		}
		for _, name := range names {
			if slices.Contains(keep, name) {
				continue
			}
			if err := deleteGeneration(tx, name); err != nil {
				return err
			}
			deleted = append(deleted, name)
		}
		// Retire before commit: writers are serialized, so any Put that
		// starts after this transaction sees the names as retired.
		m.retire(deleted)
		return nil
	})
	if err != nil {
		m.unretire(deleted)
		return nil, err
	}
	for _, name := range deleted {
		m.logger.Info("deleted stale generation", "generation", name)
	}
	return deleted, nil
}

func (m *Manager) retire(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		m.retired[n] = true
	}
}

func (m *Manager) unretire(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		delete(m.retired, n)
	}
}

func deleteGeneration(tx *bbolt.Tx, name string) error {
	gens := tx.Bucket(bucketGenerations)
	if gens.Bucket([]byte(name)) != nil {
		if err := gens.DeleteBucket([]byte(name)); err != nil {
			return fmt.Errorf("deleting generation %s: %w", name, err)
		}
	}
	return tx.Bucket(bucketInfo).Delete([]byte(name))
}

// List returns information about every generation, sorted by name.
func (m *Manager) List(_ context.Context) ([]Info, error) {
	db, _, err := m.handle()
	if err != nil {
		return nil, err
	}
	var out []Info
	err = db.View(func(tx *bbolt.Tx) error {
		gens := tx.Bucket(bucketGenerations)
		return gens.ForEachBucket(func(k []byte) error {
			info, err := readInfo(tx, string(k))
			if err != nil {
				return err
			}
			info.Entries = gens.Bucket(k).Stats().KeyN
			out = append(out, info)
			return nil
		})
	})
	return out, err
}

// Info returns information about one generation.
func (m *Manager) Info(_ context.Context, name string) (Info, error) {
	db, _, err := m.handle()
	if err != nil {
		return Info{}, err
	}
	var info Info
	err = db.View(func(tx *bbolt.Tx) error {
		gen := tx.Bucket(bucketGenerations).Bucket([]byte(name))
		if gen == nil {
			return ErrNotFound
		}
		i, err := readInfo(tx, name)
		if err != nil {
			return err
		}
		i.Entries = gen.Stats().KeyN
		info = i
		return nil
	})
	return info, err
}

func readInfo(tx *bbolt.Tx, name string) (Info, error) {
	info := Info{Name: name}
	val := tx.Bucket(bucketInfo).Get([]byte(name))
	if val == nil {
		return info, nil
	}
	if err := json.Unmarshal(val, &info); err != nil {
		return info, fmt.Errorf("decoding generation info %s: %w", name, err)
	}
	return info, nil
}

func putInfo(tx *bbolt.Tx, info Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding generation info: %w", err)
	}
	return tx.Bucket(bucketInfo).Put([]byte(info.Name), data)
}
