// Package records provides the durable story record store used as the
// offline source of truth. Records live in a bbolt database keyed by id.
package records

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	storycache "github.com/wolfeidau/story-cache"
	"go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("records: not found")

	// ErrInvalidRecord is returned when a record has no usable id.
	ErrInvalidRecord = errors.New("records: invalid record")

	// ErrSchemaTooNew is returned when the database was written by a newer binary.
	ErrSchemaTooNew = errors.New("records: schema version too new")

	// ErrClosed is returned when the store is used after Close.
	ErrClosed = errors.New("records: store closed")
)

// Store is the durable record store.
//
// A Store owns one bbolt handle which is opened on first use (or by an
// explicit Open) and reused until Close. Open is idempotent. All methods
// are safe for concurrent use; bbolt serializes writers, so concurrent puts
// for the same id resolve last-write-wins without interleaving.
type Store struct {
	path    string
	logger  *slog.Logger
	timeout time.Duration
	noSync  bool

	mu     sync.Mutex
	db     *bbolt.DB
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithOpenTimeout sets how long Open waits for the file lock.
func WithOpenTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// WithNoSync disables fsync per transaction.
// Use only for testing, never in production.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// New creates a record store backed by the database file at path.
// The file is not touched until the first operation or Open.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:    path,
		logger:  slog.Default(),
		timeout: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the database, creating it and running schema migrations if
// needed. Calling Open on an open store is a no-op.
func (s *Store) Open(_ context.Context) error {
	_, err := s.handle()
	return err
}

func (s *Store) handle() (*bbolt.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.db != nil {
		return s.db, nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating record store directory: %w", err)
	}
	db, err := bbolt.Open(s.path, 0o600, &bbolt.Options{
		Timeout: s.timeout,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}

	from, err := s.migrate(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s.db = db
	s.logger.Debug("opened record store", "path", s.path, "schema_from", from, "schema", SchemaVersion)
	return db, nil
}

// Close closes the database. Further calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Get returns the record with the given id.
func (s *Store) Get(_ context.Context, id string) (storycache.StoryRecord, error) {
	var rec storycache.StoryRecord
	db, err := s.handle()
	if err != nil {
		return rec, err
	}
	err = db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketStories).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

// GetAll returns every record, newest first by creation time.
// An empty store yields an empty, non-nil slice.
func (s *Store) GetAll(_ context.Context) ([]storycache.StoryRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	out := []storycache.StoryRecord{}
	err = db.View(func(tx *bbolt.Tx) error {
		stories := tx.Bucket(bucketStories)
		cursor := tx.Bucket(bucketByCreated).Cursor()
		for k, id := cursor.Last(); k != nil; k, id = cursor.Prev() {
			val := stories.Get(id)
			if val == nil {
				continue
			}
			var rec storycache.StoryRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("decoding story %q: %w", id, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Count returns the number of stored records.
func (s *Store) Count(_ context.Context) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketStories).Stats().KeyN
		return nil
	})
	return n, err
}

// Put upserts a record by id. The stored record is replaced as a whole.
func (s *Store) Put(_ context.Context, rec storycache.StoryRecord) error {
	if !rec.HasID() {
		return ErrInvalidRecord
	}
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return putRecord(tx, rec)
	})
}

// PutAll upserts every record with an id in a single transaction and
// returns how many were stored. Records without an id are skipped.
func (s *Store) PutAll(_ context.Context, recs []storycache.StoryRecord) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	stored := 0
	err = db.Update(func(tx *bbolt.Tx) error {
		stored = 0
		for _, rec := range recs {
			if !rec.HasID() {
				continue
			}
			if err := putRecord(tx, rec); err != nil {
				return err
			}
			stored++
		}
		return nil
	})
	return stored, err
}

// Delete removes the record with the given id. Missing ids are a no-op.
func (s *Store) Delete(_ context.Context, id string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return deleteRecord(tx, id)
	})
}

func putRecord(tx *bbolt.Tx, rec storycache.StoryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding story: %w", err)
	}
	stories := tx.Bucket(bucketStories)
	key := []byte(rec.ID)

	if old := stories.Get(key); old != nil && bytes.Equal(old, data) {
		return nil
	}
	if err := deleteRecord(tx, rec.ID); err != nil {
		return err
	}
	if err := stories.Put(key, data); err != nil {
		return fmt.Errorf("putting story: %w", err)
	}
	if err := tx.Bucket(bucketByCreated).Put(makeCreatedKey(rec.CreatedAt, rec.ID), key); err != nil {
		return fmt.Errorf("putting created index: %w", err)
	}
	return nil
}

func deleteRecord(tx *bbolt.Tx, id string) error {
	stories := tx.Bucket(bucketStories)
	key := []byte(id)
	old := stories.Get(key)
	if old == nil {
		return nil
	}
	var prev storycache.StoryRecord
	if err := json.Unmarshal(old, &prev); err == nil {
		if err := tx.Bucket(bucketByCreated).Delete(makeCreatedKey(prev.CreatedAt, id)); err != nil {
			return fmt.Errorf("deleting created index: %w", err)
		}
	}
	return stories.Delete(key)
}
