// Package lifecycle installs and activates versions of the cache coordinator.
//
// A version is a set of generation names plus the shell manifest. Installing
// a version precaches its shell generation; activating it deletes every other
// generation and publishes the new set to the fetch path. Registrations are
// processed one at a time.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	storycache "github.com/wolfeidau/story-cache"
	"github.com/wolfeidau/story-cache/store/generations"
	"github.com/wolfeidau/story-cache/telemetry"
)

// ErrManifestChanged is returned when a version reuses an existing shell
// generation name with a different manifest. The shell name must change
// whenever the manifest does.
var ErrManifestChanged = errors.New("lifecycle: manifest changed without a shell generation bump")

// Store is the part of the generation store the controller drives.
type Store interface {
	Info(ctx context.Context, name string) (generations.Info, error)
	Precache(ctx context.Context, name string, urls []string, fetcher generations.Fetcher) error
	DeleteExcept(ctx context.Context, keep []string) ([]string, error)
}

// Claimer takes control of open pages once a worker is active.
type Claimer interface {
	Claim(ctx context.Context, workerID string) (int, error)
}

// Version describes one deployable version of the coordinator.
type Version struct {
	Generations generations.Set
	// Manifest is the list of absolute shell URLs to precache.
	Manifest []string
}

// Worker is one registered version moving through the lifecycle.
type Worker struct {
	ID      string
	Version Version
	Digest  storycache.Hash

	mu          sync.Mutex
	state       State
	registered  time.Time
	activatedAt time.Time
	lastErr     error
}

// State returns the worker's current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err returns the error that made the worker redundant during install or
// activation, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// WorkerStatus is a point-in-time view of a worker.
type WorkerStatus struct {
	ID             string          `json:"id"`
	State          State           `json:"state"`
	Generations    generations.Set `json:"generations"`
	ManifestDigest storycache.Hash `json:"manifest_digest"`
	ManifestSize   int             `json:"manifest_size"`
	RegisteredAt   time.Time       `json:"registered_at"`
	ActivatedAt    *time.Time      `json:"activated_at,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Status returns a snapshot of the worker.
func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := WorkerStatus{
		ID:             w.ID,
		State:          w.state,
		Generations:    w.Version.Generations,
		ManifestDigest: w.Digest,
		ManifestSize:   len(w.Version.Manifest),
		RegisteredAt:   w.registered,
	}
	if !w.activatedAt.IsZero() {
		at := w.activatedAt
		st.ActivatedAt = &at
	}
	if w.lastErr != nil {
		st.Error = w.lastErr.Error()
	}
	return st
}

// Status describes the controller.
type Status struct {
	Active *WorkerStatus `json:"active,omitempty"`
	// Latest is the most recent registration, which differs from Active
	// when it failed.
	Latest *WorkerStatus `json:"latest,omitempty"`
}

// Controller runs the install and activate lifecycle.
type Controller struct {
	store   Store
	fetcher generations.Fetcher
	claimer Claimer
	logger  *slog.Logger
	now     func() time.Time

	// jobs serializes Register calls.
	jobs sync.Mutex

	// mu is held for writing while a worker activates so that Current never
	// returns a set whose generations are being deleted.
	mu     sync.RWMutex
	active *Worker
	latest *Worker
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger for the controller.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithClaimer sets the component notified when a worker takes control.
func WithClaimer(claimer Claimer) Option {
	return func(c *Controller) {
		c.claimer = claimer
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// New creates a controller. fetcher is used to download the shell manifest.
func New(store Store, fetcher generations.Fetcher, opts ...Option) *Controller {
	c := &Controller{
		store:   store,
		fetcher: fetcher,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "lifecycle")
	return c
}

// Current returns the generation set of the active worker. ok is false until
// a worker has activated. Current waits while an activation is in flight.
func (c *Controller) Current() (generations.Set, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return generations.Set{}, false
	}
	return c.active.Version.Generations, true
}

// Active returns the active worker or nil.
func (c *Controller) Active() *Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Status reports the active and latest workers.
func (c *Controller) Status() Status {
	c.mu.RLock()
	active, latest := c.active, c.latest
	c.mu.RUnlock()

	var st Status
	if active != nil {
		s := active.Status()
		st.Active = &s
	}
	if latest != nil {
		s := latest.Status()
		st.Latest = &s
	}
	return st
}

// Register installs and activates v. On failure the returned worker is
// redundant and the previously active worker keeps serving. Registering the
// version that is already active returns the active worker unchanged.
func (c *Controller) Register(ctx context.Context, v Version) (*Worker, error) {
	c.jobs.Lock()
	defer c.jobs.Unlock()

	if err := v.Generations.Validate(); err != nil {
		return nil, fmt.Errorf("invalid version: %w", err)
	}
	if len(v.Manifest) == 0 {
		return nil, errors.New("invalid version: empty shell manifest")
	}

	digest := storycache.HashList(v.Manifest)
	if active := c.Active(); active != nil && active.Version.Generations == v.Generations && active.Digest == digest {
		c.logger.Info("version already active", "worker", active.ID)
		return active, nil
	}

	w := &Worker{
		ID:         uuid.NewString(),
		Version:    Version{Generations: v.Generations, Manifest: slices.Clone(v.Manifest)},
		Digest:     digest,
		state:      Installing,
		registered: c.now().UTC(),
	}
	logger := c.logger.With("worker", w.ID, "shell", v.Generations.Shell)
	telemetry.RecordLifecycleTransition(ctx, "none", Installing.String())
	logger.Info("installing worker", "manifest", digest.ShortString(), "urls", len(v.Manifest))

	c.mu.Lock()
	c.latest = w
	c.mu.Unlock()

	if err := c.install(ctx, w); err != nil {
		c.fail(ctx, w, err)
		return w, fmt.Errorf("installing worker %s: %w", w.ID, err)
	}
	if err := c.transition(ctx, w, Waiting); err != nil {
		return w, err
	}
	// Skip waiting: take over as soon as installed.
	if err := c.transition(ctx, w, Activating); err != nil {
		return w, err
	}
	if err := c.activate(ctx, w); err != nil {
		c.fail(ctx, w, err)
		return w, fmt.Errorf("activating worker %s: %w", w.ID, err)
	}

	if c.claimer != nil {
		n, err := c.claimer.Claim(ctx, w.ID)
		if err != nil {
			logger.Warn("failed to claim open pages", "error", err)
		} else {
			logger.Info("claimed open pages", "pages", n)
		}
	}
	return w, nil
}

// install precaches the shell generation unless an identical one already
// exists.
func (c *Controller) install(ctx context.Context, w *Worker) error {
	shell := w.Version.Generations.Shell
	info, err := c.store.Info(ctx, shell)
	switch {
	case err == nil:
		if info.ManifestDigest != nil && *info.ManifestDigest != w.Digest {
			return fmt.Errorf("%w: %s was precached from manifest %s", ErrManifestChanged, shell, info.ManifestDigest.ShortString())
		}
		if info.Complete && info.ManifestDigest != nil {
			c.logger.Debug("shell generation already precached", "generation", shell)
			return nil
		}
	case !errors.Is(err, generations.ErrNotFound):
		return fmt.Errorf("reading shell generation: %w", err)
	}

	start := c.now()
	err = c.store.Precache(ctx, shell, w.Version.Manifest, c.fetcher)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	telemetry.RecordPrecache(ctx, outcome, c.now().Sub(start))
	return err
}

// activate deletes every generation outside the worker's set and publishes
// the worker, all under the write lock.
func (c *Controller) activate(ctx context.Context, w *Worker) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deleted, err := c.store.DeleteExcept(ctx, w.Version.Generations.Names())
	if err != nil {
		return fmt.Errorf("deleting stale generations: %w", err)
	}
	telemetry.RecordGenerationsDeleted(ctx, len(deleted))

	if prev := c.active; prev != nil && prev != w {
		if err := c.transition(ctx, prev, Redundant); err != nil {
			c.logger.Warn("failed to retire previous worker", "worker", prev.ID, "error", err)
		}
	}
	if err := c.transition(ctx, w, Active); err != nil {
		return err
	}
	w.mu.Lock()
	w.activatedAt = c.now().UTC()
	w.mu.Unlock()
	c.active = w

	c.logger.Info("worker active", "worker", w.ID, "generations", w.Version.Generations.Names(), "deleted", deleted)
	return nil
}

func (c *Controller) fail(ctx context.Context, w *Worker, err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
	if terr := c.transition(ctx, w, Redundant); terr != nil {
		c.logger.Warn("failed to discard worker", "worker", w.ID, "error", terr)
	}
	c.logger.Error("worker discarded", "worker", w.ID, "error", err)
}

func (c *Controller) transition(ctx context.Context, w *Worker, to State) error {
	w.mu.Lock()
	from := w.state
	if !canTransition(from, to) {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	w.state = to
	w.mu.Unlock()

	telemetry.RecordLifecycleTransition(ctx, from.String(), to.String())
	c.logger.Debug("worker transition", "worker", w.ID, "from", from.String(), "to", to.String())
	return nil
}
