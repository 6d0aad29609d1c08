// Package manager guards a single named store behind a FIFO lock.
//
// A Manager owns the only live handle to its store. Callers never touch the
// handle outside the callback they are given; the manager creates the store
// on first use, reopens it when it was closed (by Close or by another
// manager's upgrade) and refuses all work once shut down.
package manager

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/maloquacious/apam/internal/lock"
	"github.com/maloquacious/apam/internal/logger"
	"github.com/maloquacious/apam/internal/metrics"
	"github.com/maloquacious/apam/internal/store"
	"github.com/maloquacious/apam/internal/store/sqlite"
)

// Manager serializes access to one named store.
type Manager struct {
	id      uuid.UUID
	name    string
	reg     *sqlite.Registry
	lock    *lock.Lock
	log     logger.Logger
	metrics *metrics.Recorder

	// guarded by lock
	handle *sqlite.Handle

	exists     atomic.Int32
	isShutdown atomic.Bool
	isClosed   atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logger.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetrics records operations on rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = rec }
}

// New returns a manager for the named store. Nothing is opened or created
// until the first guarded call.
func New(name string, reg *sqlite.Registry, opts ...Option) (*Manager, error) {
	n, err := store.ValidateStoreName("new manager", name)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, store.InvalidArgument("new manager", n, "registry is required")
	}
	m := &Manager{
		id:   uuid.New(),
		name: n,
		reg:  reg,
		lock: lock.New(),
		log:  logger.Discard,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.exists.Store(int32(store.ExistenceUnknown))
	return m, nil
}

// ID identifies this manager in logs.
func (m *Manager) ID() string { return m.id.String() }

// Name returns the store name.
func (m *Manager) Name() string { return m.name }

// Exists reports what the manager last learned about its store.
func (m *Manager) Exists() store.Existence {
	return store.Existence(m.exists.Load())
}

// IsShutdown reports whether Shutdown has completed.
func (m *Manager) IsShutdown() bool { return m.isShutdown.Load() }

// IsClosed reports whether the manager's handle was closed by Close or by
// a failed collection upgrade.
func (m *Manager) IsClosed() bool { return m.isClosed.Load() }

// Locked reports whether a guarded call is in progress.
func (m *Manager) Locked() bool { return m.lock.Active() }

// acquire waits for the lock, recording the wait.
func (m *Manager) acquire(ctx context.Context) error {
	start := time.Now()
	if err := m.lock.Acquire(ctx); err != nil {
		return err
	}
	wait := time.Since(start)
	m.metrics.LockWait(wait)
	if wait > 100*time.Millisecond {
		m.log.Debug("manager %s: waited %s for lock on %q", m.id, wait, m.name)
	}
	return nil
}

// ErrShutdown is the cause of the lifecycle error returned by a manager
// after Shutdown.
var ErrShutdown = errors.New("manager is shut down and should be discarded")

func (m *Manager) checkShutdown(op string) error {
	if m.isShutdown.Load() {
		return &store.Error{Kind: store.ErrLifecycle, Op: op, Name: m.name, Err: ErrShutdown}
	}
	return nil
}

// prepare runs, under the lock, the steps shared by every guarded call.
func (m *Manager) prepare(ctx context.Context, op string) error {
	if err := m.checkShutdown(op); err != nil {
		return err
	}
	if err := m.ensureExists(ctx); err != nil {
		return err
	}
	return m.reopen(ctx)
}

// WithLock runs fn with the live handle once every earlier guarded call has
// finished. The store is created on first use. The lock is released when fn
// returns, fails or panics, and fn's error is returned as is.
func (m *Manager) WithLock(ctx context.Context, fn func(context.Context, *sqlite.Handle) error) (err error) {
	const op = "with lock"
	defer func() { m.metrics.Observe(op, err) }()

	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.lock.Release()

	if err := m.prepare(ctx, op); err != nil {
		return err
	}
	return fn(ctx, m.handle)
}

// Query is WithLock for callbacks that produce a value.
func Query[T any](ctx context.Context, m *Manager, fn func(context.Context, *sqlite.Handle) (T, error)) (T, error) {
	var result T
	err := m.WithLock(ctx, func(ctx context.Context, h *sqlite.Handle) error {
		var err error
		result, err = fn(ctx, h)
		return err
	})
	return result, err
}

// WithLockCreateStore adds a collection to the store by upgrading it one
// version, running configure inside the upgrade. A nil configure creates
// the collection with sqlite.DefaultCollectionOptions. Creating a
// collection that already exists is a conflict and changes nothing.
//
// If the upgrade fails the manager is left closed, and the next guarded
// call reopens it.
func (m *Manager) WithLockCreateStore(ctx context.Context, collection string, configure sqlite.UpgradeFunc) (err error) {
	const op = "with lock create store"
	defer func() { m.metrics.Observe(op, err) }()

	name, err := store.ValidateCollectionName(op, collection)
	if err != nil {
		return err
	}
	if configure == nil {
		configure = func(u *sqlite.UpgradeTx) error {
			return u.CreateCollection(name, sqlite.DefaultCollectionOptions)
		}
	}
	// another manager may have added the collection since our check below
	upgrade := func(u *sqlite.UpgradeTx) error {
		ok, err := u.HasCollection(name)
		if err != nil {
			return err
		}
		if ok {
			return store.Conflict(op, name, "collection already exists in store "+m.name)
		}
		return configure(u)
	}

	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.lock.Release()

	if err := m.prepare(ctx, op); err != nil {
		return err
	}

	// a handle closed by a concurrent upgrade is answered by the check
	// inside the upgrade instead
	ok, err := m.handle.HasCollection(ctx, name)
	if err != nil && !errors.Is(err, store.ErrLifecycle) {
		return err
	}
	if ok {
		return store.Conflict(op, name, "collection already exists in store "+m.name)
	}

	m.closeHandle()
	if err := m.reg.OpenThenUpgradeWith(ctx, m.name, upgrade); err != nil {
		m.log.Warn("manager %s: upgrade of %q for collection %q failed: %v", m.id, m.name, name, err)
		return err
	}
	m.metrics.StoreCreated()
	m.log.Info("manager %s: collection %q created in %q", m.id, name, m.name)
	return m.reopen(ctx)
}

// EnsureExists creates the store if it does not exist yet and opens it.
func (m *Manager) EnsureExists(ctx context.Context) (err error) {
	const op = "ensure exists"
	defer func() { m.metrics.Observe(op, err) }()

	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.lock.Release()

	return m.prepare(ctx, op)
}

// Shutdown closes the handle and refuses every later call. Shutting down
// twice is a lifecycle error.
func (m *Manager) Shutdown(ctx context.Context) (err error) {
	const op = "shutdown"
	defer func() { m.metrics.Observe(op, err) }()

	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.lock.Release()

	if err := m.checkShutdown(op); err != nil {
		return err
	}
	if m.handle != nil {
		if err := m.handle.Close(); err != nil {
			m.log.Warn("manager %s: closing %q: %v", m.id, m.name, err)
		}
		m.handle = nil
	}
	m.isShutdown.Store(true)
	m.log.Info("manager %s: %q shut down", m.id, m.name)
	return nil
}

// Close closes the handle without discarding the manager; the next guarded
// call reopens it. It only fails if ctx is done before the lock is free.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.lock.Release()

	m.closeHandle()
	return nil
}

// closeHandle must be called with the lock held.
func (m *Manager) closeHandle() {
	if m.handle != nil {
		if err := m.handle.Close(); err != nil {
			m.log.Warn("manager %s: closing %q: %v", m.id, m.name, err)
		}
		m.handle = nil
	}
	m.isClosed.Store(true)
}

// ensureExists must be called with the lock held. The cached existence is
// trusted only while positive; a store created by another manager counts as
// existing.
func (m *Manager) ensureExists(ctx context.Context) error {
	if m.Exists() == store.ExistencePresent && m.handle != nil && !m.handle.Closed() {
		return nil
	}

	ok, err := m.reg.HasDatabase(m.name)
	if err != nil {
		return err
	}
	if ok {
		m.exists.Store(int32(store.ExistencePresent))
		return nil
	}
	m.exists.Store(int32(store.ExistenceAbsent))

	switch err := m.reg.CreateDatabase(ctx, m.name, nil); {
	case err == nil:
		m.metrics.StoreCreated()
		m.log.Info("manager %s: store %q created", m.id, m.name)
	case store.KindOf(err) == store.ErrConflict:
		m.log.Debug("manager %s: store %q created concurrently", m.id, m.name)
	default:
		return err
	}
	m.exists.Store(int32(store.ExistencePresent))
	return nil
}

// reopen must be called with the lock held. It opens a new handle when
// there is none, when Close was called, or when another caller's upgrade
// closed the current one.
func (m *Manager) reopen(ctx context.Context) error {
	if m.handle != nil && !m.handle.Closed() && !m.isClosed.Load() {
		return nil
	}
	if m.handle != nil {
		_ = m.handle.Close()
		m.handle = nil
	}
	h, err := m.reg.Open(ctx, m.name)
	if err != nil {
		return err
	}
	m.handle = h
	m.isClosed.Store(false)
	m.log.Debug("manager %s: opened %q at version %d", m.id, m.name, h.Version())
	return nil
}
