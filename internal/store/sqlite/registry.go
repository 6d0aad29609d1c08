package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	"github.com/maloquacious/apam/internal/logger"
	"github.com/maloquacious/apam/internal/store"
)

var _ store.Registry = (*Registry)(nil)

// Registry owns a data directory of named stores. Creating, opening,
// upgrading and deleting stores is serialized through a single broker
// goroutine, so no two of those operations ever interleave, whichever
// manager issued them.
//
// Registry also tracks every open Handle; upgrading or deleting a store
// closes its open handles first.
type Registry struct {
	dir string
	log logger.Logger

	jobs      chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	handles map[string]map[*Handle]struct{}
}

// NewRegistry creates dir if needed and starts the broker. Call Close to
// stop it.
func NewRegistry(dir string, log logger.Logger) (*Registry, error) {
	if dir == "" {
		dir = store.DefaultDataDir
	}
	if log == nil {
		log = logger.Discard
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	r := &Registry{
		dir:     dir,
		log:     log,
		jobs:    make(chan func()),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		handles: make(map[string]map[*Handle]struct{}),
	}
	go r.loop()
	return r, nil
}

func (r *Registry) loop() {
	defer close(r.done)
	for {
		select {
		case job := <-r.jobs:
			job()
		case <-r.quit:
			return
		}
	}
}

// Close stops the broker and closes every handle still open. Later calls
// return nil; operations submitted after Close fail with a lifecycle error.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		close(r.quit)
		<-r.done

		r.mu.Lock()
		var open []*Handle
		for _, hs := range r.handles {
			for h := range hs {
				open = append(open, h)
			}
		}
		r.mu.Unlock()

		for _, h := range open {
			_ = h.Close()
		}
		r.log.Debug("registry %s closed", r.dir)
	})
	return nil
}

// Dir returns the data directory.
func (r *Registry) Dir() string {
	return r.dir
}

// submit runs fn on the broker and waits for its outcome. Once the broker
// has accepted fn, it runs to completion even if ctx is cancelled.
func submit[T any](ctx context.Context, r *Registry, op, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	req := NewRequest[T]()
	job := func() {
		defer func() {
			if p := recover(); p != nil {
				req.Fail(store.Operation(op, name, fmt.Errorf("panic: %v", p)))
			}
		}()
		req.Settle(fn(context.WithoutCancel(ctx)))
	}

	select {
	case r.jobs <- job:
	case <-r.quit:
		var zero T
		return zero, store.Lifecycle(op, name, "registry is closed")
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	return AsyncRequest(context.WithoutCancel(ctx), req)
}

func (r *Registry) track(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs, ok := r.handles[h.name]
	if !ok {
		hs = make(map[*Handle]struct{})
		r.handles[h.name] = hs
	}
	hs[h] = struct{}{}
}

func (r *Registry) untrack(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hs, ok := r.handles[h.name]; ok {
		delete(hs, h)
		if len(hs) == 0 {
			delete(r.handles, h.name)
		}
	}
}

// OpenHandles returns the number of tracked open handles of a store.
func (r *Registry) OpenHandles(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles[store.NormalizeName(name)])
}

// versionChange closes every open handle of name. Handles wait for their
// running transactions before closing.
func (r *Registry) versionChange(name string) {
	r.mu.Lock()
	var open []*Handle
	for h := range r.handles[name] {
		open = append(open, h)
	}
	r.mu.Unlock()

	for _, h := range open {
		r.log.Debug("store %q: closing handle on version change", name)
		_ = h.Close()
	}
}

// HasDatabase reports whether the named store has been created.
func (r *Registry) HasDatabase(name string) (bool, error) {
	n, err := store.ValidateStoreName("has database", name)
	if err != nil {
		return false, err
	}
	ok, err := store.CheckExists(r.dir, n)
	return ok, store.Operation("has database", n, err)
}

// DatabaseNames lists every named store in the data directory, sorted.
func (r *Registry) DatabaseNames() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, store.Operation("database names", r.dir, err)
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := store.NameFromPath(e.Name()); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// Open opens the named store, creating it at version 1 if it does not
// exist. The handle closes itself when the store is later upgraded or
// deleted through this registry.
func (r *Registry) Open(ctx context.Context, name string) (*Handle, error) {
	return r.OpenVersion(ctx, name, 0, nil)
}

// OpenVersion opens the named store at version. Version 0 means the
// current version. A version above the current one runs configure inside
// the upgrade; a version below it is rejected.
func (r *Registry) OpenVersion(ctx context.Context, name string, version int, configure UpgradeFunc) (*Handle, error) {
	const op = "open"
	n, err := store.ValidateStoreName(op, name)
	if err != nil {
		return nil, err
	}
	if version < 0 {
		return nil, store.InvalidArgument(op, n, fmt.Sprintf("version %d cannot be negative", version))
	}
	return submit(ctx, r, op, n, func(ctx context.Context) (*Handle, error) {
		db, v, err := r.openAt(ctx, op, n, func(current int) (int, error) {
			switch {
			case version == 0:
				return max(current, 1), nil
			case version < current:
				return 0, store.InvalidArgument(op, n,
					fmt.Sprintf("requested version %d is lower than current version %d", version, current))
			}
			return version, nil
		}, configure)
		if err != nil {
			return nil, err
		}
		h := newHandle(r, n, v, db)
		r.track(h)
		return h, nil
	})
}

// CreateDatabase creates the named store at version 1, running configure
// during its first upgrade. Creating an existing store is a conflict.
func (r *Registry) CreateDatabase(ctx context.Context, name string, configure UpgradeFunc) error {
	const op = "create database"
	n, err := store.ValidateStoreName(op, name)
	if err != nil {
		return err
	}
	_, err = submit(ctx, r, op, n, func(ctx context.Context) (struct{}, error) {
		exists, err := store.CheckExists(r.dir, n)
		if err != nil {
			return struct{}{}, store.Operation(op, n, err)
		}
		if exists {
			return struct{}{}, store.Conflict(op, n, "database already exists")
		}
		db, _, err := r.openAt(ctx, op, n, func(int) (int, error) { return 1, nil }, configure)
		if err != nil {
			return struct{}{}, err
		}
		r.log.Info("store %q created", n)
		return struct{}{}, store.Operation(op, n, db.Close())
	})
	return err
}

// DeleteDatabase removes the named store and its journal files after
// closing its open handles. Deleting a missing store is not-found.
func (r *Registry) DeleteDatabase(ctx context.Context, name string) error {
	const op = "delete database"
	n, err := store.ValidateStoreName(op, name)
	if err != nil {
		return err
	}
	_, err = submit(ctx, r, op, n, func(ctx context.Context) (struct{}, error) {
		exists, err := store.CheckExists(r.dir, n)
		if err != nil {
			return struct{}{}, store.Operation(op, n, err)
		}
		if !exists {
			return struct{}{}, store.NotFound(op, n, "database does not exist")
		}
		r.versionChange(n)
		if err := r.removeFiles(n); err != nil {
			return struct{}{}, store.Operation(op, n, err)
		}
		exists, err = store.CheckExists(r.dir, n)
		if err != nil {
			return struct{}{}, store.Operation(op, n, err)
		}
		if exists {
			return struct{}{}, store.Operation(op, n, fmt.Errorf("database file still present after removal"))
		}
		r.log.Info("store %q deleted", n)
		return struct{}{}, nil
	})
	return err
}

// OpenThenUpgradeWith raises the named store's version by exactly one,
// running configure inside the upgrade, and closes it again. It is the
// way to add a collection to an existing store.
func (r *Registry) OpenThenUpgradeWith(ctx context.Context, name string, configure UpgradeFunc) error {
	const op = "upgrade"
	n, err := store.ValidateStoreName(op, name)
	if err != nil {
		return err
	}
	_, err = submit(ctx, r, op, n, func(ctx context.Context) (struct{}, error) {
		db, v, err := r.openAt(ctx, op, n, func(current int) (int, error) { return current + 1, nil }, configure)
		if err != nil {
			return struct{}{}, err
		}
		r.log.Info("store %q upgraded to version %d", n, v)
		return struct{}{}, store.Operation(op, n, db.Close())
	})
	return err
}

// Version returns the current version of the named store.
func (r *Registry) Version(ctx context.Context, name string) (int, error) {
	const op = "version"
	n, err := store.ValidateStoreName(op, name)
	if err != nil {
		return 0, err
	}
	db, err := r.openExisting(op, n)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	v, err := userVersion(ctx, db)
	return v, store.Operation(op, n, err)
}

// Info reports the state, version and collections of the named store.
// A missing store is reported with StateMissing, not as an error.
func (r *Registry) Info(ctx context.Context, name string) (store.Info, error) {
	const op = "info"
	n, err := store.ValidateStoreName(op, name)
	if err != nil {
		return store.Info{}, err
	}
	info := store.Info{Name: n, State: store.StateMissing, Collections: []string{}}

	exists, err := store.CheckExists(r.dir, n)
	if err != nil {
		return info, store.Operation(op, n, err)
	}
	if !exists {
		info.StateName = info.State.String()
		return info, nil
	}

	db, err := r.openExisting(op, n)
	if err != nil {
		return info, err
	}
	defer db.Close()

	if info.Version, err = userVersion(ctx, db); err != nil {
		return info, store.Operation(op, n, err)
	}
	info.State = store.StateUninitialized
	if info.Version > 0 {
		info.State = store.StateReady
	}
	info.StateName = info.State.String()

	ok, err := hasMetadata(ctx, db)
	if err != nil {
		return info, store.Operation(op, n, err)
	}
	if ok {
		if info.Collections, err = listCollections(ctx, db); err != nil {
			return info, err
		}
	}
	return info, nil
}

// openAt opens the store and raises it to the version chosen by target,
// running configure if that is above the current version. A store that
// did not exist before is removed again if the upgrade fails.
func (r *Registry) openAt(ctx context.Context, op, name string, target func(current int) (int, error), configure UpgradeFunc) (*sql.DB, int, error) {
	existed, err := store.CheckExists(r.dir, name)
	if err != nil {
		return nil, 0, store.Operation(op, name, err)
	}

	db, err := openDB(store.GetDBPath(r.dir, name))
	if err != nil {
		return nil, 0, store.Operation(op, name, err)
	}

	fail := func(err error) (*sql.DB, int, error) {
		db.Close()
		if !existed {
			if rmErr := r.removeFiles(name); rmErr != nil {
				r.log.Warn("store %q: cleanup after failed %s: %v", name, op, rmErr)
			}
		}
		return nil, 0, err
	}

	current, err := userVersion(ctx, db)
	if err != nil {
		return fail(store.Operation(op, name, err))
	}
	version, err := target(current)
	if err != nil {
		return fail(err)
	}
	if version > current {
		if existed {
			r.versionChange(name)
		}
		if err := runUpgrade(ctx, db, name, current, version, configure); err != nil {
			return fail(err)
		}
		r.log.Debug("store %q: version %d -> %d", name, current, version)
	}
	return db, version, nil
}

// openExisting opens a store for inspection without creating it.
func (r *Registry) openExisting(op, name string) (*sql.DB, error) {
	exists, err := store.CheckExists(r.dir, name)
	if err != nil {
		return nil, store.Operation(op, name, err)
	}
	if !exists {
		return nil, store.NotFound(op, name, "database does not exist")
	}
	db, err := openDB(store.GetDBPath(r.dir, name))
	return db, store.Operation(op, name, err)
}

func (r *Registry) removeFiles(name string) error {
	paths := append([]string{store.GetDBPath(r.dir, name)}, store.SidecarPaths(r.dir, name)...)
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}
