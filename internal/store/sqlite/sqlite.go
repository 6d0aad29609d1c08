// Package sqlite implements named, versioned object stores on top of
// modernc.org/sqlite. Every store is one database file in a data
// directory; its version is PRAGMA user_version and its collections are
// tables listed in a metadata table.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/maloquacious/apam/internal/store"
	_ "modernc.org/sqlite"
)

// openDB opens the SQLite database with safe defaults. The file is
// created if it does not exist.
func openDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection per handle: pragmas below are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Apply safe defaults
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	return db, nil
}

func userVersion(ctx context.Context, q querier) (int, error) {
	var v int
	if err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to query user_version: %w", err)
	}
	return v, nil
}

// querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn between begin and COMMIT on conn, rolling back when fn
// fails or panics.
func withTx(ctx context.Context, conn *sql.Conn, begin string, fn func() error) (err error) {
	if _, err := conn.ExecContext(ctx, begin); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		}
	}()

	if err := fn(); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

func hasMetadata(ctx context.Context, db *sql.DB) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='__collections'`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check metadata table: %w", err)
	}
	return count > 0, nil
}

// Durability selects how hard a write transaction works to reach disk
// before commit returns.
type Durability int

const (
	// DurabilityDefault uses the connection default (synchronous=NORMAL).
	DurabilityDefault Durability = iota

	// DurabilityStrict syncs to disk before reporting success. Slower.
	DurabilityStrict

	// DurabilityRelaxed reports success once the OS has the data. Suited
	// to caches and quickly changing records.
	DurabilityRelaxed
)

func (d Durability) pragma() string {
	switch d {
	case DurabilityStrict:
		return "PRAGMA synchronous=FULL"
	case DurabilityRelaxed:
		return "PRAGMA synchronous=OFF"
	}
	return "PRAGMA synchronous=NORMAL"
}

// Handle is a live connection to one named store. A handle closes itself
// when another caller upgrades or deletes its store; check Closed before
// reuse.
type Handle struct {
	reg     *Registry
	name    string
	version int
	db      *sql.DB

	// held shared by running transactions, exclusively by Close
	mu     sync.RWMutex
	closed atomic.Bool
}

func newHandle(reg *Registry, name string, version int, db *sql.DB) *Handle {
	return &Handle{reg: reg, name: name, version: version, db: db}
}

// Name returns the store name.
func (h *Handle) Name() string {
	return h.name
}

// Version returns the store version this handle was opened at.
func (h *Handle) Version() int {
	return h.version
}

// Closed reports whether the handle has been closed, either explicitly or
// by a version change.
func (h *Handle) Closed() bool {
	return h.closed.Load()
}

// Close closes the database connection. It waits for running
// transactions and is a no-op on a closed handle. It must not be called
// from inside a transaction on the same handle.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reg != nil {
		h.reg.untrack(h)
	}
	return h.db.Close()
}

// Collections returns the collection names of the store, sorted.
func (h *Handle) Collections(ctx context.Context) ([]string, error) {
	var names []string
	err := h.View(ctx, func(tx *Txn) error {
		var err error
		names, err = tx.Collections()
		return err
	})
	return names, err
}

// HasCollection reports whether the store has the named collection.
func (h *Handle) HasCollection(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := h.View(ctx, func(tx *Txn) error {
		var err error
		ok, err = tx.HasCollection(name)
		return err
	})
	return ok, err
}

// View runs fn in a read-only transaction.
func (h *Handle) View(ctx context.Context, fn func(*Txn) error) error {
	return h.run(ctx, false, DurabilityDefault, fn)
}

// Update runs fn in a read-write transaction that commits if fn returns
// nil and rolls back otherwise.
func (h *Handle) Update(ctx context.Context, d Durability, fn func(*Txn) error) error {
	return h.run(ctx, true, d, fn)
}

func (h *Handle) run(ctx context.Context, writable bool, d Durability, fn func(*Txn) error) error {
	op := "view"
	if writable {
		op = "update"
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed.Load() {
		return store.Lifecycle(op, h.name, "connection is closed")
	}

	conn, err := h.db.Conn(ctx)
	if err != nil {
		return store.Operation(op, h.name, err)
	}
	defer conn.Close()

	if writable {
		if _, err := conn.ExecContext(ctx, d.pragma()); err != nil {
			return store.Operation(op, h.name, err)
		}
	}

	// IMMEDIATE takes the write lock up front so concurrent writers wait
	// on busy_timeout instead of failing when upgrading a read lock.
	begin := "BEGIN"
	if writable {
		begin = "BEGIN IMMEDIATE"
	}
	if err := withTx(ctx, conn, begin, func() error {
		return fn(&Txn{ctx: ctx, q: conn, store: h.name, writable: writable})
	}); err != nil {
		return store.Operation(op, h.name, err)
	}
	return nil
}
