// Package table stores rows with a fixed set of headers in a collection of
// a managed store. Several tables may share one manager; each owns one
// collection.
package table

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/maloquacious/apam/internal/lock"
	"github.com/maloquacious/apam/internal/manager"
	"github.com/maloquacious/apam/internal/store"
	"github.com/maloquacious/apam/internal/store/sqlite"
)

// IdentityKey is the generated identity of every row. Callers may not set it.
const IdentityKey = "_id"

// Row is one table row keyed by header.
type Row = map[string]any

// State describes a table.
type State struct {
	Name    string   `json:"name"`
	IsEmpty bool     `json:"is_empty"`
	IsReady bool     `json:"is_ready"`
	Headers []string `json:"headers"`
	Columns int      `json:"columns"`
}

// Database is a table backed by a collection of the manager's store.
type Database struct {
	mgr      *manager.Manager
	initLock *lock.Lock

	mu    sync.RWMutex
	state State
}

// New returns an uninitialised table on mgr.
func New(mgr *manager.Manager) *Database {
	return &Database{
		mgr:      mgr,
		initLock: lock.New(),
		state:    State{IsEmpty: true, Headers: []string{}},
	}
}

// State returns a copy of the table state.
func (d *Database) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := d.state
	s.Headers = slices.Clone(d.state.Headers)
	return s
}

// Init creates the table's collection with one index per header. Calling
// it again with the same name and headers once it succeeded does nothing.
// A second Init while one is still running fails with a lifecycle error;
// a failed Init may be retried.
func (d *Database) Init(ctx context.Context, name string, headers []string) error {
	const op = "init table"
	if !d.initLock.TryAcquire() {
		return store.Lifecycle(op, name, "another initialization attempt has not finished")
	}
	defer d.initLock.Release()

	n := store.NormalizeName(name)
	if n == "" {
		return store.InvalidArgument(op, name, "table name cannot be empty nor blank")
	}
	if err := validateHeaders(op, n, headers); err != nil {
		return err
	}

	current := d.State()
	if n == current.Name {
		if !slices.Equal(headers, current.Headers) {
			return store.Conflict(op, n, "table already initialized with different headers")
		}
		if current.IsReady {
			return nil
		}
	}

	err := d.mgr.WithLockCreateStore(ctx, n, func(u *sqlite.UpgradeTx) error {
		if err := u.CreateCollection(n, sqlite.CollectionOptions{KeyPath: IdentityKey, AutoIncrement: true}); err != nil {
			return err
		}
		for _, h := range headers {
			if err := u.CreateIndex(n, h, h, false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.state = State{
		Name:    n,
		IsEmpty: true,
		IsReady: true,
		Headers: slices.Clone(headers),
		Columns: len(headers),
	}
	d.mu.Unlock()
	return nil
}

func validateHeaders(op, name string, headers []string) error {
	if len(headers) == 0 {
		return store.InvalidArgument(op, name, "amount of table headers cannot be zero")
	}
	seen := make(map[string]bool, len(headers))
	for _, h := range headers {
		if h == IdentityKey {
			return store.InvalidArgument(op, name, fmt.Sprintf("header %q is reserved", IdentityKey))
		}
		if err := store.ValidateField(op, h); err != nil {
			return err
		}
		if seen[h] {
			return store.InvalidArgument(op, name, fmt.Sprintf("duplicate header %q", h))
		}
		seen[h] = true
	}
	return nil
}

// ready returns the state of an initialised table.
func (d *Database) ready(op string) (State, error) {
	s := d.State()
	if !s.IsReady {
		return s, store.Lifecycle(op, s.Name, "table is not initialized")
	}
	return s, nil
}

// Create inserts rows in one transaction and returns them with their
// identity set. Every header must be present; other keys are dropped.
func (d *Database) Create(ctx context.Context, rows ...Row) ([]Row, error) {
	const op = "create rows"
	s, err := d.ready(op)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []Row{}, nil
	}

	docs := make([]Row, len(rows))
	for i, row := range rows {
		if _, ok := row[IdentityKey]; ok {
			return nil, store.InvalidArgument(op, s.Name, fmt.Sprintf("row %d: key %q is reserved", i, IdentityKey))
		}
		doc := make(Row, len(s.Headers)+1)
		for _, h := range s.Headers {
			v, ok := row[h]
			if !ok {
				return nil, store.InvalidArgument(op, s.Name, fmt.Sprintf("row %d: missing header %q", i, h))
			}
			doc[h] = v
		}
		docs[i] = doc
	}

	err = d.mgr.WithLock(ctx, func(ctx context.Context, h *sqlite.Handle) error {
		return h.Update(ctx, sqlite.DurabilityStrict, func(tx *sqlite.Txn) error {
			c, err := tx.Collection(s.Name)
			if err != nil {
				return err
			}
			for _, doc := range docs {
				key, err := c.Add(doc)
				if err != nil {
					return err
				}
				doc[IdentityKey] = key
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.state.IsEmpty = false
	d.mu.Unlock()
	return docs, nil
}

// view runs fn on the table's collection in a read-only transaction.
func (d *Database) view(ctx context.Context, op string, fn func(*sqlite.Collection) error) error {
	s, err := d.ready(op)
	if err != nil {
		return err
	}
	return d.mgr.WithLock(ctx, func(ctx context.Context, h *sqlite.Handle) error {
		return h.View(ctx, func(tx *sqlite.Txn) error {
			c, err := tx.Collection(s.Name)
			if err != nil {
				return err
			}
			return fn(c)
		})
	})
}

// Count returns the number of rows.
func (d *Database) Count(ctx context.Context) (int, error) {
	var n int
	err := d.view(ctx, "count rows", func(c *sqlite.Collection) error {
		var err error
		n, err = c.Count()
		return err
	})
	return n, err
}

// GetAll returns every row in insertion order.
func (d *Database) GetAll(ctx context.Context) ([]Row, error) {
	var rows []Row
	err := d.view(ctx, "get rows", func(c *sqlite.Collection) error {
		var err error
		rows, err = c.GetAll()
		return err
	})
	return rows, err
}

// Page returns the rows of the 1-based page when pages hold perPage rows.
// A page past the end is empty.
func (d *Database) Page(ctx context.Context, page, perPage int) ([]Row, error) {
	if perPage < 1 {
		return nil, &NonPositiveError{Value: perPage}
	}
	if page < 1 {
		return nil, &PageIndexError{Index: page}
	}
	var rows []Row
	err := d.view(ctx, "page rows", func(c *sqlite.Collection) error {
		var err error
		rows, err = c.GetRange((page-1)*perPage, perPage)
		return err
	})
	return rows, err
}

// Clear removes every row and returns how many were removed.
func (d *Database) Clear(ctx context.Context) (int64, error) {
	const op = "clear rows"
	s, err := d.ready(op)
	if err != nil {
		return 0, err
	}
	var n int64
	err = d.mgr.WithLock(ctx, func(ctx context.Context, h *sqlite.Handle) error {
		return h.Update(ctx, sqlite.DurabilityDefault, func(tx *sqlite.Txn) error {
			c, err := tx.Collection(s.Name)
			if err != nil {
				return err
			}
			n, err = c.Clear()
			return err
		})
	})
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	d.state.IsEmpty = true
	d.mu.Unlock()
	return n, nil
}
