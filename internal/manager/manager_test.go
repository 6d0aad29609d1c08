package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/maloquacious/apam/internal/metrics"
	"github.com/maloquacious/apam/internal/store"
	"github.com/maloquacious/apam/internal/store/sqlite"
)

const (
	testDB    = "testdb"
	testStore = "teststore"
)

func newTestRegistry(t *testing.T) *sqlite.Registry {
	t.Helper()
	r, err := sqlite.NewRegistry(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func newTestManager(t *testing.T, r *sqlite.Registry, opts ...Option) *Manager {
	t.Helper()
	m, err := New(testDB, r, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func databaseCount(t *testing.T, r *sqlite.Registry) int {
	t.Helper()
	names, err := r.DatabaseNames()
	require.NoError(t, err)
	return len(names)
}

func noop(context.Context, *sqlite.Handle) error { return nil }

func TestNew_InvalidArguments(t *testing.T) {
	r := newTestRegistry(t)

	_, err := New("  ", r)
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	_, err = New(testDB, nil)
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	m, err := New(testDB, r)
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID())
	assert.Equal(t, testDB, m.Name())
	assert.Equal(t, store.ExistenceUnknown, m.Exists())
}

func TestWithLock_CreatesDatabaseOnFirstAccess(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	assert.Equal(t, 0, databaseCount(t, r))
	m := newTestManager(t, r)
	assert.Equal(t, 0, databaseCount(t, r), "constructing a manager creates nothing")

	require.NoError(t, m.WithLock(ctx, func(_ context.Context, h *sqlite.Handle) error {
		assert.Equal(t, testDB, h.Name())
		assert.False(t, h.Closed())
		return nil
	}))
	assert.Equal(t, 1, databaseCount(t, r))
	assert.Equal(t, store.ExistencePresent, m.Exists())
}

func TestWithLockCreateStore_CreatesDatabaseOnFirstAccess(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	m := newTestManager(t, r)
	require.NoError(t, m.WithLockCreateStore(ctx, testStore, nil))
	assert.Equal(t, 1, databaseCount(t, r))

	names, err := Query(ctx, m, func(ctx context.Context, h *sqlite.Handle) ([]string, error) {
		return h.Collections(ctx)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{testStore}, names)
}

func TestWithLock_CreatesDatabaseOnce(t *testing.T) {
	r := newTestRegistry(t)
	rec := metrics.New()
	m := newTestManager(t, r, WithMetrics(rec))
	ctx := context.Background()

	for range 10 {
		require.NoError(t, m.WithLock(ctx, noop))
	}
	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.WithLock(ctx, noop))

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Creations()))
	assert.Equal(t, 11.0, testutil.ToFloat64(rec.Operations().WithLabelValues("with lock", "ok")))
}

func TestWithLock_ReturnsCallbackError(t *testing.T) {
	r := newTestRegistry(t)
	m := newTestManager(t, r)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithLock(ctx, func(context.Context, *sqlite.Handle) error { return boom })
	assert.Same(t, boom, err)
	assert.False(t, m.Locked(), "lock is released after an error")

	assert.Panics(t, func() {
		_ = m.WithLock(ctx, func(context.Context, *sqlite.Handle) error { panic("boom") })
	})
	assert.False(t, m.Locked(), "lock is released after a panic")

	require.NoError(t, m.WithLock(ctx, noop))
}

func TestWithLock_Serializes(t *testing.T) {
	r := newTestRegistry(t)
	m := newTestManager(t, r)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		running int
		maxSeen int
	)
	g, ctx := errgroup.WithContext(ctx)
	for range 8 {
		g.Go(func() error {
			return m.WithLock(ctx, func(context.Context, *sqlite.Handle) error {
				mu.Lock()
				running++
				maxSeen = max(maxSeen, running)
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, maxSeen)
}

func TestWithLock_ContextCancelledWhileWaiting(t *testing.T) {
	r := newTestRegistry(t)
	m := newTestManager(t, r)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = m.WithLock(context.Background(), func(context.Context, *sqlite.Handle) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.WithLock(ctx, noop)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, m.WithLock(context.Background(), noop))
}

func TestQuery(t *testing.T) {
	r := newTestRegistry(t)
	m := newTestManager(t, r)

	v, err := Query(context.Background(), m, func(_ context.Context, h *sqlite.Handle) (int, error) {
		return h.Version(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestShutdown_Twice(t *testing.T) {
	ctx := context.Background()

	t.Run("after creating database", func(t *testing.T) {
		m := newTestManager(t, newTestRegistry(t))
		require.NoError(t, m.EnsureExists(ctx))

		require.NoError(t, m.Shutdown(ctx))
		assert.True(t, m.IsShutdown())
		assert.ErrorIs(t, m.Shutdown(ctx), store.ErrLifecycle)
		assert.NoError(t, m.Close(ctx))
	})

	t.Run("before creating database", func(t *testing.T) {
		r := newTestRegistry(t)
		m := newTestManager(t, r)

		require.NoError(t, m.Shutdown(ctx))
		assert.ErrorIs(t, m.Shutdown(ctx), store.ErrLifecycle)
		assert.NoError(t, m.Close(ctx))
		assert.Equal(t, 0, databaseCount(t, r))
	})
}

func TestShutdown_RejectsLaterCalls(t *testing.T) {
	r := newTestRegistry(t)
	m := newTestManager(t, r)
	ctx := context.Background()

	require.NoError(t, m.Shutdown(ctx))

	called := false
	err := m.WithLock(ctx, func(context.Context, *sqlite.Handle) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, store.ErrLifecycle)
	assert.False(t, called)
	assert.ErrorIs(t, m.WithLockCreateStore(ctx, testStore, nil), store.ErrLifecycle)
	assert.ErrorIs(t, m.EnsureExists(ctx), store.ErrLifecycle)
	assert.False(t, m.Locked())
}

func TestWithLockCreateStore_Twice(t *testing.T) {
	r := newTestRegistry(t)
	m := newTestManager(t, r)
	ctx := context.Background()

	require.NoError(t, m.WithLockCreateStore(ctx, testStore, nil))
	err := m.WithLockCreateStore(ctx, testStore, nil)
	assert.ErrorIs(t, err, store.ErrConflict)

	info, err := r.Info(ctx, testDB)
	require.NoError(t, err)
	assert.Equal(t, []string{testStore}, info.Collections)
	assert.Equal(t, 2, info.Version, "the rejected call does not upgrade")
}

func TestWithLockCreateStore_CaseVariantNames(t *testing.T) {
	r := newTestRegistry(t)
	m := newTestManager(t, r)
	ctx := context.Background()

	require.NoError(t, m.WithLockCreateStore(ctx, "Animals", nil))
	require.NoError(t, m.WithLockCreateStore(ctx, "animals", nil), "collection names are case-sensitive")
	err := m.WithLockCreateStore(ctx, "animals", nil)
	assert.ErrorIs(t, err, store.ErrConflict)

	err = m.WithLock(ctx, func(ctx context.Context, h *sqlite.Handle) error {
		return h.Update(ctx, sqlite.DurabilityDefault, func(tx *sqlite.Txn) error {
			c, err := tx.Collection("Animals")
			if err != nil {
				return err
			}
			_, err = c.Add(sqlite.Record{"name": "Rex"})
			return err
		})
	})
	require.NoError(t, err)

	counts, err := Query(ctx, m, func(ctx context.Context, h *sqlite.Handle) ([]int, error) {
		var got []int
		err := h.View(ctx, func(tx *sqlite.Txn) error {
			for _, name := range []string{"Animals", "animals"} {
				c, err := tx.Collection(name)
				if err != nil {
					return err
				}
				n, err := c.Count()
				if err != nil {
					return err
				}
				got = append(got, n)
			}
			return nil
		})
		return got, err
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, counts)

	info, err := r.Info(ctx, testDB)
	require.NoError(t, err)
	assert.Equal(t, []string{"Animals", "animals"}, info.Collections)
	assert.Equal(t, 3, info.Version)
}

func TestWithLockCreateStore_Configure(t *testing.T) {
	r := newTestRegistry(t)
	m := newTestManager(t, r)
	ctx := context.Background()

	err := m.WithLockCreateStore(ctx, "users", func(u *sqlite.UpgradeTx) error {
		if err := u.CreateCollection("users", sqlite.CollectionOptions{KeyPath: "uid", AutoIncrement: true}); err != nil {
			return err
		}
		return u.CreateIndex("users", "by_email", "email", true)
	})
	require.NoError(t, err)

	err = m.WithLock(ctx, func(ctx context.Context, h *sqlite.Handle) error {
		return h.View(ctx, func(tx *sqlite.Txn) error {
			c, err := tx.Collection("users")
			if err != nil {
				return err
			}
			assert.Equal(t, "uid", c.KeyPath())
			names, err := c.IndexNames()
			assert.Equal(t, []string{"by_email"}, names)
			return err
		})
	})
	require.NoError(t, err)
}

func TestWithLockCreateStore_FailedUpgradeLeavesManagerClosed(t *testing.T) {
	r := newTestRegistry(t)
	m := newTestManager(t, r)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithLockCreateStore(ctx, testStore, func(*sqlite.UpgradeTx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.True(t, m.IsClosed())
	assert.False(t, m.Locked())

	require.NoError(t, m.WithLock(ctx, noop))
	assert.False(t, m.IsClosed())

	v, err := r.Version(ctx, testDB)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestWithLockCreateStore_InvalidName(t *testing.T) {
	m := newTestManager(t, newTestRegistry(t))
	err := m.WithLockCreateStore(context.Background(), " ", nil)
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}

func TestManagers_DistinctCollections(t *testing.T) {
	const n = 10
	r := newTestRegistry(t)
	ctx := context.Background()

	managers := make([]*Manager, n)
	for i := range managers {
		managers[i] = newTestManager(t, r)
	}

	var g errgroup.Group
	for i, m := range managers {
		g.Go(func() error {
			return m.WithLockCreateStore(ctx, fmt.Sprintf("testdb_%d", i), nil)
		})
	}
	require.NoError(t, g.Wait())

	want := make([]string, n)
	for i := range want {
		want[i] = fmt.Sprintf("testdb_%d", i)
	}
	sort.Strings(want)

	info, err := r.Info(ctx, testDB)
	require.NoError(t, err)
	assert.Equal(t, want, info.Collections)
	assert.Equal(t, n+1, info.Version)

	for _, m := range managers {
		names, err := Query(ctx, m, func(ctx context.Context, h *sqlite.Handle) ([]string, error) {
			return h.Collections(ctx)
		})
		require.NoError(t, err)
		assert.Equal(t, want, names)
	}
}

func TestManagers_SameCollection(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	var g errgroup.Group
	errs := make([]error, 4)
	for i := range errs {
		m := newTestManager(t, r)
		g.Go(func() error {
			errs[i] = m.WithLockCreateStore(ctx, testStore, nil)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, store.ErrConflict)
	}
	assert.Equal(t, 1, succeeded)

	info, err := r.Info(ctx, testDB)
	require.NoError(t, err)
	assert.Equal(t, []string{testStore}, info.Collections)
}

func TestWithLock_ReopensAfterOtherManagersUpgrade(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	m1 := newTestManager(t, r)
	m2 := newTestManager(t, r)

	var first *sqlite.Handle
	require.NoError(t, m1.WithLock(ctx, func(_ context.Context, h *sqlite.Handle) error {
		first = h
		return nil
	}))
	require.NoError(t, m2.WithLockCreateStore(ctx, testStore, nil))
	assert.True(t, first.Closed(), "the upgrade closes other handles")

	ok, err := Query(ctx, m1, func(ctx context.Context, h *sqlite.Handle) (bool, error) {
		assert.NotSame(t, first, h)
		return h.HasCollection(ctx, testStore)
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithLock_RecreatesDeletedDatabase(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	m := newTestManager(t, r)

	require.NoError(t, m.WithLockCreateStore(ctx, testStore, nil))
	require.NoError(t, r.DeleteDatabase(ctx, testDB))

	names, err := Query(ctx, m, func(ctx context.Context, h *sqlite.Handle) ([]string, error) {
		return h.Collections(ctx)
	})
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.Equal(t, 1, databaseCount(t, r))
}

func TestClose_Reopens(t *testing.T) {
	r := newTestRegistry(t)
	m := newTestManager(t, r)
	ctx := context.Background()

	require.NoError(t, m.EnsureExists(ctx))
	require.NoError(t, m.Close(ctx))
	assert.True(t, m.IsClosed())
	assert.Equal(t, 0, r.OpenHandles(testDB))

	require.NoError(t, m.WithLock(ctx, noop))
	assert.False(t, m.IsClosed())
	assert.Equal(t, 1, r.OpenHandles(testDB))
}
