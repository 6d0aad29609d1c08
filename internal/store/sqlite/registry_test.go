package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maloquacious/apam/internal/store"
)

const testDB = "testdb"

var testCollections = func() []string {
	names := make([]string, 10)
	for i := range names {
		names[i] = fmt.Sprintf("store_%d", i)
	}
	return names
}()

func configureCollections(u *UpgradeTx) error {
	for _, name := range testCollections {
		if err := u.CreateCollection(name, DefaultCollectionOptions); err != nil {
			return err
		}
	}
	return nil
}

// newTestRegistry creates a registry over a fresh temp directory.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func requireNames(t *testing.T, r *Registry, want ...string) {
	t.Helper()
	if want == nil {
		want = []string{}
	}
	names, err := r.DatabaseNames()
	require.NoError(t, err)
	require.Equal(t, want, names)
}

func TestCreateDatabase(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	requireNames(t, r)
	require.NoError(t, r.CreateDatabase(ctx, testDB, nil))
	requireNames(t, r, testDB)

	v, err := r.Version(ctx, testDB)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestCreateDatabase_AlreadyExists(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CreateDatabase(ctx, testDB, nil))
	err := r.CreateDatabase(ctx, testDB, nil)
	assert.ErrorIs(t, err, store.ErrConflict)
	requireNames(t, r, testDB)
}

func TestCreateDatabase_ConfiguresOnce(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	calls := 0
	err := r.CreateDatabase(ctx, testDB, func(u *UpgradeTx) error {
		calls++
		assert.Equal(t, 0, u.OldVersion())
		assert.Equal(t, 1, u.NewVersion())
		return configureCollections(u)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	h, err := r.Open(ctx, testDB)
	require.NoError(t, err)
	defer h.Close()

	names, err := h.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, testCollections, names)
	assert.Equal(t, 1, calls, "opening must not run the configure callback again")
}

func TestCreateDatabase_FailedConfigureRemovesStore(t *testing.T) {
	r := newTestRegistry(t)
	boom := errors.New("boom")

	err := r.CreateDatabase(context.Background(), testDB, func(u *UpgradeTx) error {
		assert.NoError(t, u.CreateCollection("animals", DefaultCollectionOptions))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, store.ErrOperation)
	requireNames(t, r)
}

func TestCreateDatabase_PanicIsReported(t *testing.T) {
	r := newTestRegistry(t)

	err := r.CreateDatabase(context.Background(), testDB, func(*UpgradeTx) error { panic("boom") })
	assert.ErrorIs(t, err, store.ErrOperation)
	assert.ErrorContains(t, err, "boom")
	requireNames(t, r)

	// the broker survives
	require.NoError(t, r.CreateDatabase(context.Background(), "other", nil))
}

func TestHasDatabase(t *testing.T) {
	r := newTestRegistry(t)

	ok, err := r.HasDatabase(testDB)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.CreateDatabase(context.Background(), testDB, nil))

	ok, err = r.HasDatabase(testDB)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteDatabase(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CreateDatabase(ctx, testDB, nil))
	requireNames(t, r, testDB)

	require.NoError(t, r.DeleteDatabase(ctx, testDB))
	requireNames(t, r)

	for _, p := range store.SidecarPaths(r.Dir(), testDB) {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "%s should be removed", p)
	}
}

func TestDeleteDatabase_DoesNotExist(t *testing.T) {
	r := newTestRegistry(t)

	err := r.DeleteDatabase(context.Background(), testDB)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteDatabase_ClosesOpenHandles(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	h, err := r.Open(ctx, testDB)
	require.NoError(t, err)
	require.Equal(t, 1, r.OpenHandles(testDB))

	require.NoError(t, r.DeleteDatabase(ctx, testDB))
	assert.True(t, h.Closed())
	assert.Equal(t, 0, r.OpenHandles(testDB))
}

func TestOpen(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	h, err := r.Open(ctx, testDB)
	require.NoError(t, err)
	assert.Equal(t, testDB, h.Name())
	assert.Equal(t, 1, h.Version())
	assert.False(t, h.Closed())

	require.NoError(t, h.Close())
	assert.True(t, h.Closed())
	require.NoError(t, h.Close(), "closing twice is a no-op")
}

func TestOpen_CreatesDatabase(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	requireNames(t, r)
	h, err := r.Open(ctx, testDB)
	require.NoError(t, err)
	requireNames(t, r, testDB)
	require.NoError(t, h.Close())

	require.NoError(t, r.DeleteDatabase(ctx, testDB))
	requireNames(t, r)
}

func TestOpenVersion(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.CreateDatabase(ctx, testDB, nil))

	h, err := r.OpenVersion(ctx, testDB, 3, func(u *UpgradeTx) error {
		assert.Equal(t, 1, u.OldVersion())
		assert.Equal(t, 3, u.NewVersion())
		return u.CreateCollection("animals", DefaultCollectionOptions)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, h.Version())
	require.NoError(t, h.Close())

	_, err = r.OpenVersion(ctx, testDB, 2, nil)
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	_, err = r.OpenVersion(ctx, testDB, -1, nil)
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	h, err = r.OpenVersion(ctx, testDB, 3, func(*UpgradeTx) error {
		t.Error("configure must not run when the version is unchanged")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestOpenThenUpgradeWith(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CreateDatabase(ctx, testDB, nil))
	require.NoError(t, r.OpenThenUpgradeWith(ctx, testDB, configureCollections))

	v, err := r.Version(ctx, testDB)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	h, err := r.Open(ctx, testDB)
	require.NoError(t, err)
	defer h.Close()

	names, err := h.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, testCollections, names)
	for _, name := range testCollections {
		ok, err := h.HasCollection(ctx, name)
		require.NoError(t, err)
		assert.True(t, ok, name)
	}
}

func TestOpenThenUpgradeWith_IncrementsByOne(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for want := 1; want <= 5; want++ {
		require.NoError(t, r.OpenThenUpgradeWith(ctx, testDB, nil))
		v, err := r.Version(ctx, testDB)
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
}

func TestOpenThenUpgradeWith_ClosesOpenHandles(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	h1, err := r.Open(ctx, testDB)
	require.NoError(t, err)
	h2, err := r.Open(ctx, testDB)
	require.NoError(t, err)
	require.Equal(t, 2, r.OpenHandles(testDB))

	require.NoError(t, r.OpenThenUpgradeWith(ctx, testDB, func(u *UpgradeTx) error {
		return u.CreateCollection("animals", DefaultCollectionOptions)
	}))

	assert.True(t, h1.Closed())
	assert.True(t, h2.Closed())
	assert.Equal(t, 0, r.OpenHandles(testDB))

	err = h1.View(ctx, func(*Txn) error { return nil })
	assert.ErrorIs(t, err, store.ErrLifecycle)
}

func TestOpenThenUpgradeWith_DuplicateCollection(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	create := func(u *UpgradeTx) error {
		return u.CreateCollection("animals", DefaultCollectionOptions)
	}
	require.NoError(t, r.CreateDatabase(ctx, testDB, create))

	err := r.OpenThenUpgradeWith(ctx, testDB, create)
	assert.ErrorIs(t, err, store.ErrConflict)

	v, err := r.Version(ctx, testDB)
	require.NoError(t, err)
	assert.Equal(t, 1, v, "a failed upgrade leaves the version unchanged")
}

func TestUpgradeTx_DeleteCollection(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CreateDatabase(ctx, testDB, configureCollections))
	require.NoError(t, r.OpenThenUpgradeWith(ctx, testDB, func(u *UpgradeTx) error {
		return u.DeleteCollection("store_0")
	}))

	err := r.OpenThenUpgradeWith(ctx, testDB, func(u *UpgradeTx) error {
		return u.DeleteCollection("store_0")
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	info, err := r.Info(ctx, testDB)
	require.NoError(t, err)
	assert.Equal(t, testCollections[1:], info.Collections)
}

func TestUpgradeTx_InvalidNames(t *testing.T) {
	r := newTestRegistry(t)

	for _, name := range []string{"", "   ", "sqlite_x", "__collections"} {
		err := r.CreateDatabase(context.Background(), testDB, func(u *UpgradeTx) error {
			return u.CreateCollection(name, DefaultCollectionOptions)
		})
		assert.ErrorIs(t, err, store.ErrInvalidArgument, "collection %q", name)
	}
	requireNames(t, r)
}

func TestRegistry_InvalidStoreNames(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"", "  ", "../x", ".hidden"} {
		_, err := r.Open(ctx, name)
		assert.ErrorIs(t, err, store.ErrInvalidArgument, "open %q", name)
		assert.ErrorIs(t, r.CreateDatabase(ctx, name, nil), store.ErrInvalidArgument)
		assert.ErrorIs(t, r.DeleteDatabase(ctx, name), store.ErrInvalidArgument)
	}
}

func TestRegistry_Close(t *testing.T) {
	r, err := NewRegistry(t.TempDir(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	h, err := r.Open(ctx, testDB)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.True(t, h.Closed())

	_, err = r.Open(ctx, testDB)
	assert.ErrorIs(t, err, store.ErrLifecycle)
	assert.ErrorIs(t, r.CreateDatabase(ctx, "other", nil), store.ErrLifecycle)
}

func TestRegistry_SubmitHonoursContextBeforeAccept(t *testing.T) {
	r := newTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Open(ctx, testDB)
	if err != nil {
		// either the broker won the race or the context did
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestInfo(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	info, err := r.Info(ctx, testDB)
	require.NoError(t, err)
	assert.Equal(t, store.StateMissing, info.State)
	assert.Equal(t, "missing", info.StateName)

	require.NoError(t, r.CreateDatabase(ctx, testDB, configureCollections))

	info, err = r.Info(ctx, testDB)
	require.NoError(t, err)
	assert.Equal(t, store.StateReady, info.State)
	assert.Equal(t, 1, info.Version)
	assert.Equal(t, testCollections, info.Collections)

	_, err = r.Version(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
