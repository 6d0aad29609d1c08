package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/maloquacious/apam/internal/store"
)

// UpgradeFunc changes the schema of a store while its version is being
// raised. Returning an error aborts the upgrade and leaves the version
// unchanged. It runs on the registry's broker and must not call back into
// the registry.
type UpgradeFunc func(*UpgradeTx) error

// CollectionOptions configures a new collection.
type CollectionOptions struct {
	// KeyPath is the record field that holds the key. Defaults to "id".
	KeyPath string

	// AutoIncrement generates strictly increasing keys for records that
	// do not carry one.
	AutoIncrement bool
}

// DefaultCollectionOptions uses key path "id" with generated keys.
var DefaultCollectionOptions = CollectionOptions{KeyPath: "id", AutoIncrement: true}

// UpgradeTx is the schema-changing transaction of a version upgrade. It is
// the only way to add or remove collections.
type UpgradeTx struct {
	ctx        context.Context
	q          querier
	store      string
	oldVersion int
	newVersion int
}

// Store returns the name of the store being upgraded.
func (u *UpgradeTx) Store() string { return u.store }

// OldVersion is the version before the upgrade; 0 for a new store.
func (u *UpgradeTx) OldVersion() int { return u.oldVersion }

// NewVersion is the version the store will have once the upgrade commits.
func (u *UpgradeTx) NewVersion() int { return u.newVersion }

// Collections returns the collection names, including ones created
// earlier in this upgrade.
func (u *UpgradeTx) Collections() ([]string, error) {
	return listCollections(u.ctx, u.q)
}

// HasCollection reports whether the named collection exists.
func (u *UpgradeTx) HasCollection(name string) (bool, error) {
	return collectionExists(u.ctx, u.q, store.NormalizeName(name))
}

// CreateCollection adds a collection. Creating an existing collection is
// a conflict.
func (u *UpgradeTx) CreateCollection(name string, opts CollectionOptions) error {
	const op = "create collection"
	n, err := store.ValidateCollectionName(op, name)
	if err != nil {
		return err
	}
	if opts.KeyPath == "" {
		opts.KeyPath = DefaultCollectionOptions.KeyPath
	}
	if err := store.ValidateField(op, opts.KeyPath); err != nil {
		return err
	}

	exists, err := collectionExists(u.ctx, u.q, n)
	if err != nil {
		return err
	}
	if exists {
		return store.Conflict(op, n, "collection already exists")
	}

	if _, err := u.q.ExecContext(u.ctx, collectionTable(n, opts.AutoIncrement)); err != nil {
		return store.Operation(op, n, err)
	}
	if _, err := u.q.ExecContext(u.ctx,
		`INSERT INTO __collections (name, key_path, auto_increment) VALUES (?, ?, ?)`,
		n, opts.KeyPath, opts.AutoIncrement); err != nil {
		return store.Operation(op, n, err)
	}
	return nil
}

// DeleteCollection drops a collection with its records and indexes.
func (u *UpgradeTx) DeleteCollection(name string) error {
	const op = "delete collection"
	n, err := store.ValidateCollectionName(op, name)
	if err != nil {
		return err
	}
	exists, err := collectionExists(u.ctx, u.q, n)
	if err != nil {
		return err
	}
	if !exists {
		return store.NotFound(op, n, "collection does not exist")
	}
	if _, err := u.q.ExecContext(u.ctx, `DROP TABLE `+quoteIdent(tableName(n))); err != nil {
		return store.Operation(op, n, err)
	}
	if _, err := u.q.ExecContext(u.ctx, `DELETE FROM __collections WHERE name = ?`, n); err != nil {
		return store.Operation(op, n, err)
	}
	return nil
}

// CreateIndex indexes the records of a collection by field.
func (u *UpgradeTx) CreateIndex(collection, index, field string, unique bool) error {
	const op = "create index"
	c, err := store.ValidateCollectionName(op, collection)
	if err != nil {
		return err
	}
	if err := store.ValidateField(op, index); err != nil {
		return err
	}
	if err := store.ValidateField(op, field); err != nil {
		return err
	}

	exists, err := collectionExists(u.ctx, u.q, c)
	if err != nil {
		return err
	}
	if !exists {
		return store.NotFound(op, c, "collection does not exist")
	}

	var count int
	if err := u.q.QueryRowContext(u.ctx,
		`SELECT COUNT(*) FROM __indexes WHERE collection = ? AND name = ?`, c, index).Scan(&count); err != nil {
		return store.Operation(op, c, err)
	}
	if count > 0 {
		return store.Conflict(op, c, fmt.Sprintf("index %q already exists", index))
	}

	ddl := "CREATE INDEX "
	if unique {
		ddl = "CREATE UNIQUE INDEX "
	}
	ddl += quoteIdent(indexName(c, index)) + " ON " + quoteIdent(tableName(c)) + " (" + fieldExpr(field) + ")"
	if _, err := u.q.ExecContext(u.ctx, ddl); err != nil {
		return store.Operation(op, c, err)
	}
	if _, err := u.q.ExecContext(u.ctx,
		`INSERT INTO __indexes (collection, name, field, is_unique) VALUES (?, ?, ?, ?)`,
		c, index, field, unique); err != nil {
		return store.Operation(op, c, err)
	}
	return nil
}

// runUpgrade raises the version of the store behind db from oldVersion to
// newVersion, running configure inside the same transaction.
func runUpgrade(ctx context.Context, db *sql.DB, name string, oldVersion, newVersion int, configure UpgradeFunc) error {
	const op = "upgrade"

	conn, err := db.Conn(ctx)
	if err != nil {
		return store.Operation(op, name, err)
	}
	defer conn.Close()

	err = withTx(ctx, conn, "BEGIN IMMEDIATE", func() error {
		// re-read under the write lock
		current, err := userVersion(ctx, conn)
		if err != nil {
			return err
		}
		if current != oldVersion {
			return store.Conflict(op, name, fmt.Sprintf("version changed from %d to %d during upgrade", oldVersion, current))
		}

		for _, ddl := range metadataSchema {
			if _, err := conn.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("failed to create metadata schema: %w", err)
			}
		}

		if configure != nil {
			u := &UpgradeTx{ctx: ctx, q: conn, store: name, oldVersion: oldVersion, newVersion: newVersion}
			if err := callConfigure(configure, u); err != nil {
				return err
			}
		}

		if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", newVersion)); err != nil {
			return fmt.Errorf("failed to set user_version: %w", err)
		}
		return nil
	})
	return store.Operation(op, name, err)
}

// callConfigure turns a panic in configure into an error so the
// transaction rolls back and a new store is removed.
func callConfigure(configure UpgradeFunc, u *UpgradeTx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("configure panicked: %v", p)
		}
	}()
	return configure(u)
}
