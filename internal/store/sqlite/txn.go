package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/maloquacious/apam/internal/store"
)

// Record is one stored object. On read the record's key is set at the
// collection's key path.
type Record = map[string]any

// Txn is a transaction against one store. It is only valid inside the
// callback it was passed to.
type Txn struct {
	ctx      context.Context
	q        querier
	store    string
	writable bool
}

// Store returns the name of the store the transaction runs against.
func (t *Txn) Store() string {
	return t.store
}

// Writable reports whether the transaction may modify collections.
func (t *Txn) Writable() bool {
	return t.writable
}

// Collections returns the collection names of the store, sorted.
func (t *Txn) Collections() ([]string, error) {
	return listCollections(t.ctx, t.q)
}

// HasCollection reports whether the named collection exists.
func (t *Txn) HasCollection(name string) (bool, error) {
	return collectionExists(t.ctx, t.q, store.NormalizeName(name))
}

// Collection returns the named collection.
func (t *Txn) Collection(name string) (*Collection, error) {
	n, err := store.ValidateCollectionName("collection", name)
	if err != nil {
		return nil, err
	}
	c := &Collection{t: t, name: n}
	err = t.q.QueryRowContext(t.ctx, `SELECT key_path, auto_increment FROM __collections WHERE name = ?`, n).
		Scan(&c.keyPath, &c.autoIncrement)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("collection", n, "collection does not exist")
	}
	if err != nil {
		return nil, store.Operation("collection", n, err)
	}
	return c, nil
}

func listCollections(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM __collections ORDER BY name`)
	if err != nil {
		return nil, store.Operation("list collections", "", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, store.Operation("list collections", "", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Operation("list collections", "", err)
	}
	return names, nil
}

func collectionExists(ctx context.Context, q querier, name string) (bool, error) {
	var count int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM __collections WHERE name = ?`, name).Scan(&count); err != nil {
		return false, store.Operation("has collection", name, err)
	}
	return count > 0, nil
}

// Collection is a named set of records inside a transaction.
type Collection struct {
	t             *Txn
	name          string
	keyPath       string
	autoIncrement bool
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// KeyPath returns the field records carry their key in.
func (c *Collection) KeyPath() string { return c.keyPath }

// AutoIncrement reports whether keys are generated.
func (c *Collection) AutoIncrement() bool { return c.autoIncrement }

func (c *Collection) table() string { return quoteIdent(tableName(c.name)) }

func (c *Collection) checkWritable(op string) error {
	if !c.t.writable {
		return store.InvalidArgument(op, c.name, "transaction is read-only")
	}
	return nil
}

// Add inserts a record and returns its key. A record carrying a key at
// the key path is stored under that key; otherwise a key is generated.
// Adding an existing key is a conflict.
func (c *Collection) Add(r Record) (int64, error) {
	if err := c.checkWritable("add"); err != nil {
		return 0, err
	}
	doc, key, hasKey, err := c.encode("add", r)
	if err != nil {
		return 0, err
	}

	if !hasKey {
		if !c.autoIncrement {
			return 0, store.InvalidArgument("add", c.name, fmt.Sprintf("record has no key at %q", c.keyPath))
		}
		res, err := c.t.q.ExecContext(c.t.ctx, `INSERT INTO `+c.table()+` (doc) VALUES (?)`, doc)
		if err != nil {
			return 0, store.Operation("add", c.name, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, store.Operation("add", c.name, err)
		}
		return id, nil
	}

	exists, err := c.hasKey(key)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, store.Conflict("add", c.name, fmt.Sprintf("key %d already exists", key))
	}
	if _, err := c.t.q.ExecContext(c.t.ctx, `INSERT INTO `+c.table()+` (_key, doc) VALUES (?, ?)`, key, doc); err != nil {
		return 0, store.Operation("add", c.name, err)
	}
	return key, nil
}

// Put inserts or replaces a record and returns its key.
func (c *Collection) Put(r Record) (int64, error) {
	if err := c.checkWritable("put"); err != nil {
		return 0, err
	}
	doc, key, hasKey, err := c.encode("put", r)
	if err != nil {
		return 0, err
	}
	if !hasKey {
		return c.Add(r)
	}
	_, err = c.t.q.ExecContext(c.t.ctx,
		`INSERT INTO `+c.table()+` (_key, doc) VALUES (?, ?) ON CONFLICT(_key) DO UPDATE SET doc = excluded.doc`,
		key, doc)
	if err != nil {
		return 0, store.Operation("put", c.name, err)
	}
	return key, nil
}

// Get returns the record stored under key.
func (c *Collection) Get(key int64) (Record, error) {
	var doc string
	err := c.t.q.QueryRowContext(c.t.ctx, `SELECT doc FROM `+c.table()+` WHERE _key = ?`, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("get", c.name, fmt.Sprintf("no record with key %d", key))
	}
	if err != nil {
		return nil, store.Operation("get", c.name, err)
	}
	return c.decode(key, doc)
}

// GetAll returns every record in key order.
func (c *Collection) GetAll() ([]Record, error) {
	return c.query("get all", `SELECT _key, doc FROM `+c.table()+` ORDER BY _key`)
}

// GetRange returns at most limit records in key order, skipping offset.
func (c *Collection) GetRange(offset, limit int) ([]Record, error) {
	if offset < 0 || limit < 0 {
		return nil, store.InvalidArgument("get range", c.name, "offset and limit cannot be negative")
	}
	return c.query("get range", `SELECT _key, doc FROM `+c.table()+` ORDER BY _key LIMIT ? OFFSET ?`, limit, offset)
}

// GetAllWhere returns, in key order, the records whose field equals value.
func (c *Collection) GetAllWhere(field string, value any) ([]Record, error) {
	if err := store.ValidateField("get all where", field); err != nil {
		return nil, err
	}
	return c.query("get all where",
		`SELECT _key, doc FROM `+c.table()+` WHERE `+fieldExpr(field)+` = ? ORDER BY _key`, value)
}

// Count returns the number of records.
func (c *Collection) Count() (int, error) {
	var n int
	if err := c.t.q.QueryRowContext(c.t.ctx, `SELECT COUNT(*) FROM `+c.table()).Scan(&n); err != nil {
		return 0, store.Operation("count", c.name, err)
	}
	return n, nil
}

// Delete removes the record stored under key. Deleting a missing key is
// not an error.
func (c *Collection) Delete(key int64) error {
	if err := c.checkWritable("delete"); err != nil {
		return err
	}
	if _, err := c.t.q.ExecContext(c.t.ctx, `DELETE FROM `+c.table()+` WHERE _key = ?`, key); err != nil {
		return store.Operation("delete", c.name, err)
	}
	return nil
}

// Clear removes every record and returns how many were removed.
// Generated keys keep increasing after a clear.
func (c *Collection) Clear() (int64, error) {
	if err := c.checkWritable("clear"); err != nil {
		return 0, err
	}
	res, err := c.t.q.ExecContext(c.t.ctx, `DELETE FROM `+c.table())
	if err != nil {
		return 0, store.Operation("clear", c.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, store.Operation("clear", c.name, err)
	}
	return n, nil
}

// IndexNames returns the names of the collection's indexes, sorted.
func (c *Collection) IndexNames() ([]string, error) {
	rows, err := c.t.q.QueryContext(c.t.ctx, `SELECT name FROM __indexes WHERE collection = ? ORDER BY name`, c.name)
	if err != nil {
		return nil, store.Operation("index names", c.name, err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, store.Operation("index names", c.name, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Operation("index names", c.name, err)
	}
	return names, nil
}

func (c *Collection) hasKey(key int64) (bool, error) {
	var n int
	if err := c.t.q.QueryRowContext(c.t.ctx, `SELECT COUNT(*) FROM `+c.table()+` WHERE _key = ?`, key).Scan(&n); err != nil {
		return false, store.Operation("add", c.name, err)
	}
	return n > 0, nil
}

func (c *Collection) query(op, query string, args ...any) ([]Record, error) {
	rows, err := c.t.q.QueryContext(c.t.ctx, query, args...)
	if err != nil {
		return nil, store.Operation(op, c.name, err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			key int64
			doc string
		)
		if err := rows.Scan(&key, &doc); err != nil {
			return nil, store.Operation(op, c.name, err)
		}
		r, err := c.decode(key, doc)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Operation(op, c.name, err)
	}
	return records, nil
}

// encode splits r into its JSON document (without the key) and its key.
func (c *Collection) encode(op string, r Record) (doc string, key int64, hasKey bool, err error) {
	if r == nil {
		return "", 0, false, store.InvalidArgument(op, c.name, "record cannot be nil")
	}
	body := make(Record, len(r))
	for k, v := range r {
		if k == c.keyPath {
			continue
		}
		body[k] = v
	}
	if v, ok := r[c.keyPath]; ok && v != nil {
		key, err = toKey(v)
		if err != nil {
			return "", 0, false, store.InvalidArgument(op, c.name, err.Error())
		}
		hasKey = true
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", 0, false, store.InvalidArgument(op, c.name, fmt.Sprintf("record is not JSON serializable: %v", err))
	}
	return string(b), key, hasKey, nil
}

func (c *Collection) decode(key int64, doc string) (Record, error) {
	r := Record{}
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, store.Operation("decode", c.name, err)
	}
	r[c.keyPath] = key
	return r, nil
}

func toKey(v any) (int64, error) {
	switch k := v.(type) {
	case int:
		return int64(k), nil
	case int32:
		return int64(k), nil
	case int64:
		return k, nil
	case uint32:
		return int64(k), nil
	case float64:
		if k != math.Trunc(k) || k < math.MinInt64 || k > math.MaxInt64 {
			return 0, fmt.Errorf("key %v is not an integer", k)
		}
		return int64(k), nil
	case json.Number:
		return k.Int64()
	}
	return 0, fmt.Errorf("key of type %T is not an integer", v)
}
