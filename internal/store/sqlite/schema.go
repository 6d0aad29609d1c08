package sqlite

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// metadataSchema is created inside every upgrade transaction. It records
// the collections of a store and their secondary indexes.
var metadataSchema = []string{`
CREATE TABLE IF NOT EXISTS __collections (
    name           TEXT PRIMARY KEY,
    key_path       TEXT NOT NULL,
    auto_increment INTEGER NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS __indexes (
    collection TEXT NOT NULL REFERENCES __collections(name) ON DELETE CASCADE,
    name       TEXT NOT NULL,
    field      TEXT NOT NULL,
    is_unique  INTEGER NOT NULL,
    PRIMARY KEY (collection, name)
)`,
}

// SQLite folds the case of table and index names while collection and
// index names are case-sensitive, so physical names hex-encode them.
func tableName(collection string) string {
	return "__c_" + hex.EncodeToString([]byte(collection))
}

func indexName(collection, index string) string {
	return "__i_" + hex.EncodeToString([]byte(collection)) + "_" + hex.EncodeToString([]byte(index))
}

// collectionTable returns the DDL of a collection's table. AUTOINCREMENT
// keeps generated keys strictly increasing and never reused.
func collectionTable(name string, autoIncrement bool) string {
	key := "_key INTEGER PRIMARY KEY"
	if autoIncrement {
		key += " AUTOINCREMENT"
	}
	return fmt.Sprintf(`CREATE TABLE %s (
    %s,
    doc TEXT NOT NULL CHECK (json_valid(doc))
)`, quoteIdent(tableName(name)), key)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// fieldExpr is inlined (not bound) so the planner can match it against
// expression indexes. Field names are validated to contain no quotes.
func fieldExpr(field string) string {
	return `json_extract(doc, '$."` + field + `"')`
}
