package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	// Ext is the file extension of every named store in the data directory.
	Ext = ".db"

	// DefaultDataDir is used when no data directory is configured.
	DefaultDataDir = "data"
)

// CheckExists verifies if the named store exists in dataDir.
// Returns true if the store exists, false otherwise.
func CheckExists(dataDir, name string) (bool, error) {
	dbPath := GetDBPath(dataDir, name)
	info, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check store existence: %w", err)
	}
	if info.IsDir() {
		return false, fmt.Errorf("datastore path is a directory, expected file: %s", dbPath)
	}
	return true, nil
}

// GetDBPath returns the full path to the database file of the named store.
func GetDBPath(dataDir, name string) string {
	return filepath.Join(dataDir, name+Ext)
}

// SidecarPaths returns the journal files SQLite keeps next to a store.
func SidecarPaths(dataDir, name string) []string {
	p := GetDBPath(dataDir, name)
	return []string{p + "-wal", p + "-shm", p + "-journal"}
}

// NameFromPath returns the store name for a data directory entry, or
// false when the entry is not a store file.
func NameFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, Ext) || base == Ext {
		return "", false
	}
	return strings.TrimSuffix(base, Ext), true
}

// NormalizeName trims and NFC-normalizes a store or collection name so
// that visually identical names map to the same file and table.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// ValidateStoreName normalizes name and rejects names that cannot be
// used as a file name inside the data directory.
func ValidateStoreName(op, name string) (string, error) {
	n := NormalizeName(name)
	switch {
	case n == "":
		return "", InvalidArgument(op, name, "store name cannot be empty nor blank")
	case strings.ContainsAny(n, `/\`+"\x00"):
		return "", InvalidArgument(op, name, "store name cannot contain path separators")
	case strings.HasPrefix(n, "."):
		return "", InvalidArgument(op, name, "store name cannot start with a dot")
	}
	return n, nil
}

// ValidateCollectionName normalizes name and rejects blank names and the
// prefixes reserved for SQLite and store metadata.
func ValidateCollectionName(op, name string) (string, error) {
	n := NormalizeName(name)
	switch {
	case n == "":
		return "", InvalidArgument(op, name, "collection name cannot be empty nor blank")
	case strings.HasPrefix(strings.ToLower(n), "sqlite_"), strings.HasPrefix(n, "__"):
		return "", InvalidArgument(op, name, "collection name uses a reserved prefix")
	case strings.ContainsRune(n, '\x00'):
		return "", InvalidArgument(op, name, "collection name cannot contain NUL")
	}
	return n, nil
}

// ValidateField rejects record field names that cannot be addressed by
// a JSON path without escaping.
func ValidateField(op, field string) error {
	if strings.TrimSpace(field) == "" {
		return InvalidArgument(op, field, "field name cannot be empty nor blank")
	}
	if strings.ContainsAny(field, `"'\`+"\x00") {
		return InvalidArgument(op, field, "field name cannot contain quotes or backslashes")
	}
	return nil
}
