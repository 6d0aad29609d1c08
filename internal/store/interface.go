package store

// State represents the initialization state of a named store.
type State int

const (
	StateMissing       State = iota // File doesn't exist
	StateUninitialized              // File exists but version is 0
	StateReady                      // Initialized at version 1 or later
)

func (s State) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// Existence is a cached answer to "has this store ever been created".
type Existence int32

const (
	ExistenceUnknown Existence = iota
	ExistenceAbsent
	ExistencePresent
)

func (e Existence) String() string {
	switch e {
	case ExistenceAbsent:
		return "absent"
	case ExistencePresent:
		return "present"
	}
	return "unknown"
}

// Info describes a named store on disk.
type Info struct {
	Name        string   `json:"name"`
	State       State    `json:"-"`
	StateName   string   `json:"state"`
	Version     int      `json:"version"`
	Collections []string `json:"collections"`
}

// Registry answers questions about the named stores in a data directory.
// Implementations must be safe for concurrent use.
type Registry interface {
	// HasDatabase reports whether the named store has been created
	HasDatabase(name string) (bool, error)

	// DatabaseNames lists every named store, sorted
	DatabaseNames() ([]string, error)

	// Dir returns the data directory
	Dir() string
}
