package sqlite

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/maloquacious/apam/internal/store"
)

// EventKind tells what happened to a store file.
type EventKind int

const (
	StoreCreated EventKind = iota
	StoreRemoved
	StoreWritten
)

func (k EventKind) String() string {
	switch k {
	case StoreCreated:
		return "created"
	case StoreRemoved:
		return "removed"
	case StoreWritten:
		return "written"
	}
	return "unknown"
}

// Event is a change to a store file in the data directory, whoever made it.
type Event struct {
	Kind EventKind
	Name string
}

// Watch reports changes to store files in the data directory until ctx is
// done. Journal files are ignored, so writes that have not been
// checkpointed yet are not reported.
func (r *Registry) Watch(ctx context.Context, fn func(Event)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return store.Operation("watch", r.dir, err)
	}
	defer w.Close()

	if err := w.Add(r.dir); err != nil {
		return store.Operation("watch", r.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name, ok := store.NameFromPath(ev.Name)
			if !ok {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create):
				fn(Event{Kind: StoreCreated, Name: name})
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				fn(Event{Kind: StoreRemoved, Name: name})
			case ev.Has(fsnotify.Write):
				fn(Event{Kind: StoreWritten, Name: name})
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return store.Operation("watch", r.dir, err)
		}
	}
}
