// Package registry implements spec.md §9's process-wide singletons:
// "cache_set_list (a process-wide registry of mounted fs instances for
// the attach admin command) and cache_register_lock". It follows
// pkg/slotcache/lock.go's fileRegistry pattern: a sync.Map for lock-free
// lookup, with a coarse mutex serializing the structural changes
// (attach/detach) that the map alone can't make atomic.
package registry

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadyAttached is returned by Attach when name is already mounted.
var ErrAlreadyAttached = errors.New("registry: cache set already attached")

// ErrNotAttached is returned by Detach/Get when name is not mounted.
var ErrNotAttached = errors.New("registry: cache set not attached")

// Closer is whatever a mounted cache set needs to run on detach: flush
// outstanding writeback, stop background workers, close the journal.
type Closer interface {
	Close() error
}

// Entry is one mounted cache set's registry record.
type Entry struct {
	Name    string
	Devices []string // backing/cache device paths, in attach order
	Closer  Closer
}

// Registry is the process-wide cache-set list (spec.md §9's
// cache_set_list). The zero value is ready to use; a single process-wide
// instance is constructed at startup and passed by reference to whatever
// needs to attach/detach/enumerate cache sets (the admin command, the CLI
// debug shell).
type Registry struct {
	registerMu sync.Mutex // cache_register_lock: serializes attach/detach
	sets       sync.Map   // map[string]*Entry
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Attach registers a newly-mounted cache set under name. Held under
// registerMu so two concurrent attach calls for the same name can't both
// observe an empty slot and race to insert.
func (r *Registry) Attach(name string, devices []string, closer Closer) error {
	r.registerMu.Lock()
	defer r.registerMu.Unlock()

	if _, loaded := r.sets.Load(name); loaded {
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, name)
	}

	r.sets.Store(name, &Entry{Name: name, Devices: append([]string(nil), devices...), Closer: closer})

	return nil
}

// Detach unregisters name, running its Closer if one was supplied.
func (r *Registry) Detach(name string) error {
	r.registerMu.Lock()
	defer r.registerMu.Unlock()

	v, loaded := r.sets.LoadAndDelete(name)
	if !loaded {
		return fmt.Errorf("%w: %s", ErrNotAttached, name)
	}

	entry := v.(*Entry)
	if entry.Closer != nil {
		if err := entry.Closer.Close(); err != nil {
			return fmt.Errorf("registry: detach %s: %w", name, err)
		}
	}

	return nil
}

// Get returns the registry entry for name, for the admin/debug surface
// to report device lists and similar read-only metadata.
func (r *Registry) Get(name string) (*Entry, bool) {
	v, ok := r.sets.Load(name)
	if !ok {
		return nil, false
	}

	return v.(*Entry), true
}

// List returns every currently-attached cache set's name, sorted is left
// to the caller since sync.Map iteration order is unspecified.
func (r *Registry) List() []string {
	var names []string

	r.sets.Range(func(key, _ any) bool {
		names = append(names, key.(string))

		return true
	})

	return names
}
