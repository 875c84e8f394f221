package tunnel

import (
	"fmt"
	"sync"
)

// Entry is a descriptor bound in a Registry together with the owner that registered it.
type Entry struct {
	Descriptor Descriptor
	Owner      string
}

// Registry is an ordered, concurrency-safe set of descriptors. At most one
// descriptor may claim a (protocol, port) pair, except that http descriptors
// can share a port when their host rules are disjoint.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Add validates d and appends it in registration order.
func (r *Registry) Add(d Descriptor, owner string) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if err := conflict(e.Descriptor, d); err != nil {
			return err
		}
	}
	r.entries = append(r.entries, Entry{Descriptor: d, Owner: owner})
	return nil
}

func conflict(existing, d Descriptor) error {
	if existing.Name != "" && existing.Name == d.Name && existing.ServerPort == d.ServerPort {
		return fmt.Errorf("%w: %s already registered", ErrConflict, d.Name)
	}
	if existing.ServerPort != d.ServerPort {
		return nil
	}
	if existing.Protocol != KindHTTP || d.Protocol != KindHTTP {
		return fmt.Errorf("%w: port %d already bound by %s", ErrConflict, d.ServerPort, existing)
	}
	for _, a := range existing.ProxyHosts {
		for _, b := range d.ProxyHosts {
			if hostsOverlap(a.Host, b.Host) {
				return fmt.Errorf("%w: host %q overlaps %q of %s", ErrConflict, b.Host, a.Host, existing)
			}
		}
	}
	return nil
}

// RemoveOwner drops every descriptor registered by owner and returns them.
func (r *Registry) RemoveOwner(owner string) []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []Descriptor
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.Owner == owner {
			removed = append(removed, e.Descriptor)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(r.entries); i++ {
		r.entries[i] = Entry{}
	}
	r.entries = kept
	return removed
}

// Remove drops the descriptor named name on port if owner registered it.
func (r *Registry) Remove(port int, name, owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.Owner == owner && e.Descriptor.ServerPort == port && e.Descriptor.Name == name {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Find returns the first descriptor, in registration order, that matches info.
func (r *Registry) Find(info Info) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.Descriptor.Match(info) {
			return e, true
		}
	}
	return Entry{}, false
}

// Route resolves an http host on port to its tunnel, or ErrRouting.
func (r *Registry) Route(port int, host string) (Entry, error) {
	if e, ok := r.Find(Info{Protocol: KindHTTP, ServerPort: port, ProxyHost: host}); ok {
		return e, nil
	}
	return Entry{}, fmt.Errorf("%w: %q on port %d", ErrRouting, host, port)
}

// Port returns the entries bound on port, in registration order.
func (r *Registry) Port(port int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.entries {
		if e.Descriptor.ServerPort == port {
			out = append(out, e)
		}
	}
	return out
}

// Entries returns a snapshot of all entries.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Entry(nil), r.entries...)
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
