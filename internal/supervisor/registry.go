package supervisor

import "sync"

// registry is the single source of truth for in-flight processes. Entries
// are exclusively owned: one entry holds one live resource group handle for
// its whole lifetime, and removal from the registry always precedes the
// destruction of that group.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*procEntry
	closed  bool
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*procEntry)}
}

// put registers an entry. It fails once the registry has been closed for
// disposal so that no entry can slip in after the disposal snapshot.
func (r *registry) put(e *procEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.entries[e.id] = e
	return true
}

func (r *registry) get(id string) *procEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

func (r *registry) list() []*procEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*procEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// close marks the registry closed and returns the entries present at that
// moment. Atomic with respect to put, closing the window where a start
// racing disposal could register an unsupervised entry.
func (r *registry) close() []*procEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	out := make([]*procEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
