package realtime

import (
	"sort"
	"sync"

	"github.com/tably/tably/internal/schema"
	"github.com/tably/tably/internal/topic"
)

// Handler consumes one inbound wire frame.
type Handler func(frame schema.Frame)

type registration struct {
	key     string
	handler Handler
}

// registry maps filter strings to callback sets. Each registration carries a
// caller-chosen subscriber key; re-registering the same (filter, key) pair is
// suppressed. Func values have no identity in Go, so the key is the only
// thing that can say "this is the same subscriber again" without collapsing
// distinct closures that happen to share code. Mutation is guarded so a
// callback may subscribe or unsubscribe mid-fanout; dispatch always iterates
// a snapshot.
type registry struct {
	mu      sync.RWMutex
	entries map[string][]registration
}

func newRegistry() *registry {
	return &registry{entries: make(map[string][]registration)}
}

// add registers the handler under (filter, key) and reports whether it was new.
func (r *registry) add(filter, key string, h Handler) bool {
	if h == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.entries[filter] {
		if reg.key == key {
			return false
		}
	}
	r.entries[filter] = append(r.entries[filter], registration{key: key, handler: h})
	return true
}

// remove drops every callback registered under the exact filter string.
func (r *registry) remove(filter string) {
	r.mu.Lock()
	delete(r.entries, filter)
	r.mu.Unlock()
}

// clear empties the registry.
func (r *registry) clear() {
	r.mu.Lock()
	r.entries = make(map[string][]registration)
	r.mu.Unlock()
}

// filters returns the registered filter strings, sorted for deterministic
// re-subscription after a reconnect.
func (r *registry) filters() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.entries))
	for f := range r.entries {
		out = append(out, f)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// match snapshots every handler whose filter covers the topic.
func (r *registry) match(t string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handler
	for filter, regs := range r.entries {
		if !topic.Match(filter, t) {
			continue
		}
		for _, reg := range regs {
			out = append(out, reg.handler)
		}
	}
	return out
}
