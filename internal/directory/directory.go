package directory

import (
	"sort"
	"sync"

	"anchorkeep.ai/internal/anchor"
)

// Directory maps case-insensitive names to at most one live handle.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]anchor.Handle
}

func New() *Directory {
	return &Directory{entries: map[string]anchor.Handle{}}
}

// TryRegister stores h under name unless a live entry already exists.
func (d *Directory) TryRegister(name string, h anchor.Handle) bool {
	k := anchor.Key(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.entries[k]; exists {
		return false
	}
	d.entries[k] = h
	return true
}

func (d *Directory) Remove(name string) (anchor.Handle, bool) {
	k := anchor.Key(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.entries[k]
	if ok {
		delete(d.entries, k)
	}
	return h, ok
}

func (d *Directory) Get(name string) (anchor.Handle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.entries[anchor.Key(name)]
	return h, ok
}

// Swap replaces old with next only if old is still the registered handle.
func (d *Directory) Swap(name string, old, next anchor.Handle) bool {
	k := anchor.Key(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.entries[k]
	if !ok || cur != old {
		return false
	}
	d.entries[k] = next
	return true
}

// Snapshot returns a copy of the live handles ordered by key.
func (d *Directory) Snapshot() []anchor.Handle {
	d.mu.RLock()
	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]anchor.Handle, 0, len(keys))
	for _, k := range keys {
		out = append(out, d.entries[k])
	}
	d.mu.RUnlock()
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
