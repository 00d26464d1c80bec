// Package registry tracks which reports are currently receiving streamed updates.
//
// A report is listed from the moment its identity message is processed until
// its stream completes. Readers use absence as the signal that the final
// version of the report may now be fetched from the backend.
package registry

import (
	"context"
	"slices"
	"sync"
)

// Registry is a concurrency-safe set of report identifiers.
//
// The zero value is not usable; use [New].
type Registry struct {
	mu      sync.Mutex
	ids     map[string]struct{}
	changed chan struct{} // closed and replaced on every mutation
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		ids:     make(map[string]struct{}),
		changed: make(chan struct{}),
	}
}

// Add marks id as streaming. Empty identifiers are ignored.
func (r *Registry) Add(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return
	}
	r.ids[id] = struct{}{}
	r.notifyLocked()
}

// Remove clears id. Removing an absent identifier is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; !ok {
		return
	}
	delete(r.ids, id)
	r.notifyLocked()
}

// Contains reports whether id is streaming.
func (r *Registry) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	return ok
}

// Len returns the number of streaming reports.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// Snapshot returns the streaming identifiers in sorted order.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	r.mu.Unlock()
	slices.Sort(out)
	return out
}

// Wait blocks until id is no longer streaming or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) error {
	for {
		r.mu.Lock()
		_, ok := r.ids[id]
		ch := r.changed
		r.mu.Unlock()
		if !ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}
