// Package registry tracks live signaling connections by application namespace
// and display name.
//
// The forward index maps app -> display name -> connection id -> handle. The
// reverse index maps connection id -> (app, display name) so that disconnect
// cleanup never has to scan the forward index.
package registry

import (
	"slices"
	"sync"
)

// Entry is the reverse-index record for a registered connection.
type Entry struct {
	App         string
	DisplayName string
}

// Stats is a point-in-time count of registry contents.
type Stats struct {
	Apps        int `json:"apps"`
	Groups      int `json:"groups"`
	Connections int `json:"connections"`
}

type group[H any] map[string]H

// Registry is safe for concurrent use. Handles are stored as given and are
// never closed by the registry; their lifetime belongs to the transport.
type Registry[H any] struct {
	mu      sync.RWMutex
	apps    map[string]map[string]group[H]
	reverse map[string]Entry
}

// New returns an empty Registry.
func New[H any]() *Registry[H] {
	return &Registry[H]{
		apps:    make(map[string]map[string]group[H]),
		reverse: make(map[string]Entry),
	}
}

// Init registers connID under (app, displayName) and returns the ids that
// were already present in that group before the insert, sorted.
//
// If connID is already registered elsewhere it is detached from its previous
// group first, so a connection is never a member of two groups.
func (r *Registry[H]) Init(app, displayName, connID string, handle H) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reverse[connID]; ok {
		r.removeLocked(connID)
	}

	names, ok := r.apps[app]
	if !ok {
		names = make(map[string]group[H])
		r.apps[app] = names
	}
	g, ok := names[displayName]
	if !ok {
		g = make(group[H])
		names[displayName] = g
	}

	peers := make([]string, 0, len(g))
	for id := range g {
		peers = append(peers, id)
	}
	slices.Sort(peers)

	g[connID] = handle
	r.reverse[connID] = Entry{App: app, DisplayName: displayName}
	return peers
}

// Lookup returns the handle registered at (app, displayName, connID).
func (r *Registry[H]) Lookup(app, displayName, connID string) (H, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero H
	names, ok := r.apps[app]
	if !ok {
		return zero, false
	}
	g, ok := names[displayName]
	if !ok {
		return zero, false
	}
	h, ok := g[connID]
	if !ok {
		return zero, false
	}
	return h, true
}

// Remove drops connID from both indexes. Unknown ids are ignored. The group
// is deleted once empty; the application entry is kept.
func (r *Registry[H]) Remove(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connID)
}

func (r *Registry[H]) removeLocked(connID string) (Entry, bool) {
	entry, ok := r.reverse[connID]
	if !ok {
		return Entry{}, false
	}
	delete(r.reverse, connID)

	names := r.apps[entry.App]
	if g, ok := names[entry.DisplayName]; ok {
		delete(g, connID)
		if len(g) == 0 {
			delete(names, entry.DisplayName)
		}
	}
	return entry, true
}

// registered reports whether connID has completed init and not been removed.
func (r *Registry[H]) registered(connID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.reverse[connID]
	return entry, ok
}

// Peers returns the sorted connection ids currently in (app, displayName).
func (r *Registry[H]) Peers(app, displayName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g := r.apps[app][displayName]
	out := make([]string, 0, len(g))
	for id := range g {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// hasGroup reports whether (app, displayName) currently has an entry.
func (r *Registry[H]) hasGroup(app, displayName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.apps[app][displayName]
	return ok
}

// Stats counts applications, non-empty groups and registered connections.
func (r *Registry[H]) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Apps: len(r.apps), Connections: len(r.reverse)}
	for _, names := range r.apps {
		s.Groups += len(names)
	}
	return s
}
