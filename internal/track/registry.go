package track

import "sort"

// Registry maps tracked source IDs to their upstream USGS site numbers.
//
// It is an explicit object threaded into the engine, adapter and scheduler
// rather than package-level state, so multiple independent trackers can
// coexist in one process. The set may change between poll cycles; the core
// tolerates additions and removals without special-casing.
type Registry struct {
	sites map[string]string
}

// NewRegistry creates a registry from an initial id -> site-number map.
// The map is copied; nil is allowed.
func NewRegistry(sites map[string]string) *Registry {
	r := &Registry{sites: make(map[string]string, len(sites))}
	for id, site := range sites {
		r.sites[id] = site
	}
	return r
}

// Add registers (or re-points) a source ID.
func (r *Registry) Add(id, siteNo string) {
	r.sites[id] = siteNo
}

// Remove stops tracking a source ID. Removing an unknown ID is a no-op.
func (r *Registry) Remove(id string) {
	delete(r.sites, id)
}

// IDs returns the tracked source IDs in stable sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.sites))
	for id := range r.sites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SiteFor returns the upstream site number for a source ID.
func (r *Registry) SiteFor(id string) (string, bool) {
	site, ok := r.sites[id]
	return site, ok
}

// Sites returns a copy of the id -> site-number map.
func (r *Registry) Sites() map[string]string {
	cp := make(map[string]string, len(r.sites))
	for id, site := range r.sites {
		cp[id] = site
	}
	return cp
}

// Len reports the number of tracked sources.
func (r *Registry) Len() int {
	return len(r.sites)
}
