package session

import (
	"sort"
	"sync"
)

// Registry maps tenant ids to their supervisor.  The lock only guards the
// map itself; supervisors are never called while it is held except for the
// lock-free State read.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Supervisor
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Supervisor)}
}

// GetOrCreate returns the live supervisor of tenantID, or stores the one
// built by create.  A supervisor that already reached Closed is replaced.
// create runs under the registry lock so concurrent callers for the same
// tenant observe a single instance.
func (r *Registry) GetOrCreate(tenantID string, create func() *Supervisor) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[tenantID]; ok && s.State() != StateClosed {
		return s, false
	}
	s := create()
	r.sessions[tenantID] = s
	return s, true
}

func (r *Registry) Get(tenantID string) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tenantID]
	return s, ok
}

// Remove drops the entry for tenantID.  Removing an absent tenant is a no-op.
func (r *Registry) Remove(tenantID string) {
	r.mu.Lock()
	delete(r.sessions, tenantID)
	r.mu.Unlock()
}

// removeIf deletes the entry only when it still points at s, so a closing
// supervisor never evicts its successor.
func (r *Registry) removeIf(tenantID string, s *Supervisor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[tenantID]; ok && cur == s {
		delete(r.sessions, tenantID)
		return true
	}
	return false
}

// ListReady returns the tenants whose session is Open, sorted.
func (r *Registry) ListReady() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.State() == StateOpen {
			out = append(out, id)
		}
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// All returns a copy of the current supervisors.
func (r *Registry) All() []*Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Supervisor, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
