package relay

import (
	"sort"
	"sync"
	"time"
)

// Registry maps job ids to the users on this process interested in them.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	subs     map[string]map[string]struct{} // job id -> user ids
	terminal map[string]time.Time           // job id -> when it ended

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		subs:     map[string]map[string]struct{}{},
		terminal: map[string]time.Time{},
		now:      time.Now,
	}
}

// Subscribe adds user to each job's subscriber set. Repeating it is harmless.
// Subscribing to a job already marked terminal restarts its sweep grace.
func (r *Registry) Subscribe(jobIDs []string, user string) {
	if user == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, id := range jobIDs {
		if id == "" {
			continue
		}
		if _, ok := r.terminal[id]; ok {
			r.terminal[id] = now
		}
		set, ok := r.subs[id]
		if !ok {
			set = map[string]struct{}{}
			r.subs[id] = set
		}
		set[user] = struct{}{}
	}
}

// Unsubscribe removes user from each job's set. Unknown pairs are ignored.
func (r *Registry) Unsubscribe(jobIDs []string, user string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range jobIDs {
		set, ok := r.subs[id]
		if !ok {
			continue
		}
		delete(set, user)
		if len(set) == 0 {
			delete(r.subs, id)
		}
	}
}

// SubscribersOf returns a sorted copy of the users subscribed to jobID.
func (r *Registry) SubscribersOf(jobID string) []string {
	r.mu.RLock()
	set := r.subs[jobID]
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// MarkTerminal records that jobID will see no further updates. The entry
// stays until Sweep evicts it.
func (r *Registry) MarkTerminal(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[jobID]; !ok {
		return
	}
	if _, ok := r.terminal[jobID]; !ok {
		r.terminal[jobID] = r.now()
	}
}

// Sweep drops entries for jobs that have been terminal longer than grace
// and returns how many were dropped.
func (r *Registry) Sweep(grace time.Duration) int {
	cutoff := r.now().Add(-grace)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, at := range r.terminal {
		if at.After(cutoff) {
			continue
		}
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			n++
		}
		delete(r.terminal, id)
	}
	// Unsubscribe may have emptied an entry after it was marked.
	for id := range r.terminal {
		if _, ok := r.subs[id]; !ok {
			delete(r.terminal, id)
		}
	}
	return n
}

type RegistryStats struct {
	Jobs          int `json:"jobs"`
	Subscriptions int `json:"subscriptions"`
	Terminal      int `json:"terminal"`
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := RegistryStats{Jobs: len(r.subs), Terminal: len(r.terminal)}
	for _, set := range r.subs {
		st.Subscriptions += len(set)
	}
	return st
}
