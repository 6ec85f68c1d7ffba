package orchestrator

import (
	"sort"
	"sync"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
)

// Registry is the set of running deployments. Mutations are limited to
// insert-if-absent and remove-if-present under one lock.
type Registry struct {
	running map[subgraphruntime.DeploymentID]struct{}
	mu      sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{running: make(map[subgraphruntime.DeploymentID]struct{})}
}

// Insert adds id unless present and reports whether it was added.
func (r *Registry) Insert(id subgraphruntime.DeploymentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[id]; ok {
		return false
	}
	r.running[id] = struct{}{}
	return true
}

// Remove deletes id if present and reports whether it was removed.
func (r *Registry) Remove(id subgraphruntime.DeploymentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[id]; !ok {
		return false
	}
	delete(r.running, id)
	return true
}

func (r *Registry) Contains(id subgraphruntime.DeploymentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[id]
	return ok
}

// List returns the running deployments in sorted order.
func (r *Registry) List() []subgraphruntime.DeploymentID {
	r.mu.Lock()
	ids := make([]subgraphruntime.DeploymentID, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
