// Package registry holds the name -> runner directory the worker daemon
// dispatches through.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"taskrelay/internal/domain"
	"taskrelay/internal/errval"
)

type Registry struct {
	mu      sync.RWMutex
	runners map[string]domain.Runner
}

func New() *Registry {
	return &Registry{
		runners: map[string]domain.Runner{},
	}
}

func (r *Registry) Register(name string, runner domain.Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[name] = runner
}

// Lookup returns the runner registered under name, or errval.ErrUnknownTask.
func (r *Registry) Lookup(name string) (domain.Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errval.ErrUnknownTask, name)
	}
	return runner, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
