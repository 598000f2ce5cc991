package playbook

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Request carries the target of a step invocation.
type Request struct {
	IncidentID  string
	ResourceKey string
	// Context is the failure context captured when the incident opened.
	Context map[string]string
	// Params are the step's static parameters from the playbook definition.
	Params map[string]string
}

// Func is one hook of an action set. Implementations must be idempotent: the
// engine guarantees at-least-once execution, not exactly-once.
type Func func(ctx context.Context, req Request) error

// ActionSet groups the hooks for one action kind. Action is mandatory; the
// rest are optional and gated by the step flags at publish time.
type ActionSet struct {
	Action   Func
	Verify   Func
	Rollback Func
	DryRun   Func
}

// Actions maps action kinds to their function sets. The mapping is closed at
// load time: lookups at execution time cannot miss, because publish-time
// validation resolved every step against this registry.
type Actions struct {
	mu   sync.RWMutex
	sets map[string]ActionSet
}

// NewActions returns an empty action registry.
func NewActions() *Actions {
	return &Actions{sets: make(map[string]ActionSet)}
}

// Register adds an action set under the given kind. Re-registering a kind is
// rejected to keep dispatch unambiguous.
func (a *Actions) Register(kind string, set ActionSet) error {
	if kind == "" {
		return fmt.Errorf("action kind is required")
	}
	if set.Action == nil {
		return fmt.Errorf("action %s: action func is required", kind)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.sets[kind]; exists {
		return fmt.Errorf("action %s already registered", kind)
	}
	a.sets[kind] = set
	return nil
}

// Resolve returns the action set for a kind.
func (a *Actions) Resolve(kind string) (ActionSet, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	set, ok := a.sets[kind]
	return set, ok
}

// Kinds returns the registered action kinds in sorted order.
func (a *Actions) Kinds() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	kinds := make([]string, 0, len(a.sets))
	for kind := range a.sets {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
