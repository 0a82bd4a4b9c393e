// Package handler defines the pluggable per-kind decision logic the engine
// drives object state machines through.
//
// A StateHandler is pure: given the current state and freshly observed facts
// it returns the next state plus the side effects needed to get there. It
// performs no I/O and must be deterministic for identical inputs, which is
// what makes the machines testable without hardware.
package handler

import (
	"fmt"
	"sync"

	"github.com/metalfleet/fleetd/pkg/types"
)

// Decision is the output of one handler evaluation.
//
// Next equal to the evaluated state with no actions is a no-op: the engine
// skips the commit entirely. Disruptive marks transitions that take the
// object out of normal service; only those are gated by admission control.
type Decision struct {
	Next       types.ObjectState
	Actions    []types.Action
	Disruptive bool
}

// Noop reports whether the decision leaves the object where it is.
func (d Decision) Noop(current types.ObjectState) bool {
	return d.Next == current && len(d.Actions) == 0
}

// StateHandler is the per-kind decision capability. Implementations must be
// safe for concurrent calls: the engine evaluates many objects of the same
// kind in parallel.
type StateHandler interface {
	Kind() types.ObjectKind
	Decide(state types.ObjectState, facts types.Facts) (Decision, error)
}

// FatalStateError signals that no valid transition exists for the evaluated
// (state, facts) pair. The engine quarantines the object so a broken machine
// cannot busy-loop through every cycle.
type FatalStateError struct {
	Kind   types.ObjectKind
	State  types.ObjectState
	Reason string
}

func (e *FatalStateError) Error() string {
	return fmt.Sprintf("no valid transition for %s in state %q: %s", e.Kind, e.State, e.Reason)
}

// Registry maps object kinds to their handlers. Registration happens at
// startup; lookups run concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[types.ObjectKind]StateHandler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[types.ObjectKind]StateHandler)}
}

// Register adds a handler for its kind, replacing any previous registration.
func (r *Registry) Register(h StateHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Kind()] = h
}

// Lookup returns the handler for kind.
func (r *Registry) Lookup(kind types.ObjectKind) (StateHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for kind %q", kind)
	}
	return h, nil
}

// DefaultRegistry returns a registry with every built-in handler registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewHostHandler())
	r.Register(NewDPUHandler())
	r.Register(NewRackHandler())
	return r
}

// factBool reads a boolean fact, treating absence as false.
func factBool(facts types.Facts, key string) bool {
	v, ok := facts[key].(bool)
	return ok && v
}

// factString reads a string fact, treating absence as empty.
func factString(facts types.Facts, key string) string {
	v, _ := facts[key].(string)
	return v
}
