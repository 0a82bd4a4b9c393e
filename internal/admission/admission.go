// Package admission enforces the fleet-wide cap on concurrent disruptive
// maintenance. It is the safety-critical gate: no matter how many
// reconciliation tasks race, the number of objects holding a maintenance
// slot never exceeds the computed capacity.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/metalfleet/fleetd/internal/store"
	"github.com/metalfleet/fleetd/pkg/types"
)

// Controller tracks maintenance slots for one fleet (or one logical
// partition, if callers construct one controller per partition).
//
// Counters are in-memory and rebuilt from the store's durable disrupted
// flags at startup, so a crash-restart can never silently exceed the cap.
type Controller struct {
	mu       sync.Mutex
	held     map[types.ObjectID]time.Time
	capacity int

	maxFraction float64
	minCapacity int
}

// NewController returns a controller allowing at most maxFraction of the
// fleet to be disrupted at once, but never fewer than minCapacity slots
// (a 10-host fleet at 5% would otherwise be frozen at zero).
func NewController(maxFraction float64, minCapacity int) *Controller {
	if minCapacity < 1 {
		minCapacity = 1
	}
	return &Controller{
		held:        make(map[types.ObjectID]time.Time),
		capacity:    minCapacity,
		maxFraction: maxFraction,
		minCapacity: minCapacity,
	}
}

// Recompute derives the slot capacity from the current fleet size. Called
// periodically by the engine; shrinking capacity below the number of slots
// currently held does not evict holders, it only blocks new acquisitions.
func (c *Controller) Recompute(fleetSize int) {
	capacity := int(float64(fleetSize) * c.maxFraction)
	if capacity < c.minCapacity {
		capacity = c.minCapacity
	}

	c.mu.Lock()
	c.capacity = capacity
	c.mu.Unlock()
}

// TryAcquire reserves a maintenance slot for id. Returns false, with no side
// effects, when the fleet is already at capacity. Acquiring a slot the
// object already holds is a no-op success, so a retried transition cannot
// double-count its own object.
func (c *Controller) TryAcquire(id types.ObjectID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.held[id]; ok {
		return true
	}
	if len(c.held) >= c.capacity {
		return false
	}
	c.held[id] = time.Now().UTC()
	return true
}

// Release frees the slot held by id. Releasing a slot not held is a no-op:
// duplicate releases happen legitimately when in-memory state is reconciled
// against the store's durable flags after a restart.
func (c *Controller) Release(id types.ObjectID) {
	c.mu.Lock()
	delete(c.held, id)
	c.mu.Unlock()
}

// Holds reports whether id currently holds a slot.
func (c *Controller) Holds(id types.ObjectID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.held[id]
	return ok
}

// InUse returns the number of slots currently held.
func (c *Controller) InUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}

// Capacity returns the current slot capacity.
func (c *Controller) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Rebuild replaces the in-memory counters with the store's durable view:
// every object flagged disrupted holds a slot. Must run before the engine
// grants any new slot after a restart. Rebuilding may leave the controller
// over capacity; acquisitions are denied until holders drain below the cap.
func (c *Controller) Rebuild(ctx context.Context, s store.Store) error {
	ids, err := s.ListDisrupted(ctx)
	if err != nil {
		return fmt.Errorf("rebuild admission counters: %w", err)
	}

	fleetSize, err := s.CountActive(ctx)
	if err != nil {
		return fmt.Errorf("rebuild admission counters: %w", err)
	}

	held := make(map[types.ObjectID]time.Time, len(ids))
	now := time.Now().UTC()
	for _, id := range ids {
		held[id] = now
	}

	capacity := int(float64(fleetSize) * c.maxFraction)
	if capacity < c.minCapacity {
		capacity = c.minCapacity
	}

	c.mu.Lock()
	c.held = held
	c.capacity = capacity
	c.mu.Unlock()
	return nil
}
