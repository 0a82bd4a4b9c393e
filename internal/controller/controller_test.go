package controller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalfleet/fleetd/internal/admission"
	"github.com/metalfleet/fleetd/internal/executor"
	"github.com/metalfleet/fleetd/internal/handler"
	"github.com/metalfleet/fleetd/internal/store"
	"github.com/metalfleet/fleetd/pkg/types"
)

// factsMap serves per-object facts and lets tests mutate them between
// cycles, simulating telemetry changing as hardware work completes.
type factsMap struct {
	mu    sync.Mutex
	facts map[types.ObjectID]types.Facts
}

func newFactsMap() *factsMap {
	return &factsMap{facts: make(map[types.ObjectID]types.Facts)}
}

func (f *factsMap) set(id types.ObjectID, facts types.Facts) {
	f.mu.Lock()
	f.facts[id] = facts
	f.mu.Unlock()
}

func (f *factsMap) Observe(_ context.Context, obj types.ManagedObject) (types.Facts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if facts, ok := f.facts[obj.ID]; ok {
		return facts, nil
	}
	return types.Facts{}, nil
}

type testEngine struct {
	controller *Controller
	store      *store.MemoryStore
	admission  *admission.Controller
	exec       *executor.CommandExecutor
	facts      *factsMap
}

func newTestEngine(t *testing.T, maxFraction float64) *testEngine {
	t.Helper()

	s := store.NewMemoryStore()
	adm := admission.NewController(maxFraction, 1)
	exec := executor.NewCommandExecutor()
	facts := newFactsMap()

	config := Config{
		IterationTime:         50 * time.Millisecond,
		DispatchInterval:      10 * time.Millisecond,
		LogInterval:           time.Second,
		MaxObjectHandlingTime: time.Second,
		MaxConcurrency:        4,
	}

	c := New(config, s, handler.DefaultRegistry(), exec, adm, facts, nil)
	return &testEngine{controller: c, store: s, admission: adm, exec: exec, facts: facts}
}

func (e *testEngine) seedHost(t *testing.T, id string, state types.ObjectState, version int64) {
	t.Helper()
	err := e.store.Create(context.Background(), types.ManagedObject{
		ID:           types.ObjectID(id),
		Kind:         types.KindHost,
		State:        state,
		StateVersion: version,
	})
	require.NoError(t, err)
}

func (e *testEngine) registerSuccess(names ...string) {
	for _, name := range names {
		e.exec.Register(name, func(context.Context, types.ObjectID, types.Action) executor.Result {
			return executor.Success()
		})
	}
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// End-to-end firmware scenario: host-1 at version 5 needs a
// firmware update; the disruptive flash is admitted, committed to version 6,
// and the slot stays held until the follow-up cycle commits ready at
// version 7 and releases it.
func TestFirmwareUpdateScenario(t *testing.T) {
	e := newTestEngine(t, 0.5)
	ctx := context.Background()

	e.seedHost(t, "host-1", types.HostNeedsFirmwareUpdate, 5)
	e.registerSuccess(handler.ActionFlashFirmware)
	e.facts.set("host-1", types.Facts{"target_firmware": "2.4.1"})
	e.admission.Recompute(10)

	// Cycle 1: disruptive flash admitted and committed.
	outcome, err := e.controller.reconcile(ctx, "host-1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCommitted, outcome)

	obj, err := e.store.Read(ctx, "host-1")
	require.NoError(t, err)
	assert.Equal(t, types.HostUpdatingFirmware, obj.State)
	assert.EqualValues(t, 6, obj.StateVersion)
	assert.True(t, obj.Disrupted)
	assert.Equal(t, 1, e.admission.InUse(), "slot must remain held across the maintenance window")

	entries, err := e.store.ListHistory(ctx, "host-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.EqualValues(t, 6, entries[0].StateVersion)
	assert.Equal(t, types.HostUpdatingFirmware, entries[0].State)

	// Cycle 2: flash still running, no-op, slot still held.
	outcome, err = e.controller.reconcile(ctx, "host-1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeNoop, outcome)
	assert.Equal(t, 1, e.admission.InUse())

	// Cycle 3: flash done, host returns to service, slot released.
	e.facts.set("host-1", types.Facts{"flash_done": true})
	outcome, err = e.controller.reconcile(ctx, "host-1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCommitted, outcome)

	obj, err = e.store.Read(ctx, "host-1")
	require.NoError(t, err)
	assert.Equal(t, types.HostReady, obj.State)
	assert.EqualValues(t, 7, obj.StateVersion)
	assert.False(t, obj.Disrupted)
	assert.Equal(t, 0, e.admission.InUse())

	entries, err = e.store.ListHistory(ctx, "host-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.EqualValues(t, 7, entries[0].StateVersion)
}

// Capacity 1, two disruptive-eligible hosts in the same cycle: exactly one
// is admitted, the other is denied and left unchanged for the next cycle.
func TestAdmissionDeniedIsBackpressure(t *testing.T) {
	e := newTestEngine(t, 0.01) // 2 hosts * 0.01 floors to minCapacity 1
	ctx := context.Background()

	e.seedHost(t, "host-1", types.HostNeedsFirmwareUpdate, 1)
	e.seedHost(t, "host-2", types.HostNeedsFirmwareUpdate, 1)
	e.registerSuccess(handler.ActionFlashFirmware)
	e.admission.Recompute(2)
	require.Equal(t, 1, e.admission.Capacity())

	first, err := e.controller.reconcile(ctx, "host-1")
	require.NoError(t, err)
	second, err := e.controller.reconcile(ctx, "host-2")
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeCommitted, first)
	assert.Equal(t, types.OutcomeDenied, second)

	// The denied host is untouched: same state, same version, no flag.
	obj, err := e.store.Read(ctx, "host-2")
	require.NoError(t, err)
	assert.Equal(t, types.HostNeedsFirmwareUpdate, obj.State)
	assert.EqualValues(t, 1, obj.StateVersion)
	assert.False(t, obj.Disrupted)
	assert.Equal(t, 1, e.admission.InUse())
}

// A handler/executor pair that never returns within the deadline yields a
// timeout, commits nothing, and releases the slot reserved by the task.
func TestTimeoutLeavesStateUnchanged(t *testing.T) {
	e := newTestEngine(t, 0.5)

	e.seedHost(t, "host-1", types.HostNeedsFirmwareUpdate, 3)
	e.admission.Recompute(10)
	e.exec.Register(handler.ActionFlashFirmware, func(ctx context.Context, _ types.ObjectID, _ types.Action) executor.Result {
		<-ctx.Done()
		return executor.Transient("interrupted by deadline")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	outcome, err := e.controller.reconcile(ctx, "host-1")
	assert.Equal(t, types.OutcomeTimeout, outcome)
	assert.Error(t, err)

	obj, readErr := e.store.Read(context.Background(), "host-1")
	require.NoError(t, readErr)
	assert.Equal(t, types.HostNeedsFirmwareUpdate, obj.State)
	assert.EqualValues(t, 3, obj.StateVersion)
	assert.False(t, obj.Disrupted, "rollback must clear the durable flag")
	assert.Equal(t, 0, e.admission.InUse(), "rollback must release the slot")
}

// A competing writer advancing the version between read and commit makes the
// task report a benign conflict.
func TestVersionConflictIsBenign(t *testing.T) {
	e := newTestEngine(t, 0.5)
	ctx := context.Background()

	e.seedHost(t, "host-1", types.HostUpdatingFirmware, 4)
	e.facts.set("host-1", types.Facts{"flash_done": true})

	// The facts observation is the window between read and commit; advance
	// the version there to simulate a racing admin trigger.
	raced := false
	e.controller.facts = FactsFunc(func(fctx context.Context, obj types.ManagedObject) (types.Facts, error) {
		if !raced {
			raced = true
			_, err := e.store.WriteIfVersion(fctx, obj.ID, obj.StateVersion, types.HostReady)
			require.NoError(t, err)
		}
		return types.Facts{"flash_done": true}, nil
	})

	outcome, err := e.controller.reconcile(ctx, "host-1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeConflict, outcome)

	obj, err := e.store.Read(ctx, "host-1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, obj.StateVersion, "only the racing write may advance the version")
}

// Transient action failure: nothing committed, failure surfaced, retried
// next cycle with the state unchanged.
func TestTransientActionFailure(t *testing.T) {
	e := newTestEngine(t, 0.5)
	ctx := context.Background()

	e.seedHost(t, "host-1", types.HostNeedsFirmwareUpdate, 2)
	e.admission.Recompute(10)
	e.exec.Register(handler.ActionFlashFirmware, func(context.Context, types.ObjectID, types.Action) executor.Result {
		return executor.Transient("bmc busy")
	})

	outcome, err := e.controller.reconcile(ctx, "host-1")
	assert.Equal(t, types.OutcomeTransient, outcome)
	assert.ErrorContains(t, err, "bmc busy")

	obj, readErr := e.store.Read(ctx, "host-1")
	require.NoError(t, readErr)
	assert.EqualValues(t, 2, obj.StateVersion)
	assert.Equal(t, 0, e.admission.InUse())
}

// An illegal state quarantines the object and excludes it from candidates
// until an operator clears it.
func TestFatalStateQuarantines(t *testing.T) {
	e := newTestEngine(t, 0.5)
	ctx := context.Background()

	e.seedHost(t, "host-1", types.ObjectState("corrupted"), 1)

	outcome, err := e.controller.reconcile(ctx, "host-1")
	assert.Equal(t, types.OutcomeFatal, outcome)
	assert.Error(t, err)

	obj, readErr := e.store.Read(ctx, "host-1")
	require.NoError(t, readErr)
	assert.True(t, obj.Quarantined)

	ids, err := e.store.ListCandidates(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Quarantined objects are skipped even when reconciled directly.
	outcome, err = e.controller.reconcile(ctx, "host-1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeNoop, outcome)

	require.NoError(t, e.controller.ClearQuarantine(ctx, "host-1"))
	ids, err = e.store.ListCandidates(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

// Full engine loop: seeded fleet converges through the running scheduler,
// not through direct harness calls.
func TestEngineDrivesFleetToReady(t *testing.T) {
	// Full fraction so every host can hold a slot at once; the admission
	// path has its own tests.
	e := newTestEngine(t, 1.0)
	ctx := context.Background()

	const hosts = 6
	for i := 0; i < hosts; i++ {
		id := fmt.Sprintf("host-%d", i)
		e.seedHost(t, id, types.HostNeedsFirmwareUpdate, 1)
		e.facts.set(types.ObjectID(id), types.Facts{"target_firmware": "2.4.1"})
	}
	e.registerSuccess(handler.ActionFlashFirmware)

	require.NoError(t, e.controller.Start(ctx))
	defer e.controller.Stop()

	// Wait for every host to enter the maintenance window, then finish the
	// flashes and wait for convergence.
	ok := waitFor(t, 5*time.Second, func() bool {
		for i := 0; i < hosts; i++ {
			obj, err := e.store.Read(ctx, types.ObjectID(fmt.Sprintf("host-%d", i)))
			if err != nil || obj.State != types.HostUpdatingFirmware {
				return false
			}
		}
		return true
	})
	require.True(t, ok, "hosts never entered updating_firmware")

	for i := 0; i < hosts; i++ {
		e.facts.set(types.ObjectID(fmt.Sprintf("host-%d", i)), types.Facts{"flash_done": true})
	}

	ok = waitFor(t, 5*time.Second, func() bool {
		for i := 0; i < hosts; i++ {
			obj, err := e.store.Read(ctx, types.ObjectID(fmt.Sprintf("host-%d", i)))
			if err != nil || obj.State != types.HostReady {
				return false
			}
		}
		return e.admission.InUse() == 0
	})
	require.True(t, ok, "fleet never converged to ready")

	obj, err := e.store.Read(ctx, "host-0")
	require.NoError(t, err)
	assert.EqualValues(t, 3, obj.StateVersion)
}

// Restart recovery: counters rebuilt from durable flags before any grant.
func TestStartRebuildsAdmissionFromStore(t *testing.T) {
	e := newTestEngine(t, 0.5)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		e.seedHost(t, fmt.Sprintf("host-%d", i), types.HostUpdatingFirmware, 2)
		require.NoError(t, e.store.MarkDisrupted(ctx, types.ObjectID(fmt.Sprintf("host-%d", i)), true))
	}

	require.NoError(t, e.controller.Start(ctx))
	defer e.controller.Stop()

	assert.Equal(t, 4, e.admission.InUse())
}

func TestTriggerReconcileUnknownObject(t *testing.T) {
	e := newTestEngine(t, 0.5)
	err := e.controller.TriggerReconcile(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
