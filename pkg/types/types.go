// Package types defines the core domain model shared across the fleetd engine.
package types

import (
	"time"
)

// ObjectID uniquely identifies a managed infrastructure object.
type ObjectID string

// ObjectKind discriminates the state machine an object is driven by.
type ObjectKind string

// Managed object kinds.
const (
	KindHost      ObjectKind = "host"
	KindDPU       ObjectKind = "dpu"
	KindRack      ObjectKind = "rack"
	KindInterface ObjectKind = "interface"
)

// ObjectState names a node in a kind-specific state machine. The vocabulary
// for each kind is owned by its StateHandler; the engine treats states as
// opaque except for equality.
type ObjectState string

// Host states.
const (
	HostReady               ObjectState = "host_ready"
	HostNeedsFirmwareUpdate ObjectState = "host_needs_firmware_update"
	HostUpdatingFirmware    ObjectState = "host_updating_firmware"
	HostNeedsReprovision    ObjectState = "host_needs_reprovision"
	HostReprovisioning      ObjectState = "host_reprovisioning"
)

// DPU states.
const (
	DPUReady            ObjectState = "dpu_ready"
	DPUNeedsFirmware    ObjectState = "dpu_needs_firmware"
	DPUFlashingFirmware ObjectState = "dpu_flashing_firmware"
)

// Rack states.
const (
	RackPoweredOff  ObjectState = "rack_powered_off"
	RackPoweringOn  ObjectState = "rack_powering_on"
	RackPoweredOn   ObjectState = "rack_powered_on"
	RackPoweringOff ObjectState = "rack_powering_off"
)

// ManagedObject is the engine's transient view of one stored object. The
// store owns the durable copy; a reconciliation task holds this snapshot only
// for the duration of one read-decide-commit round.
type ManagedObject struct {
	ID           ObjectID    `json:"id"`
	Kind         ObjectKind  `json:"kind"`
	State        ObjectState `json:"state"`
	StateVersion int64       `json:"state_version"`

	// Disrupted mirrors the durable flag the admission controller rebuilds
	// its counters from after a restart.
	Disrupted   bool       `json:"disrupted"`
	Quarantined bool       `json:"quarantined"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Facts are freshly observed conditions fed into a StateHandler decision.
// Keys are handler-defined; values must be JSON-serializable.
type Facts map[string]any

// Action is one side effect ordered by a StateHandler, executed in order by
// the ActionExecutor.
type Action struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// HistoryEntry is one append-only audit record, written once per successful
// commit and never read back by the engine.
type HistoryEntry struct {
	EntryID      string      `json:"entry_id"`
	ObjectID     ObjectID    `json:"object_id"`
	StateVersion int64       `json:"state_version"`
	State        ObjectState `json:"state"`
	RecordedAt   time.Time   `json:"recorded_at"`
}

// Outcome classifies how a single reconciliation task ended. Every task
// produces exactly one; the metrics collector labels counters with it.
type Outcome string

const (
	// OutcomeCommitted means a new state was written with a version bump.
	OutcomeCommitted Outcome = "committed"
	// OutcomeNoop means the handler chose to keep the current state.
	OutcomeNoop Outcome = "noop"
	// OutcomeConflict means another task advanced the object first; benign.
	OutcomeConflict Outcome = "conflict"
	// OutcomeDenied means admission control had no free maintenance slot.
	OutcomeDenied Outcome = "denied"
	// OutcomeTransient means an action failed in a retryable way.
	OutcomeTransient Outcome = "transient_failure"
	// OutcomeTimeout means the task exceeded max_object_handling_time.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeFatal means no valid transition exists; object quarantined.
	OutcomeFatal Outcome = "fatal"
	// OutcomeError covers store or executor failures outside the taxonomy.
	OutcomeError Outcome = "error"
)
