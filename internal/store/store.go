// Package store defines the narrow persistence contract the reconciliation
// engine drives objects through, plus the SQLite and in-memory backends.
//
// The engine mutates object state only through WriteIfVersion, a conditional
// write that succeeds when the stored version still matches the version the
// caller observed at read time. That compare-and-swap is the sole concurrency
// control between competing reconciliation tasks: there are no object locks.
package store

import (
	"context"
	"errors"

	"github.com/metalfleet/fleetd/pkg/types"
)

var (
	// ErrNotFound indicates the object id is unknown to the store.
	ErrNotFound = errors.New("object not found")
	// ErrConflict indicates a version-conditioned write lost the race: the
	// stored version no longer matches the observed one.
	ErrConflict = errors.New("state version conflict")
	// ErrDuplicateObject indicates a create with an id that already exists.
	ErrDuplicateObject = errors.New("object already exists")
)

// Filter narrows candidate listing. The zero value selects every live,
// non-quarantined object of every kind.
type Filter struct {
	Kind               types.ObjectKind // empty selects all kinds
	IncludeQuarantined bool
	IncludeDeleted     bool
	Limit              int // 0 means no limit
}

// Store is the durable source of truth for managed objects.
//
// All mutating methods must be safe under concurrent calls from up to
// max_concurrency reconciliation tasks. WriteIfVersion must be atomic:
// exactly one of any set of racing writers observing the same version wins.
type Store interface {
	// Create inserts a new object at its given state and version.
	Create(ctx context.Context, obj types.ManagedObject) error

	// Read returns the current snapshot of one object.
	Read(ctx context.Context, id types.ObjectID) (types.ManagedObject, error)

	// ListCandidates returns the ids of objects eligible for reconciliation
	// under the filter. Order is unspecified.
	ListCandidates(ctx context.Context, f Filter) ([]types.ObjectID, error)

	// WriteIfVersion commits next as the object's state if and only if the
	// stored version still equals observedVersion. On success the stored
	// version becomes observedVersion+1 and the updated snapshot is
	// returned. A lost race returns ErrConflict.
	WriteIfVersion(ctx context.Context, id types.ObjectID, observedVersion int64, next types.ObjectState) (types.ManagedObject, error)

	// AppendHistory records one immutable audit entry. Never read back by
	// the engine; exposed to operators through ListHistory.
	AppendHistory(ctx context.Context, entry types.HistoryEntry) error

	// ListHistory returns up to limit entries for one object, newest first.
	ListHistory(ctx context.Context, id types.ObjectID, limit int) ([]types.HistoryEntry, error)

	// MarkDisrupted flips the durable "currently disrupted" flag consumed by
	// admission-controller crash recovery. Not version-conditioned.
	MarkDisrupted(ctx context.Context, id types.ObjectID, disrupted bool) error

	// ListDisrupted returns the ids of all objects currently flagged
	// disrupted. Used once at startup to rebuild admission counters.
	ListDisrupted(ctx context.Context) ([]types.ObjectID, error)

	// SetQuarantined flips the operator-attention flag. Quarantined objects
	// are excluded from candidate listing until manually cleared.
	SetQuarantined(ctx context.Context, id types.ObjectID, quarantined bool) error

	// CountActive returns the number of live objects, the denominator for
	// the admission capacity fraction.
	CountActive(ctx context.Context) (int, error)

	Close() error
}
