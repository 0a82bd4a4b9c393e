package controller

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/metalfleet/fleetd/internal/executor"
	"github.com/metalfleet/fleetd/internal/handler"
	"github.com/metalfleet/fleetd/internal/store"
	"github.com/metalfleet/fleetd/pkg/types"
)

// reconcile runs one full round for one object:
//
//	read (state, version) → observe facts → decide → admit if disruptive →
//	execute actions in order → commit via version-CAS → append history →
//	release the maintenance slot on terminal or failed transitions.
//
// The context carries the max_object_handling_time deadline. No partial
// state is ever committed: every early return before WriteIfVersion leaves
// the stored object exactly as it was read.
func (c *Controller) reconcile(ctx context.Context, id types.ObjectID) (types.Outcome, error) {
	obj, err := c.store.Read(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Deleted between scan and dispatch; nothing to drive.
			return types.OutcomeNoop, nil
		}
		return c.classifyErr(ctx, err)
	}

	if obj.Quarantined || obj.DeletedAt != nil {
		return types.OutcomeNoop, nil
	}

	facts, err := c.facts.Observe(ctx, obj)
	if err != nil {
		return c.classifyErr(ctx, err)
	}

	h, err := c.handlers.Lookup(obj.Kind)
	if err != nil {
		return types.OutcomeError, err
	}

	decision, err := h.Decide(obj.State, facts)
	if err != nil {
		var fatal *handler.FatalStateError
		if errors.As(err, &fatal) {
			return c.quarantine(ctx, obj, err)
		}
		return c.classifyErr(ctx, err)
	}

	// Admission gate. A denial is backpressure, not a failure: the object
	// is simply retried next cycle. acquiredHere distinguishes a slot this
	// task reserved from one carried over from an earlier disruptive
	// transition still in progress.
	acquiredHere := false
	if decision.Disruptive {
		if !c.admission.Holds(id) {
			if !c.admission.TryAcquire(id) {
				return types.OutcomeDenied, nil
			}
			acquiredHere = true

			// The durable flag goes down before the first disruptive
			// action so a crash in between over-counts on rebuild rather
			// than under-counting.
			if err := c.store.MarkDisrupted(ctx, id, true); err != nil {
				c.admission.Release(id)
				return c.classifyErr(ctx, err)
			}
		}
	}

	for _, action := range decision.Actions {
		if ctx.Err() != nil {
			c.rollbackSlot(obj, acquiredHere)
			return types.OutcomeTimeout, ctx.Err()
		}

		res := c.exec.Execute(ctx, id, action)
		switch res.Status {
		case executor.StatusSuccess:
			continue
		case executor.StatusTransient:
			c.rollbackSlot(obj, acquiredHere)
			if ctx.Err() != nil {
				return types.OutcomeTimeout, ctx.Err()
			}
			return types.OutcomeTransient, errors.New(res.Reason)
		case executor.StatusFatal:
			c.rollbackSlot(obj, acquiredHere)
			return c.quarantine(ctx, obj, errors.New(res.Reason))
		}
	}

	if decision.Noop(obj.State) {
		return types.OutcomeNoop, nil
	}

	if ctx.Err() != nil {
		c.rollbackSlot(obj, acquiredHere)
		return types.OutcomeTimeout, ctx.Err()
	}

	updated, err := c.store.WriteIfVersion(ctx, id, obj.StateVersion, decision.Next)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another round already advanced this object; benign. Keep the
			// slot only if the winner left the object disrupted.
			if acquiredHere {
				if fresh, readErr := c.store.Read(ctx, id); readErr == nil && !fresh.Disrupted {
					c.admission.Release(id)
				}
			}
			return types.OutcomeConflict, nil
		}
		c.rollbackSlot(obj, acquiredHere)
		return c.classifyErr(ctx, err)
	}

	// Audit trail. Failing to append never fails the committed transition:
	// the history log is for operators, the store rows are the truth.
	entry := types.HistoryEntry{
		EntryID:      uuid.NewString(),
		ObjectID:     id,
		StateVersion: updated.StateVersion,
		State:        updated.State,
		RecordedAt:   time.Now().UTC(),
	}
	if err := c.store.AppendHistory(ctx, entry); err != nil {
		log.Warn("failed to append history entry", "object", id, "error", err)
	}

	// A committed non-disruptive transition on a disrupted object is the
	// end of its maintenance window: clear the durable flag, free the slot.
	if !decision.Disruptive && obj.Disrupted {
		if err := c.store.MarkDisrupted(ctx, id, false); err != nil {
			log.Warn("failed to clear disruption flag", "object", id, "error", err)
		}
		c.admission.Release(id)
	}

	return types.OutcomeCommitted, nil
}

// rollbackSlot undoes a slot reservation made by this task after its
// transition failed. Slots carried over from earlier cycles stay held: the
// physical disruption is still in progress.
func (c *Controller) rollbackSlot(obj types.ManagedObject, acquiredHere bool) {
	if !acquiredHere {
		return
	}
	// Best-effort flag clear on a fresh context: the task deadline may
	// already be spent, and a leaked true flag only over-counts on rebuild.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.MarkDisrupted(ctx, obj.ID, false); err != nil {
		log.Warn("failed to clear disruption flag during rollback", "object", obj.ID, "error", err)
	}
	c.admission.Release(obj.ID)
}

// quarantine durably flags an object for operator attention and excludes it
// from automatic reconciliation until manually cleared.
func (c *Controller) quarantine(ctx context.Context, obj types.ManagedObject, cause error) (types.Outcome, error) {
	if err := c.store.SetQuarantined(ctx, obj.ID, true); err != nil {
		log.Error("failed to quarantine object", "object", obj.ID, "error", err)
	}
	return types.OutcomeFatal, cause
}

// classifyErr maps an infrastructure error to a task outcome: a spent
// deadline is a timeout, anything else surfaces as an engine error.
func (c *Controller) classifyErr(ctx context.Context, err error) (types.Outcome, error) {
	if ctx.Err() != nil {
		return types.OutcomeTimeout, ctx.Err()
	}
	return types.OutcomeError, err
}
