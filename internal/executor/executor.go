// Package executor performs the side effects ordered by state handlers
// against external systems (power control, firmware push, protocol calls).
//
// The executor never retries: a transient failure leaves the object's state
// untouched and the next reconciliation cycle re-derives the same actions
// from the unchanged state. Retry policy lives in the cycle cadence.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/metalfleet/fleetd/pkg/types"
)

// Status classifies one action execution.
type Status string

const (
	// StatusSuccess means the side effect completed.
	StatusSuccess Status = "success"
	// StatusTransient means the action failed but may succeed next cycle.
	StatusTransient Status = "transient_failure"
	// StatusFatal means the action must not be retried automatically.
	StatusFatal Status = "fatal_failure"
)

// Result reports one action outcome.
type Result struct {
	Status Status
	Reason string
}

// Success returns a successful result.
func Success() Result { return Result{Status: StatusSuccess} }

// Transient returns a retryable failure.
func Transient(reason string) Result { return Result{Status: StatusTransient, Reason: reason} }

// Fatal returns a non-retryable failure.
func Fatal(reason string) Result { return Result{Status: StatusFatal, Reason: reason} }

// Executor runs one action against the outside world. The context carries
// the reconciliation task's deadline; implementations must honor it.
type Executor interface {
	Execute(ctx context.Context, id types.ObjectID, action types.Action) Result
}

// CommandFunc implements one named hardware command.
type CommandFunc func(ctx context.Context, id types.ObjectID, action types.Action) Result

// CommandExecutor dispatches actions to registered command implementations.
// The hardware protocols themselves are external collaborators; callers
// register whatever client (or simulator) speaks them.
type CommandExecutor struct {
	mu       sync.RWMutex
	commands map[string]CommandFunc
}

var _ Executor = (*CommandExecutor)(nil)

// NewCommandExecutor returns an executor with no commands registered.
func NewCommandExecutor() *CommandExecutor {
	return &CommandExecutor{commands: make(map[string]CommandFunc)}
}

// Register binds a command implementation to an action name.
func (e *CommandExecutor) Register(name string, fn CommandFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands[name] = fn
}

// Execute runs the matching command. An action with no registered command is
// a fatal failure: retrying cannot make the command appear.
func (e *CommandExecutor) Execute(ctx context.Context, id types.ObjectID, action types.Action) Result {
	if err := ctx.Err(); err != nil {
		return Transient(fmt.Sprintf("context done before %s: %v", action.Name, err))
	}

	e.mu.RLock()
	fn, ok := e.commands[action.Name]
	e.mu.RUnlock()

	if !ok {
		return Fatal(fmt.Sprintf("no command registered for action %q", action.Name))
	}
	return fn(ctx, id, action)
}
