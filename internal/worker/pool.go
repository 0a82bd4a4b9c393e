// Package worker provides the bounded pool executing reconciliation tasks.
//
// A fixed number of workers drain a shared task channel; each task runs one
// object reconciliation under its own deadline and reports a typed outcome
// on the result channel. The pool size is the engine's max_concurrency: any
// candidate beyond it waits in the candidate queue, never in a goroutine.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/metalfleet/fleetd/pkg/types"
)

var (
	// ErrPoolClosed is returned when submitting to or receiving from a
	// stopped pool.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned when submitting before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// ReconcileFunc performs one full reconciliation round for an object. The
// context carries the task deadline; implementations must abandon work and
// return once it expires.
type ReconcileFunc func(ctx context.Context, id types.ObjectID) (types.Outcome, error)

// Task is one dispatched reconciliation.
type Task struct {
	ObjectID types.ObjectID
	Timeout  time.Duration
}

// Result reports one finished reconciliation.
type Result struct {
	ObjectID types.ObjectID
	Outcome  types.Outcome
	Err      error
	Duration time.Duration
}

// Pool manages the worker goroutines and their channels.
type Pool struct {
	reconcile ReconcileFunc
	taskCh    chan Task
	resultCh  chan Result
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewPool creates a pool running fn for every task. bufferSize sets the task
// and result channel capacity.
func NewPool(bufferSize int, fn ReconcileFunc) *Pool {
	return &Pool{
		reconcile: fn,
		taskCh:    make(chan Task, bufferSize),
		resultCh:  make(chan Result, bufferSize),
		stopCh:    make(chan struct{}),
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}

	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run()
		}()
	}

	p.started = true
	return nil
}

// Submit hands a task to the pool. Blocks while all workers are busy and the
// task buffer is full; returns ErrPoolClosed once Stop has begun.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	taskCh := p.taskCh
	stopCh := p.stopCh
	p.mu.Unlock()

	// stopCh doubles as the escape hatch if Stop races with this send.
	select {
	case taskCh <- task:
		return nil
	case <-stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult blocks for the next finished task.
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop drains the pool: no new tasks are accepted, in-flight tasks finish
// under their own deadlines, then the result channel closes.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	close(p.taskCh)
	p.wg.Wait()
	close(p.resultCh)
}

func (p *Pool) run() {
	for task := range p.taskCh {
		start := time.Now()

		ctx, cancel := context.WithTimeout(context.Background(), task.Timeout)
		outcome, err := p.reconcile(ctx, task.ObjectID)
		cancel()

		if outcome == "" {
			outcome = types.OutcomeError
		}

		result := Result{
			ObjectID: task.ObjectID,
			Outcome:  outcome,
			Err:      err,
			Duration: time.Since(start),
		}

		// The result must reach the controller so in-flight tracking can
		// clear. The result loop drains until the channel closes, which
		// happens only after every worker has exited, so this cannot hang.
		p.resultCh <- result
	}
}
