// Package queue holds the per-cycle candidate queue feeding the scheduler.
//
// Cycles are overlap-tolerant: a new scan may enqueue candidates while tasks
// from the previous scan are still running. The queue keeps a pending FIFO
// plus pending and in-flight indexes so the same object is never queued or
// dispatched twice concurrently; duplicate pushes are simply dropped.
package queue

import (
	"sync"

	"github.com/metalfleet/fleetd/pkg/types"
)

// CandidateQueue is safe for concurrent use by the scan loop, the dispatch
// loop, and admin triggers.
type CandidateQueue struct {
	mu       sync.Mutex
	pending  []types.ObjectID
	queued   map[types.ObjectID]struct{}
	inFlight map[types.ObjectID]struct{}
}

// NewCandidateQueue returns an empty queue.
func NewCandidateQueue() *CandidateQueue {
	return &CandidateQueue{
		queued:   make(map[types.ObjectID]struct{}),
		inFlight: make(map[types.ObjectID]struct{}),
	}
}

// Push appends id to the pending queue. Returns false when the id is already
// pending or in flight.
func (q *CandidateQueue) Push(id types.ObjectID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.isTrackedLocked(id) {
		return false
	}
	q.pending = append(q.pending, id)
	q.queued[id] = struct{}{}
	return true
}

// PushFront puts id at the head of the queue, ahead of scan-discovered
// candidates. Used by administrative triggers requesting immediate
// reconciliation. Returns false when the id is already pending or in flight.
func (q *CandidateQueue) PushFront(id types.ObjectID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.isTrackedLocked(id) {
		return false
	}
	q.pending = append([]types.ObjectID{id}, q.pending...)
	q.queued[id] = struct{}{}
	return true
}

// PopBatch removes up to n ids from the head of the queue and marks them in
// flight. Returns nil when the queue is empty.
func (q *CandidateQueue) PopBatch(n int) []types.ObjectID {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.pending) {
		n = len(q.pending)
	}
	if n <= 0 {
		return nil
	}

	batch := make([]types.ObjectID, n)
	copy(batch, q.pending[:n])
	q.pending = q.pending[n:]

	for _, id := range batch {
		delete(q.queued, id)
		q.inFlight[id] = struct{}{}
	}
	return batch
}

// Done clears id's in-flight mark, making it eligible for the next scan.
func (q *CandidateQueue) Done(id types.ObjectID) {
	q.mu.Lock()
	delete(q.inFlight, id)
	q.mu.Unlock()
}

// PendingLen returns the number of queued candidates.
func (q *CandidateQueue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlightLen returns the number of candidates currently dispatched.
func (q *CandidateQueue) InFlightLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

func (q *CandidateQueue) isTrackedLocked(id types.ObjectID) bool {
	if _, ok := q.queued[id]; ok {
		return true
	}
	_, ok := q.inFlight[id]
	return ok
}
