package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalfleet/fleetd/pkg/types"
)

func TestSubmitBeforeStart(t *testing.T) {
	p := NewPool(4, func(context.Context, types.ObjectID) (types.Outcome, error) {
		return types.OutcomeNoop, nil
	})
	err := p.Submit(Task{ObjectID: "host-1", Timeout: time.Second})
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

func TestTasksRunAndReport(t *testing.T) {
	var calls atomic.Int64
	p := NewPool(8, func(_ context.Context, id types.ObjectID) (types.Outcome, error) {
		calls.Add(1)
		return types.OutcomeCommitted, nil
	})
	require.NoError(t, p.Start(2))
	defer p.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(Task{ObjectID: "host-1", Timeout: time.Second}))
	}

	for i := 0; i < 5; i++ {
		res, err := p.ReceiveResult()
		require.NoError(t, err)
		assert.Equal(t, types.OutcomeCommitted, res.Outcome)
		assert.Equal(t, types.ObjectID("host-1"), res.ObjectID)
	}
	assert.EqualValues(t, 5, calls.Load())
}

func TestTaskDeadlinePropagates(t *testing.T) {
	p := NewPool(1, func(ctx context.Context, _ types.ObjectID) (types.Outcome, error) {
		<-ctx.Done()
		return types.OutcomeTimeout, ctx.Err()
	})
	require.NoError(t, p.Start(1))
	defer p.Stop()

	require.NoError(t, p.Submit(Task{ObjectID: "host-1", Timeout: 20 * time.Millisecond}))

	res, err := p.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeTimeout, res.Outcome)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestConcurrencyBoundedByWorkerCount(t *testing.T) {
	const workers = 3
	var running, peak atomic.Int64

	p := NewPool(32, func(_ context.Context, _ types.ObjectID) (types.Outcome, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return types.OutcomeNoop, nil
	})
	require.NoError(t, p.Start(workers))
	defer p.Stop()

	const tasks = 20
	for i := 0; i < tasks; i++ {
		require.NoError(t, p.Submit(Task{ObjectID: types.ObjectID("h"), Timeout: time.Second}))
	}
	for i := 0; i < tasks; i++ {
		_, err := p.ReceiveResult()
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, peak.Load(), int64(workers))
}

func TestStopRejectsNewWork(t *testing.T) {
	p := NewPool(1, func(context.Context, types.ObjectID) (types.Outcome, error) {
		return types.OutcomeNoop, nil
	})
	require.NoError(t, p.Start(1))
	p.Stop()

	err := p.Submit(Task{ObjectID: "host-1", Timeout: time.Second})
	assert.ErrorIs(t, err, ErrPoolClosed)

	_, err = p.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}
