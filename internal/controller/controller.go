// Package controller implements the object reconciliation engine: the
// periodic, bounded-concurrency driver that selects objects needing
// attention, advances their state machines through per-kind handlers,
// commits transitions with optimistic versioning, and gates disruptive work
// behind fleet-wide admission control.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/metalfleet/fleetd/internal/admission"
	"github.com/metalfleet/fleetd/internal/executor"
	"github.com/metalfleet/fleetd/internal/handler"
	"github.com/metalfleet/fleetd/internal/metrics"
	"github.com/metalfleet/fleetd/internal/queue"
	"github.com/metalfleet/fleetd/internal/store"
	"github.com/metalfleet/fleetd/internal/worker"
	"github.com/metalfleet/fleetd/pkg/types"
)

var log = slog.Default()

// FactsSource observes the fresh facts a handler decision is based on.
// Telemetry ingestion (BMC polls, message-bus consumers) lives behind this
// interface; the engine only asks for one object's facts at a time.
type FactsSource interface {
	Observe(ctx context.Context, obj types.ManagedObject) (types.Facts, error)
}

// FactsFunc adapts a function to FactsSource.
type FactsFunc func(ctx context.Context, obj types.ManagedObject) (types.Facts, error)

func (f FactsFunc) Observe(ctx context.Context, obj types.ManagedObject) (types.Facts, error) {
	return f(ctx, obj)
}

// NoFacts is a FactsSource reporting nothing observed.
var NoFacts = FactsFunc(func(context.Context, types.ManagedObject) (types.Facts, error) {
	return types.Facts{}, nil
})

// Config is the engine's immutable configuration snapshot, loaded once.
type Config struct {
	// IterationTime is the full-scan cadence. Cycles may overlap; the
	// concurrency cap is the only throttle.
	IterationTime time.Duration
	// DispatchInterval paces how fast queued candidates are handed to the
	// pool within a cycle, smoothing load on the store.
	DispatchInterval time.Duration
	// LogInterval paces the summary log and gauge refresh, independent of
	// cycle boundaries.
	LogInterval time.Duration
	// MaxObjectHandlingTime is the hard per-task deadline.
	MaxObjectHandlingTime time.Duration
	// MaxConcurrency bounds simultaneously executing reconciliations.
	MaxConcurrency int
	// DispatchBatchSize caps candidates released per dispatch tick.
	// Defaults to MaxConcurrency.
	DispatchBatchSize int
	// Kind restricts scanning to one object kind. Empty scans all kinds.
	Kind types.ObjectKind
}

func (c *Config) applyDefaults() {
	if c.IterationTime <= 0 {
		c.IterationTime = 30 * time.Second
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 500 * time.Millisecond
	}
	if c.LogInterval <= 0 {
		c.LogInterval = time.Minute
	}
	if c.MaxObjectHandlingTime <= 0 {
		c.MaxObjectHandlingTime = 30 * time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.DispatchBatchSize <= 0 {
		c.DispatchBatchSize = c.MaxConcurrency
	}
}

// Controller is the object state controller.
type Controller struct {
	config    Config
	store     store.Store
	handlers  *handler.Registry
	exec      executor.Executor
	admission *admission.Controller
	facts     FactsSource
	collector *metrics.Collector

	candidates *queue.CandidateQueue
	pool       *worker.Pool

	mu        sync.Mutex
	stopped   bool
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
	startTime time.Time
}

// New assembles an engine. The store, handler registry, executor, admission
// controller, and facts source are injected; nothing here opens connections.
func New(config Config, s store.Store, handlers *handler.Registry, exec executor.Executor, adm *admission.Controller, facts FactsSource, collector *metrics.Collector) *Controller {
	config.applyDefaults()
	if facts == nil {
		facts = NoFacts
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}

	c := &Controller{
		config:     config,
		store:      s,
		handlers:   handlers,
		exec:       exec,
		admission:  adm,
		facts:      facts,
		collector:  collector,
		candidates: queue.NewCandidateQueue(),
		stopCh:     make(chan struct{}),
	}
	c.pool = worker.NewPool(config.MaxConcurrency, c.reconcile)
	return c
}

// Start rebuilds admission counters from the store's durable disrupted
// flags, then launches the worker pool and the scan/dispatch/result/log
// loops. The rebuild must complete before any slot can be granted, otherwise
// a restart could silently exceed the safety cap.
func (c *Controller) Start(ctx context.Context) error {
	c.startTime = time.Now()

	if err := c.admission.Rebuild(ctx, c.store); err != nil {
		return fmt.Errorf("admission recovery failed: %w", err)
	}
	log.Info("admission counters rebuilt",
		"in_maintenance", c.admission.InUse(),
		"capacity", c.admission.Capacity())

	if err := c.pool.Start(c.config.MaxConcurrency); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.loopWg.Add(4)
	go c.scanLoop()
	go c.dispatchLoop()
	go c.resultLoop()
	go c.logLoop()

	log.Info("controller started",
		"max_concurrency", c.config.MaxConcurrency,
		"iteration_time", c.config.IterationTime)
	return nil
}

// Stop shuts the engine down: loops are signalled first, then the pool
// drains in-flight tasks under their own deadlines. Partially executed
// external actions are picked up again by a later run.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	log.Info("stopping controller")
	close(c.stopCh)
	c.pool.Stop()
	c.loopWg.Wait()
	log.Info("controller stopped")
}

// TriggerReconcile queues one object for immediate reconciliation ahead of
// scan-discovered candidates. Used by the administrative surface.
func (c *Controller) TriggerReconcile(ctx context.Context, id types.ObjectID) error {
	if _, err := c.store.Read(ctx, id); err != nil {
		return err
	}
	if !c.candidates.PushFront(id) {
		log.Debug("trigger ignored, object already queued", "object", id)
	}
	return nil
}

// ClearQuarantine returns a quarantined object to automatic reconciliation.
func (c *Controller) ClearQuarantine(ctx context.Context, id types.ObjectID) error {
	return c.store.SetQuarantined(ctx, id, false)
}

// Status is a point-in-time operational summary.
type Status struct {
	Uptime         string `json:"uptime"`
	MaxConcurrency int    `json:"max_concurrency"`
	Pending        int    `json:"pending"`
	InFlight       int    `json:"in_flight"`
	SlotsInUse     int    `json:"maintenance_slots_in_use"`
	SlotCapacity   int    `json:"maintenance_capacity"`
}

// GetStatus returns the current operational summary.
func (c *Controller) GetStatus() Status {
	return Status{
		Uptime:         time.Since(c.startTime).Truncate(time.Second).String(),
		MaxConcurrency: c.config.MaxConcurrency,
		Pending:        c.candidates.PendingLen(),
		InFlight:       c.candidates.InFlightLen(),
		SlotsInUse:     c.admission.InUse(),
		SlotCapacity:   c.admission.Capacity(),
	}
}

// scanLoop starts one cycle per IterationTime: fetch candidates, refresh the
// admission capacity, enqueue. An unreachable store skips the whole cycle
// with a loud log line, and the next tick retries.
func (c *Controller) scanLoop() {
	defer c.loopWg.Done()

	// First cycle immediately rather than one full period after startup.
	c.runCycle()

	ticker := time.NewTicker(c.config.IterationTime)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("scan loop stopped")
			return
		case <-ticker.C:
			c.runCycle()
		}
	}
}

func (c *Controller) runCycle() {
	c.collector.RecordCycle()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.IterationTime)
	defer cancel()

	ids, err := c.store.ListCandidates(ctx, store.Filter{Kind: c.config.Kind})
	if err != nil {
		c.collector.RecordStoreError()
		log.Error("candidate fetch failed, skipping cycle", "error", err)
		return
	}

	if fleetSize, err := c.store.CountActive(ctx); err != nil {
		c.collector.RecordStoreError()
		log.Error("fleet size refresh failed", "error", err)
	} else {
		c.admission.Recompute(fleetSize)
	}

	enqueued := 0
	for _, id := range ids {
		if c.candidates.Push(id) {
			enqueued++
		}
	}
	log.Debug("cycle scanned", "candidates", len(ids), "enqueued", enqueued)
}

// dispatchLoop releases queued candidates to the pool in paced batches.
func (c *Controller) dispatchLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("dispatch loop stopped")
			return
		case <-ticker.C:
			for _, id := range c.candidates.PopBatch(c.config.DispatchBatchSize) {
				task := worker.Task{ObjectID: id, Timeout: c.config.MaxObjectHandlingTime}
				if err := c.pool.Submit(task); err != nil {
					c.candidates.Done(id)
					if !errors.Is(err, worker.ErrPoolClosed) {
						log.Error("failed to submit task", "object", id, "error", err)
					}
				}
			}
		}
	}
}

// resultLoop clears in-flight tracking and records metrics for every
// finished task. Runs until the pool closes its result channel.
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			log.Info("result loop stopped")
			return
		}

		c.candidates.Done(result.ObjectID)
		c.collector.RecordReconciliation(result.Outcome, result.Duration.Seconds())

		switch result.Outcome {
		case types.OutcomeTimeout:
			log.Warn("reconciliation timed out",
				"object", result.ObjectID,
				"deadline", c.config.MaxObjectHandlingTime)
		case types.OutcomeFatal:
			log.Warn("object quarantined, operator attention required",
				"object", result.ObjectID,
				"error", result.Err)
		case types.OutcomeError:
			log.Error("reconciliation failed",
				"object", result.ObjectID,
				"error", result.Err)
		default:
			log.Debug("reconciliation finished",
				"object", result.ObjectID,
				"outcome", result.Outcome,
				"duration", result.Duration)
		}
	}
}

// logLoop emits the periodic operational summary regardless of cycle
// boundaries.
func (c *Controller) logLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.LogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("log loop stopped")
			return
		case <-ticker.C:
			status := c.GetStatus()
			c.collector.SetQueueStats(status.Pending, status.InFlight)
			c.collector.SetAdmissionStats(status.SlotsInUse, status.SlotCapacity)
			log.Info("engine summary",
				"pending", status.Pending,
				"in_flight", status.InFlight,
				"slots_in_use", status.SlotsInUse,
				"slot_capacity", status.SlotCapacity)
		}
	}
}
