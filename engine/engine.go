// Package engine implements the single-threaded cooperative execution
// loop: external-event injection, propagation drain, error detection,
// garbage collection, and cycle bookkeeping, one cycle at a time.
//
// External callers never mutate the plan directly; they enqueue a call
// or emission through Inject (or, when a durable queue is configured,
// through InjectDurable), and the engine applies it at the start of its
// next cycle. Everything inside a cycle — handler dispatch, signal and
// forward propagation, garbage collection — runs on the single engine
// goroutine that calls Cycle, matching the core's single-threaded
// cooperative scheduling model.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/g-arjones/tools-roby/event"
	"github.com/g-arjones/tools-roby/gc"
	"github.com/g-arjones/tools-roby/ident"
	"github.com/g-arjones/tools-roby/logstore"
	"github.com/g-arjones/tools-roby/plan"
)

// Logger is the ambient logging interface every engine-owned component
// accepts, matching the keysAndValues structured-logging shape used
// throughout the wider module.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, keysAndValues ...any) {}
func (noopLogger) Info(msg string, keysAndValues ...any)  {}
func (noopLogger) Warn(msg string, keysAndValues ...any)  {}
func (noopLogger) Error(msg string, keysAndValues ...any) {}

// ErrorHandler is notified of errors Cycle cannot otherwise report to a
// caller: a garbaged task's forced-termination command failing, or a
// log append failing after the cycle's plan mutations already took
// effect.
type ErrorHandler interface {
	HandleCycleError(ctx context.Context, seq int64, err error)
}

type noopErrorHandler struct{}

func (noopErrorHandler) HandleCycleError(ctx context.Context, seq int64, err error) {}

// Config configures an Engine.
type Config struct {
	// Plan is the plan this engine drives. Required.
	Plan *plan.Plan

	// PlanID identifies Plan in the log store and in durable job
	// payloads.
	PlanID string

	// Log persists the cycle's quadruples, if non-nil. A nil Log means
	// cycles still run but produce no persisted history.
	Log logstore.Store

	// Pool, if non-nil, backs a durable River-based external-event
	// queue: InjectDurable inserts a job that a registered worker turns
	// into a local Inject call, so an external event submitted while the
	// engine process is down is not lost. A nil Pool restricts injection
	// to the in-process queue (Inject only).
	Pool *pgxpool.Pool

	// Workers bounds the River client's concurrent job execution when
	// Pool is set. <0 means runtime.NumCPU(); 0 is accepted as an
	// insert-only configuration (jobs queue but nothing local drains
	// them, e.g. a satellite process that only injects).
	Workers int

	// JobTimeout bounds a single durable-injection job's execution.
	JobTimeout time.Duration

	Logger       Logger
	ErrorHandler ErrorHandler
}

// Validate reports configuration errors Start would otherwise surface
// opaquely.
func (c Config) Validate() error {
	if c.Plan == nil {
		return fmt.Errorf("engine: Plan is required")
	}
	if c.PlanID == "" {
		return fmt.Errorf("engine: PlanID is required")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Workers < 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Minute
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
	if c.ErrorHandler == nil {
		c.ErrorHandler = noopErrorHandler{}
	}
	return c
}

// Kind distinguishes the two ways an external event reaches a
// generator: Call invokes its command (the generator must be
// controllable); Emit appends an occurrence directly, with no command
// dispatch.
type Kind int

const (
	KindCall Kind = iota
	KindEmit
)

// ExternalEvent is one pending external injection: a call or emission
// targeting a specific generator, queued from outside the engine
// goroutine and applied at the next cycle's injection phase.
type ExternalEvent struct {
	GeneratorID ident.ID
	Kind        Kind
	Context     any
}

// externalEventArgs is ExternalEvent's durable, JSON-encodable form for
// the River-backed queue; Context must itself be JSON-marshalable when
// submitted through InjectDurable.
type externalEventArgs struct {
	PlanID      string          `json:"plan_id"`
	GeneratorID string          `json:"generator_id"`
	EventKind   int             `json:"kind"`
	Context     json.RawMessage `json:"context,omitempty"`
}

func (externalEventArgs) Kind() string { return "roby_external_event" }

// CycleReport summarizes one completed cycle: the events it emitted,
// the objects it removed, and any non-fatal errors raised while applying
// injected events and draining propagation.
type CycleReport struct {
	Sequence int64
	Emitted  []*event.Event
	Removed  []ident.ID
	Errors   []error
}

// propagationItem is one pending (source, target, kind) triple from
// spec's propagation queue: forwards cause an emission with no command
// dispatch, signals invoke the target's command.
type propagationItem struct {
	source *event.Event
	target ident.ID
	kind   propagationKind
}

type propagationKind int

const (
	propagateSignal propagationKind = iota
	propagateForward
)

// Engine runs the cooperative cycle loop over a single plan. All state
// it owns besides the external-injection queue is touched only from the
// goroutine calling Cycle/Run; the queue itself is the single
// thread-safe boundary the surrounding language requires.
type Engine struct {
	config Config
	p      *plan.Plan
	logger Logger

	queueMu sync.Mutex
	queue   []ExternalEvent

	riverClient *river.Client[pgx.Tx]

	mu           sync.RWMutex
	started      bool
	sequence     int64
	logSeq       int64
	logSeqLoaded bool

	// carryover holds propagation items deferred to the next cycle
	// because their target's precedence parents had not all fired yet.
	carryover []propagationItem
}

// New creates an Engine. Use Start/Stop to manage the optional durable
// queue's lifecycle; Cycle can be called directly without Start when no
// durable queue is configured.
func New(config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()
	return &Engine{
		config: cfg,
		p:      cfg.Plan,
		logger: cfg.Logger,
	}, nil
}

// Start brings up the durable external-event queue, if Config.Pool is
// set. It is a no-op (but not an error) when no pool is configured,
// matching the teacher's insert-only mode for a zero-worker runner.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine: already started")
	}
	if e.config.Pool == nil {
		e.started = true
		return nil
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &externalEventWorker{engine: e})

	cfg := &river.Config{
		Workers:    workers,
		JobTimeout: e.config.JobTimeout,
	}
	if e.config.Workers > 0 {
		cfg.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: e.config.Workers},
		}
	}
	client, err := river.NewClient(riverpgxv5.New(e.config.Pool), cfg)
	if err != nil {
		return fmt.Errorf("engine: create river client: %w", err)
	}
	if e.config.Workers > 0 {
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("engine: start river client: %w", err)
		}
	}

	e.riverClient = client
	e.started = true
	e.logger.Info("engine started", "durable_queue", true)
	return nil
}

// Stop shuts down the durable queue, if running.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return fmt.Errorf("engine: not started")
	}
	if e.riverClient != nil {
		if err := e.riverClient.Stop(ctx); err != nil {
			return fmt.Errorf("engine: stop river client: %w", err)
		}
	}
	e.started = false
	e.logger.Info("engine stopped")
	return nil
}

// Inject enqueues an external event for the next cycle's injection
// phase. Safe to call from any goroutine.
func (e *Engine) Inject(ev ExternalEvent) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	e.queue = append(e.queue, ev)
}

// InjectDurable records ev through the River-backed queue so it
// survives an engine restart before being applied; the registered
// worker turns the job back into a local Inject call. Requires Start to
// have configured a pool.
func (e *Engine) InjectDurable(ctx context.Context, ev ExternalEvent) error {
	e.mu.RLock()
	client := e.riverClient
	e.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("engine: no durable queue configured")
	}

	var payload json.RawMessage
	if ev.Context != nil {
		data, err := json.Marshal(ev.Context)
		if err != nil {
			return fmt.Errorf("engine: marshal context: %w", err)
		}
		payload = data
	}

	_, err := client.Insert(ctx, externalEventArgs{
		PlanID:      e.config.PlanID,
		GeneratorID: ev.GeneratorID.String(),
		EventKind:   int(ev.Kind),
		Context:     payload,
	}, nil)
	if err != nil {
		return fmt.Errorf("engine: insert durable event: %w", err)
	}
	return nil
}

func (e *Engine) drainQueue() []ExternalEvent {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	out := e.queue
	e.queue = nil
	return out
}

// Cycle runs exactly one execution cycle: external-event injection,
// propagation drain, error detection, garbage collection, and
// bookkeeping, in that order, per spec.
func (e *Engine) Cycle(ctx context.Context) (*CycleReport, error) {
	e.mu.Lock()
	e.sequence++
	seq := e.sequence
	if e.config.Log != nil && !e.logSeqLoaded {
		if last, err := e.config.Log.GetLastSequence(ctx, e.config.PlanID); err == nil {
			e.logSeq = last
		}
		e.logSeqLoaded = true
	}
	nextLogSeq := e.logSeq
	e.mu.Unlock()

	report := &CycleReport{Sequence: seq}
	var entries []logstore.LogEntry
	now := time.Now()

	// logEntry's Sequence is the log's own gapless per-entry counter,
	// distinct from seq (the cycle number, carried in cycle_end's Args):
	// a single cycle can produce many entries, and logstore.Store rejects
	// two entries sharing one Sequence.
	logEntry := func(method string, args any) {
		nextLogSeq++
		data, _ := json.Marshal(args)
		entries = append(entries, logstore.LogEntry{
			ID:           ident.New().String(),
			PlanID:       e.config.PlanID,
			Sequence:     nextLogSeq,
			Method:       method,
			Seconds:      now.Unix(),
			Microseconds: int32(now.Nanosecond() / 1000),
			Args:         data,
			Timestamp:    now,
		})
	}

	// 1. external-event injection
	pending := e.drainQueue()
	queue := append([]propagationItem{}, e.carryover...)
	e.carryover = nil

	for _, ext := range pending {
		g, ok := e.p.FindGenerator(ext.GeneratorID)
		if !ok {
			report.Errors = append(report.Errors, fmt.Errorf("engine: unknown generator %s", ext.GeneratorID))
			continue
		}
		var emitted []*event.Event
		var err error
		switch ext.Kind {
		case KindCall:
			before := len(g.History())
			err = e.call(g, ext.Context)
			if err == nil {
				emitted = g.History()[before:]
			}
		case KindEmit:
			var ev *event.Event
			ev, err = g.Emit(ext.Context)
			if err == nil {
				emitted = []*event.Event{ev}
			}
		}
		if err != nil {
			logEntry(logstore.MethodGeneratorEmitFailed, map[string]any{"generator": ext.GeneratorID.String(), "error": err.Error()})
			report.Errors = append(report.Errors, err)
			continue
		}
		for _, ev := range emitted {
			report.Emitted = append(report.Emitted, ev)
			logEntry(logstore.MethodGeneratorFired, map[string]any{"generator": ext.GeneratorID.String(), "event": ev.ID().String()})
			queue = append(queue, e.seedPropagation(ev)...)
		}
	}

	// 2. propagation drain
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if e.deferredByPrecedence(item.target) {
			e.carryover = append(e.carryover, item)
			continue
		}

		g, ok := e.p.FindGenerator(item.target)
		if !ok {
			continue
		}

		var emitted []*event.Event
		var err error
		switch item.kind {
		case propagateSignal:
			before := len(g.History())
			err = e.call(g, item.source.Context())
			if err == nil {
				emitted = g.History()[before:]
			}
		case propagateForward:
			var ev *event.Event
			ev, err = g.Emit(item.source.Context(), item.source)
			if err == nil {
				emitted = []*event.Event{ev}
			}
		}
		if err != nil {
			logEntry(logstore.MethodGeneratorEmitFailed, map[string]any{"generator": item.target.String(), "error": err.Error()})
			report.Errors = append(report.Errors, err)
			continue
		}
		for _, ev := range emitted {
			report.Emitted = append(report.Emitted, ev)
			logEntry(logstore.MethodGeneratorFired, map[string]any{"generator": item.target.String(), "event": ev.ID().String()})
			queue = append(queue, e.seedPropagation(ev)...)
		}
	}

	// 3. error detection: a task left failed, with a failure reason
	// attached, is a localized execution error. It propagates through
	// the error-handling relation: a repair task already associated to
	// it handles the error in its own right (package gc's forced-
	// termination check below leaves the protected task alone while
	// that repair is attached); with no repair attached, the failure
	// becomes an unhandled, propagated exception, notified once.
	for _, t := range e.p.Tasks() {
		st := t.Status()
		if !st.Failed || t.FailureReason == nil || e.p.HasPropagatedException(t.ID) {
			continue
		}
		if repairs := e.p.RepairTasksFor(t.ID); len(repairs) > 0 {
			logEntry(logstore.MethodExceptionRepaired, map[string]any{"task": t.ID.String(), "repair_tasks": idStrings(repairs)})
			continue
		}
		e.p.MarkPropagatedException(t.ID)
		logEntry(logstore.MethodExceptionNotification, map[string]any{"task": t.ID.String(), "reason": t.FailureReason.Error()})
	}

	// 4. garbage collection
	for _, id := range gc.Candidates(e.p) {
		if gc.NeedsForcedTermination(e.p, id) {
			if gc.HasRepairTask(e.p, id) {
				continue
			}
			t, ok := e.p.Task(id)
			if !ok {
				continue
			}
			if stop, ok := t.Events["stop"]; ok && stop.Controllable && stop.Command != nil {
				if err := stop.Call(nil); err != nil {
					e.config.ErrorHandler.HandleCycleError(ctx, seq, fmt.Errorf("engine: forced termination of %s: %w", id, err))
				}
			}
			continue
		}
		if _, ok := e.p.Task(id); ok {
			e.p.RemoveTask(id)
			logEntry(logstore.MethodGarbageTask, map[string]any{"task": id.String()})
		} else if _, ok := e.p.Event(id); ok {
			e.p.RemoveEvent(id)
			logEntry(logstore.MethodFinalizedEvent, map[string]any{"event": id.String()})
		}
		report.Removed = append(report.Removed, id)
	}

	// 5. cycle bookkeeping
	logEntry(logstore.MethodCycleEnd, map[string]any{"sequence": seq, "emitted": len(report.Emitted), "removed": len(report.Removed)})

	e.mu.Lock()
	e.logSeq = nextLogSeq
	e.mu.Unlock()

	if e.config.Log != nil {
		if err := e.config.Log.AppendBatch(ctx, entries); err != nil {
			e.config.ErrorHandler.HandleCycleError(ctx, seq, fmt.Errorf("engine: append log: %w", err))
		}
	}

	return report, nil
}

// idStrings renders a slice of ids for structured log fields.
func idStrings(ids []ident.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// seedPropagation enqueues ev's signal children, then its forward
// children. Within each relation the order is that of
// relation.Graph.Children, which does not follow edge insertion order.
func (e *Engine) seedPropagation(ev *event.Event) []propagationItem {
	var out []propagationItem
	src := ev.Generator().ID
	for _, child := range e.p.Signal.Children(src) {
		out = append(out, propagationItem{source: ev, target: child, kind: propagateSignal})
	}
	for _, child := range e.p.Forward.Children(src) {
		out = append(out, propagationItem{source: ev, target: child, kind: propagateForward})
	}
	return out
}

// call invokes g's command, routing through Task.Start (and its
// pending/starting bookkeeping) when g is a task's start event rather
// than calling the generator directly.
func (e *Engine) call(g *event.Generator, ctx any) error {
	if g.IsTaskEvent && g.Symbol == "start" {
		if t, ok := e.p.FindOwningTask(g.ID); ok {
			return t.Start(ctx)
		}
	}
	return g.Call(ctx)
}

// deferredByPrecedence reports whether target has a precedence parent
// that has not yet emitted, in which case this cycle must not deliver
// to target yet; the item is carried over to the next cycle instead.
func (e *Engine) deferredByPrecedence(target ident.ID) bool {
	for _, parent := range e.p.Precedence.Parents(target) {
		g, ok := e.p.FindGenerator(parent)
		if !ok {
			continue
		}
		if !g.Emitted() {
			return true
		}
	}
	return false
}

// Run calls Cycle on the given period until ctx is cancelled, the way a
// long-lived plan execution process drives itself forward.
func (e *Engine) Run(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Cycle(ctx); err != nil {
				return err
			}
		}
	}
}

// externalEventWorker turns a durably-queued external event job back
// into a local Inject call, the same insert-then-drain pattern the
// teacher's workflow job worker uses to hand a durably queued job to
// in-process execution.
type externalEventWorker struct {
	river.WorkerDefaults[externalEventArgs]
	engine *Engine
}

func (w *externalEventWorker) Work(ctx context.Context, job *river.Job[externalEventArgs]) error {
	args := job.Args
	var payload any
	if len(args.Context) > 0 {
		if err := json.Unmarshal(args.Context, &payload); err != nil {
			return fmt.Errorf("engine: unmarshal durable event context: %w", err)
		}
	}
	w.engine.Inject(ExternalEvent{
		GeneratorID: ident.ID(args.GeneratorID),
		Kind:        Kind(args.EventKind),
		Context:     payload,
	})
	return nil
}
