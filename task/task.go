package task

import (
	"fmt"
	"time"

	"github.com/g-arjones/tools-roby/argument"
	"github.com/g-arjones/tools-roby/event"
	"github.com/g-arjones/tools-roby/ident"
	"github.com/g-arjones/tools-roby/relation"
	"github.com/g-arjones/tools-roby/robyerr"
)

// Status holds a task's mutually-non-exclusive status flags, per spec
// §3's status list.
type Status struct {
	Pending       bool
	Starting      bool
	Started       bool
	Running       bool
	Finishing     bool
	Finished      bool
	Success       bool
	Failed        bool
	FailedToStart bool
	InternalError bool
	Executable    bool
	Abstract      bool
	Reusable      bool
}

// Task is a live instance of a Model: its arguments, its event
// generators, its status flags, and its handler lists.
type Task struct {
	ID    ident.ID
	Model *Model

	Arguments *argument.Set
	Events    map[string]*event.Generator

	status Status

	// FailureReason is set once the task enters Failed or FailedToStart.
	FailureReason error

	pollHandlers         []handlerEntry[func(*Task) error]
	executeHandlers      []handlerEntry[func(*Task) error]
	eventHandlers        []func(*Task, *event.Event)
	finalizationHandlers []handlerEntry[func(*Task)]

	// terminalLatched and permittedTerminals enforce the single-terminal-
	// event invariant: once true, only the symbols in permittedTerminals
	// (the event that actually fired plus its own forward descendants,
	// e.g. aborted's built-in forward into failed) may still emit.
	terminalLatched    bool
	permittedTerminals map[string]bool
}

// handlerEntry pairs a handler with its replace policy (see package
// replace): PolicyDefault resolves against the owning task's Abstract
// flag at replace time.
type handlerEntry[F any] struct {
	fn     F
	policy event.HandlerPolicy
}

// New creates a task instance from model, with initial arguments
// assigned via the normal parallel-assignment protocol. Every declared
// event gets a generator; the "start" event's default command simply
// emits itself (callers that need real start-up work should replace
// Task.Events["start"].Command after construction, before the task
// joins a plan).
func New(model *Model, initialArgs map[string]any) (*Task, error) {
	args, err := argument.NewSet(model.Arguments(), initialArgs)
	if err != nil {
		return nil, err
	}

	t := &Task{
		ID:        ident.New(),
		Model:     model,
		Arguments: args,
		Events:    make(map[string]*event.Generator),
		status:    Status{Pending: true, Executable: true, Abstract: model.Abstract},
	}

	for _, decl := range model.Events() {
		hooks := &event.TaskHooks{
			FailedToStart: t.handleFailedToStart,
			InternalError: t.handleInternalError,
			Failed:        t.handleAchieveWithFailed,
		}
		g := event.NewTaskEvent(decl.Symbol, decl.Controllable, decl.Terminal, nil, hooks)
		g.OnEmit(func(ev *event.Event) { t.handleEmit(ev) })
		t.Events[decl.Symbol] = g
	}

	if _, ok := t.Events["start"]; ok {
		t.SetStartCommand(nil)
	}

	return t, nil
}

// SetStartCommand replaces the start event's command with one that runs
// work (if any), then emits start on success. If the model carries a
// RetryPolicy, a failing work func is retried with backoff, the same
// number of times and on the same schedule, before the final failure is
// left for Call to route to failed_to_start. A nil work is just "emit
// start", matching the zero-argument default Task.New itself wires.
func (t *Task) SetStartCommand(work func(ctx any) error) {
	start := t.Events["start"]
	policy := t.Model.RetryPolicy

	start.Command = func(ctx any) error {
		if work == nil {
			_, err := start.Emit(ctx)
			return err
		}
		if policy == nil {
			if err := work(ctx); err != nil {
				return err
			}
			_, err := start.Emit(ctx)
			return err
		}

		var lastErr error
		for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
			if attempt > 1 {
				time.Sleep(policy.NextDelay(attempt - 1))
			}
			if err := work(ctx); err != nil {
				lastErr = err
				if !policy.ShouldRetry(attempt, err) {
					break
				}
				continue
			}
			_, err := start.Emit(ctx)
			return err
		}
		return lastErr
	}
}

// Status returns a copy of the task's current status flags.
func (t *Task) Status() Status {
	return t.status
}

// eventID resolves a declared event symbol to the stable id used in
// relation graphs. Panics if symbol is not declared, since callers only
// ever pass declared symbols derived from the same model.
func (t *Task) eventID(symbol string) ident.ID {
	g, ok := t.Events[symbol]
	if !ok {
		panic(fmt.Sprintf("task: undeclared event symbol %q", symbol))
	}
	return g.ID
}

// MaterializeRelations adds this task's built-in and model-declared
// edges into the given plan-wide relation graphs: a precedence edge
// from start to every root non-terminal event and from every leaf
// non-terminal event to every root terminal event, plus every
// model-declared signal/forward/causal_link edge. It is called once,
// when the task joins a plan; precedence/forward/signal/causal graphs
// are owned by the plan, not the task, so multiple tasks share one set
// of relation graphs.
func (t *Task) MaterializeRelations(forward, precedence, signal, causal *relation.Graph) error {
	for _, rel := range t.Model.Relations() {
		fromID, toID := t.eventID(rel.From), t.eventID(rel.To)
		var g *relation.Graph
		switch rel.Kind {
		case Forward:
			g = forward
		case Signal:
			g = signal
		case CausalLink:
			g = causal
		}
		if g == nil {
			continue
		}
		if err := g.AddEdge(fromID, toID, nil); err != nil {
			return err
		}
	}

	isRootInForward := func(symbol string) bool {
		return len(forward.Parents(t.eventID(symbol))) == 0
	}
	isLeafInForward := func(symbol string) bool {
		return len(forward.Children(t.eventID(symbol))) == 0
	}

	var rootTerminals, rootIntermediates, leafIntermediates []string
	for _, decl := range t.Model.Events() {
		if decl.Symbol == "start" || decl.Symbol == "stop" {
			continue
		}
		if decl.Terminal {
			if isRootInForward(decl.Symbol) {
				rootTerminals = append(rootTerminals, decl.Symbol)
			}
			continue
		}
		if isRootInForward(decl.Symbol) {
			rootIntermediates = append(rootIntermediates, decl.Symbol)
		}
		if isLeafInForward(decl.Symbol) {
			leafIntermediates = append(leafIntermediates, decl.Symbol)
		}
	}

	startID := t.eventID("start")
	for _, symbol := range rootIntermediates {
		if err := precedence.AddEdge(startID, t.eventID(symbol), nil); err != nil {
			return err
		}
	}
	for _, leaf := range leafIntermediates {
		for _, rootTerm := range rootTerminals {
			if err := precedence.AddEdge(t.eventID(leaf), t.eventID(rootTerm), nil); err != nil {
				return err
			}
		}
	}

	return nil
}

// Executable reports whether the task can currently be started/polled:
// its Executable flag is set, it is not Abstract, and its arguments are
// fully instanciated.
func (t *Task) Executable() bool {
	return t.status.Executable && !t.status.Abstract && t.Arguments.FullyInstanciated()
}

// SetExecutable updates the task's (and every event generator's)
// executable flag, matching "executable means ... the plan is
// executable" — the plan calls this as its own executable status
// changes.
func (t *Task) SetExecutable(executable bool) {
	t.status.Executable = executable
	for _, g := range t.Events {
		exec := t.Executable()
		if t.terminalLatched {
			if decl, ok := t.Model.EventDecl(g.Symbol); ok && decl.Terminal && !t.permittedTerminals[g.Symbol] {
				exec = false
			}
		}
		g.SetExecutable(exec)
	}
}

// AssignArguments forwards to the underlying argument set; only legal
// before Start.
func (t *Task) AssignArguments(requested map[string]any) error {
	return t.Arguments.Assign(requested)
}

// Start invokes the start event's command. Per spec: pending/starting
// moves to starting here; the start emission (handled by handleEmit)
// moves the task to started+running.
func (t *Task) Start(ctx any) error {
	if !t.status.Pending {
		return &robyerr.CommandFailed{
			Localization: robyerr.Localization{Task: t.ID},
			Err:          fmt.Errorf("task: start requires status pending, got %+v", t.status),
		}
	}
	t.status.Pending = false
	t.status.Starting = true
	return t.Events["start"].Call(ctx)
}

// AddPollHandler registers a handler that Poll runs while the task is
// running, with the default (abstract-dependent) replace policy.
// Engine.Cycle does not call Poll, so poll handlers run only when a
// caller invokes Poll.
func (t *Task) AddPollHandler(h func(*Task) error) {
	t.AddPollHandlerWithPolicy(h, event.PolicyDefault)
}

// AddPollHandlerWithPolicy is AddPollHandler with an explicit replace
// policy.
func (t *Task) AddPollHandlerWithPolicy(h func(*Task) error, policy event.HandlerPolicy) {
	t.pollHandlers = append(t.pollHandlers, handlerEntry[func(*Task) error]{fn: h, policy: policy})
}

// AddExecuteHandler registers a handler run when start emits, with the
// default replace policy. It runs synchronously inside that emission,
// in the same cycle; it is not deferred to a later cycle.
func (t *Task) AddExecuteHandler(h func(*Task) error) {
	t.AddExecuteHandlerWithPolicy(h, event.PolicyDefault)
}

// AddExecuteHandlerWithPolicy is AddExecuteHandler with an explicit
// replace policy.
func (t *Task) AddExecuteHandlerWithPolicy(h func(*Task) error, policy event.HandlerPolicy) {
	t.executeHandlers = append(t.executeHandlers, handlerEntry[func(*Task) error]{fn: h, policy: policy})
}

// AddEventHandler registers a handler run on every emission from any of
// this task's events. Event handlers are not subject to replace policy:
// they are copied unconditionally, matching the teacher's treatment of
// generic observers versus lifecycle hooks.
func (t *Task) AddEventHandler(h func(*Task, *event.Event)) {
	t.eventHandlers = append(t.eventHandlers, h)
}

// AddFinalizationHandler registers a handler run once, when the task is
// removed from its plan, with the default replace policy.
func (t *Task) AddFinalizationHandler(h func(*Task)) {
	t.AddFinalizationHandlerWithPolicy(h, event.PolicyDefault)
}

// AddFinalizationHandlerWithPolicy is AddFinalizationHandler with an
// explicit replace policy.
func (t *Task) AddFinalizationHandlerWithPolicy(h func(*Task), policy event.HandlerPolicy) {
	t.finalizationHandlers = append(t.finalizationHandlers, handlerEntry[func(*Task)]{fn: h, policy: policy})
}

// CopyHandlersTo copies every poll/execute/finalization/event handler
// whose effective policy (resolved against this task's Abstract flag at
// call time) is event.PolicyCopy onto target. Event handlers are always
// copied. Used by package replace.
func (t *Task) CopyHandlersTo(target *Task) {
	abstract := t.status.Abstract
	for _, h := range t.pollHandlers {
		if event.ResolveHandlerPolicy(h.policy, abstract) == event.PolicyCopy {
			target.AddPollHandlerWithPolicy(h.fn, h.policy)
		}
	}
	for _, h := range t.executeHandlers {
		if event.ResolveHandlerPolicy(h.policy, abstract) == event.PolicyCopy {
			target.AddExecuteHandlerWithPolicy(h.fn, h.policy)
		}
	}
	for _, h := range t.finalizationHandlers {
		if event.ResolveHandlerPolicy(h.policy, abstract) == event.PolicyCopy {
			target.AddFinalizationHandlerWithPolicy(h.fn, h.policy)
		}
	}
	target.eventHandlers = append(target.eventHandlers, t.eventHandlers...)
}

// Poll runs every poll handler in registration order, stopping at (and
// returning) the first error. A poll error is routed the same way a
// command exception is: to internal_error.
func (t *Task) Poll() error {
	if !t.status.Running {
		return nil
	}
	for _, h := range t.pollHandlers {
		if err := h.fn(t); err != nil {
			t.handleInternalError(err)
			return err
		}
	}
	return nil
}

// Finalize runs every event generator's when_finalized handlers (each
// generator runs them at most once) and then every finalization handler.
// The task-level finalization handlers have no such guard: they run on
// every call.
func (t *Task) Finalize() {
	for _, g := range t.Events {
		g.Finalize()
	}
	for _, h := range t.finalizationHandlers {
		h.fn(t)
	}
}

func (t *Task) handleEmit(ev *event.Event) {
	for _, h := range t.eventHandlers {
		h(t, ev)
	}

	switch ev.Generator().Symbol {
	case "start":
		t.status.Starting = false
		t.status.Started = true
		t.status.Running = true
		for _, h := range t.executeHandlers {
			if err := h.fn(t); err != nil {
				t.handleInternalError(err)
				break
			}
		}
	case "success", "aborted", "internal_error", "failed":
		t.latchTerminal(ev.Generator().Symbol)
		t.status.Finishing = true
		if ev.Generator().Symbol == "success" {
			t.status.Success = true
		}
		if ev.Generator().Symbol == "failed" || ev.Generator().Symbol == "aborted" {
			t.status.Failed = true
		}
		if ev.Generator().Symbol == "internal_error" {
			t.status.InternalError = true
		}
	case "stop":
		t.status.Finishing = false
		t.status.Running = false
		t.status.Finished = true
	}
}

// latchTerminal enforces "for any task, at most one terminal event may
// appear in its history": the first time a terminal-flagged event
// fires, every other terminal-flagged generator not reachable from it
// by a model-declared forward edge (e.g. aborted's built-in forward
// into failed, which must still be allowed to fire) is disabled, so a
// later attempt to emit it returns an EmissionFailed error instead of
// silently flipping the task's status flags a second time. A no-op
// once already latched, so the expected forward continuation (aborted
// -> failed) isn't disabled by its own firing.
func (t *Task) latchTerminal(firedSymbol string) {
	if t.terminalLatched {
		return
	}
	t.terminalLatched = true
	t.permittedTerminals = t.forwardDescendants(firedSymbol)
	t.permittedTerminals[firedSymbol] = true

	for _, decl := range t.Model.Events() {
		if !decl.Terminal || t.permittedTerminals[decl.Symbol] {
			continue
		}
		if g, ok := t.Events[decl.Symbol]; ok {
			g.SetExecutable(false)
		}
	}
}

// forwardDescendants returns every event symbol reachable from symbol
// by the model's own forward relations (including the built-in
// aborted->failed->stop chain).
func (t *Task) forwardDescendants(symbol string) map[string]bool {
	children := make(map[string][]string)
	for _, rel := range t.Model.Relations() {
		if rel.Kind == Forward {
			children[rel.From] = append(children[rel.From], rel.To)
		}
	}

	seen := make(map[string]bool)
	queue := []string{symbol}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range children[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

func (t *Task) handleFailedToStart(reason error) {
	t.status.Pending = false
	t.status.Starting = false
	t.status.FailedToStart = true
	t.status.Failed = true
	t.status.Finished = true
	t.FailureReason = reason
}

func (t *Task) handleInternalError(reason error) {
	localized := &robyerr.EmissionFailed{
		Localization: robyerr.Localization{Task: t.ID},
		Reason:       reason.Error(),
	}
	t.FailureReason = localized
	if g, ok := t.Events["internal_error"]; ok && g.Executable() {
		_, _ = g.Emit(reason)
	}
}

func (t *Task) handleAchieveWithFailed(reason error) {
	t.FailureReason = reason
	if g, ok := t.Events["failed"]; ok && g.Executable() {
		_, _ = g.Emit(reason)
	}
}
