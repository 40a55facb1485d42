// Package event implements event generators and the events they emit:
// the named points a plan can fire from, the immutable records those
// firings produce, and the handler lists (on-emit, if-unreachable,
// when-finalized) a generator carries.
//
// Propagation (signal/forward relations, the per-cycle queue) is driven
// by package engine, which knows how to look up a generator's relation
// graphs; this package only models a single generator in isolation so
// it can stay a leaf dependency of task and plan.
package event

import (
	"fmt"
	"time"

	"github.com/g-arjones/tools-roby/ident"
	"github.com/g-arjones/tools-roby/robyerr"
)

// TaskHooks lets a task-bound generator report status changes back to
// its owning task without this package importing package task. Free
// (non task-bound) generators leave this nil.
type TaskHooks struct {
	// FailedToStart is called when a command error occurs before the
	// generator's first emission, or when emit_failed is called on the
	// task's start event.
	FailedToStart func(reason error)

	// InternalError is called when a command error occurs after the
	// generator has already emitted at least once.
	InternalError func(reason error)

	// Failed is called when an achieve_with dependency becomes
	// unreachable, per spec: the depending task is marked failed.
	Failed func(reason error)
}

// HandlerPolicy controls whether a handler survives a replace.ReplaceBy/
// ReplaceSubplanBy operation. PolicyDefault defers to the replaced
// generator's owning task's abstract flag at replace time: abstract
// tasks default to copy, concrete tasks default to drop.
type HandlerPolicy int

const (
	PolicyDefault HandlerPolicy = iota
	PolicyCopy
	PolicyDrop
)

// ResolveHandlerPolicy resolves PolicyDefault against whether the
// owning object was abstract at replace time; PolicyCopy/PolicyDrop
// pass through unchanged.
func ResolveHandlerPolicy(policy HandlerPolicy, ownerAbstract bool) HandlerPolicy {
	if policy != PolicyDefault {
		return policy
	}
	if ownerAbstract {
		return PolicyCopy
	}
	return PolicyDrop
}

// ifUnreachableHandler is one if_unreachable registration.
type ifUnreachableHandler struct {
	cancelAtEmission bool
	cancelled        bool
	policy           HandlerPolicy
	fn               func(reason error)
}

// Generator is a named point from which events may be emitted. The
// zero value is not usable; construct with New or NewTaskEvent.
type Generator struct {
	// ID uniquely identifies this generator, for error localization and
	// provenance bookkeeping.
	ID ident.ID

	// Symbol optionally names this generator within its owner's
	// namespace (e.g. a task's "start", "success", "stop").
	Symbol string

	// Controllable generators have a Command and may be Call'd.
	Controllable bool

	// Command is invoked by Call; present iff Controllable.
	Command func(ctx any) error

	// IsTaskEvent marks this generator as bound to a task, for
	// provenance derivation (TaskSources) and for routing status
	// changes through Hooks.
	IsTaskEvent bool

	// Terminal marks a task event generator whose emission ends the
	// task's run (success/failed style events forward to stop).
	Terminal bool

	// Hooks routes status changes to the owning task; nil for free
	// events.
	Hooks *TaskHooks

	executable       bool
	history          []*Event
	emitted          bool
	unreachable      bool
	unreachableCause error
	finalized        bool

	onEmit        []func(*Event)
	ifUnreachable []*ifUnreachableHandler
	whenFinalized []func()
}

// New creates a free (non task-bound) event generator. Free generators
// default to executable.
func New(symbol string, controllable bool, command func(ctx any) error) *Generator {
	return &Generator{
		ID:           ident.New(),
		Symbol:       symbol,
		Controllable: controllable,
		Command:      command,
		executable:   true,
	}
}

// NewTaskEvent creates a task-bound event generator with the given
// hooks. terminal marks it as forwarding to the task's stop event.
func NewTaskEvent(symbol string, controllable bool, terminal bool, command func(ctx any) error, hooks *TaskHooks) *Generator {
	g := New(symbol, controllable, command)
	g.IsTaskEvent = true
	g.Terminal = terminal
	g.Hooks = hooks
	return g
}

// SetExecutable sets whether Call/Emit are currently permitted. Owned by
// the task/plan that tracks the underlying executable status flag.
func (g *Generator) SetExecutable(executable bool) {
	g.executable = executable
}

// Executable reports whether Call/Emit are currently permitted.
func (g *Generator) Executable() bool {
	return g.executable
}

// Emitted reports whether this generator has ever emitted.
func (g *Generator) Emitted() bool {
	return g.emitted
}

// Unreachable reports whether this generator has been marked
// unreachable, and its cause if any.
func (g *Generator) Unreachable() (bool, error) {
	return g.unreachable, g.unreachableCause
}

// History returns the ordered emissions of this generator.
func (g *Generator) History() []*Event {
	out := make([]*Event, len(g.history))
	copy(out, g.history)
	return out
}

// LastEvent returns the most recent emission, if any.
func (g *Generator) LastEvent() (*Event, bool) {
	if len(g.history) == 0 {
		return nil, false
	}
	return g.history[len(g.history)-1], true
}

// Call invokes the generator's command. It requires the generator to be
// Controllable and Executable. A command error that occurs before this
// generator has ever emitted is routed to Hooks.FailedToStart (if
// bound); a command error after at least one emission is routed to
// Hooks.InternalError. Either way the error is wrapped in
// *robyerr.CommandFailed and returned to the caller.
func (g *Generator) Call(ctx any) error {
	if !g.Controllable || !g.executable {
		return &robyerr.CommandFailed{
			Localization: robyerr.Localization{Generator: g.ID},
			Err:          robyerr.ErrTaskEventNotExecutable,
		}
	}

	hadEmitted := g.emitted
	if err := g.Command(ctx); err != nil {
		wrapped := &robyerr.CommandFailed{
			Localization: robyerr.Localization{Generator: g.ID},
			Err:          err,
		}
		if g.Hooks != nil {
			if !hadEmitted && g.Hooks.FailedToStart != nil {
				g.Hooks.FailedToStart(wrapped)
			} else if hadEmitted && g.Hooks.InternalError != nil {
				g.Hooks.InternalError(wrapped)
			}
		}
		return wrapped
	}
	return nil
}

// Emit requires the generator to be Executable. It appends a new Event
// to history, marks Emitted, runs on-emit handlers in registration
// order, then cancels any if_unreachable handler registered with
// cancel_at_emission. causes are the direct events that triggered this
// emission (via signal/forward propagation or achieve_with); their own
// provenance is unioned to derive this event's transitive and
// task-only sources.
func (g *Generator) Emit(ctx any, causes ...*Event) (*Event, error) {
	if !g.executable {
		return nil, &robyerr.EmissionFailed{
			Localization: robyerr.Localization{Generator: g.ID},
			Reason:       "generator is not executable",
		}
	}

	now := time.Now()
	ev := &Event{
		id:        ident.New(),
		time:      now,
		generator: g,
		context:   ctx,
	}
	ev.deriveProvenance(causes)

	g.history = append(g.history, ev)
	g.emitted = true

	for _, h := range g.onEmit {
		h(ev)
	}

	for _, iu := range g.ifUnreachable {
		if iu.cancelAtEmission {
			iu.cancelled = true
		}
	}

	return ev, nil
}

// EmitFailed marks the generator unreachable with reason. If this is a
// task's start event (IsTaskEvent, Symbol "start"), the task is marked
// failed_to_start via Hooks.
func (g *Generator) EmitFailed(reason error) {
	g.markUnreachable(reason)
	if g.IsTaskEvent && g.Symbol == "start" && g.Hooks != nil && g.Hooks.FailedToStart != nil {
		g.Hooks.FailedToStart(reason)
	}
}

func (g *Generator) markUnreachable(reason error) {
	if g.unreachable {
		return
	}
	g.unreachable = true
	g.unreachableCause = reason

	for _, iu := range g.ifUnreachable {
		if iu.cancelled {
			continue
		}
		iu.fn(reason)
	}
}

// IfUnreachable registers a handler invoked when the generator becomes
// unreachable. If cancelAtEmission is true, a pending registration is
// cancelled the moment the generator emits instead (see Emit). The
// handler's replace policy is PolicyDefault; use IfUnreachableWithPolicy
// for an explicit :copy/:drop.
func (g *Generator) IfUnreachable(cancelAtEmission bool, handler func(reason error)) {
	g.IfUnreachableWithPolicy(cancelAtEmission, PolicyDefault, handler)
}

// IfUnreachableWithPolicy is IfUnreachable with an explicit replace
// policy.
func (g *Generator) IfUnreachableWithPolicy(cancelAtEmission bool, policy HandlerPolicy, handler func(reason error)) {
	g.ifUnreachable = append(g.ifUnreachable, &ifUnreachableHandler{
		cancelAtEmission: cancelAtEmission,
		policy:           policy,
		fn:               handler,
	})
}

// CopyIfUnreachableHandlersTo copies every if_unreachable handler whose
// effective policy (resolved against ownerAbstract) is PolicyCopy onto
// target, preserving cancelAtEmission and policy.
func (g *Generator) CopyIfUnreachableHandlersTo(target *Generator, ownerAbstract bool) {
	for _, h := range g.ifUnreachable {
		if ResolveHandlerPolicy(h.policy, ownerAbstract) != PolicyCopy {
			continue
		}
		target.IfUnreachableWithPolicy(h.cancelAtEmission, h.policy, h.fn)
	}
}

// WhenFinalized registers a handler invoked once, when the generator is
// removed from its plan.
func (g *Generator) WhenFinalized(handler func()) {
	g.whenFinalized = append(g.whenFinalized, handler)
}

// Finalize runs when_finalized handlers exactly once; later calls are a
// no-op.
func (g *Generator) Finalize() {
	if g.finalized {
		return
	}
	g.finalized = true
	for _, h := range g.whenFinalized {
		h()
	}
}

// OnEmit registers a handler run (in registration order) every time
// this generator emits. It's lower-level than achieve_with/signal and
// is what those are built on.
func (g *Generator) OnEmit(handler func(*Event)) {
	g.onEmit = append(g.onEmit, handler)
}

// AchieveWith causes this generator to emit whenever other emits, and
// marks this generator's owning task failed if other becomes
// unreachable before emitting.
func (g *Generator) AchieveWith(other *Generator) {
	other.OnEmit(func(ev *Event) {
		_, _ = g.Emit(ev.Context(), ev)
	})
	other.IfUnreachable(true, func(reason error) {
		failure := &robyerr.EmissionFailed{
			Localization: robyerr.Localization{Generator: g.ID},
			Reason:       fmt.Sprintf("achieve_with source became unreachable: %v", reason),
		}
		g.markUnreachable(failure)
		if g.Hooks != nil && g.Hooks.Failed != nil {
			g.Hooks.Failed(failure)
		}
	})
}

// Event is an immutable record produced by a single emission.
type Event struct {
	id        ident.ID
	time      time.Time
	generator *Generator
	context   any

	directSources []*Event
	allSources    []*Event
	taskSources   []*Event
}

// ID returns the propagation id of this event.
func (e *Event) ID() ident.ID { return e.id }

// Time returns the emission's wall-clock time.
func (e *Event) Time() time.Time { return e.time }

// Generator returns the generator that produced this event.
func (e *Event) Generator() *Generator { return e.generator }

// Context returns the user payload passed to Emit.
func (e *Event) Context() any { return e.context }

// DirectSources returns the events that directly caused this emission.
func (e *Event) DirectSources() []*Event {
	out := make([]*Event, len(e.directSources))
	copy(out, e.directSources)
	return out
}

// AllSources returns the full transitive closure of events that caused
// this emission, including direct sources.
func (e *Event) AllSources() []*Event {
	out := make([]*Event, len(e.allSources))
	copy(out, e.allSources)
	return out
}

// TaskSources returns the subset of AllSources that were emitted by a
// task-bound generator.
func (e *Event) TaskSources() []*Event {
	out := make([]*Event, len(e.taskSources))
	copy(out, e.taskSources)
	return out
}

// deriveProvenance fills directSources/allSources/taskSources from
// causes, unioning each cause's own transitive provenance (plus the
// cause event itself) by event ID.
func (e *Event) deriveProvenance(causes []*Event) {
	if len(causes) == 0 {
		return
	}
	e.directSources = append(e.directSources, causes...)

	allSeen := make(map[ident.ID]bool)
	for _, cause := range causes {
		if !allSeen[cause.id] {
			allSeen[cause.id] = true
			e.allSources = append(e.allSources, cause)
		}
		for _, transitive := range cause.allSources {
			if !allSeen[transitive.id] {
				allSeen[transitive.id] = true
				e.allSources = append(e.allSources, transitive)
			}
		}
	}

	for _, src := range e.allSources {
		if src.generator != nil && src.generator.IsTaskEvent {
			e.taskSources = append(e.taskSources, src)
		}
	}
}
