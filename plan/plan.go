// Package plan implements the Plan: the set of tasks and free events
// under management, the shared per-relation graphs that connect them,
// and the mission/permanent/garbage subsets that drive garbage
// collection.
package plan

import (
	"fmt"
	"sync"

	"github.com/g-arjones/tools-roby/event"
	"github.com/g-arjones/tools-roby/ident"
	"github.com/g-arjones/tools-roby/relation"
	"github.com/g-arjones/tools-roby/task"
)

// Plan owns every task and free event under management, the relation
// graphs connecting them, and the mission/permanent/garbage subsets
// spec §3 describes.
type Plan struct {
	mu sync.Mutex

	tasks  map[ident.ID]*task.Task
	events map[ident.ID]*event.Generator // free (non task-bound) events only

	Forward    *relation.Graph
	Precedence *relation.Graph
	Signal     *relation.Graph
	CausalLink *relation.Graph

	// Dependency is the task-level parent-needs-child relation package gc
	// walks from mission/permanent roots to find reachable tasks; it
	// connects task ids directly, not event ids.
	Dependency *relation.Graph

	// ErrorHandling is the task-level relation associating a repair task
	// (the parent side of an edge) with the task it protects (the child
	// side); edge info is the set of event symbols on the protected task
	// the repair is allowed to recover from. Package engine consults it
	// when a localized execution error reaches a task with no handler: a
	// protected task with an associated repair is spared this cycle's
	// forced termination.
	ErrorHandling *relation.Graph

	mission   map[ident.ID]bool
	permanent map[ident.ID]bool

	garbaged             map[ident.ID]bool
	finalized            map[ident.ID]bool
	failedToStart        map[ident.ID]bool
	propagatedExceptions map[ident.ID]bool

	executable bool
}

// New creates an empty, executable plan with the standard relation
// graphs: forward and precedence are DAGs (cycles would make task
// finalization ill-defined); signal and causal_link are not.
func New() *Plan {
	return &Plan{
		tasks:                make(map[ident.ID]*task.Task),
		events:               make(map[ident.ID]*event.Generator),
		Forward:              relation.New("forward", true, false, false, relation.Hooks{}),
		Precedence:           relation.New("precedence", true, false, false, relation.Hooks{}),
		Signal:               relation.New("signal", false, false, false, relation.Hooks{}),
		CausalLink:           relation.New("causal_link", false, true, false, relation.Hooks{}),
		Dependency:           relation.New("dependency", true, false, true, relation.Hooks{}),
		ErrorHandling:        relation.New("error_handling", false, false, false, relation.Hooks{}),
		mission:              make(map[ident.ID]bool),
		permanent:            make(map[ident.ID]bool),
		garbaged:             make(map[ident.ID]bool),
		finalized:            make(map[ident.ID]bool),
		failedToStart:        make(map[ident.ID]bool),
		propagatedExceptions: make(map[ident.ID]bool),
		executable:           true,
	}
}

// AddTask inserts t into the plan, materializing its built-in and
// model-declared relation edges into the plan's shared graphs.
func (p *Plan) AddTask(t *task.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := t.MaterializeRelations(p.Forward, p.Precedence, p.Signal, p.CausalLink); err != nil {
		return fmt.Errorf("plan: materialize relations for task %s: %w", t.ID, err)
	}
	t.SetExecutable(p.executable)
	p.tasks[t.ID] = t
	return nil
}

// AddDependency records that parent-task needs child-task, per spec's
// dependency relation; package gc walks this from mission/permanent
// roots.
func (p *Plan) AddDependency(parent, child ident.ID, info any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Dependency.AddEdge(parent, child, info)
}

// RemoveDependency drops a previously-added dependency edge.
func (p *Plan) RemoveDependency(parent, child ident.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Dependency.RemoveEdge(parent, child)
}

// AddErrorHandler associates repair as a task allowed to recover
// protected from the given events (an empty events list means any
// event on protected).
func (p *Plan) AddErrorHandler(repair, protected ident.ID, events []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ErrorHandling.AddEdge(repair, protected, events)
}

// RemoveErrorHandler drops a previously-added error-handling edge.
func (p *Plan) RemoveErrorHandler(repair, protected ident.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ErrorHandling.RemoveEdge(repair, protected)
}

// RepairTasksFor returns the ids of every task associated, via the
// error-handling relation, as a repair for protected.
func (p *Plan) RepairTasksFor(protected ident.ID) []ident.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ErrorHandling.Parents(protected)
}

// AddEvent inserts a free (non task-bound) event generator into the
// plan.
func (p *Plan) AddEvent(g *event.Generator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g.SetExecutable(p.executable)
	p.events[g.ID] = g
}

// Task returns the task with the given id, if present.
func (p *Plan) Task(id ident.ID) (*task.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	return t, ok
}

// Tasks returns every task currently in the plan.
func (p *Plan) Tasks() []*task.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*task.Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		out = append(out, t)
	}
	return out
}

// Event returns the free event generator with the given id, if present.
func (p *Plan) Event(id ident.ID) (*event.Generator, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.events[id]
	return g, ok
}

// AddMission marks a task as a mission task: a GC root that keeps it
// (and everything it can reach) alive.
func (p *Plan) AddMission(id ident.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mission[id] = true
}

// RemoveMission unmarks a task as a mission task.
func (p *Plan) RemoveMission(id ident.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.mission, id)
}

// IsMission reports whether id is currently a mission task.
func (p *Plan) IsMission(id ident.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mission[id]
}

// MissionIDs returns every current mission task id.
func (p *Plan) MissionIDs() []ident.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ident.ID, 0, len(p.mission))
	for id := range p.mission {
		out = append(out, id)
	}
	return out
}

// AddPermanent marks a plan object (task or event) as permanent: a GC
// root, but (unlike a mission) not otherwise distinguished.
func (p *Plan) AddPermanent(id ident.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permanent[id] = true
}

// RemovePermanent unmarks a plan object as permanent.
func (p *Plan) RemovePermanent(id ident.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.permanent, id)
}

// IsPermanent reports whether id is currently marked permanent.
func (p *Plan) IsPermanent(id ident.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permanent[id]
}

// PermanentIDs returns every current permanent id (task or event).
func (p *Plan) PermanentIDs() []ident.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ident.ID, 0, len(p.permanent))
	for id := range p.permanent {
		out = append(out, id)
	}
	return out
}

// Roots returns every GC root id: the union of mission and permanent.
func (p *Plan) Roots() []ident.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ident.ID, 0, len(p.mission)+len(p.permanent))
	for id := range p.mission {
		out = append(out, id)
	}
	for id := range p.permanent {
		if !p.mission[id] {
			out = append(out, id)
		}
	}
	return out
}

// SetExecutable updates the plan's executable flag and propagates it to
// every task and free event currently in the plan.
func (p *Plan) SetExecutable(executable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executable = executable
	for _, t := range p.tasks {
		t.SetExecutable(executable)
	}
	for _, g := range p.events {
		g.SetExecutable(executable)
	}
}

// Executable reports the plan's current executable flag.
func (p *Plan) Executable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.executable
}

// RemoveTask removes t from the plan's task set, the relation graphs,
// and (if present) the mission/permanent sets, then runs its
// finalization handlers. It is the caller's responsibility (normally
// package gc) to have established that t is unreachable from every
// root before calling this.
func (p *Plan) RemoveTask(id ident.ID) {
	p.mu.Lock()
	t, ok := p.tasks[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.tasks, id)
	delete(p.mission, id)
	delete(p.permanent, id)
	delete(p.garbaged, id)
	delete(p.propagatedExceptions, id)
	p.finalized[id] = true

	for _, g := range t.Events {
		p.Forward.RemoveObject(g.ID)
		p.Precedence.RemoveObject(g.ID)
		p.Signal.RemoveObject(g.ID)
		p.CausalLink.RemoveObject(g.ID)
	}
	p.Dependency.RemoveObject(id)
	p.ErrorHandling.RemoveObject(id)
	p.mu.Unlock()

	t.Finalize()
}

// RemoveEvent removes a free event from the plan, the relation graphs,
// and the permanent set, then runs its finalization handler.
func (p *Plan) RemoveEvent(id ident.ID) {
	p.mu.Lock()
	g, ok := p.events[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.events, id)
	delete(p.permanent, id)
	p.finalized[id] = true

	p.Forward.RemoveObject(id)
	p.Precedence.RemoveObject(id)
	p.Signal.RemoveObject(id)
	p.CausalLink.RemoveObject(id)
	p.mu.Unlock()

	g.Finalize()
}

// MarkGarbaged records id in the garbaged bucket without removing it
// from the plan. The engine's GC phase does not use this bucket: it
// removes the objects it collects directly.
func (p *Plan) MarkGarbaged(id ident.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.garbaged[id] = true
}

// GarbagedIDs returns every id currently in the garbaged bucket.
func (p *Plan) GarbagedIDs() []ident.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ident.ID, 0, len(p.garbaged))
	for id := range p.garbaged {
		out = append(out, id)
	}
	return out
}

// MarkFailedToStart records a task in the failed-to-start bucket.
func (p *Plan) MarkFailedToStart(id ident.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failedToStart[id] = true
}

// MarkPropagatedException records a plan object as the source of an
// exception that propagated without being handled.
func (p *Plan) MarkPropagatedException(id ident.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.propagatedExceptions[id] = true
}

// HasPropagatedException reports whether id was previously recorded by
// MarkPropagatedException; used so the engine notifies an unhandled
// failure once, not on every cycle the failure remains in the task's
// history.
func (p *Plan) HasPropagatedException(id ident.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.propagatedExceptions[id]
}

// FindGenerator looks up an event generator by id, whether it is a free
// event or bound to one of the plan's tasks. Used by package engine to
// resolve a propagation or external-injection target without requiring
// callers to know which task (if any) owns a generator id.
func (p *Plan) FindGenerator(id ident.ID) (*event.Generator, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.events[id]; ok {
		return g, true
	}
	for _, t := range p.tasks {
		for _, g := range t.Events {
			if g.ID == id {
				return g, true
			}
		}
	}
	return nil, false
}

// FindOwningTask reports the task that owns the event generator id, if
// any. Used by package engine to route a Call targeting a task's start
// event through Task.Start (and its pending/starting bookkeeping)
// rather than the generator directly.
func (p *Plan) FindOwningTask(id ident.ID) (*task.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tasks {
		for _, g := range t.Events {
			if g.ID == id {
				return t, true
			}
		}
	}
	return nil, false
}

// AllObjectIDs returns the id of every task and free event currently
// in the plan, task ids first then event ids — used by package gc as
// the universe to mark-and-sweep over.
func (p *Plan) AllObjectIDs() []ident.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ident.ID, 0, len(p.tasks)+len(p.events))
	for id := range p.tasks {
		out = append(out, id)
	}
	for id := range p.events {
		out = append(out, id)
	}
	return out
}
