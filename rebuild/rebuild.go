// Package rebuild reconstructs plan-state snapshots from a persisted
// logstore.LogEntry stream, without ever touching a live plan.Plan. It
// is the read side of spec §6's round-trip law: replaying a plan's log
// into a PlanRebuilder reproduces the emitted histories and garbage sets
// the live plan had at each cycle boundary. No log method handled by
// Apply marks a task as mission or permanent, so the reconstructed
// mission and permanent sets stay empty.
package rebuild

import (
	"encoding/json"
	"fmt"

	"github.com/g-arjones/tools-roby/ident"
	"github.com/g-arjones/tools-roby/logstore"
)

// TaskSnapshot is a task's reconstructed state as of the last applied
// log entry.
type TaskSnapshot struct {
	ID            ident.ID
	Status        map[string]bool
	FailedToStart bool
	Arguments     json.RawMessage
}

// EventSnapshot is an event generator's reconstructed state, for free
// events and task events alike.
type EventSnapshot struct {
	ID       ident.ID
	Emitted  bool
	History  []EmissionSnapshot
	Finalized bool
}

// EmissionSnapshot is a single reconstructed emission.
type EmissionSnapshot struct {
	EventID ident.ID
	Cycle   int64
}

// EdgeKey identifies one relation edge for the edges index.
type EdgeKey struct {
	Relation string
	Parent   ident.ID
	Child    ident.ID
}

// PlanRebuilder accumulates a single pass over a logstore.LogEntry
// stream, the way workflow.History indexes a single pass over an event
// slice: one map per observable, updated in Apply as each entry is
// seen, so Rebuild is just "Apply every entry in order".
type PlanRebuilder struct {
	planID string

	tasks  map[ident.ID]*TaskSnapshot
	events map[ident.ID]*EventSnapshot

	mission   map[ident.ID]bool
	permanent map[ident.ID]bool
	garbaged  map[ident.ID]bool
	finalized map[ident.ID]bool

	edges map[EdgeKey]json.RawMessage

	// generation guards against id reuse across plan generations: a
	// register_executable_plan or merged_plan entry bumps it, and every snapshot and
	// edge recorded before the bump is cleared, so an id minted in a
	// later generation never cross-links with same-valued ids from an
	// earlier one.
	generation int

	// lastSequence is the log's own per-entry Sequence, used only to
	// enforce that entries are applied in order.
	lastSequence int64

	// cycleInProgress is the engine cycle number a generator_fired entry
	// belongs to: the cycle_end entry that closes a cycle carries that
	// cycle's own number in its Args, one greater than the last
	// completed cycle.
	cycleInProgress int64
	lastCycleEnd    int64
}

// NewPlanRebuilder creates an empty rebuilder for the given plan id.
func NewPlanRebuilder(planID string) *PlanRebuilder {
	return &PlanRebuilder{
		planID:          planID,
		tasks:           make(map[ident.ID]*TaskSnapshot),
		events:          make(map[ident.ID]*EventSnapshot),
		mission:         make(map[ident.ID]bool),
		permanent:       make(map[ident.ID]bool),
		garbaged:        make(map[ident.ID]bool),
		finalized:       make(map[ident.ID]bool),
		edges:           make(map[EdgeKey]json.RawMessage),
		cycleInProgress: 1,
	}
}

// Rebuild applies every entry in entries, in order, to a fresh
// rebuilder and returns it. entries must already be sorted by
// Sequence (as Store.Load/LoadSince guarantee).
func Rebuild(planID string, entries []logstore.LogEntry) (*PlanRebuilder, error) {
	r := NewPlanRebuilder(planID)
	for _, e := range entries {
		if err := r.Apply(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Apply folds one log entry into the rebuilder's running state. Entries
// must be applied in sequence order; Apply does not itself re-sort or
// buffer out-of-order entries.
func (r *PlanRebuilder) Apply(e logstore.LogEntry) error {
	if e.PlanID != r.planID {
		return fmt.Errorf("rebuild: entry for plan %q applied to rebuilder for plan %q", e.PlanID, r.planID)
	}
	if e.Sequence <= r.lastSequence && r.lastSequence != 0 {
		return fmt.Errorf("rebuild: entry sequence %d is not after last applied sequence %d", e.Sequence, r.lastSequence)
	}
	r.lastSequence = e.Sequence

	switch e.Method {
	case logstore.MethodRegisterExecutablePlan, logstore.MethodMergedPlan:
		r.resetGeneration()

	case logstore.MethodAddedEdge:
		var args struct {
			Relation string          `json:"relation"`
			Parent   string          `json:"parent"`
			Child    string          `json:"child"`
			Info     json.RawMessage `json:"info,omitempty"`
		}
		if err := json.Unmarshal(e.Args, &args); err != nil {
			return fmt.Errorf("rebuild: decode added_edge: %w", err)
		}
		r.edges[EdgeKey{Relation: args.Relation, Parent: ident.ID(args.Parent), Child: ident.ID(args.Child)}] = args.Info

	case logstore.MethodRemovedEdge:
		var args struct {
			Relation string `json:"relation"`
			Parent   string `json:"parent"`
			Child    string `json:"child"`
		}
		if err := json.Unmarshal(e.Args, &args); err != nil {
			return fmt.Errorf("rebuild: decode removed_edge: %w", err)
		}
		delete(r.edges, EdgeKey{Relation: args.Relation, Parent: ident.ID(args.Parent), Child: ident.ID(args.Child)})

	case logstore.MethodUpdatedEdgeInfo:
		var args struct {
			Relation string          `json:"relation"`
			Parent   string          `json:"parent"`
			Child    string          `json:"child"`
			Info     json.RawMessage `json:"info,omitempty"`
		}
		if err := json.Unmarshal(e.Args, &args); err != nil {
			return fmt.Errorf("rebuild: decode updated_edge_info: %w", err)
		}
		key := EdgeKey{Relation: args.Relation, Parent: ident.ID(args.Parent), Child: ident.ID(args.Child)}
		if _, ok := r.edges[key]; ok {
			r.edges[key] = args.Info
		}

	case logstore.MethodTaskStatusChange:
		var args struct {
			Task   string `json:"task"`
			Status string `json:"status"`
			Value  bool   `json:"value"`
		}
		if err := json.Unmarshal(e.Args, &args); err != nil {
			return fmt.Errorf("rebuild: decode task_status_change: %w", err)
		}
		r.taskFor(ident.ID(args.Task)).Status[args.Status] = args.Value

	case logstore.MethodEventStatusChange:
		var args struct {
			Generator string `json:"generator"`
			Emitted   bool   `json:"emitted"`
		}
		if err := json.Unmarshal(e.Args, &args); err != nil {
			return fmt.Errorf("rebuild: decode event_status_change: %w", err)
		}
		r.eventFor(ident.ID(args.Generator)).Emitted = args.Emitted

	case logstore.MethodGeneratorFired:
		var args struct {
			Generator string `json:"generator"`
			Event     string `json:"event"`
		}
		if err := json.Unmarshal(e.Args, &args); err != nil {
			return fmt.Errorf("rebuild: decode generator_fired: %w", err)
		}
		ev := r.eventFor(ident.ID(args.Generator))
		ev.Emitted = true
		ev.History = append(ev.History, EmissionSnapshot{EventID: ident.ID(args.Event), Cycle: r.cycleInProgress})

	case logstore.MethodGeneratorUnreachable:
		var args struct {
			Generator string `json:"generator"`
		}
		if err := json.Unmarshal(e.Args, &args); err != nil {
			return fmt.Errorf("rebuild: decode generator_unreachable: %w", err)
		}
		r.eventFor(ident.ID(args.Generator)).Finalized = true

	case logstore.MethodTaskFailedToStart:
		var args struct {
			Task string `json:"task"`
		}
		if err := json.Unmarshal(e.Args, &args); err != nil {
			return fmt.Errorf("rebuild: decode task_failed_to_start: %w", err)
		}
		r.taskFor(ident.ID(args.Task)).FailedToStart = true

	case logstore.MethodTaskArgumentsUpdated:
		var args struct {
			Task      string          `json:"task"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(e.Args, &args); err != nil {
			return fmt.Errorf("rebuild: decode task_arguments_updated: %w", err)
		}
		r.taskFor(ident.ID(args.Task)).Arguments = args.Arguments

	case logstore.MethodGarbageTask:
		var args struct {
			Task string `json:"task"`
		}
		if err := json.Unmarshal(e.Args, &args); err != nil {
			return fmt.Errorf("rebuild: decode garbage_task: %w", err)
		}
		id := ident.ID(args.Task)
		r.garbaged[id] = true
		r.finalized[id] = true
		delete(r.tasks, id)
		delete(r.mission, id)
		delete(r.permanent, id)

	case logstore.MethodFinalizedEvent:
		var args struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(e.Args, &args); err != nil {
			return fmt.Errorf("rebuild: decode finalized_event: %w", err)
		}
		id := ident.ID(args.Event)
		r.finalized[id] = true
		delete(r.events, id)
		delete(r.permanent, id)

	case logstore.MethodCycleEnd:
		var args struct {
			Sequence int64 `json:"sequence"`
		}
		if err := json.Unmarshal(e.Args, &args); err != nil {
			return fmt.Errorf("rebuild: decode cycle_end: %w", err)
		}
		r.lastCycleEnd = args.Sequence
		r.cycleInProgress = args.Sequence + 1
	}

	return nil
}

func (r *PlanRebuilder) resetGeneration() {
	r.generation++
	r.tasks = make(map[ident.ID]*TaskSnapshot)
	r.events = make(map[ident.ID]*EventSnapshot)
	r.mission = make(map[ident.ID]bool)
	r.permanent = make(map[ident.ID]bool)
	r.garbaged = make(map[ident.ID]bool)
	r.finalized = make(map[ident.ID]bool)
	r.edges = make(map[EdgeKey]json.RawMessage)
	r.cycleInProgress = 1
	r.lastCycleEnd = 0
}

func (r *PlanRebuilder) taskFor(id ident.ID) *TaskSnapshot {
	t, ok := r.tasks[id]
	if !ok {
		t = &TaskSnapshot{ID: id, Status: make(map[string]bool)}
		r.tasks[id] = t
	}
	return t
}

func (r *PlanRebuilder) eventFor(id ident.ID) *EventSnapshot {
	g, ok := r.events[id]
	if !ok {
		g = &EventSnapshot{ID: id}
		r.events[id] = g
	}
	return g
}

// MissionTaskIDs returns every task id currently reconstructed as a
// mission task. No method handled by Apply adds to this set, so it is
// always empty.
func (r *PlanRebuilder) MissionTaskIDs() []ident.ID {
	return idsOf(r.mission)
}

// PermanentIDs returns every id currently reconstructed as permanent.
// No method handled by Apply adds to this set, so it is always empty.
func (r *PlanRebuilder) PermanentIDs() []ident.ID {
	return idsOf(r.permanent)
}

// GarbageSet returns every id the log stream has, so far, recorded as
// collected.
func (r *PlanRebuilder) GarbageSet() []ident.ID {
	return idsOf(r.garbaged)
}

// Task returns the reconstructed snapshot for id, if the log stream
// mentions it and it has not since been finalized.
func (r *PlanRebuilder) Task(id ident.ID) (*TaskSnapshot, bool) {
	t, ok := r.tasks[id]
	return t, ok
}

// Event returns the reconstructed snapshot for an event generator id,
// whether a free event or one of a task's events.
func (r *PlanRebuilder) Event(id ident.ID) (*EventSnapshot, bool) {
	g, ok := r.events[id]
	return g, ok
}

// HasEdge reports whether relation currently connects parent to child,
// per the log stream applied so far.
func (r *PlanRebuilder) HasEdge(relation string, parent, child ident.ID) bool {
	_, ok := r.edges[EdgeKey{Relation: relation, Parent: parent, Child: child}]
	return ok
}

// LastCycleEnd returns the sequence number of the last cycle_end entry
// applied.
func (r *PlanRebuilder) LastCycleEnd() int64 {
	return r.lastCycleEnd
}

func idsOf(m map[ident.ID]bool) []ident.ID {
	out := make([]ident.ID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}
