// Package task implements task models and task instances: the schema
// of argument declarations, declared events and model-level relations
// a task type carries, and the live instance with its status flags,
// event generators, and handler lists.
package task

import (
	"github.com/g-arjones/tools-roby/argument"
	"github.com/g-arjones/tools-roby/retry"
)

// RelationKind names a model-level relation declaration.
type RelationKind int

const (
	Signal RelationKind = iota
	Forward
	CausalLink
)

func (k RelationKind) String() string {
	switch k {
	case Signal:
		return "signal"
	case Forward:
		return "forward"
	case CausalLink:
		return "causal_link"
	default:
		return "unknown"
	}
}

// EventDecl describes one declared event on a model.
type EventDecl struct {
	Symbol       string
	Controllable bool
	Terminal     bool
}

// RelationDecl describes one model-level relation declaration between
// two of the model's own event symbols.
type RelationDecl struct {
	Kind RelationKind
	From string
	To   string
}

// Model is a task's schema: argument declarations, declared events, and
// model-level relation declarations. Submodels are created with a
// parent, from which they inherit a copy of every declaration; further
// Declare* calls on the submodel may add to or override that copy
// without affecting the parent.
type Model struct {
	Name string

	// Abstract marks every instance of this model as abstract: never
	// executable, and the default on_replace policy for its handlers
	// becomes :copy instead of :drop (see package replace).
	Abstract bool

	arguments *argument.Model
	events    map[string]EventDecl
	eventOrd  []string
	relations []RelationDecl

	// RetryPolicy, if set, governs how many times and with what backoff
	// an instance's start command is retried before failing to start.
	// Nil means no retry: a single failed attempt fails the task.
	RetryPolicy *retry.Policy
}

// standardEvents are present on every task model, per spec: start is
// controllable; success, failed, aborted, and internal_error are
// terminal; stop, updated_data, and poll_transition are neither.
var standardEvents = []EventDecl{
	{Symbol: "start", Controllable: true},
	{Symbol: "stop"},
	{Symbol: "success", Terminal: true},
	{Symbol: "failed", Terminal: true},
	{Symbol: "aborted", Terminal: true},
	{Symbol: "internal_error", Terminal: true},
	{Symbol: "updated_data"},
	{Symbol: "poll_transition"},
}

// standardForwards are the built-in forward edges present on every
// task, chaining the terminal events down to stop.
var standardForwards = []RelationDecl{
	{Kind: Forward, From: "success", To: "stop"},
	{Kind: Forward, From: "aborted", To: "failed"},
	{Kind: Forward, From: "failed", To: "stop"},
	{Kind: Forward, From: "internal_error", To: "stop"},
}

// NewModel creates a model. If parent is non-nil, the new model starts
// with a copy of every one of parent's declarations (arguments, events,
// relations) in addition to the standard events/forwards every model
// carries.
func NewModel(name string, parent *Model) *Model {
	m := &Model{
		Name:      name,
		arguments: argument.NewModel(),
		events:    make(map[string]EventDecl),
	}

	for _, d := range standardEvents {
		m.declareEvent(d)
	}
	for _, r := range standardForwards {
		m.relations = append(m.relations, r)
	}

	if parent != nil {
		for _, name := range parent.arguments.Names() {
			decl, _ := parent.arguments.Declaration(name)
			m.arguments.Declare(decl)
		}
		for _, symbol := range parent.eventOrd {
			m.declareEvent(parent.events[symbol])
		}
		m.relations = append(m.relations, parent.relations...)
		m.Abstract = parent.Abstract
		m.RetryPolicy = parent.RetryPolicy
	}

	return m
}

// DeclareAbstract marks the model (and every task instantiated from it)
// abstract.
func (m *Model) DeclareAbstract() {
	m.Abstract = true
}

// WithRetry sets the model's start-command retry policy and returns m,
// for chaining onto NewModel.
func (m *Model) WithRetry(policy *retry.Policy) *Model {
	m.RetryPolicy = policy
	return m
}

// DeclareArgument adds (or overrides) an argument declaration.
func (m *Model) DeclareArgument(d argument.Declaration) {
	m.arguments.Declare(d)
}

// DeclareEvent adds (or overrides) an event declaration.
func (m *Model) DeclareEvent(symbol string, controllable, terminal bool) {
	m.declareEvent(EventDecl{Symbol: symbol, Controllable: controllable, Terminal: terminal})
}

func (m *Model) declareEvent(d EventDecl) {
	if _, exists := m.events[d.Symbol]; !exists {
		m.eventOrd = append(m.eventOrd, d.Symbol)
	}
	m.events[d.Symbol] = d
}

// DeclareRelation adds a model-level relation between two of the
// model's own event symbols (signal/forward/causal_link).
func (m *Model) DeclareRelation(kind RelationKind, from, to string) {
	m.relations = append(m.relations, RelationDecl{Kind: kind, From: from, To: to})
}

// Arguments returns the model's argument declaration set.
func (m *Model) Arguments() *argument.Model {
	return m.arguments
}

// Events returns every declared event, in declaration order.
func (m *Model) Events() []EventDecl {
	out := make([]EventDecl, len(m.eventOrd))
	for i, symbol := range m.eventOrd {
		out[i] = m.events[symbol]
	}
	return out
}

// EventDecl returns the declaration for symbol, if any.
func (m *Model) EventDecl(symbol string) (EventDecl, bool) {
	d, ok := m.events[symbol]
	return d, ok
}

// Relations returns every declared model-level relation (including the
// standard forwards and anything inherited from a parent).
func (m *Model) Relations() []RelationDecl {
	out := make([]RelationDecl, len(m.relations))
	copy(out, m.relations)
	return out
}
