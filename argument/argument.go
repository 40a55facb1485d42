// Package argument implements the core's argument system: static values,
// declared defaults, and delayed arguments evaluated at freeze time, with
// the parallel-assignment protocol shared by construction-time and
// freeze-time updates.
package argument

import (
	"reflect"

	"github.com/g-arjones/tools-roby/robyerr"
)

// Delayed is a value whose concrete value is not known yet.
// Evaluate is given an opaque task reference (typed as any to avoid a
// dependency on package task) and returns the evaluated value plus
// whether evaluation succeeded; ok == false models "no value yet", not
// an error.
type Delayed interface {
	Evaluate(task any) (value any, ok bool)
}

// Setter decomposes a high-level argument assignment into one or more
// low-level ones. It is invoked with the working set of arguments for
// the in-progress Assign call (pre-populated with the pre-call state)
// and may write any key, including keys other than the one that
// triggered it.
type Setter func(w *Set, value any)

// Declaration describes one argument on a task model.
type Declaration struct {
	Name       string
	HasDefault bool
	Default    any
	Setter     Setter
}

// Model is the set of argument declarations on a task model.
type Model struct {
	order        []string
	declarations map[string]Declaration
}

// NewModel creates an empty argument declaration model.
func NewModel() *Model {
	return &Model{declarations: make(map[string]Declaration)}
}

// Declare adds (or replaces) an argument declaration.
func (m *Model) Declare(d Declaration) {
	if _, exists := m.declarations[d.Name]; !exists {
		m.order = append(m.order, d.Name)
	}
	m.declarations[d.Name] = d
}

// Names returns declared argument names in declaration order.
func (m *Model) Names() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Declaration returns the declaration for name, if any.
func (m *Model) Declaration(name string) (Declaration, bool) {
	d, ok := m.declarations[name]
	return d, ok
}

// Set is an instance's live argument map: static values, defaults taken
// implicitly, and delayed arguments pending evaluation.
type Set struct {
	model  *Model
	values map[string]any
}

// NewSet creates an argument set holding the caller-supplied initial
// values, applied through the parallel-assignment protocol (see Assign).
// The model's declared defaults are not stored in the set.
func NewSet(model *Model, initial map[string]any) (*Set, error) {
	s := &Set{model: model, values: make(map[string]any)}
	if len(initial) == 0 {
		return s, nil
	}
	if err := s.Assign(initial); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the stored value for name and whether it is set at all
// (defaults are not materialized; only assigned values are stored).
func (s *Set) Get(name string) (any, bool) {
	v, ok := s.values[name]
	return v, ok
}

// HasArgument reports whether name is set and its value is not Delayed.
func (s *Set) HasArgument(name string) bool {
	v, ok := s.values[name]
	if !ok {
		return false
	}
	_, delayed := v.(Delayed)
	return !delayed
}

// Assign performs parallel assignment of the requested map onto the
// current argument set:
//
//  1. A working copy is seeded with the pre-call state.
//  2. For each requested (k, v): if v is itself Delayed, it is stored
//     directly (no setter runs, matching construction-time semantics).
//     Otherwise, if the model declares a setter for k, the setter runs
//     against the shared working copy (seeing the pre-call state plus
//     whatever setters that ran earlier in this call wrote, and free to
//     write other keys to propagate a decomposition); if no setter is
//     declared, v is stored directly.
//  3. Once every requested key has been processed, the working copy is
//     reconciled against the request: for every (k, v) requested, the
//     working copy's value for k must either equal v, or be absent.
//     Any mismatch fails the whole call with *robyerr.ArgumentConflictError
//     and the Set is left completely unmodified.
//  4. Otherwise, the working copy (which also retains every untouched
//     pre-call key) replaces the Set's stored values.
func (s *Set) Assign(requested map[string]any) error {
	snapshot := make(map[string]any, len(s.values))
	for k, v := range s.values {
		snapshot[k] = v
	}
	working := make(map[string]any, len(snapshot)+len(requested))
	for k, v := range snapshot {
		working[k] = v
	}

	// Pass 1: run every setter, all against the same shared working copy.
	// Setters run in map iteration order, and each one sees the writes of
	// the setters that ran before it.
	for k, v := range requested {
		if isDelayed(v) {
			continue
		}
		if decl, ok := s.model.Declaration(k); ok && decl.Setter != nil {
			decl.Setter(&Set{model: s.model, values: working}, v)
		}
	}

	// A key counts as "touched by a setter this call" if its working
	// value differs from (or is newly present relative to) the pre-call
	// snapshot; this lets pass 2 tell a setter's decomposition apart
	// from merely-preexisting state, independent of map iteration order.
	setterTouched := make(map[string]bool)
	for k, v := range working {
		if old, existed := snapshot[k]; !existed || !valuesEqual(old, v) {
			setterTouched[k] = true
		}
	}

	// Pass 2: direct writes for every requested key that has no setter
	// of its own (including delayed values, which always bypass
	// setters). A direct write conflicts if a setter already decided
	// this key's value to something else this call.
	for k, v := range requested {
		if isDelayed(v) {
			working[k] = v
			continue
		}
		if decl, ok := s.model.Declaration(k); ok && decl.Setter != nil {
			continue
		}
		if setterTouched[k] {
			if got := working[k]; !valuesEqual(got, v) {
				return &robyerr.ArgumentConflictError{Key: k, Requested: v, Got: got}
			}
			continue
		}
		working[k] = v
	}

	// Final reconciliation: every requested value must match what ended
	// up stored, or have ended up unset entirely (a setter may decompose
	// its own key away without writing it back).
	for k, v := range requested {
		if isDelayed(v) {
			continue
		}
		if got, present := working[k]; present && !valuesEqual(got, v) {
			return &robyerr.ArgumentConflictError{Key: k, Requested: v, Got: got}
		}
	}

	s.values = working
	return nil
}

func isDelayed(v any) bool {
	_, ok := v.(Delayed)
	return ok
}

// Write directly stores value for name, bypassing Assign's reconciliation.
// It exists for Setter implementations (via the working Set they are
// handed) and for freeze-time application; ordinary callers should use
// Assign.
func (s *Set) Write(name string, value any) {
	s.values[name] = value
}

// FreezeDelayedArguments evaluates every currently delayed argument
// against task (an opaque reference passed through to Delayed.Evaluate).
// Values that evaluate successfully are collected and forwarded to
// Assign in one call, so they participate in the same parallel-
// assignment/rollback protocol as any other assignment. Values that
// don't evaluate yet (ok == false) are left untouched.
func (s *Set) FreezeDelayedArguments(task any) error {
	resolved := make(map[string]any)
	for name, v := range s.values {
		delayed, ok := v.(Delayed)
		if !ok {
			continue
		}
		if value, ok := delayed.Evaluate(task); ok {
			resolved[name] = value
		}
	}
	if len(resolved) == 0 {
		return nil
	}
	return s.Assign(resolved)
}

// FullyInstanciated reports whether every declared argument is set and
// not Delayed.
func (s *Set) FullyInstanciated() bool {
	for _, name := range s.model.Names() {
		if !s.HasArgument(name) {
			return false
		}
	}
	return true
}

// Static reports whether no currently stored value is Delayed.
func (s *Set) Static() bool {
	for _, v := range s.values {
		if _, delayed := v.(Delayed); delayed {
			return false
		}
	}
	return true
}

// MeaningfulArguments returns the stored values whose key is not set to
// its declared default.
func (s *Set) MeaningfulArguments() map[string]any {
	out := make(map[string]any)
	for k, v := range s.values {
		decl, declared := s.model.Declaration(k)
		if declared && decl.HasDefault && valuesEqual(v, decl.Default) {
			continue
		}
		out[k] = v
	}
	return out
}

// Snapshot returns a shallow copy of the currently stored values.
func (s *Set) Snapshot() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
