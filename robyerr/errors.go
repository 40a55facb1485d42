// Package robyerr defines the core's error taxonomy: structural errors,
// localized execution errors, and aggregates of localized errors produced
// during one propagation pass.
package robyerr

import (
	"errors"
	"fmt"

	"github.com/g-arjones/tools-roby/ident"
)

// Structural sentinel errors. These are returned synchronously to the
// caller of the offending mutation; they are never propagated through
// the event graph.
var (
	// ErrCycleFound is returned by relation.Graph.AddEdge when the new
	// edge would close a cycle in a DAG-flagged relation.
	ErrCycleFound = errors.New("roby: cycle found")

	// ErrArgumentConflict is returned by argument.Set.Assign when a
	// requested key's final value differs from the requested value and
	// was not merely absent beforehand.
	ErrArgumentConflict = errors.New("roby: argument conflict")

	// ErrTaskEventNotExecutable is returned when Call or Emit is
	// attempted on a generator that is not executable.
	ErrTaskEventNotExecutable = errors.New("roby: task event is not executable")

	// ErrModelViolation is returned when a task model declaration breaks
	// one of the model-level invariants (e.g. a non-controllable start,
	// a terminal event that does not forward to stop).
	ErrModelViolation = errors.New("roby: model violation")

	// ErrGarbageObject names the error for an operation on a plan object
	// that has already been removed from its plan. No function in this
	// module returns it: txn.Proxy staging does not check whether the
	// underlying object is still in its plan, and replace's transactional
	// operators report a task missing from the plan with their own error.
	ErrGarbageObject = errors.New("roby: object is garbage")
)

// CycleFoundError carries the edge that was rejected and, best-effort,
// the cycle it would have closed.
type CycleFoundError struct {
	Relation string
	From, To ident.ID
	Cycle    []ident.ID
}

func (e *CycleFoundError) Error() string {
	return fmt.Sprintf("roby: cycle found adding %s -> %s to relation %q", e.From, e.To, e.Relation)
}

func (e *CycleFoundError) Unwrap() error { return ErrCycleFound }

// ArgumentConflictError carries the conflicting key/value pair.
type ArgumentConflictError struct {
	Key            string
	Requested, Got any
}

func (e *ArgumentConflictError) Error() string {
	return fmt.Sprintf("roby: argument %q conflict: requested %v, got %v", e.Key, e.Requested, e.Got)
}

func (e *ArgumentConflictError) Unwrap() error { return ErrArgumentConflict }

// Localization identifies where a localized error occurred, in
// decreasing order of precision: event, generator, task.
type Localization struct {
	Event     ident.ID
	Generator ident.ID
	Task      ident.ID
}

// IsZero reports whether no localization could be derived.
func (l Localization) IsZero() bool {
	return l.Event.Empty() && l.Generator.Empty() && l.Task.Empty()
}

// CommandFailed wraps an error raised by a generator's command.
type CommandFailed struct {
	Localization
	Err error
}

func (e *CommandFailed) Error() string {
	return fmt.Sprintf("roby: command failed (task=%s generator=%s): %v", e.Task, e.Generator, e.Err)
}

func (e *CommandFailed) Unwrap() error { return e.Err }

// EmissionFailed is raised when Emit is attempted on a generator that is
// not in a legal state to emit.
type EmissionFailed struct {
	Localization
	Reason string
}

func (e *EmissionFailed) Error() string {
	return fmt.Sprintf("roby: emission failed (generator=%s): %s", e.Generator, e.Reason)
}

// UnreachableEvent is raised when code waits on a generator that becomes
// unreachable (e.g. AchieveWith's source becomes unreachable).
type UnreachableEvent struct {
	Localization
	Cause error
}

func (e *UnreachableEvent) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("roby: event %s is unreachable: %v", e.Generator, e.Cause)
	}
	return fmt.Sprintf("roby: event %s is unreachable", e.Generator)
}

func (e *UnreachableEvent) Unwrap() error { return e.Cause }

// ChildFailedError localizes a failure to a dependency-related child
// task, for propagation through the error-handling relation.
type ChildFailedError struct {
	Localization
	Child ident.ID
	Err   error
}

func (e *ChildFailedError) Error() string {
	return fmt.Sprintf("roby: child %s failed task %s: %v", e.Child, e.Task, e.Err)
}

func (e *ChildFailedError) Unwrap() error { return e.Err }

// TaskEmergencyTermination is raised when a task's stop-family emission
// itself fails while handling an internal error; the task cannot reach
// a clean terminal state and is torn down forcibly.
type TaskEmergencyTermination struct {
	Localization
	Err error
}

func (e *TaskEmergencyTermination) Error() string {
	return fmt.Sprintf("roby: task %s emergency termination: %v", e.Task, e.Err)
}

func (e *TaskEmergencyTermination) Unwrap() error { return e.Err }

// CodeError wraps a panic or returned error from a user handler or poll
// block, localized to the owning task. It is emitted as internal_error.
type CodeError struct {
	Localization
	Err error
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("roby: handler error on task %s: %v", e.Task, e.Err)
}

func (e *CodeError) Unwrap() error { return e.Err }

// Aggregate collects the localized errors raised during one synchronous
// propagation pass, in the order they were raised.
//
// Corresponds to SynchronousEventProcessingMultipleErrors.
type Aggregate struct {
	Errors []error
}

func (a *Aggregate) Error() string {
	if len(a.Errors) == 0 {
		return "roby: no errors"
	}
	return fmt.Sprintf("roby: %d error(s) during propagation: %v", len(a.Errors), a.Errors[0])
}

// Add appends an error to the aggregate.
func (a *Aggregate) Add(err error) {
	if err != nil {
		a.Errors = append(a.Errors, err)
	}
}

// Empty reports whether the aggregate has no errors.
func (a *Aggregate) Empty() bool {
	return len(a.Errors) == 0
}

// Filtered returns the subset of Errors that are not already
// transitively referenced (via errors.Is/Unwrap chains) by another error
// in the aggregate — so a root cause and the errors it produced
// downstream each surface only once.
func (a *Aggregate) Filtered() []error {
	referenced := make(map[error]bool)
	for _, outer := range a.Errors {
		for _, inner := range a.Errors {
			if inner == outer {
				continue
			}
			if errors.Is(outer, inner) {
				referenced[inner] = true
			}
		}
	}

	out := make([]error, 0, len(a.Errors))
	for _, err := range a.Errors {
		if !referenced[err] {
			out = append(out, err)
		}
	}
	return out
}
