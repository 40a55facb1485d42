// Package query implements composable matchers over a plan's tasks.
//
// Following the same principle the teacher's dashboard queries were
// built on ("the bigger the interface, the weaker the abstraction"),
// a Matcher is a single-purpose predicate rather than one large
// query-builder interface; matchers compose with And/Or/Not the way
// the surrounding language's `&`/`|`/`!` operators do.
package query

import (
	"github.com/g-arjones/tools-roby/plan"
	"github.com/g-arjones/tools-roby/task"
	"github.com/g-arjones/tools-roby/txn"
)

// Scope controls which tasks EachInTransaction considers. Global is the
// virtual plan a transaction stack presents: every task in the
// transaction's underlying plan, staged edits and all. Local restricts
// to the tasks this transaction has itself wrapped so far (its own
// proxies) — the transaction's local working set, not anything a
// sibling or parent transaction has touched. Outside of any
// transaction there is no stack to be local to, so plain Each (which
// takes no transaction) always sees the whole plan regardless of
// scope; Scope only has bite once a query runs against a
// *txn.Transaction.
type Scope int

const (
	Global Scope = iota
	Local
)

// Matcher is a composable predicate over a plan's tasks.
type Matcher struct {
	pred func(p *plan.Plan, t *task.Task) bool
}

func newMatcher(pred func(p *plan.Plan, t *task.Task) bool) Matcher {
	return Matcher{pred: pred}
}

// Match reports whether t (a member of p) satisfies the matcher.
func (m Matcher) Match(p *plan.Plan, t *task.Task) bool {
	return m.pred(p, t)
}

// And returns a matcher that requires both m and other.
func (m Matcher) And(other Matcher) Matcher {
	return newMatcher(func(p *plan.Plan, t *task.Task) bool {
		return m.pred(p, t) && other.pred(p, t)
	})
}

// Or returns a matcher that requires either m or other.
func (m Matcher) Or(other Matcher) Matcher {
	return newMatcher(func(p *plan.Plan, t *task.Task) bool {
		return m.pred(p, t) || other.pred(p, t)
	})
}

// Not returns a matcher that requires m to not hold.
func (m Matcher) Not() Matcher {
	return newMatcher(func(p *plan.Plan, t *task.Task) bool {
		return !m.pred(p, t)
	})
}

// Mission matches tasks currently marked as mission roots.
func Mission() Matcher {
	return newMatcher(func(p *plan.Plan, t *task.Task) bool { return p.IsMission(t.ID) })
}

// Permanent matches tasks currently marked permanent.
func Permanent() Matcher {
	return newMatcher(func(p *plan.Plan, t *task.Task) bool { return p.IsPermanent(t.ID) })
}

// Pending matches tasks in the pending status.
func Pending() Matcher {
	return newMatcher(func(_ *plan.Plan, t *task.Task) bool { return t.Status().Pending })
}

// Running matches tasks in the running status.
func Running() Matcher {
	return newMatcher(func(_ *plan.Plan, t *task.Task) bool { return t.Status().Running })
}

// Finished matches tasks that have reached a terminal status.
func Finished() Matcher {
	return newMatcher(func(_ *plan.Plan, t *task.Task) bool { return t.Status().Finished })
}

// Failed matches tasks that finished with a failure.
func Failed() Matcher {
	return newMatcher(func(_ *plan.Plan, t *task.Task) bool { return t.Status().Failed })
}

// Success matches tasks that finished successfully.
func Success() Matcher {
	return newMatcher(func(_ *plan.Plan, t *task.Task) bool { return t.Status().Success })
}

// Executable matches tasks currently executable.
func Executable() Matcher {
	return newMatcher(func(_ *plan.Plan, t *task.Task) bool { return t.Executable() })
}

// Abstract matches tasks whose model is abstract.
func Abstract() Matcher {
	return newMatcher(func(_ *plan.Plan, t *task.Task) bool { return t.Status().Abstract })
}

// Each returns every task in p that satisfies m, in the order
// plan.Plan.Tasks returns them. There is no transaction stack in play
// here, so scope has no effect: use EachInTransaction to distinguish
// Global from Local against an open transaction.
func Each(p *plan.Plan, m Matcher) []*task.Task {
	return matchAll(p.Tasks(), p, m)
}

// EachInTransaction returns every task within scope that satisfies m,
// evaluated against tx's underlying plan. Global is the virtual plan:
// every task tx.Plan currently holds. Local is restricted to tx's own
// proxied set (tx.ProxiedIDs): the tasks this transaction level has
// actually wrapped, not everything the stack as a whole can see.
func EachInTransaction(tx *txn.Transaction, scope Scope, m Matcher) []*task.Task {
	if scope == Global {
		return matchAll(tx.Plan.Tasks(), tx.Plan, m)
	}
	var pool []*task.Task
	for _, id := range tx.ProxiedIDs() {
		if t, ok := tx.Plan.Task(id); ok {
			pool = append(pool, t)
		}
	}
	return matchAll(pool, tx.Plan, m)
}

func matchAll(pool []*task.Task, p *plan.Plan, m Matcher) []*task.Task {
	var out []*task.Task
	for _, t := range pool {
		if m.Match(p, t) {
			out = append(out, t)
		}
	}
	return out
}
