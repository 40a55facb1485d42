// Package gc computes reachability from a plan's mission/permanent roots
// across the dependency relation and decides which objects are garbage.
// Every function here is pure: it takes a *plan.Plan and returns derived
// id sets, performing no mutation itself — applying the result (removing
// objects, forcing termination) is left to package engine, the same
// split project.go draws between projection and the dashboard that acts
// on it.
package gc

import (
	"github.com/g-arjones/tools-roby/ident"
	"github.com/g-arjones/tools-roby/plan"
)

// Reachable returns the set of object ids reachable from p's current
// roots (mission ∪ permanent) by following the dependency relation
// outward (parent needs child), plus the roots themselves.
func Reachable(p *plan.Plan) map[ident.ID]bool {
	reached := make(map[ident.ID]bool)
	queue := p.Roots()
	for _, id := range queue {
		reached[id] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range p.Dependency.Children(id) {
			if !reached[child] {
				reached[child] = true
				queue = append(queue, child)
			}
		}
	}
	return reached
}

// Unreachable returns every task and free event id in p that is not in
// reached — the candidates for this cycle's garbage collection pass.
func Unreachable(p *plan.Plan, reached map[ident.ID]bool) []ident.ID {
	var out []ident.ID
	for _, id := range p.AllObjectIDs() {
		if !reached[id] {
			out = append(out, id)
		}
	}
	return out
}

// Candidates is Unreachable(p, Reachable(p)): every object this cycle's
// GC phase should consider for removal.
func Candidates(p *plan.Plan) []ident.ID {
	return Unreachable(p, Reachable(p))
}

// HasRepairTask reports whether any task is currently associated, via
// the error-handling relation, as a repair for id. Consulted by package
// engine to spare a task this cycle's forced termination while a repair
// is still attached.
func HasRepairTask(p *plan.Plan, id ident.ID) bool {
	return len(p.RepairTasksFor(id)) > 0
}

// NeedsForcedTermination reports whether id is a task that is garbage
// but still running (or starting) and therefore cannot simply be
// removed: the engine must emit its stop-family event first and remove
// it once the task has actually finished.
func NeedsForcedTermination(p *plan.Plan, id ident.ID) bool {
	t, ok := p.Task(id)
	if !ok {
		return false
	}
	st := t.Status()
	return (st.Running || st.Starting) && !st.Finishing
}
