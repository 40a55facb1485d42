// Package replace implements the plan's replacement operators:
// ReplaceBy rewires every external relation from an old task onto a new
// one; ReplaceSubplanBy rewires only the parent side. Both preserve
// strong relations on the original task, duplicate copy_on_replace
// relations instead of moving them, and copy handlers according to
// their on_replace policy.
package replace

import (
	"fmt"

	"github.com/g-arjones/tools-roby/event"
	"github.com/g-arjones/tools-roby/ident"
	"github.com/g-arjones/tools-roby/plan"
	"github.com/g-arjones/tools-roby/relation"
	"github.com/g-arjones/tools-roby/task"
	"github.com/g-arjones/tools-roby/txn"
)

// ReplaceBy rewires every external relation (both parents and
// non-descendant children) of old's events onto the correspondingly
// named events of new, then copies old's poll/execute/finalization/
// event/if_unreachable handlers to new per their on_replace policy. old
// is left in the plan, still holding its strong relations and its
// internal (old-to-old) edges; callers typically remove it once it is
// no longer reachable.
func ReplaceBy(p *plan.Plan, old, new *task.Task) error {
	if err := rewireParents(p, old, new); err != nil {
		return fmt.Errorf("replace: rewire parents: %w", err)
	}
	if err := rewireChildren(p, old, new); err != nil {
		return fmt.Errorf("replace: rewire children: %w", err)
	}
	if err := rewireDependency(p, old, new, true); err != nil {
		return fmt.Errorf("replace: rewire dependency: %w", err)
	}
	copyHandlers(old, new)
	return nil
}

// ReplaceSubplanBy rewires only the parent-side external relations of
// old's events onto new, leaving old's children (the subplan it still
// roots) untouched. Handlers are copied exactly as in ReplaceBy.
func ReplaceSubplanBy(p *plan.Plan, old, new *task.Task) error {
	if err := rewireParents(p, old, new); err != nil {
		return fmt.Errorf("replace: rewire parents: %w", err)
	}
	if err := rewireDependency(p, old, new, false); err != nil {
		return fmt.Errorf("replace: rewire dependency: %w", err)
	}
	copyHandlers(old, new)
	return nil
}

// rewireDependency rewires the task-level dependency relation (which
// connects task ids directly, not event ids): old's parents (the tasks
// that need old) always move to new; old's children (the tasks old
// needs) move too, but only for a full ReplaceBy — a subplan replace
// leaves old's own subplan, including what it depends on, in place.
func rewireDependency(p *plan.Plan, old, new *task.Task, includeChildren bool) error {
	if p.Dependency.Strong {
		return nil
	}
	for _, parent := range p.Dependency.Parents(old.ID) {
		info, _ := p.Dependency.Info(parent, old.ID)
		if err := p.Dependency.AddEdge(parent, new.ID, info); err != nil {
			return err
		}
		if !p.Dependency.CopyOnReplace {
			p.Dependency.RemoveEdge(parent, old.ID)
		}
	}
	if !includeChildren {
		return nil
	}
	for _, child := range p.Dependency.Children(old.ID) {
		info, _ := p.Dependency.Info(old.ID, child)
		if err := p.Dependency.AddEdge(new.ID, child, info); err != nil {
			return err
		}
		if !p.Dependency.CopyOnReplace {
			p.Dependency.RemoveEdge(old.ID, child)
		}
	}
	return nil
}

// ownEventIDs returns the set of event ids belonging to t, used to tell
// an "external" edge (to some other object) apart from old's own
// internal structure, which is left alone: new already has its own copy
// of that structure from its own model.
func ownEventIDs(t *task.Task) map[ident.ID]bool {
	own := make(map[ident.ID]bool, len(t.Events))
	for _, g := range t.Events {
		own[g.ID] = true
	}
	return own
}

// correspondent finds the event on new with the same symbol as the
// given generator. A relation edge for a symbol old doesn't share with
// new has nothing to rewire onto and is left in place on old.
func correspondent(new *task.Task, symbol string) (*event.Generator, bool) {
	g, ok := new.Events[symbol]
	return g, ok
}

func rewireParents(p *plan.Plan, old, new *task.Task) error {
	own := ownEventIDs(old)
	for symbol, oldGen := range old.Events {
		newGen, ok := correspondent(new, symbol)
		if !ok {
			continue
		}
		for _, g := range []*relation.Graph{p.Forward, p.Precedence, p.Signal, p.CausalLink} {
			if g.Strong {
				continue
			}
			for _, parent := range g.Parents(oldGen.ID) {
				if own[parent] {
					continue
				}
				info, _ := g.Info(parent, oldGen.ID)
				if err := g.AddEdge(parent, newGen.ID, info); err != nil {
					return err
				}
				if !g.CopyOnReplace {
					g.RemoveEdge(parent, oldGen.ID)
				}
			}
		}
	}
	return nil
}

func rewireChildren(p *plan.Plan, old, new *task.Task) error {
	own := ownEventIDs(old)
	for symbol, oldGen := range old.Events {
		newGen, ok := correspondent(new, symbol)
		if !ok {
			continue
		}
		for _, g := range []*relation.Graph{p.Forward, p.Precedence, p.Signal, p.CausalLink} {
			if g.Strong {
				continue
			}
			for _, child := range g.Children(oldGen.ID) {
				if own[child] {
					continue
				}
				info, _ := g.Info(oldGen.ID, child)
				if err := g.AddEdge(newGen.ID, child, info); err != nil {
					return err
				}
				if !g.CopyOnReplace {
					g.RemoveEdge(oldGen.ID, child)
				}
			}
		}
	}
	return nil
}

// ReplaceByTxn is ReplaceBy performed against trsc[old]/trsc[new], the
// transaction proxies of old and new, instead of directly against the
// live plan: every edge rewire is staged (StageAddEdge/StageRemoveEdge)
// through the transaction those two proxies belong to, so cycle-
// checking and rollback happen together with the rest of the
// transaction at Commit, not immediately. Per spec, a replacement
// performed inside a transaction must produce, after commit, the same
// plan state as the same replacement performed directly on the plan —
// stageRewireParents/stageRewireChildren/stageRewireDependency below
// stage exactly the edges their non-txn counterparts (rewireParents/
// rewireChildren/rewireDependency) apply directly. Only old and new
// themselves are proxied by this call; any further proxy (e.g. for an
// external parent whose edge is actually being rewired) is created
// lazily by Transaction.Proxy, same as everywhere else in package txn —
// an object with no edge to rewire (and no relation to old or new) is
// never wrapped. Handlers are not graph state, so they are copied
// immediately, same as ReplaceBy.
func ReplaceByTxn(old, new *txn.Proxy) error {
	oldTask, newTask, tx, err := resolveTasks(old, new)
	if err != nil {
		return err
	}
	stageRewireParents(tx, oldTask, newTask)
	stageRewireChildren(tx, oldTask, newTask)
	stageRewireDependency(tx, oldTask, newTask, true)
	copyHandlers(oldTask, newTask)
	return nil
}

// ReplaceSubplanByTxn is ReplaceSubplanBy staged through trsc[old]/
// trsc[new], the transactional counterpart to ReplaceByTxn the same way
// ReplaceSubplanBy is to ReplaceBy: only parent-side edges are staged,
// old's subplan (including any edge where old's own events are the
// source, e.g. a signal into one of old's dependency children) is left
// untouched.
func ReplaceSubplanByTxn(old, new *txn.Proxy) error {
	oldTask, newTask, tx, err := resolveTasks(old, new)
	if err != nil {
		return err
	}
	stageRewireParents(tx, oldTask, newTask)
	stageRewireDependency(tx, oldTask, newTask, false)
	copyHandlers(oldTask, newTask)
	return nil
}

// resolveTasks looks up the live *task.Task behind each proxy. old and
// new must belong to the same transaction and both must resolve to
// tasks (not free events) in that transaction's plan.
func resolveTasks(old, new *txn.Proxy) (oldTask, newTask *task.Task, tx *txn.Transaction, err error) {
	tx = old.Transaction()
	if new.Transaction() != tx {
		return nil, nil, nil, fmt.Errorf("replace: old and new proxies belong to different transactions")
	}
	oldTask, ok := tx.Plan.Task(old.ID)
	if !ok {
		return nil, nil, nil, fmt.Errorf("replace: old proxy %s is not a task", old.ID)
	}
	newTask, ok = tx.Plan.Task(new.ID)
	if !ok {
		return nil, nil, nil, fmt.Errorf("replace: new proxy %s is not a task", new.ID)
	}
	return oldTask, newTask, tx, nil
}

func stageRewireDependency(tx *txn.Transaction, old, new *task.Task, includeChildren bool) {
	p := tx.Plan
	if p.Dependency.Strong {
		return
	}
	for _, parent := range p.Dependency.Parents(old.ID) {
		info, _ := p.Dependency.Info(parent, old.ID)
		tx.Proxy(parent).StageAddEdge(p.Dependency, new.ID, info)
		if !p.Dependency.CopyOnReplace {
			tx.Proxy(parent).StageRemoveEdge(p.Dependency, old.ID)
		}
	}
	if !includeChildren {
		return
	}
	for _, child := range p.Dependency.Children(old.ID) {
		info, _ := p.Dependency.Info(old.ID, child)
		tx.Proxy(new.ID).StageAddEdge(p.Dependency, child, info)
		if !p.Dependency.CopyOnReplace {
			tx.Proxy(old.ID).StageRemoveEdge(p.Dependency, child)
		}
	}
}

func stageRewireParents(tx *txn.Transaction, old, new *task.Task) {
	p := tx.Plan
	own := ownEventIDs(old)
	for symbol, oldGen := range old.Events {
		newGen, ok := correspondent(new, symbol)
		if !ok {
			continue
		}
		for _, g := range []*relation.Graph{p.Forward, p.Precedence, p.Signal, p.CausalLink} {
			if g.Strong {
				continue
			}
			for _, parent := range g.Parents(oldGen.ID) {
				if own[parent] {
					continue
				}
				info, _ := g.Info(parent, oldGen.ID)
				tx.Proxy(parent).StageAddEdge(g, newGen.ID, info)
				if !g.CopyOnReplace {
					tx.Proxy(parent).StageRemoveEdge(g, oldGen.ID)
				}
			}
		}
	}
}

func stageRewireChildren(tx *txn.Transaction, old, new *task.Task) {
	p := tx.Plan
	own := ownEventIDs(old)
	for symbol, oldGen := range old.Events {
		newGen, ok := correspondent(new, symbol)
		if !ok {
			continue
		}
		for _, g := range []*relation.Graph{p.Forward, p.Precedence, p.Signal, p.CausalLink} {
			if g.Strong {
				continue
			}
			for _, child := range g.Children(oldGen.ID) {
				if own[child] {
					continue
				}
				info, _ := g.Info(oldGen.ID, child)
				tx.Proxy(newGen.ID).StageAddEdge(g, child, info)
				if !g.CopyOnReplace {
					tx.Proxy(oldGen.ID).StageRemoveEdge(g, child)
				}
			}
		}
	}
}

// copyHandlers copies old's task-level handlers and every shared
// event's if_unreachable handlers onto new, per on_replace policy
// resolved against old's abstract flag at replace time.
func copyHandlers(old, new *task.Task) {
	old.CopyHandlersTo(new)

	abstract := old.Status().Abstract
	for symbol, oldGen := range old.Events {
		if newGen, ok := correspondent(new, symbol); ok {
			oldGen.CopyIfUnreachableHandlersTo(newGen, abstract)
		}
	}
}
