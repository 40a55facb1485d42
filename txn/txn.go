// Package txn implements transactional access to a plan: proxies that
// stage relation mutations without touching the underlying plan until
// Commit, and Discard to drop everything staged.
package txn

import (
	"fmt"

	"github.com/g-arjones/tools-roby/ident"
	"github.com/g-arjones/tools-roby/plan"
	"github.com/g-arjones/tools-roby/relation"
)

// stagedOp is one queued mutation, applied in staging order on Commit.
// Commit rolls back (in reverse order, best-effort, mirroring the
// teacher's saga compensation) every already-applied op if a later one
// fails, so a transaction either fully lands or leaves the plan
// unchanged.
type stagedOp struct {
	graph  *relation.Graph
	parent ident.ID
	child  ident.ID
	info   any
	remove bool
}

// Proxy is a transaction-scoped view of a single plan object (task or
// free event). It exposes the same relation-edge API as the underlying
// object, but every mutation is staged on the owning Transaction and is
// only visible through this proxy (and other proxies of the same
// transaction) until Commit.
type Proxy struct {
	ID  ident.ID
	txn *Transaction
}

// HasEdge reports whether parent -> child exists in graph, resolving
// this proxy's staged overlay before falling back to the underlying
// plan's live graph.
func (p *Proxy) HasEdge(graph *relation.Graph, child ident.ID) bool {
	if p.txn.discarded {
		return false
	}
	if staged, ok := p.txn.overlay(graph, p.ID, child); ok {
		return staged
	}
	return graph.HasEdge(p.ID, child)
}

// StageAddEdge queues parent(=this proxy) -> child on graph, to be
// applied at Commit.
func (p *Proxy) StageAddEdge(graph *relation.Graph, child ident.ID, info any) {
	p.txn.stage(stagedOp{graph: graph, parent: p.ID, child: child, info: info})
}

// StageRemoveEdge queues the removal of parent(=this proxy) -> child on
// graph, to be applied at Commit.
func (p *Proxy) StageRemoveEdge(graph *relation.Graph, child ident.ID) {
	p.txn.stage(stagedOp{graph: graph, parent: p.ID, child: child, remove: true})
}

// Transaction returns the transaction this proxy belongs to, so a
// caller holding only a proxy (e.g. package replace, given trsc[a]) can
// reach the transaction to stage further proxies of its own.
func (p *Proxy) Transaction() *Transaction {
	return p.txn
}

// Transaction wraps a plan for staged, all-or-nothing mutation.
type Transaction struct {
	Plan *plan.Plan

	proxies   map[ident.ID]*Proxy
	staged    []stagedOp
	discarded bool
	committed bool
}

// New creates a transaction over p. Nothing is wrapped or staged yet.
func New(p *plan.Plan) *Transaction {
	return &Transaction{
		Plan:    p,
		proxies: make(map[ident.ID]*Proxy),
	}
}

// Proxy returns the (lazily created) proxy for id. Per spec's wrapping
// policy, tasks are wrapped on first access and reused thereafter
// within the same transaction.
func (t *Transaction) Proxy(id ident.ID) *Proxy {
	if p, ok := t.proxies[id]; ok {
		return p
	}
	p := &Proxy{ID: id, txn: t}
	t.proxies[id] = p
	return p
}

// ProxiedIDs returns the ids of every plan object this transaction has
// wrapped so far, in no particular order. Exposed so a caller (or a
// test) can check proxy-wrapping minimality: a transactional operation
// should only wrap the objects it actually touches, not everything
// transitively reachable from them.
func (t *Transaction) ProxiedIDs() []ident.ID {
	out := make([]ident.ID, 0, len(t.proxies))
	for id := range t.proxies {
		out = append(out, id)
	}
	return out
}

// overlay reports the staged (not-yet-committed) state of an edge, if
// this transaction has staged anything for it; the bool return is
// whether an overlay entry exists at all.
func (t *Transaction) overlay(graph *relation.Graph, parent, child ident.ID) (present bool, found bool) {
	for i := len(t.staged) - 1; i >= 0; i-- {
		op := t.staged[i]
		if op.graph == graph && op.parent == parent && op.child == child {
			return !op.remove, true
		}
	}
	return false, false
}

func (t *Transaction) stage(op stagedOp) {
	t.staged = append(t.staged, op)
}

// Commit flushes every staged mutation against the underlying plan's
// live graphs, in staging order, invoking the same relation hooks a
// direct mutation would. If any staged mutation is rejected (e.g. it
// would close a cycle in a DAG relation), every mutation already
// applied during this Commit is rolled back and the transaction is left
// in a committed-but-failed state — Commit must not be retried; discard
// it and re-stage from a fresh Transaction instead.
func (t *Transaction) Commit() error {
	if t.discarded {
		return fmt.Errorf("txn: cannot commit a discarded transaction")
	}
	if t.committed {
		return fmt.Errorf("txn: transaction already committed")
	}

	applied := make([]stagedOp, 0, len(t.staged))
	for _, op := range t.staged {
		var err error
		if op.remove {
			op.graph.RemoveEdge(op.parent, op.child)
		} else {
			err = op.graph.AddEdge(op.parent, op.child, op.info)
		}
		if err != nil {
			t.rollback(applied)
			t.committed = true
			return fmt.Errorf("txn: commit rejected: %w", err)
		}
		applied = append(applied, op)
	}

	t.committed = true
	return nil
}

// rollback best-effort undoes applied ops in reverse order.
func (t *Transaction) rollback(applied []stagedOp) {
	for i := len(applied) - 1; i >= 0; i-- {
		op := applied[i]
		if op.remove {
			// A staged removal was applied; best-effort undo by
			// re-adding. Info was not preserved for removals since the
			// original info isn't known here, so this is genuinely
			// best-effort.
			_ = op.graph.AddEdge(op.parent, op.child, op.info)
		} else {
			op.graph.RemoveEdge(op.parent, op.child)
		}
	}
}

// Discard drops every staged mutation and every proxy. Afterwards
// HasEdge on a proxy of this transaction reports false and Commit
// fails; anything staged through such a proxy never reaches the plan.
func (t *Transaction) Discard() {
	t.discarded = true
	t.staged = nil
	t.proxies = make(map[ident.ID]*Proxy)
}
