// Package relation implements typed directed relation graphs between
// plan objects (events or tasks): signal, forward, precedence, causal,
// dependency, and error-handling relations are all graphs of this kind,
// distinguished by their flags rather than by separate types.
package relation

import (
	"github.com/g-arjones/tools-roby/ident"
	"github.com/g-arjones/tools-roby/robyerr"
)

// Hooks are invoked symmetrically around edge mutations: adding_child/
// adding_parent may veto the mutation by returning an error; added_child/
// added_parent observe a mutation that has already taken effect (an error
// returned there does not undo it). Updated fires for info-only edge
// metadata changes that don't add or remove the edge itself.
type Hooks struct {
	AddingChild  func(parent, child ident.ID, info any) error
	AddingParent func(child, parent ident.ID, info any) error
	AddedChild   func(parent, child ident.ID, info any) error
	AddedParent  func(child, parent ident.ID, info any) error
	Updated      func(parent, child ident.ID, info any)
}

// Graph is a single relation: a directed graph between plan object ids,
// with relation-wide flags.
type Graph struct {
	// Name identifies the relation (e.g. "signal", "forward", "dependency").
	Name string

	// DAG forbids the graph from ever containing a cycle.
	DAG bool

	// CopyOnReplace: edges are duplicated rather than moved by replace
	// operators (see package replace).
	CopyOnReplace bool

	// Strong: edges are excluded from replacement-time rewiring
	// entirely; they always remain on the original object.
	Strong bool

	hooks Hooks

	children map[ident.ID]map[ident.ID]any // parent -> child -> info
	parents  map[ident.ID]map[ident.ID]any // child -> parent -> info
}

// New creates an empty relation graph with the given flags and hooks.
// Any Hooks field left nil is treated as a no-op.
func New(name string, dag, copyOnReplace, strong bool, hooks Hooks) *Graph {
	return &Graph{
		Name:          name,
		DAG:           dag,
		CopyOnReplace: copyOnReplace,
		Strong:        strong,
		hooks:         hooks,
		children:      make(map[ident.ID]map[ident.ID]any),
		parents:       make(map[ident.ID]map[ident.ID]any),
	}
}

// HasEdge reports whether an edge parent -> child exists.
func (g *Graph) HasEdge(parent, child ident.ID) bool {
	kids, ok := g.children[parent]
	if !ok {
		return false
	}
	_, ok = kids[child]
	return ok
}

// Info returns the info attached to an edge, if any.
func (g *Graph) Info(parent, child ident.ID) (any, bool) {
	kids, ok := g.children[parent]
	if !ok {
		return nil, false
	}
	info, ok := kids[child]
	return info, ok
}

// Children returns the direct children of parent, in no particular
// guaranteed order (callers needing determinism should sort).
func (g *Graph) Children(parent ident.ID) []ident.ID {
	return idsOf(g.children[parent])
}

// Parents returns the direct parents of child.
func (g *Graph) Parents(child ident.ID) []ident.ID {
	return idsOf(g.parents[child])
}

func idsOf(m map[ident.ID]any) []ident.ID {
	out := make([]ident.ID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

// AddEdge adds parent -> child with the given info. If the relation is a
// DAG, the edge is rejected with a *robyerr.CycleFoundError (wrapping
// robyerr.ErrCycleFound) if it would close a cycle, and the graph is left
// unmodified in that case. Otherwise adding_child/adding_parent hooks run
// first; if either returns an error, the edge is not added and that error
// is returned. added_child/added_parent then run; an error there is
// returned to the caller but the edge remains added.
func (g *Graph) AddEdge(parent, child ident.ID, info any) error {
	if g.HasEdge(parent, child) {
		g.updateInfo(parent, child, info)
		return nil
	}

	if g.DAG {
		if cycle, closes := g.wouldCloseCycle(parent, child); closes {
			return &robyerr.CycleFoundError{Relation: g.Name, From: parent, To: child, Cycle: cycle}
		}
	}

	if g.hooks.AddingChild != nil {
		if err := g.hooks.AddingChild(parent, child, info); err != nil {
			return err
		}
	}
	if g.hooks.AddingParent != nil {
		if err := g.hooks.AddingParent(child, parent, info); err != nil {
			return err
		}
	}

	g.link(parent, child, info)

	if g.hooks.AddedChild != nil {
		if err := g.hooks.AddedChild(parent, child, info); err != nil {
			return err
		}
	}
	if g.hooks.AddedParent != nil {
		if err := g.hooks.AddedParent(child, parent, info); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) link(parent, child ident.ID, info any) {
	if g.children[parent] == nil {
		g.children[parent] = make(map[ident.ID]any)
	}
	if g.parents[child] == nil {
		g.parents[child] = make(map[ident.ID]any)
	}
	g.children[parent][child] = info
	g.parents[child][parent] = info
}

func (g *Graph) updateInfo(parent, child ident.ID, info any) {
	g.children[parent][child] = info
	g.parents[child][parent] = info
	if g.hooks.Updated != nil {
		g.hooks.Updated(parent, child, info)
	}
}

// RemoveEdge removes parent -> child if present. It is a no-op if the
// edge doesn't exist.
func (g *Graph) RemoveEdge(parent, child ident.ID) {
	if kids, ok := g.children[parent]; ok {
		delete(kids, child)
		if len(kids) == 0 {
			delete(g.children, parent)
		}
	}
	if pars, ok := g.parents[child]; ok {
		delete(pars, parent)
		if len(pars) == 0 {
			delete(g.parents, child)
		}
	}
}

// RemoveObject removes every edge incident to id, as both parent and
// child.
func (g *Graph) RemoveObject(id ident.ID) {
	for child := range g.children[id] {
		g.RemoveEdge(id, child)
	}
	for parent := range g.parents[id] {
		g.RemoveEdge(parent, id)
	}
}

// wouldCloseCycle reports whether adding parent -> child would close a
// cycle, using Kahn's algorithm (topological sort by repeatedly removing
// zero-in-degree nodes): after the candidate edge is added to a scratch
// copy of the in-degree/adjacency maps, any node left with nonzero
// in-degree once no more zero-in-degree nodes remain lies on a cycle or
// downstream of one.
func (g *Graph) wouldCloseCycle(parent, child ident.ID) (cycle []ident.ID, found bool) {
	inDegree := make(map[ident.ID]int)
	adj := make(map[ident.ID][]ident.ID)

	visit := func(id ident.ID) {
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
	}

	for p, kids := range g.children {
		visit(p)
		for c := range kids {
			visit(c)
			adj[p] = append(adj[p], c)
			inDegree[c]++
		}
	}

	// candidate edge
	visit(parent)
	visit(child)
	adj[parent] = append(adj[parent], child)
	inDegree[child]++

	queue := make([]ident.ID, 0, len(inDegree))
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited == len(inDegree) {
		return nil, false
	}

	remaining := make([]ident.ID, 0)
	for id, d := range inDegree {
		if d > 0 {
			remaining = append(remaining, id)
		}
	}
	return remaining, true
}
