// Package dependency keeps the order dependency graph: forward edges from an
// order to the orders it waits on, and the reverse index used to find the
// orders that must be re-evaluated when one order changes state.
//
// Graph is not safe for concurrent use; the scheduler serializes access.
package dependency

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCyclicDependency is matched by every *CycleError.
var ErrCyclicDependency = errors.New("cyclic dependency")

// CycleError reports the edge path that would close a cycle, starting and
// ending at the candidate order.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCyclicDependency, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCyclicDependency }

type node struct {
	deps       []string
	dependents []string
}

// Graph stores edges by order id. Edges to ids that are not registered are
// dropped on insertion: an absent source is a satisfied dependency.
type Graph struct {
	nodes map[string]*node
}

func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// Register inserts id with edges to sources. Nothing is modified when the
// insertion would create a cycle or id is already present.
func (g *Graph) Register(id string, sources []string) error {
	if path, ok := g.WouldCycle(id, sources); ok {
		return &CycleError{Path: path}
	}
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("order %s already registered", id)
	}

	deps := make([]string, 0, len(sources))
	for _, src := range dedupe(sources) {
		if _, ok := g.nodes[src]; ok {
			deps = append(deps, src)
		}
	}
	g.nodes[id] = &node{deps: deps}
	for _, src := range deps {
		g.nodes[src].dependents = append(g.nodes[src].dependents, id)
	}
	return nil
}

// WouldCycle runs an iterative depth-first search from id along dependency
// edges, with sources standing in for id's own edges (merged with any edges id
// already has). It returns the cycle path when id is reachable from itself.
func (g *Graph) WouldCycle(id string, sources []string) ([]string, bool) {
	type frame struct {
		id   string
		next int
	}

	edges := func(n string) []string {
		if n == id {
			var merged []string
			if existing, ok := g.nodes[id]; ok {
				merged = append(merged, existing.deps...)
			}
			return append(merged, sources...)
		}
		if nd, ok := g.nodes[n]; ok {
			return nd.deps
		}
		return nil
	}

	visiting := map[string]bool{id: true}
	visited := make(map[string]bool)
	stack := []frame{{id: id}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		out := edges(top.id)
		if top.next >= len(out) {
			visiting[top.id] = false
			visited[top.id] = true
			stack = stack[:len(stack)-1]
			continue
		}
		next := out[top.next]
		top.next++

		if visiting[next] {
			// back edge: the stack from next to top is the cycle
			path := make([]string, 0, len(stack)+1)
			start := 0
			for i, f := range stack {
				if f.id == next {
					start = i
					break
				}
			}
			for _, f := range stack[start:] {
				path = append(path, f.id)
			}
			path = append(path, next)
			return path, true
		}
		if visited[next] {
			continue
		}
		visiting[next] = true
		stack = append(stack, frame{id: next})
	}
	return nil, false
}

// Dependencies returns the ids id waits on, in registration order.
func (g *Graph) Dependencies(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return append([]string(nil), n.deps...)
}

// Dependents returns the ids waiting on id, in registration order.
func (g *Graph) Dependents(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return append([]string(nil), n.dependents...)
}

// Contains reports whether id is registered.
func (g *Graph) Contains(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Remove drops id and all edges touching it. Dependents of id lose the edge,
// which is what lets a pruned source evaluate as absent.
func (g *Graph) Remove(id string) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for _, src := range n.deps {
		if sn, ok := g.nodes[src]; ok {
			sn.dependents = without(sn.dependents, id)
		}
	}
	for _, dep := range n.dependents {
		if dn, ok := g.nodes[dep]; ok {
			dn.deps = without(dn.deps, id)
		}
	}
	delete(g.nodes, id)
}

// Len is the number of registered orders.
func (g *Graph) Len() int { return len(g.nodes) }

// Snapshot is a structural copy of every forward and reverse edge.
type Snapshot struct {
	Deps       map[string][]string
	Dependents map[string][]string
}

func (g *Graph) Snapshot() Snapshot {
	s := Snapshot{
		Deps:       make(map[string][]string, len(g.nodes)),
		Dependents: make(map[string][]string, len(g.nodes)),
	}
	for id, n := range g.nodes {
		s.Deps[id] = append([]string(nil), n.deps...)
		s.Dependents[id] = append([]string(nil), n.dependents...)
	}
	return s
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func without(ids []string, drop string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
