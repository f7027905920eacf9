package graph

import (
	"math"
	"sort"

	"spores/internal/dynamics"
)

// Closest returns the node nearest to point, exempt nodes included.
func (g *BufferGraph) Closest(point dynamics.State) (Node, bool) {
	var (
		best     *Node
		bestDist = math.Inf(1)
	)
	for _, id := range g.nodeOrder {
		n := g.nodes[id]
		if d := n.Position.Sub(point).Norm(); d < bestDist {
			best, bestDist = n, d
		}
	}
	if best == nil {
		return Node{}, false
	}
	return copyNode(best), true
}

// Neighbors returns the ids of nodes exactly depth hops away from id, ignoring
// link orientation. Results are sorted.
func (g *BufferGraph) Neighbors(id string, depth int) []string {
	start, ok := g.Resolve(id)
	if !ok || depth < 1 {
		return nil
	}
	dist := map[string]int{start: 0}
	frontier := []string{start}
	for level := 1; level <= depth && len(frontier) > 0; level++ {
		var next []string
		for _, cur := range frontier {
			for _, lid := range g.out[cur] {
				next = visit(g.links[lid].To, level, dist, next)
			}
			for _, lid := range g.in[cur] {
				next = visit(g.links[lid].From, level, dist, next)
			}
		}
		frontier = next
	}
	var out []string
	for nid, d := range dist {
		if d == depth {
			out = append(out, nid)
		}
	}
	sort.Strings(out)
	return out
}

func visit(id string, level int, dist map[string]int, next []string) []string {
	if _, seen := dist[id]; seen {
		return next
	}
	dist[id] = level
	return append(next, id)
}
