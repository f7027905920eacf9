package graph

import (
	"errors"
	"fmt"
	"math"

	"spores/internal/dynamics"
	"spores/internal/spore"
)

var (
	ErrUnknownNode = errors.New("unknown node")
	ErrUnknownLink = errors.New("unknown link")
)

type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// Node is a unique state in the buffer. Exempt nodes (roots, goals) bypass
// deduplication.
type Node struct {
	ID       string
	Position dynamics.State
	Exempt   bool
	IsGoal   bool
	Origins  []string
}

// Link is a directed edge stored in generation orientation. Dt is a magnitude;
// DtSign carries the time direction it was integrated in.
type Link struct {
	ID         string
	From       string
	To         string
	Control    float64
	Dt         float64
	DtSign     float64
	Slot       string
	Generation int
}

func (l Link) RawDt() float64 {
	return l.Dt * l.DtSign
}

func (l Link) Direction() Direction {
	if l.DtSign < 0 {
		return Backward
	}
	return Forward
}

// Step is one traversal of a link: start, end, control and signed elapsed time.
type Step struct {
	From    string
	To      string
	Control float64
	Dt      float64
}

// Traverse walks the link in dir. Walking against the stored orientation inverts
// elapsed time only; the control applied along the edge is unchanged.
func (l Link) Traverse(dir Direction) Step {
	if dir == Backward {
		return Step{From: l.To, To: l.From, Control: l.Control, Dt: -l.RawDt()}
	}
	return Step{From: l.From, To: l.To, Control: l.Control, Dt: l.RawDt()}
}

type cell struct{ x, y int64 }

// BufferGraph holds the deduplicated nodes and links of one or more trees.
// It is not safe for concurrent mutation; readers share it through snapshots.
type BufferGraph struct {
	threshold float64
	ids       spore.IdAllocator

	nodes     map[string]*Node
	nodeOrder []string
	aliases   map[string]string
	grid      map[cell][]string

	links     map[string]*Link
	linkOrder []string
	out       map[string][]string
	in        map[string][]string
}

func New(threshold float64, ids spore.IdAllocator) *BufferGraph {
	return &BufferGraph{
		threshold: threshold,
		ids:       ids,
		nodes:     make(map[string]*Node),
		aliases:   make(map[string]string),
		grid:      make(map[cell][]string),
		links:     make(map[string]*Link),
		out:       make(map[string][]string),
		in:        make(map[string][]string),
	}
}

func (g *BufferGraph) Threshold() float64 { return g.threshold }

func (g *BufferGraph) cellOf(p dynamics.State) cell {
	return cell{int64(math.Floor(p[0] / g.threshold)), int64(math.Floor(p[1] / g.threshold))}
}

// nearby returns the closest non-exempt node strictly within threshold of p.
func (g *BufferGraph) nearby(p dynamics.State, skip string) (*Node, bool) {
	c := g.cellOf(p)
	var (
		best     *Node
		bestDist = g.threshold
	)
	for dx := int64(-1); dx <= 1; dx++ {
		for dy := int64(-1); dy <= 1; dy++ {
			for _, id := range g.grid[cell{c.x + dx, c.y + dy}] {
				if id == skip {
					continue
				}
				n := g.nodes[id]
				if d := n.Position.Sub(p).Norm(); d < bestDist {
					best, bestDist = n, d
				}
			}
		}
	}
	return best, best != nil
}

func (g *BufferGraph) index(n *Node) {
	if n.Exempt {
		return
	}
	c := g.cellOf(n.Position)
	g.grid[c] = append(g.grid[c], n.ID)
}

func (g *BufferGraph) unindex(n *Node) {
	if n.Exempt {
		return
	}
	c := g.cellOf(n.Position)
	ids := g.grid[c]
	for i, id := range ids {
		if id == n.ID {
			g.grid[c] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(g.grid[c]) == 0 {
		delete(g.grid, c)
	}
}

// AddNode inserts a node, or folds it into an existing node closer than the
// threshold. It returns the id that now represents the position and whether a new
// node was created. An empty id is allocated.
func (g *BufferGraph) AddNode(id string, position dynamics.State, exempt bool) (string, bool, error) {
	if !position.Finite() {
		return "", false, fmt.Errorf("%w: node %q at %v", dynamics.ErrNonFinite, id, position)
	}
	if id == "" {
		id = g.ids.NextSporeID()
	}
	if existing, ok := g.Resolve(id); ok {
		return existing, false, nil
	}
	if !exempt {
		if n, ok := g.nearby(position, ""); ok {
			n.Origins = append(n.Origins, id)
			g.aliases[id] = n.ID
			return n.ID, false, nil
		}
	}
	n := &Node{ID: id, Position: position, Exempt: exempt, Origins: []string{id}}
	g.nodes[id] = n
	g.nodeOrder = append(g.nodeOrder, id)
	g.index(n)
	return id, true, nil
}

// Resolve maps an id, possibly one folded into another node, to a live node id.
func (g *BufferGraph) Resolve(id string) (string, bool) {
	if _, ok := g.nodes[id]; ok {
		return id, true
	}
	for seen := 0; seen < len(g.aliases); seen++ {
		next, ok := g.aliases[id]
		if !ok {
			return "", false
		}
		if _, live := g.nodes[next]; live {
			return next, true
		}
		id = next
	}
	return "", false
}

func (g *BufferGraph) MarkGoal(id string) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	g.unindex(n)
	n.IsGoal = true
	n.Exempt = true
	return nil
}

// AddLink connects two nodes. Dt must be a non-negative magnitude and dtSign ±1.
// A link identical in endpoints, control and sign to an existing one is returned
// instead of duplicated.
func (g *BufferGraph) AddLink(l Link) (Link, error) {
	from, ok := g.Resolve(l.From)
	if !ok {
		return Link{}, fmt.Errorf("%w: link source %s", ErrUnknownNode, l.From)
	}
	to, ok := g.Resolve(l.To)
	if !ok {
		return Link{}, fmt.Errorf("%w: link target %s", ErrUnknownNode, l.To)
	}
	if l.Dt < 0 || math.IsNaN(l.Dt) || math.IsInf(l.Dt, 0) {
		return Link{}, fmt.Errorf("link %s->%s: dt must be a finite magnitude, got %v", from, to, l.Dt)
	}
	if l.DtSign != 1 && l.DtSign != -1 {
		return Link{}, fmt.Errorf("link %s->%s: dt sign must be +1 or -1, got %v", from, to, l.DtSign)
	}
	l.From, l.To = from, to
	for _, id := range g.out[from] {
		existing := g.links[id]
		if existing.To == to && existing.Control == l.Control && existing.DtSign == l.DtSign {
			return *existing, nil
		}
	}
	if l.ID == "" {
		l.ID = g.ids.NextLinkID()
	}
	stored := l
	g.links[l.ID] = &stored
	g.linkOrder = append(g.linkOrder, l.ID)
	g.out[from] = append(g.out[from], l.ID)
	g.in[to] = append(g.in[to], l.ID)
	return l, nil
}

// SetLinkDt rewrites a link's elapsed time from a signed value.
func (g *BufferGraph) SetLinkDt(id string, rawDt float64) error {
	l, ok := g.links[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLink, id)
	}
	l.Dt = math.Abs(rawDt)
	if rawDt < 0 {
		l.DtSign = -1
	} else if rawDt > 0 {
		l.DtSign = 1
	}
	return nil
}

// MoveNode relocates a node. Deduplication is not re-run; call Settle for that.
func (g *BufferGraph) MoveNode(id string, position dynamics.State) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if !position.Finite() {
		return fmt.Errorf("%w: move %s to %v", dynamics.ErrNonFinite, id, position)
	}
	g.unindex(n)
	n.Position = position
	g.index(n)
	return nil
}

// Settle folds a non-exempt node into the closest other node within the
// threshold, if there is one. It returns the id that now represents the node.
func (g *BufferGraph) Settle(id string) (string, error) {
	n, ok := g.nodes[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if n.Exempt {
		return id, nil
	}
	other, ok := g.nearby(n.Position, id)
	if !ok {
		return id, nil
	}
	if err := g.MergeNodes(other.ID, id); err != nil {
		return "", err
	}
	return other.ID, nil
}

// MergeNodes folds drop into keep: every link touching drop is rewired to keep and
// drop disappears. Origins of both are kept.
func (g *BufferGraph) MergeNodes(keep, drop string) error {
	k, ok := g.nodes[keep]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, keep)
	}
	d, ok := g.nodes[drop]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, drop)
	}
	if keep == drop {
		return nil
	}
	for _, id := range g.in[drop] {
		g.links[id].To = keep
		g.in[keep] = append(g.in[keep], id)
	}
	for _, id := range g.out[drop] {
		g.links[id].From = keep
		g.out[keep] = append(g.out[keep], id)
	}
	delete(g.in, drop)
	delete(g.out, drop)

	k.Origins = append(k.Origins, d.Origins...)
	k.IsGoal = k.IsGoal || d.IsGoal
	g.unindex(d)
	delete(g.nodes, drop)
	for i, id := range g.nodeOrder {
		if id == drop {
			g.nodeOrder = append(g.nodeOrder[:i], g.nodeOrder[i+1:]...)
			break
		}
	}
	g.aliases[drop] = keep
	return nil
}

func (g *BufferGraph) Node(id string) (Node, bool) {
	resolved, ok := g.Resolve(id)
	if !ok {
		return Node{}, false
	}
	return copyNode(g.nodes[resolved]), true
}

func (g *BufferGraph) Link(id string) (Link, bool) {
	l, ok := g.links[id]
	if !ok {
		return Link{}, false
	}
	return *l, true
}

// Nodes returns copies in insertion order.
func (g *BufferGraph) Nodes() []Node {
	out := make([]Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		out = append(out, copyNode(g.nodes[id]))
	}
	return out
}

// Links returns copies in insertion order.
func (g *BufferGraph) Links() []Link {
	out := make([]Link, 0, len(g.linkOrder))
	for _, id := range g.linkOrder {
		out = append(out, *g.links[id])
	}
	return out
}

func (g *BufferGraph) InLinks(id string) []Link  { return g.collect(g.in[id]) }
func (g *BufferGraph) OutLinks(id string) []Link { return g.collect(g.out[id]) }

func (g *BufferGraph) collect(ids []string) []Link {
	out := make([]Link, 0, len(ids))
	for _, id := range ids {
		out = append(out, *g.links[id])
	}
	return out
}

func (g *BufferGraph) NumNodes() int { return len(g.nodes) }
func (g *BufferGraph) NumLinks() int { return len(g.links) }

// Clone returns an independent deep copy.
func (g *BufferGraph) Clone() *BufferGraph {
	c := New(g.threshold, g.ids)
	for _, id := range g.nodeOrder {
		n := copyNode(g.nodes[id])
		c.nodes[id] = &n
	}
	c.nodeOrder = append([]string(nil), g.nodeOrder...)
	for k, v := range g.aliases {
		c.aliases[k] = v
	}
	for k, v := range g.grid {
		c.grid[k] = append([]string(nil), v...)
	}
	for _, id := range g.linkOrder {
		l := *g.links[id]
		c.links[id] = &l
	}
	c.linkOrder = append([]string(nil), g.linkOrder...)
	for k, v := range g.out {
		c.out[k] = append([]string(nil), v...)
	}
	for k, v := range g.in {
		c.in[k] = append([]string(nil), v...)
	}
	return c
}

func copyNode(n *Node) Node {
	c := *n
	c.Origins = append([]string(nil), n.Origins...)
	return c
}
