package tree

import (
	"math"
	"sort"

	"spores/internal/dynamics"
	"spores/internal/spore"
	"spores/internal/valence"
)

// Node is a child or grandchild of the root. Invalid nodes keep their identity
// and generating step but carry no spore.
type Node struct {
	ID      string
	Slot    valence.Slot
	Parent  *Node
	Control float64
	Dt      float64
	DtSign  float64
	Spore   *spore.Spore
	Err     error
}

func (n *Node) Valid() bool {
	return n.Err == nil && n.Spore != nil
}

func (n *Node) Position() dynamics.State {
	if n.Spore == nil {
		return dynamics.State{math.NaN(), math.NaN()}
	}
	return n.Spore.Position()
}

// RawDt is the signed time elapsed along the generating edge.
func (n *Node) RawDt() float64 {
	return n.Dt * n.DtSign
}

// ParentID is the id of the spore this node was stepped from.
func (n *Node) ParentID(root *spore.Spore) string {
	if n.Parent != nil {
		return n.Parent.ID
	}
	return root.ID
}

// ParentPosition is the state this node was stepped from.
func (n *Node) ParentPosition(root *spore.Spore) dynamics.State {
	if n.Parent != nil {
		return n.Parent.Position()
	}
	return root.Position()
}

// Tree is a root with its four children and eight grandchildren. Its structure is
// fixed; new dt values produce a new tree.
type Tree struct {
	Root          *spore.Spore
	Children      [valence.NumChildSlots]*Node
	Grandchildren [valence.NumGrandchildSlots]*Node

	builder *Builder
	dt      []float64
	valence *valence.Valence
}

func (t *Tree) DtVector() []float64 {
	return append([]float64(nil), t.dt...)
}

func (t *Tree) Builder() *Builder { return t.builder }

// Valence reports which root slots hold a valid spore.
func (t *Tree) Valence() *valence.Valence { return t.valence }

// Nodes returns children followed by grandchildren, in dt vector order.
func (t *Tree) Nodes() []*Node {
	out := make([]*Node, 0, DtVectorLen)
	out = append(out, t.Children[:]...)
	return append(out, t.Grandchildren[:]...)
}

func (t *Tree) Node(s valence.Slot) *Node {
	if s.Generation == valence.Child {
		return t.Children[s.ChildIndex()]
	}
	return t.Grandchildren[s.Index()-valence.NumChildSlots]
}

func (t *Tree) ValidGrandchildren() []*Node {
	var out []*Node
	for _, n := range t.Grandchildren {
		if n.Valid() {
			out = append(out, n)
		}
	}
	return out
}

// CandidateMap lists, for every valid grandchild, the valid grandchildren that
// descend from a different child.
func (t *Tree) CandidateMap() map[string][]string {
	valid := t.ValidGrandchildren()
	out := make(map[string][]string, len(valid))
	for _, a := range valid {
		out[a.ID] = []string{}
		for _, b := range valid {
			if a.Parent != b.Parent {
				out[a.ID] = append(out[a.ID], b.ID)
			}
		}
	}
	return out
}

// SortedByAngle orders valid grandchildren counter-clockwise around the root.
func (t *Tree) SortedByAngle() []*Node {
	nodes := t.ValidGrandchildren()
	origin := t.Root.Position()
	angle := func(n *Node) float64 {
		p := n.Position()
		return math.Atan2(p[1]-origin[1], p[0]-origin[0])
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return angle(nodes[i]) < angle(nodes[j])
	})
	return nodes
}

// Rebuild recomputes the tree from the unchanged root with a uniform dt base.
func (t *Tree) Rebuild(dtBase float64) (*Tree, error) {
	return t.builder.BuildUniform(t.Root, dtBase, t.builder.factor)
}

// WithDtVector recomputes the tree from the unchanged root with new dt values.
func (t *Tree) WithDtVector(vec []float64) (*Tree, error) {
	return t.builder.Build(t.Root, vec)
}
