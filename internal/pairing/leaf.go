package pairing

import (
	"spores/internal/dynamics"
	"spores/internal/graph"
	"spores/internal/tree"
	"spores/internal/valence"
)

// Leaf is a grandchild endpoint together with the step that produced it.
type Leaf struct {
	ID             string
	ParentID       string
	ParentPosition dynamics.State
	Position       dynamics.State
	Control        float64
	Dt             float64
	DtSign         float64
	Slot           valence.Slot
	LinkID         string
}

func (l Leaf) RawDt() float64 { return l.Dt * l.DtSign }

// LeafSet is the input of a pairing round. Merged counts endpoints that are
// already shared nodes; they take up pairing budget but are not candidates.
type LeafSet struct {
	Leaves []Leaf
	Merged int
}

// LeavesFromTree collects the valid grandchildren of t.
func LeavesFromTree(t *tree.Tree) LeafSet {
	var set LeafSet
	for _, n := range t.ValidGrandchildren() {
		set.Leaves = append(set.Leaves, leafFromNode(n))
	}
	return set
}

func leafFromNode(n *tree.Node) Leaf {
	return Leaf{
		ID:             n.ID,
		ParentID:       n.Parent.ID,
		ParentPosition: n.Parent.Position(),
		Position:       n.Position(),
		Control:        n.Control,
		Dt:             n.Dt,
		DtSign:         n.DtSign,
		Slot:           n.Slot,
	}
}

// LeavesFromGraph collects nodes reached by a grandchild link. A node reached by
// two or more grandchild links is a merged meeting point and is only counted.
func LeavesFromGraph(g *graph.BufferGraph) LeafSet {
	var set LeafSet
	for _, n := range g.Nodes() {
		var generating []graph.Link
		for _, l := range g.InLinks(n.ID) {
			if l.Generation == 2 {
				generating = append(generating, l)
			}
		}
		switch {
		case len(generating) == 0:
			continue
		case len(generating) > 1:
			set.Merged++
			continue
		}
		l := generating[0]
		slot, err := valence.ParseSlot(l.Slot)
		if err != nil || slot.Generation != valence.Grandchild {
			continue
		}
		parent, ok := g.Node(l.From)
		if !ok {
			continue
		}
		set.Leaves = append(set.Leaves, Leaf{
			ID:             n.ID,
			ParentID:       parent.ID,
			ParentPosition: parent.Position,
			Position:       n.Position,
			Control:        l.Control,
			Dt:             l.Dt,
			DtSign:         l.DtSign,
			Slot:           slot,
			LinkID:         l.ID,
		})
	}
	return set
}
