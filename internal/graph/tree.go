package graph

import (
	"fmt"

	"spores/internal/tree"
	"spores/internal/valence"
)

// AddTree inserts the root and every valid node of t, with one link per
// generating edge. Invalid branches are skipped.
func (g *BufferGraph) AddTree(t *tree.Tree) error {
	rootID, _, err := g.AddNode(t.Root.ID, t.Root.Position(), true)
	if err != nil {
		return fmt.Errorf("add root: %w", err)
	}
	if t.Root.IsGoal {
		if err := g.MarkGoal(rootID); err != nil {
			return err
		}
	}
	for _, n := range t.Nodes() {
		if !n.Valid() {
			continue
		}
		id, _, err := g.AddNode(n.ID, n.Position(), n.Spore.IsGoal)
		if err != nil {
			return fmt.Errorf("add %s: %w", n.Slot.Name(), err)
		}
		if n.Spore.IsGoal {
			if err := g.MarkGoal(id); err != nil {
				return err
			}
		}
		generation := 1
		if n.Slot.Generation == valence.Grandchild {
			generation = 2
		}
		if _, err := g.AddLink(Link{
			From:       n.ParentID(t.Root),
			To:         id,
			Control:    n.Control,
			Dt:         n.Dt,
			DtSign:     n.DtSign,
			Slot:       n.Slot.Name(),
			Generation: generation,
		}); err != nil {
			return fmt.Errorf("link %s: %w", n.Slot.Name(), err)
		}
	}
	return nil
}
