package valence

import (
	"fmt"
	"strings"
)

type Generation uint8

const (
	Child Generation = iota
	Grandchild
)

func (g Generation) String() string {
	if g == Grandchild {
		return "grandchild"
	}
	return "child"
}

type TimeDirection uint8

const (
	Forward TimeDirection = iota
	Backward
)

func (d TimeDirection) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Sign is +1 for forward and -1 for backward integration.
func (d TimeDirection) Sign() float64 {
	if d == Backward {
		return -1
	}
	return 1
}

type ControlSign uint8

const (
	Max ControlSign = iota
	Min
)

func (c ControlSign) String() string {
	if c == Min {
		return "min"
	}
	return "max"
}

func (c ControlSign) Opposite() ControlSign {
	if c == Max {
		return Min
	}
	return Max
}

// Value maps the sign onto the symmetric control bounds.
func (c ControlSign) Value(maxControl float64) float64 {
	if c == Min {
		return -maxControl
	}
	return maxControl
}

// Slot is one named branching direction. Grandchild slots describe the second step
// only through SecondDirection; the second control is always the opposite of the
// first.
type Slot struct {
	Generation      Generation
	Direction       TimeDirection
	Control         ControlSign
	SecondDirection TimeDirection
}

const (
	NumChildSlots      = 4
	NumGrandchildSlots = 8
	NumSlots           = NumChildSlots + NumGrandchildSlots
)

var childSlots = [NumChildSlots]Slot{
	{Generation: Child, Direction: Forward, Control: Max},
	{Generation: Child, Direction: Forward, Control: Min},
	{Generation: Child, Direction: Backward, Control: Max},
	{Generation: Child, Direction: Backward, Control: Min},
}

// ChildSlots returns forward_max, forward_min, backward_max, backward_min.
func ChildSlots() [NumChildSlots]Slot {
	return childSlots
}

// GrandchildSlots returns two slots per child slot, in child order, forward second
// step before backward.
func GrandchildSlots() [NumGrandchildSlots]Slot {
	var out [NumGrandchildSlots]Slot
	for i, parent := range childSlots {
		for j, second := range [2]TimeDirection{Forward, Backward} {
			out[2*i+j] = Slot{
				Generation:      Grandchild,
				Direction:       parent.Direction,
				Control:         parent.Control,
				SecondDirection: second,
			}
		}
	}
	return out
}

// AllSlots returns the child slots followed by the grandchild slots; position i
// matches component i of a tree dt vector.
func AllSlots() [NumSlots]Slot {
	var out [NumSlots]Slot
	copy(out[:NumChildSlots], childSlots[:])
	gc := GrandchildSlots()
	copy(out[NumChildSlots:], gc[:])
	return out
}

// Parent is the child slot a grandchild slot hangs from.
func (s Slot) Parent() Slot {
	return Slot{Generation: Child, Direction: s.Direction, Control: s.Control}
}

// ChildIndex is the position of the slot, or of its parent, in ChildSlots.
func (s Slot) ChildIndex() int {
	idx := 0
	if s.Direction == Backward {
		idx += 2
	}
	if s.Control == Min {
		idx++
	}
	return idx
}

// Index is the position of the slot in AllSlots.
func (s Slot) Index() int {
	if s.Generation == Child {
		return s.ChildIndex()
	}
	idx := NumChildSlots + 2*s.ChildIndex()
	if s.SecondDirection == Backward {
		idx++
	}
	return idx
}

func (s Slot) SecondControl() ControlSign {
	return s.Control.Opposite()
}

// LastDirection is the time direction of the step that reaches the slot's spore.
func (s Slot) LastDirection() TimeDirection {
	if s.Generation == Grandchild {
		return s.SecondDirection
	}
	return s.Direction
}

// LastControl is the control sign of the step that reaches the slot's spore.
func (s Slot) LastControl() ControlSign {
	if s.Generation == Grandchild {
		return s.SecondControl()
	}
	return s.Control
}

// DtSign is the sign of the last step's dt.
func (s Slot) DtSign() float64 {
	return s.LastDirection().Sign()
}

// ControlValue is the control applied on the last step.
func (s Slot) ControlValue(maxControl float64) float64 {
	return s.LastControl().Value(maxControl)
}

func (s Slot) Name() string {
	if s.Generation == Child {
		return s.Direction.String() + "_" + s.Control.String()
	}
	return s.Direction.String() + "_" + s.Control.String() + "_" +
		s.SecondDirection.String() + "_" + s.SecondControl().String()
}

func (s Slot) String() string { return s.Name() }

// ParseSlot resolves a slot name. Grandchild names with a repeated control are
// rejected.
func ParseSlot(name string) (Slot, error) {
	parts := strings.Split(name, "_")
	switch len(parts) {
	case 2:
		d, c, err := parseStep(parts[0], parts[1])
		if err != nil {
			return Slot{}, fmt.Errorf("parse slot %q: %w", name, err)
		}
		return Slot{Generation: Child, Direction: d, Control: c}, nil
	case 4:
		d1, c1, err := parseStep(parts[0], parts[1])
		if err != nil {
			return Slot{}, fmt.Errorf("parse slot %q: %w", name, err)
		}
		d2, c2, err := parseStep(parts[2], parts[3])
		if err != nil {
			return Slot{}, fmt.Errorf("parse slot %q: %w", name, err)
		}
		if c2 == c1 {
			return Slot{}, fmt.Errorf("parse slot %q: control must alternate between steps", name)
		}
		return Slot{Generation: Grandchild, Direction: d1, Control: c1, SecondDirection: d2}, nil
	default:
		return Slot{}, fmt.Errorf("parse slot %q: unexpected shape", name)
	}
}

func parseStep(direction, control string) (TimeDirection, ControlSign, error) {
	var d TimeDirection
	switch direction {
	case "forward":
		d = Forward
	case "backward":
		d = Backward
	default:
		return 0, 0, fmt.Errorf("unknown time direction %q", direction)
	}
	switch control {
	case "max":
		return d, Max, nil
	case "min":
		return d, Min, nil
	default:
		return 0, 0, fmt.Errorf("unknown control %q", control)
	}
}
