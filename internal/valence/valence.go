package valence

import "fmt"

// Occupancy is the state of one slot of one spore.
type Occupancy struct {
	Slot       Slot
	Occupied   bool
	Dt         float64
	NeighborID string
	Fixed      bool
}

// Valence tracks which of a spore's twelve slots are taken.
type Valence struct {
	SporeID string
	slots   [NumSlots]Occupancy
}

func New(sporeID string) *Valence {
	v := &Valence{SporeID: sporeID}
	for i, s := range AllSlots() {
		v.slots[i].Slot = s
	}
	return v
}

func (v *Valence) lookup(name string) (*Occupancy, error) {
	s, err := ParseSlot(name)
	if err != nil {
		return nil, err
	}
	return &v.slots[s.Index()], nil
}

// Occupy marks the slot as reached by neighbor with the given dt magnitude.
func (v *Valence) Occupy(name string, dt float64, neighbor string) error {
	o, err := v.lookup(name)
	if err != nil {
		return err
	}
	o.Occupied = true
	o.Dt = dt
	o.NeighborID = neighbor
	return nil
}

func (v *Valence) Release(name string) error {
	o, err := v.lookup(name)
	if err != nil {
		return err
	}
	*o = Occupancy{Slot: o.Slot}
	return nil
}

// Fix pins an occupied slot's dt so the optimizer leaves it alone.
func (v *Valence) Fix(name string, fixed bool) error {
	o, err := v.lookup(name)
	if err != nil {
		return err
	}
	if fixed && !o.Occupied {
		return fmt.Errorf("fix slot %s of spore %s: slot is free", name, v.SporeID)
	}
	o.Fixed = fixed
	return nil
}

func (v *Valence) Get(name string) (Occupancy, bool) {
	s, err := ParseSlot(name)
	if err != nil {
		return Occupancy{}, false
	}
	return v.slots[s.Index()], true
}

func (v *Valence) FreeSlots() []Slot {
	var out []Slot
	for _, o := range v.slots {
		if !o.Occupied {
			out = append(out, o.Slot)
		}
	}
	return out
}

func (v *Valence) OccupiedSlots() []Occupancy {
	var out []Occupancy
	for _, o := range v.slots {
		if o.Occupied {
			out = append(out, o)
		}
	}
	return out
}

// FixedDt returns the pinned dt of every fixed slot keyed by slot name.
func (v *Valence) FixedDt() map[string]float64 {
	out := make(map[string]float64)
	for _, o := range v.slots {
		if o.Occupied && o.Fixed {
			out[o.Slot.Name()] = o.Dt
		}
	}
	return out
}

// FixedMask reports, per dt vector component, whether that component is pinned.
func (v *Valence) FixedMask() [NumSlots]bool {
	var mask [NumSlots]bool
	for i, o := range v.slots {
		mask[i] = o.Occupied && o.Fixed
	}
	return mask
}
