package ghost

import (
	"fmt"
	"math"

	"spores/internal/dynamics"
	"spores/internal/spore"
)

// Processor computes look-ahead states for a batch of controls from one base
// state. It never touches a tree or graph.
type Processor struct {
	system *dynamics.Pendulum
}

func NewProcessor(system *dynamics.Pendulum) *Processor {
	return &Processor{system: system}
}

// Batch linearizes and discretizes once at state for the signed dt, then applies
// the transition to every control, clamped to the system bounds.
func (p *Processor) Batch(state dynamics.State, controls []float64, dt float64) ([]dynamics.State, error) {
	if !state.Finite() {
		return nil, fmt.Errorf("%w: base state %v", dynamics.ErrNonFinite, state)
	}
	ad, bd, err := p.system.DiscreteAt(state, dt)
	if err != nil {
		return nil, err
	}
	out := make([]dynamics.State, len(controls))
	for i, u := range controls {
		next, err := dynamics.Apply(ad, bd, state, p.system.ClampControl(u))
		if err != nil {
			return nil, err
		}
		out[i] = next
	}
	return out, nil
}

// Process integrates forward by |dt|.
func (p *Processor) Process(state dynamics.State, controls []float64, dt float64) ([]dynamics.State, error) {
	return p.Batch(state, controls, math.Abs(dt))
}

// ProcessBackward integrates backward by |dt|.
func (p *Processor) ProcessBackward(state dynamics.State, controls []float64, dt float64) ([]dynamics.State, error) {
	return p.Batch(state, controls, -math.Abs(dt))
}

// Preview returns one ghost spore per control. A nil dt uses the spore's base dt;
// a negative dt previews backward in time.
func (p *Processor) Preview(s *spore.Spore, controls []float64, dt *float64) ([]*spore.Spore, error) {
	step := s.Logic().BaseDt()
	if dt != nil {
		step = *dt
	}
	states, err := p.Batch(s.Position(), controls, step)
	if err != nil {
		return nil, fmt.Errorf("preview from spore %q: %w", s.ID, err)
	}
	out := make([]*spore.Spore, len(states))
	for i, st := range states {
		out[i] = s.Logic().NewGhost(st)
	}
	return out, nil
}
