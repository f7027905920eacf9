package spore

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"spores/internal/config"
	"spores/internal/dynamics"
)

var ErrUnknownSampling = errors.New("unknown sampling method")

const (
	SampleRandom = "random"
	SampleMesh   = "mesh"
)

// Logic is the behaviour shared by every spore of one run: the dynamics system, the
// goal, the cost weights and the base time step.
type Logic struct {
	system  *dynamics.Pendulum
	goal    dynamics.State
	weights [2]float64
	dt      float64
}

func NewLogic(system *dynamics.Pendulum, cfg config.SporeConfig) (*Logic, error) {
	if system == nil {
		return nil, errors.New("dynamics system is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Logic{
		system:  system,
		goal:    dynamics.State(cfg.GoalPosition),
		weights: cfg.CostWeights,
		dt:      system.BaseDt(),
	}, nil
}

func (l *Logic) System() *dynamics.Pendulum { return l.system }
func (l *Logic) Goal() dynamics.State        { return l.goal }
func (l *Logic) BaseDt() float64             { return l.dt }

// Cost is the weighted squared distance from position to the goal.
func (l *Logic) Cost(position dynamics.State) float64 {
	d := position.Sub(l.goal)
	return l.weights[0]*d[0]*d[0] + l.weights[1]*d[1]*d[1]
}

// NewSpore creates a permanent spore at position.
func (l *Logic) NewSpore(id string, position dynamics.State) *Spore {
	return &Spore{
		ID:       id,
		logic:    l,
		position: position,
		cost:     l.Cost(position),
		alive:    true,
	}
}

// NewGhost creates a preview spore that never receives a permanent id.
func (l *Logic) NewGhost(position dynamics.State) *Spore {
	s := l.NewSpore("", position)
	s.IsGhost = true
	return s
}

// Spore is a node of the exploration tree: a state plus its cost to the goal.
type Spore struct {
	ID             string
	IsGoal         bool
	IsGhost        bool
	OptimalControl *float64
	OptimalDt      *float64

	logic    *Logic
	position dynamics.State
	cost     float64
	alive    bool
}

func (s *Spore) Position() dynamics.State { return s.position }
func (s *Spore) Goal() dynamics.State     { return s.logic.goal }
func (s *Spore) Logic() *Logic            { return s.logic }
func (s *Spore) Alive() bool              { return s.alive }

func (s *Spore) SetPosition(position dynamics.State) {
	s.position = position
	s.cost = s.logic.Cost(position)
}

// Cost returns the cached cost of the current position, or the cost of position
// when one is supplied.
func (s *Spore) Cost(position *dynamics.State) float64 {
	if position == nil {
		return s.cost
	}
	return s.logic.Cost(*position)
}

// SetOptimal records a decision made by an external optimizer. A spore whose
// optimal dt is exactly zero can no longer move and is marked dead.
func (s *Spore) SetOptimal(control, dt float64) {
	s.OptimalControl = &control
	s.OptimalDt = &dt
	if dt == 0 {
		s.alive = false
	}
}

func (s *Spore) resolveDt(dt *float64) float64 {
	if dt == nil {
		return s.logic.dt
	}
	return *dt
}

// Evolve steps the spore in place and returns the new position.
func (s *Spore) Evolve(control float64, dt *float64) (dynamics.State, error) {
	next, err := s.logic.system.Step(s.position, control, s.resolveDt(dt))
	if err != nil {
		return dynamics.State{}, fmt.Errorf("evolve spore %q: %w", s.ID, err)
	}
	s.SetPosition(next)
	return next, nil
}

// SampleControls draws n controls from the system bounds. Mesh sampling spaces
// them evenly and returns the midpoint when n is 1.
func (s *Spore) SampleControls(n int, method string, rng *rand.Rand) ([]float64, error) {
	if n < 1 {
		return nil, fmt.Errorf("sample count must be >= 1, got %d", n)
	}
	lo, hi := s.logic.system.ControlBounds()
	out := make([]float64, n)
	switch method {
	case SampleRandom:
		if rng == nil {
			return nil, errors.New("random sampling requires a source")
		}
		for i := range out {
			out[i] = lo + rng.Float64()*(hi-lo)
		}
	case SampleMesh:
		if n == 1 {
			out[0] = (lo + hi) / 2
			return out, nil
		}
		floats.Span(out, lo, hi)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSampling, method)
	}
	return out, nil
}

// SimulateControls steps a copy of the current position once per control.
// The spore itself is not modified.
func (s *Spore) SimulateControls(controls []float64, dt *float64) ([]dynamics.State, error) {
	step := s.resolveDt(dt)
	out := make([]dynamics.State, 0, len(controls))
	for _, u := range controls {
		next, err := s.logic.system.Step(s.position, u, step)
		if err != nil {
			return nil, fmt.Errorf("simulate control %g: %w", u, err)
		}
		out = append(out, next)
	}
	return out, nil
}

// Clone copies state, goal and optimizer annotations but not the identity.
func (s *Spore) Clone() *Spore {
	c := &Spore{
		IsGoal:   s.IsGoal,
		IsGhost:  s.IsGhost,
		logic:    s.logic,
		position: s.position,
		cost:     s.cost,
		alive:    s.alive,
	}
	if s.OptimalControl != nil {
		v := *s.OptimalControl
		c.OptimalControl = &v
	}
	if s.OptimalDt != nil {
		v := *s.OptimalDt
		c.OptimalDt = &v
	}
	return c
}
