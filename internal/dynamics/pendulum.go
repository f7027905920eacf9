package dynamics

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"spores/internal/config"
)

var ErrNonFinite = errors.New("non-finite state")

// State is (angle, angular velocity).
type State [2]float64

func (s State) Finite() bool {
	return !math.IsNaN(s[0]) && !math.IsInf(s[0], 0) && !math.IsNaN(s[1]) && !math.IsInf(s[1], 0)
}

func (s State) Sub(o State) State {
	return State{s[0] - o[0], s[1] - o[1]}
}

func (s State) Norm() float64 {
	return math.Hypot(s[0], s[1])
}

// maxCacheEntries bounds each memo table; tables are dropped wholesale when full.
const maxCacheEntries = 4096

type discreteKey struct {
	theta uint64
	dt    uint64
}

type discrete struct {
	ad *mat.Dense
	bd *mat.Dense
}

// Pendulum linearizes a damped pendulum at arbitrary states and discretizes the
// result with a zero-order hold. It is safe for concurrent use.
type Pendulum struct {
	cfg config.DynamicsConfig

	mu    sync.Mutex
	cache map[discreteKey]discrete
}

func NewPendulum(cfg config.DynamicsConfig) (*Pendulum, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pendulum{cfg: cfg, cache: make(map[discreteKey]discrete)}, nil
}

func (p *Pendulum) Config() config.DynamicsConfig {
	return p.cfg
}

// BaseDt is the configured default time step.
func (p *Pendulum) BaseDt() float64 {
	return p.cfg.Dt
}

func (p *Pendulum) ControlBounds() (float64, float64) {
	return -p.cfg.MaxControl, p.cfg.MaxControl
}

func (p *Pendulum) ClampControl(u float64) float64 {
	lo, hi := p.ControlBounds()
	return math.Max(lo, math.Min(hi, u))
}

// LinearizeAt returns the continuous 2x2 state matrix and 2x1 control matrix around
// the supplied angle.
func (p *Pendulum) LinearizeAt(state State) (*mat.Dense, *mat.Dense) {
	a := mat.NewDense(2, 2, []float64{
		0, 1,
		-p.cfg.G / p.cfg.L * math.Cos(state[0]), -p.cfg.Damping,
	})
	b := mat.NewDense(2, 1, []float64{0, 1})
	return a, b
}

// Derivative evaluates the linearized continuous dynamics A·x + B·u at state.
func (p *Pendulum) Derivative(state State, control float64) State {
	a, b := p.LinearizeAt(state)
	return State{
		a.At(0, 0)*state[0] + a.At(0, 1)*state[1] + b.At(0, 0)*control,
		a.At(1, 0)*state[0] + a.At(1, 1)*state[1] + b.At(1, 0)*control,
	}
}

// Discretize builds [[A·dt, B·dt],[0,0]], takes its matrix exponential and slices
// out the exact zero-order-hold pair (Ad, Bd). Negative dt integrates backwards.
func Discretize(a, b mat.Matrix, dt float64) (ad, bd *mat.Dense, err error) {
	n, _ := a.Dims()
	_, m := b.Dims()

	aug := mat.NewDense(n+m, n+m, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			aug.Set(i, j, a.At(i, j)*dt)
		}
		for j := 0; j < m; j++ {
			aug.Set(i, n+j, b.At(i, j)*dt)
		}
	}
	if !finiteMatrix(aug) {
		return nil, nil, fmt.Errorf("%w: augmented matrix for dt=%g", ErrNonFinite, dt)
	}

	defer func() {
		if r := recover(); r != nil {
			ad, bd = nil, nil
			err = fmt.Errorf("%w: matrix exponential failed for dt=%g: %v", ErrNonFinite, dt, r)
		}
	}()

	var phi mat.Dense
	phi.Exp(aug)

	ad = mat.DenseCopyOf(phi.Slice(0, n, 0, n))
	bd = mat.DenseCopyOf(phi.Slice(0, n, n, n+m))
	if !finiteMatrix(ad) || !finiteMatrix(bd) {
		return nil, nil, fmt.Errorf("%w: matrix exponential for dt=%g", ErrNonFinite, dt)
	}
	return ad, bd, nil
}

// DiscreteAt returns the discretized pair for the linearization at state.
func (p *Pendulum) DiscreteAt(state State, dt float64) (*mat.Dense, *mat.Dense, error) {
	key := discreteKey{theta: math.Float64bits(state[0]), dt: math.Float64bits(dt)}

	p.mu.Lock()
	if d, ok := p.cache[key]; ok {
		p.mu.Unlock()
		return d.ad, d.bd, nil
	}
	p.mu.Unlock()

	a, b := p.LinearizeAt(state)
	ad, bd, err := Discretize(a, b, dt)
	if err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	if len(p.cache) >= maxCacheEntries {
		p.cache = make(map[discreteKey]discrete)
	}
	p.cache[key] = discrete{ad: ad, bd: bd}
	p.mu.Unlock()
	return ad, bd, nil
}

// Step re-linearizes at state, discretizes for dt and applies Ad·x + Bd·u.
// The control is clamped to ±max_control.
func (p *Pendulum) Step(state State, control, dt float64) (State, error) {
	if !state.Finite() {
		return State{}, fmt.Errorf("%w: input %v", ErrNonFinite, state)
	}
	ad, bd, err := p.DiscreteAt(state, dt)
	if err != nil {
		return State{}, err
	}
	return Apply(ad, bd, state, p.ClampControl(control))
}

// Apply evaluates one discrete transition with precomputed matrices.
func Apply(ad, bd mat.Matrix, state State, control float64) (State, error) {
	next := State{
		ad.At(0, 0)*state[0] + ad.At(0, 1)*state[1] + bd.At(0, 0)*control,
		ad.At(1, 0)*state[0] + ad.At(1, 1)*state[1] + bd.At(1, 0)*control,
	}
	if !next.Finite() {
		return State{}, fmt.Errorf("%w: step from %v with u=%g", ErrNonFinite, state, control)
	}
	return next, nil
}

func finiteMatrix(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
