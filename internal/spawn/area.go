// Package spawn draws seed roots from an elliptical region stretched between a
// root state and the goal.
package spawn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"spores/internal/config"
	"spores/internal/dynamics"
)

var ErrCoincidentFoci = errors.New("spawn area foci coincide")

// containsSlack absorbs rounding on the boundary.
const containsSlack = 1e-9

// Area is the ellipse with the given foci and eccentricity. Unit-disk points are
// mapped into it by a symmetric stretch along and across the focal axis.
type Area struct {
	focus1, focus2 dynamics.State
	eccentricity   float64

	center  dynamics.State
	a, b    float64
	stretch *mat.Dense
	inverse *mat.Dense
}

func NewArea(focus1, focus2 dynamics.State, eccentricity float64) (*Area, error) {
	if !(eccentricity > 0 && eccentricity < 1) {
		return nil, fmt.Errorf("%w: spawn eccentricity must be in (0, 1), got %v", config.ErrInvalid, eccentricity)
	}
	if !focus1.Finite() || !focus2.Finite() {
		return nil, fmt.Errorf("%w: spawn foci %v %v", dynamics.ErrNonFinite, focus1, focus2)
	}
	axis := focus2.Sub(focus1)
	dist := axis.Norm()
	c := dist / 2
	if c < 1e-9 {
		return nil, fmt.Errorf("%w: %v", ErrCoincidentFoci, focus1)
	}
	a := c / eccentricity
	b := a * math.Sqrt(1-eccentricity*eccentricity)

	n := mat.NewVecDense(2, []float64{axis[0] / dist, axis[1] / dist})
	var along mat.Dense
	along.Outer(1, n, n)
	across := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	across.Sub(across, &along)

	stretch := mat.NewDense(2, 2, nil)
	along.Scale(a, &along)
	across.Scale(b, across)
	stretch.Add(&along, across)

	inverse := mat.NewDense(2, 2, nil)
	if err := inverse.Inverse(stretch); err != nil {
		return nil, fmt.Errorf("invert spawn stretch: %w", err)
	}
	return &Area{
		focus1:       focus1,
		focus2:       focus2,
		eccentricity: eccentricity,
		center:       dynamics.State{(focus1[0] + focus2[0]) / 2, (focus1[1] + focus2[1]) / 2},
		a:            a,
		b:            b,
		stretch:      stretch,
		inverse:      inverse,
	}, nil
}

func (s *Area) Foci() (dynamics.State, dynamics.State) { return s.focus1, s.focus2 }
func (s *Area) Center() dynamics.State                 { return s.center }
func (s *Area) Eccentricity() float64                  { return s.eccentricity }

// Axes returns the semi-major and semi-minor axis lengths.
func (s *Area) Axes() (float64, float64) { return s.a, s.b }

// Map sends a point of the unit disk into the ellipse.
func (s *Area) Map(unit [2]float64) dynamics.State {
	var out mat.VecDense
	out.MulVec(s.stretch, mat.NewVecDense(2, []float64{unit[0], unit[1]}))
	return dynamics.State{out.AtVec(0) + s.center[0], out.AtVec(1) + s.center[1]}
}

func (s *Area) Contains(p dynamics.State) bool {
	var u mat.VecDense
	u.MulVec(s.inverse, mat.NewVecDense(2, []float64{p[0] - s.center[0], p[1] - s.center[1]}))
	return mat.Dot(&u, &u) <= 1+containsSlack
}

// Boundary returns n points evenly spaced in angle on the ellipse.
func (s *Area) Boundary(n int) []dynamics.State {
	out := make([]dynamics.State, n)
	for i := range out {
		theta := 2 * math.Pi * float64(i) / float64(n)
		out[i] = s.Map([2]float64{math.Cos(theta), math.Sin(theta)})
	}
	return out
}

// SampleUniform draws one point uniformly from the ellipse.
func (s *Area) SampleUniform(rng *rand.Rand) dynamics.State {
	r := math.Sqrt(rng.Float64())
	theta := 2 * math.Pi * rng.Float64()
	return s.Map([2]float64{r * math.Cos(theta), r * math.Sin(theta)})
}

// SamplePoissonDisk spreads points over the ellipse so that no two are closer
// than minRadius in the unit disk they are drawn from.
func (s *Area) SamplePoissonDisk(minRadius float64, attempts int, rng *rand.Rand) ([]dynamics.State, error) {
	unit, err := PoissonDisk(minRadius, attempts, rng)
	if err != nil {
		return nil, err
	}
	out := make([]dynamics.State, len(unit))
	for i, p := range unit {
		out[i] = s.Map(p)
	}
	return out, nil
}
