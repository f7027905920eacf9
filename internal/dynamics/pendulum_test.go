package dynamics

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"spores/internal/config"
)

func testPendulum(t *testing.T) *Pendulum {
	t.Helper()
	p, err := NewPendulum(config.Default().Pendulum)
	if err != nil {
		t.Fatalf("new pendulum: %v", err)
	}
	return p
}

// rk4Linear integrates x' = A·x + B·u with a fine fixed step.
func rk4Linear(a, b mat.Matrix, x State, u, dt float64, steps int) State {
	h := dt / float64(steps)
	f := func(s State) State {
		return State{
			a.At(0, 0)*s[0] + a.At(0, 1)*s[1] + b.At(0, 0)*u,
			a.At(1, 0)*s[0] + a.At(1, 1)*s[1] + b.At(1, 0)*u,
		}
	}
	add := func(s State, k State, scale float64) State {
		return State{s[0] + scale*k[0], s[1] + scale*k[1]}
	}
	for i := 0; i < steps; i++ {
		k1 := f(x)
		k2 := f(add(x, k1, h/2))
		k3 := f(add(x, k2, h/2))
		k4 := f(add(x, k3, h))
		x = State{
			x[0] + h/6*(k1[0]+2*k2[0]+2*k3[0]+k4[0]),
			x[1] + h/6*(k1[1]+2*k2[1]+2*k3[1]+k4[1]),
		}
	}
	return x
}

func TestDiscreteStepMatchesContinuousIntegration(t *testing.T) {
	p := testPendulum(t)
	cases := []struct {
		state   State
		control float64
		dt      float64
	}{
		{State{0, 0}, 1, 0.1},
		{State{0.3, -0.2}, -1, 0.05},
		{State{math.Pi / 2, 1.5}, 0.5, 0.2},
		{State{2.5, 0.1}, 1, -0.1},
		{State{-1.2, 0.4}, -0.7, 0.02},
	}
	for _, tc := range cases {
		got, err := p.Step(tc.state, tc.control, tc.dt)
		if err != nil {
			t.Fatalf("step %+v: %v", tc, err)
		}
		a, b := p.LinearizeAt(tc.state)
		want := rk4Linear(a, b, tc.state, tc.control, tc.dt, 20000)
		if d := got.Sub(want).Norm(); d > 1e-9 {
			t.Fatalf("step %+v: got %v want %v (diff %g)", tc, got, want, d)
		}
	}
}

func TestLinearizeAtUsesSuppliedAngle(t *testing.T) {
	p := testPendulum(t)
	a, b := p.LinearizeAt(State{math.Pi, 0})
	cfg := p.Config()
	if got, want := a.At(1, 0), cfg.G/cfg.L; math.Abs(got-want) > 1e-12 {
		t.Fatalf("expected inverted linearization %v, got %v", want, got)
	}
	if a.At(0, 1) != 1 || a.At(1, 1) != -cfg.Damping {
		t.Fatalf("unexpected A: %v", mat.Formatted(a))
	}
	if b.At(0, 0) != 0 || b.At(1, 0) != 1 {
		t.Fatalf("unexpected B: %v", mat.Formatted(b))
	}
}

func TestDiscretizeBackwardInvertsForward(t *testing.T) {
	p := testPendulum(t)
	a, b := p.LinearizeAt(State{0.7, 0})
	fwd, _, err := Discretize(a, b, 0.15)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	back, _, err := Discretize(a, b, -0.15)
	if err != nil {
		t.Fatalf("backward: %v", err)
	}
	var prod mat.Dense
	prod.Mul(fwd, back)
	if !mat.EqualApprox(&prod, mat.NewDiagDense(2, []float64{1, 1}), 1e-12) {
		t.Fatalf("expected identity, got %v", mat.Formatted(&prod))
	}
}

func TestDiscretizeZeroDtIsIdentity(t *testing.T) {
	p := testPendulum(t)
	a, b := p.LinearizeAt(State{0.2, 0.1})
	ad, bd, err := Discretize(a, b, 0)
	if err != nil {
		t.Fatalf("discretize: %v", err)
	}
	if !mat.EqualApprox(ad, mat.NewDiagDense(2, []float64{1, 1}), 1e-15) {
		t.Fatalf("expected identity Ad, got %v", mat.Formatted(ad))
	}
	if mat.Norm(bd, 1) > 1e-15 {
		t.Fatalf("expected zero Bd, got %v", mat.Formatted(bd))
	}
}

func TestStepRejectsNonFiniteInput(t *testing.T) {
	p := testPendulum(t)
	_, err := p.Step(State{math.NaN(), 0}, 1, 0.1)
	if !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected non-finite error, got %v", err)
	}
	_, err = p.Step(State{0, 0}, 1, math.Inf(1))
	if !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected non-finite error for infinite dt, got %v", err)
	}
}

func TestStepIsDeterministicWithCache(t *testing.T) {
	p := testPendulum(t)
	first, err := p.Step(State{0.4, 0.3}, -1, 0.1)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	second, err := p.Step(State{0.4, 0.3}, -1, 0.1)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical steps, got %v and %v", first, second)
	}
}

func TestClampControl(t *testing.T) {
	p := testPendulum(t)
	if got := p.ClampControl(5); got != 1 {
		t.Fatalf("expected clamp to 1, got %v", got)
	}
	if got := p.ClampControl(-5); got != -1 {
		t.Fatalf("expected clamp to -1, got %v", got)
	}
}

func TestStepClampsControl(t *testing.T) {
	p := testPendulum(t)
	base := State{0.3, -0.1}
	for _, tc := range []struct{ over, bound float64 }{{50, 1}, {-7, -1}} {
		got, err := p.Step(base, tc.over, 0.1)
		if err != nil {
			t.Fatalf("step u=%v: %v", tc.over, err)
		}
		want, err := p.Step(base, tc.bound, 0.1)
		if err != nil {
			t.Fatalf("step u=%v: %v", tc.bound, err)
		}
		if got != want {
			t.Fatalf("u=%v: expected clamped step %v, got %v", tc.over, want, got)
		}
	}
}
