package areaopt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"spores/internal/config"
	"spores/internal/dynamics"
	"spores/internal/pairing"
	"spores/internal/tree"
	"spores/internal/valence"
)

var ErrForeignPair = errors.New("pair does not belong to the tree")

type Status string

const (
	StatusConverged      Status = "converged"
	StatusIterationLimit Status = "iteration_limit"
	StatusCanceled       Status = "canceled"
	StatusInfeasible     Status = "infeasible"
	StatusDisabled       Status = "disabled"
)

const (
	maxOuterIterations = 25
	penaltyGrowth      = 10
	maxPenalty         = 1e14
	tightFactor        = 1e-2
	// unreachable stands in for the gap of a pair whose leaf could not be evaluated.
	unreachable = 1.0
)

// Problem is one optimization request. Fixed components keep their starting value.
type Problem struct {
	Tree  *tree.Tree
	Pairs []pairing.Pair
	Fixed [tree.DtVectorLen]bool
}

type Result struct {
	DtVector             []float64 `json:"dt_vector"`
	OriginalDtVector     []float64 `json:"original_dt_vector"`
	Area                 float64   `json:"area"`
	OriginalArea         float64   `json:"original_area"`
	Improvement          float64   `json:"improvement"`
	ImprovementPercent   float64   `json:"improvement_percent"`
	Success              bool      `json:"success"`
	ConstraintsSatisfied bool      `json:"constraints_satisfied"`
	MaxViolation         float64   `json:"max_violation"`
	Violations           []float64 `json:"violations"`
	Iterations           int       `json:"iterations"`
	AreaTrace            []float64 `json:"area_trace"`
	FellBack             bool      `json:"fell_back"`
	Status               Status    `json:"status"`
}

type Optimizer struct {
	cfg    config.OptimizerConfig
	logger *slog.Logger
}

func NewOptimizer(cfg config.OptimizerConfig, logger *slog.Logger) (*Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{cfg: cfg, logger: logger}, nil
}

func (o *Optimizer) Config() config.OptimizerConfig { return o.cfg }

// evaluation is the objective and constraint state at one dt vector.
type evaluation struct {
	area       float64
	gaps       [][2]float64
	violations []float64
}

func (ev evaluation) maxViolation() float64 {
	if len(ev.violations) == 0 {
		return 0
	}
	return floats.Max(ev.violations)
}

type constraint struct {
	a, b int
}

type problemState struct {
	builder     *tree.Builder
	root        dynamics.State
	constraints []constraint
}

func (p problemState) evaluate(vec []float64) evaluation {
	states, errs := p.builder.Evaluate(p.root, vec)
	var points []dynamics.State
	for _, s := range valence.GrandchildSlots() {
		if errs[s.Index()] == nil {
			points = append(points, states[s.Index()])
		}
	}
	ev := evaluation{
		area:       ShoelaceArea(p.root, points),
		gaps:       make([][2]float64, len(p.constraints)),
		violations: make([]float64, len(p.constraints)),
	}
	for k, c := range p.constraints {
		if errs[c.a] != nil || errs[c.b] != nil {
			ev.gaps[k] = [2]float64{unreachable, unreachable}
			ev.violations[k] = math.Sqrt2 * unreachable
			continue
		}
		d := states[c.a].Sub(states[c.b])
		ev.gaps[k] = d
		ev.violations[k] = d.Norm()
	}
	return ev
}

// Optimize maximizes the leaf area of p.Tree over its dt vector while keeping every
// pair's leaves together. The start is the tree's dt vector with each pair's
// meeting dts substituted. Non-convergence is reported in the result, never as an
// error; the returned area is never below a feasible start.
func (o *Optimizer) Optimize(ctx context.Context, p Problem) (Result, error) {
	if p.Tree == nil {
		return Result{}, errors.New("tree is required")
	}
	start := p.Tree.DtVector()
	state := problemState{builder: p.Tree.Builder(), root: p.Tree.Root.Position()}
	for _, pr := range p.Pairs {
		ia, err := slotIndex(p.Tree, pr.A)
		if err != nil {
			return Result{}, err
		}
		ib, err := slotIndex(p.Tree, pr.B)
		if err != nil {
			return Result{}, err
		}
		start[ia], start[ib] = pr.DtA, pr.DtB
		state.constraints = append(state.constraints, constraint{a: ia, b: ib})
	}

	lo, hi := o.cfg.DtMin, o.cfg.DtMax
	orig := state.evaluate(start)
	origFeasible := o.feasible(start, orig, p.Fixed)

	res := Result{
		OriginalDtVector: append([]float64(nil), start...),
		OriginalArea:     orig.area,
		AreaTrace:        []float64{orig.area},
	}

	best, bestEval, found := start, orig, origFeasible
	consider := func(vec []float64, ev evaluation) {
		if !o.feasible(vec, ev, p.Fixed) {
			return
		}
		if !found || ev.area > bestEval.area {
			best, bestEval, found = append([]float64(nil), vec...), ev, true
		}
	}

	switch {
	case !o.cfg.Enabled:
		res.Status = StatusDisabled
	case ctx.Err() != nil:
		res.Status = StatusCanceled
	default:
		res.Status = o.solve(ctx, state, start, p.Fixed, lo, hi, &res, consider)
	}

	if !found {
		res.FellBack = true
		best, bestEval = start, orig
	}
	res.DtVector = best
	res.Area = bestEval.area
	res.Violations = bestEval.violations
	res.MaxViolation = bestEval.maxViolation()
	res.ConstraintsSatisfied = res.MaxViolation <= o.cfg.ConstraintDistance
	res.Improvement = res.Area - res.OriginalArea
	res.ImprovementPercent = res.Improvement / math.Max(math.Abs(res.OriginalArea), 1e-12) * 100
	res.Success = found && res.Status == StatusConverged

	attrs := []any{
		"status", res.Status,
		"iterations", res.Iterations,
		"original_area", res.OriginalArea,
		"area", res.Area,
		"max_violation", res.MaxViolation,
	}
	switch {
	case res.FellBack:
		o.logger.Warn("area optimization fell back to the starting dt vector", attrs...)
	case !res.ConstraintsSatisfied:
		o.logger.Warn("area optimization constraints not satisfied", attrs...)
	default:
		o.logger.Info("area optimization finished", attrs...)
	}
	return res, nil
}

func (o *Optimizer) feasible(vec []float64, ev evaluation, fixed [tree.DtVectorLen]bool) bool {
	for i, v := range vec {
		if !fixed[i] && (v < o.cfg.DtMin || v > o.cfg.DtMax) {
			return false
		}
	}
	return ev.maxViolation() <= o.cfg.ConstraintDistance
}

// solve runs the augmented Lagrangian outer loop. Free components are mapped to
// z with dt = lo + (hi-lo)(1+sin z)/2 so the inner LBFGS solve is unconstrained.
func (o *Optimizer) solve(
	ctx context.Context,
	state problemState,
	start []float64,
	fixed [tree.DtVectorLen]bool,
	lo, hi float64,
	res *Result,
	consider func([]float64, evaluation),
) Status {
	var free []int
	for i := range start {
		if !fixed[i] {
			free = append(free, i)
		}
	}
	if len(free) == 0 {
		return StatusConverged
	}

	z := make([]float64, len(free))
	for k, i := range free {
		v := math.Min(math.Max(start[i], lo), hi)
		z[k] = math.Asin(2*(v-lo)/(hi-lo) - 1)
	}
	toDt := func(z []float64) []float64 {
		vec := append([]float64(nil), start...)
		for k, i := range free {
			vec[i] = lo + (hi-lo)*(1+math.Sin(z[k]))/2
		}
		return vec
	}

	lambda := make([][2]float64, len(state.constraints))
	mu := 1 / o.cfg.ConstraintDistance
	prevViolation := math.Inf(1)

	for outer := 0; outer < maxOuterIterations; outer++ {
		remaining := o.cfg.MaxIterations - res.Iterations
		if remaining <= 0 {
			return StatusIterationLimit
		}
		if ctx.Err() != nil {
			return StatusCanceled
		}

		lagrangian := func(z []float64) float64 {
			ev := state.evaluate(toDt(z))
			f := -ev.area
			for k, g := range ev.gaps {
				f += lambda[k][0]*g[0] + lambda[k][1]*g[1]
				f += mu / 2 * (g[0]*g[0] + g[1]*g[1])
			}
			return f
		}
		problem := optimize.Problem{
			Func: lagrangian,
			Grad: func(grad, z []float64) {
				fd.Gradient(grad, lagrangian, z, &fd.Settings{Formula: fd.Central})
			},
		}
		settings := &optimize.Settings{
			MajorIterations: remaining,
			Converger: &ctxConverger{
				ctx:   ctx,
				inner: &optimize.FunctionConverge{Absolute: 1e-14, Relative: 1e-10, Iterations: 20},
			},
		}
		if deadline, ok := ctx.Deadline(); ok {
			left := time.Until(deadline)
			if left <= 0 {
				return StatusCanceled
			}
			settings.Runtime = left
		}

		result, err := optimize.Minimize(problem, z, settings, &optimize.LBFGS{})
		if result != nil {
			res.Iterations += result.Stats.MajorIterations
			copy(z, result.X)
		}
		vec := toDt(z)
		ev := state.evaluate(vec)
		res.AreaTrace = append(res.AreaTrace, ev.area)
		consider(vec, ev)

		if ctx.Err() != nil {
			return StatusCanceled
		}
		if result == nil {
			o.logger.Debug("inner solve returned no result", "outer", outer, "error", err)
			return StatusInfeasible
		}

		violation := ev.maxViolation()
		if len(state.constraints) == 0 || violation <= o.cfg.ConstraintDistance*tightFactor {
			return StatusConverged
		}
		for k, g := range ev.gaps {
			lambda[k][0] += mu * g[0]
			lambda[k][1] += mu * g[1]
		}
		if violation > prevViolation/4 && mu < maxPenalty {
			mu *= penaltyGrowth
		}
		prevViolation = violation
	}
	if prevViolation <= o.cfg.ConstraintDistance {
		return StatusConverged
	}
	return StatusInfeasible
}

func slotIndex(t *tree.Tree, l pairing.Leaf) (int, error) {
	n := t.Node(l.Slot)
	if n == nil || n.ID != l.ID || l.Slot.Generation != valence.Grandchild {
		return 0, fmt.Errorf("%w: leaf %s at slot %s", ErrForeignPair, l.ID, l.Slot.Name())
	}
	return l.Slot.Index(), nil
}

// ctxConverger stops the inner solve when ctx is done.
type ctxConverger struct {
	ctx   context.Context
	inner optimize.Converger
}

func (c *ctxConverger) Init(dim int) { c.inner.Init(dim) }

func (c *ctxConverger) Converged(loc *optimize.Location) optimize.Status {
	if c.ctx.Err() != nil {
		return optimize.RuntimeLimit
	}
	return c.inner.Converged(loc)
}
