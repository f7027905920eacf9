package pairing

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"spores/internal/config"
	"spores/internal/dynamics"
	"spores/internal/graph"
	"spores/internal/tree"
	"spores/internal/valence"
)

// meetingDtScale bounds the meeting search to this multiple of the larger
// original dt of the two leaves.
const meetingDtScale = 10

// Pair is an accepted meeting of two leaves. DtA and DtB are the dt magnitudes
// that bring the leaves together; signs and controls stay as generated.
type Pair struct {
	A, B            Leaf
	DtA, DtB        float64
	MeetA, MeetB    dynamics.State
	Meeting         dynamics.State
	Distance        float64
	InitialDistance float64
}

func (p Pair) CombinedDt() float64 { return p.DtA + p.DtB }

type Engine struct {
	system *dynamics.Pendulum
	cfg    config.PairingConfig
	logger *slog.Logger
}

func NewEngine(system *dynamics.Pendulum, cfg config.PairingConfig, logger *slog.Logger) (*Engine, error) {
	if system == nil {
		return nil, errors.New("dynamics system is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{system: system, cfg: cfg, logger: logger}, nil
}

func (e *Engine) Config() config.PairingConfig { return e.cfg }

// Compatible reports whether two leaves could be the same trajectory crossing:
// they hang from different parents and their control sequences mirror each
// other.
func Compatible(a, b Leaf) bool {
	if a.ParentID == b.ParentID {
		return false
	}
	return a.Slot.Control != b.Slot.Control
}

// FindOptimalPairs returns the accepted pairs, best first. Pairs are disjoint and
// their number, plus set.Merged, never exceeds max_pairs.
func (e *Engine) FindOptimalPairs(set LeafSet) []Pair {
	if !e.cfg.Enabled {
		return nil
	}
	budget := e.cfg.MaxPairs - set.Merged
	if budget <= 0 {
		return nil
	}

	var candidates []Pair
	leaves := set.Leaves
	for i := 0; i < len(leaves); i++ {
		for j := i + 1; j < len(leaves); j++ {
			a, b := leaves[i], leaves[j]
			d := a.Position.Sub(b.Position).Norm()
			if d < e.cfg.MinDistanceThreshold || d > e.cfg.MaxDistanceThreshold {
				continue
			}
			if !Compatible(a, b) {
				continue
			}
			p, ok := e.solveMeeting(a, b)
			if !ok {
				continue
			}
			p.InitialDistance = d
			candidates = append(candidates, p)
		}
	}

	e.rank(candidates)

	used := make(map[string]bool)
	var accepted []Pair
	for _, p := range candidates {
		if len(accepted) >= budget {
			break
		}
		if used[p.A.ID] || used[p.B.ID] {
			continue
		}
		used[p.A.ID], used[p.B.ID] = true, true
		accepted = append(accepted, p)
	}
	e.logger.Debug("pairing round",
		"leaves", len(leaves),
		"candidates", len(candidates),
		"accepted", len(accepted),
		"already_merged", set.Merged,
	)
	return accepted
}

// rank orders by meeting distance. Distances that fall in the same
// position_precision bucket are ordered by combined dt.
func (e *Engine) rank(pairs []Pair) {
	bucket := func(p Pair) int64 {
		return int64(math.Floor(p.Distance / e.cfg.PositionPrecision))
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		bi, bj := bucket(pairs[i]), bucket(pairs[j])
		if bi != bj {
			return bi < bj
		}
		ci, cj := pairs[i].CombinedDt(), pairs[j].CombinedDt()
		if ci != cj {
			return ci < cj
		}
		if pairs[i].A.ID != pairs[j].A.ID {
			return pairs[i].A.ID < pairs[j].A.ID
		}
		return pairs[i].B.ID < pairs[j].B.ID
	})
}

type stepper struct {
	a, b   *mat.Dense
	parent dynamics.State
	u      float64
	sign   float64
}

func (s stepper) at(dt float64) (dynamics.State, error) {
	ad, bd, err := dynamics.Discretize(s.a, s.b, s.sign*dt)
	if err != nil {
		return dynamics.State{}, err
	}
	return dynamics.Apply(ad, bd, s.parent, s.u)
}

func (e *Engine) stepperFor(l Leaf) stepper {
	a, b := e.system.LinearizeAt(l.ParentPosition)
	return stepper{a: a, b: b, parent: l.ParentPosition, u: l.Control, sign: l.DtSign}
}

// solveMeeting searches both dt magnitudes for the closest approach of the two
// leaves. A pair is usable when the approach is within position_precision and
// neither edge collapses below time_precision.
func (e *Engine) solveMeeting(a, b Leaf) (Pair, bool) {
	sa, sb := e.stepperFor(a), e.stepperFor(b)
	hi := meetingDtScale * math.Max(a.Dt, b.Dt)
	if !(hi > 0) {
		return Pair{}, false
	}
	const penalty = 1e6

	objective := func(x []float64) float64 {
		da, db := x[0], x[1]
		var excess float64
		for _, v := range []float64{da, db} {
			if v < 0 {
				excess += -v
			} else if v > hi {
				excess += v - hi
			}
		}
		da = math.Min(math.Max(da, 0), hi)
		db = math.Min(math.Max(db, 0), hi)
		pa, err := sa.at(da)
		if err != nil {
			return math.MaxFloat64
		}
		pb, err := sb.at(db)
		if err != nil {
			return math.MaxFloat64
		}
		return pa.Sub(pb).Norm() + penalty*excess
	}

	problem := optimize.Problem{Func: objective}
	settings := &optimize.Settings{
		FuncEvaluations: 4000,
		Converger: &optimize.FunctionConverge{
			Absolute:   e.cfg.PositionPrecision * 1e-4,
			Iterations: 200,
		},
	}
	method := &optimize.NelderMead{SimplexSize: 0.25 * math.Max(a.Dt, b.Dt)}
	result, err := optimize.Minimize(problem, []float64{a.Dt, b.Dt}, settings, method)
	if result == nil {
		e.logger.Debug("meeting solve failed", "a", a.ID, "b", b.ID, "error", err)
		return Pair{}, false
	}

	da := math.Min(math.Max(result.X[0], 0), hi)
	db := math.Min(math.Max(result.X[1], 0), hi)
	if da < e.cfg.TimePrecision || db < e.cfg.TimePrecision {
		return Pair{}, false
	}
	pa, errA := sa.at(da)
	pb, errB := sb.at(db)
	if errA != nil || errB != nil {
		return Pair{}, false
	}
	dist := pa.Sub(pb).Norm()
	if dist > e.cfg.PositionPrecision {
		return Pair{}, false
	}
	return Pair{
		A: a, B: b,
		DtA: da, DtB: db,
		MeetA: pa, MeetB: pb,
		Meeting:  dynamics.State{(pa[0] + pb[0]) / 2, (pa[1] + pb[1]) / 2},
		Distance: dist,
	}, true
}

// ApplyPairs merges each pair into one node at its meeting point and rewrites both
// generating links with the meeting dt. Pairs may come from the graph or from a
// tree already added to it. Controls are left untouched. Pairs whose
// endpoints are already merged are skipped. It returns the number of merges.
func (e *Engine) ApplyPairs(g *graph.BufferGraph, pairs []Pair) (int, error) {
	merged := 0
	for _, p := range pairs {
		keep, okA := g.Resolve(p.A.ID)
		drop, okB := g.Resolve(p.B.ID)
		if !okA || !okB || keep == drop {
			continue
		}
		linkA, err := generatingLink(g, keep, p.A)
		if err != nil {
			return merged, err
		}
		linkB, err := generatingLink(g, drop, p.B)
		if err != nil {
			return merged, err
		}
		if err := g.SetLinkDt(linkA, p.A.DtSign*p.DtA); err != nil {
			return merged, err
		}
		if err := g.SetLinkDt(linkB, p.B.DtSign*p.DtB); err != nil {
			return merged, err
		}
		if err := g.MoveNode(keep, p.Meeting); err != nil {
			return merged, err
		}
		if err := g.MergeNodes(keep, drop); err != nil {
			return merged, err
		}
		if _, err := g.Settle(keep); err != nil {
			return merged, err
		}
		merged++
	}
	if merged > 0 {
		e.logger.Info("pairs merged", "count", merged)
	}
	return merged, nil
}

// generatingLink returns the grandchild link that produced l. Leaves collected
// from a tree carry no link id; their link is found by slot.
func generatingLink(g *graph.BufferGraph, nodeID string, l Leaf) (string, error) {
	if l.LinkID != "" {
		return l.LinkID, nil
	}
	parent, _ := g.Resolve(l.ParentID)
	for _, link := range g.InLinks(nodeID) {
		if link.Generation == 2 && link.Slot == l.Slot.Name() && link.From == parent {
			return link.ID, nil
		}
	}
	return "", fmt.Errorf("leaf %s: no %s link into node %s", l.ID, l.Slot.Name(), nodeID)
}

// Merge runs one pairing round over the leaves already in g.
func (e *Engine) Merge(g *graph.BufferGraph) ([]Pair, error) {
	pairs := e.FindOptimalPairs(LeavesFromGraph(g))
	if _, err := e.ApplyPairs(g, pairs); err != nil {
		return nil, err
	}
	return pairs, nil
}

// MergeTree adds t to g and runs one pairing round.
func (e *Engine) MergeTree(g *graph.BufferGraph, t *tree.Tree) ([]Pair, error) {
	if err := g.AddTree(t); err != nil {
		return nil, err
	}
	return e.Merge(g)
}

// Rebind maps pairs found on one tree onto t, a rebuild of the same root with a
// different dt vector. Leaves are matched by slot; dts and meeting points are
// taken from t.
func Rebind(pairs []Pair, t *tree.Tree) ([]Pair, error) {
	out := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		a, err := leafAt(t, p.A)
		if err != nil {
			return nil, err
		}
		b, err := leafAt(t, p.B)
		if err != nil {
			return nil, err
		}
		meetA, meetB := a.Position, b.Position
		out = append(out, Pair{
			A: a, B: b,
			DtA: a.Dt, DtB: b.Dt,
			MeetA: meetA, MeetB: meetB,
			Meeting:         dynamics.State{(meetA[0] + meetB[0]) / 2, (meetA[1] + meetB[1]) / 2},
			Distance:        meetA.Sub(meetB).Norm(),
			InitialDistance: p.InitialDistance,
		})
	}
	return out, nil
}

func leafAt(t *tree.Tree, l Leaf) (Leaf, error) {
	n := t.Node(l.Slot)
	if n == nil || !n.Valid() || l.Slot.Generation != valence.Grandchild {
		return Leaf{}, fmt.Errorf("slot %s has no valid leaf", l.Slot.Name())
	}
	return leafFromNode(n), nil
}
