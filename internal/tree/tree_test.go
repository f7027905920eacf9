package tree

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"

	"spores/internal/config"
	"spores/internal/dynamics"
	"spores/internal/spore"
	"spores/internal/valence"
)

type fixture struct {
	builder *Builder
	logic   *spore.Logic
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, maxControl float64) fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Pendulum.MaxControl = maxControl
	system, err := dynamics.NewPendulum(cfg.Pendulum)
	if err != nil {
		t.Fatalf("new pendulum: %v", err)
	}
	logic, err := spore.NewLogic(system, cfg.Spore)
	if err != nil {
		t.Fatalf("new logic: %v", err)
	}
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))
	builder, err := NewBuilder(system, cfg.Tree, spore.NewCounterAllocator(), logger)
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	return fixture{builder: builder, logic: logic, logs: logs}
}

func TestBuildUniformTreeFromOrigin(t *testing.T) {
	f := newFixture(t, 1)
	root := f.logic.NewSpore("root", dynamics.State{0, 0})
	tr, err := f.builder.BuildUniform(root, 0.1, 0.2)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	for i, n := range tr.Children {
		if !n.Valid() || !n.Position().Finite() {
			t.Fatalf("child %d invalid: %v", i, n.Err)
		}
		if n.Dt != 0.1 {
			t.Fatalf("child %d: expected dt 0.1, got %v", i, n.Dt)
		}
	}
	if got := len(tr.ValidGrandchildren()); got != 8 {
		t.Fatalf("expected 8 valid grandchildren, got %d", got)
	}
	for _, gc := range tr.Grandchildren {
		if !gc.Position().Finite() {
			t.Fatalf("grandchild %s has non-finite position", gc.Slot.Name())
		}
		if gc.Control != -gc.Parent.Control {
			t.Fatalf("grandchild %s: control %v does not alternate from parent %v", gc.Slot.Name(), gc.Control, gc.Parent.Control)
		}
		if math.Abs(gc.Dt-0.02) > 1e-15 {
			t.Fatalf("grandchild %s: expected dt 0.02, got %v", gc.Slot.Name(), gc.Dt)
		}
		if gc.DtSign != gc.Slot.SecondDirection.Sign() {
			t.Fatalf("grandchild %s: dt sign %v disagrees with slot", gc.Slot.Name(), gc.DtSign)
		}
	}
	if got := len(tr.Valence().FreeSlots()); got != 0 {
		t.Fatalf("expected fully occupied valence, got %d free", got)
	}
}

func TestChildPositionsFollowSlotDirection(t *testing.T) {
	f := newFixture(t, 1)
	root := f.logic.NewSpore("root", dynamics.State{0, 0})
	tr, err := f.builder.BuildUniform(root, 0.1, 0.2)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	fwdMax := tr.Children[0].Position()
	bwdMax := tr.Children[2].Position()
	if fwdMax[1] <= 0 {
		t.Fatalf("forward max should gain velocity, got %v", fwdMax)
	}
	if bwdMax[1] >= 0 {
		t.Fatalf("backward max should lose velocity, got %v", bwdMax)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	f := newFixture(t, 1)
	root := f.logic.NewSpore("root", dynamics.State{0.3, -0.1})
	vec := []float64{0.1, 0.12, 0.08, 0.05, 0.02, 0.03, 0.01, 0.04, 0.02, 0.02, 0.05, 0.015}
	a, err := f.builder.Build(root, vec)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	b, err := f.builder.Build(root, vec)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	an, bn := a.Nodes(), b.Nodes()
	for i := range an {
		if an[i].Position() != bn[i].Position() {
			t.Fatalf("node %d differs: %v vs %v", i, an[i].Position(), bn[i].Position())
		}
	}
	if a.Children[0].ID == b.Children[0].ID {
		t.Fatal("expected fresh ids on rebuild")
	}
	got := a.DtVector()
	got[0] = 99
	if a.DtVector()[0] != 0.1 {
		t.Fatal("DtVector exposes internal storage")
	}
}

func TestRebuildRecomputesFromRoot(t *testing.T) {
	f := newFixture(t, 1)
	root := f.logic.NewSpore("root", dynamics.State{0, 0})
	tr, err := f.builder.BuildUniform(root, 0.1, 0.2)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	rebuilt, err := tr.Rebuild(0.05)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt.Root != root {
		t.Fatal("rebuild replaced the root")
	}
	direct, err := f.builder.BuildUniform(root, 0.05, 0.2)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for i, n := range rebuilt.Nodes() {
		if n.Position() != direct.Nodes()[i].Position() {
			t.Fatalf("node %d: rebuild drifted", i)
		}
	}
}

func TestEvaluateMatchesBuild(t *testing.T) {
	f := newFixture(t, 1)
	root := f.logic.NewSpore("root", dynamics.State{1, 0.5})
	vec := UniformDtVector(0.08, 0.3)
	tr, err := f.builder.Build(root, vec)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	states, errs := f.builder.Evaluate(root.Position(), vec)
	for i, n := range tr.Nodes() {
		if errs[i] != nil {
			t.Fatalf("slot %d: %v", i, errs[i])
		}
		if states[i] != n.Position() {
			t.Fatalf("slot %d: evaluate %v build %v", i, states[i], n.Position())
		}
	}
}

func TestNonFiniteBranchIsExcluded(t *testing.T) {
	f := newFixture(t, 1)
	root := f.logic.NewSpore("root", dynamics.State{0, 0})
	vec := UniformDtVector(0.1, 0.2)
	vec[0] = 1e308
	tr, err := f.builder.Build(root, vec)
	if err != nil {
		t.Fatalf("build should not fail on a bad branch: %v", err)
	}
	bad := tr.Children[0]
	if bad.Valid() || !errors.Is(bad.Err, ErrInvalidBranch) || !errors.Is(bad.Err, dynamics.ErrNonFinite) {
		t.Fatalf("expected invalid forward_max branch, got %v", bad.Err)
	}
	for _, gc := range tr.Grandchildren[:2] {
		if gc.Valid() {
			t.Fatalf("descendant %s of invalid branch is valid", gc.Slot.Name())
		}
	}
	if got := len(tr.ValidGrandchildren()); got != 6 {
		t.Fatalf("expected 6 valid grandchildren, got %d", got)
	}
	if !tr.Children[1].Valid() {
		t.Fatalf("sibling branch should survive: %v", tr.Children[1].Err)
	}
	if !strings.Contains(f.logs.String(), "invalid branch excluded") || !strings.Contains(f.logs.String(), "slot=forward_max") {
		t.Fatalf("expected branch warning in logs, got %q", f.logs.String())
	}
	if _, ok := tr.Valence().Get("forward_max"); !ok {
		t.Fatal("expected slot lookup to succeed")
	}
	if len(tr.Valence().FreeSlots()) != 3 {
		t.Fatalf("expected 3 free slots, got %d", len(tr.Valence().FreeSlots()))
	}
}

func TestZeroControlGivesDegenerateTree(t *testing.T) {
	f := newFixture(t, 0)
	root := f.logic.NewSpore("root", dynamics.State{0.5, 0})
	tr, err := f.builder.BuildUniform(root, 0.1, 0.2)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if tr.Children[0].Position() != tr.Children[1].Position() {
		t.Fatalf("max and min children should coincide: %v %v", tr.Children[0].Position(), tr.Children[1].Position())
	}
	if got := len(tr.ValidGrandchildren()); got != 8 {
		t.Fatalf("expected 8 valid grandchildren, got %d", got)
	}
}

func TestBuildRejectsBadDtVector(t *testing.T) {
	f := newFixture(t, 1)
	root := f.logic.NewSpore("root", dynamics.State{})
	cases := [][]float64{
		{0.1},
		append(UniformDtVector(0.1, 0.2)[:11], -0.1),
		append(UniformDtVector(0.1, 0.2)[:11], math.NaN()),
	}
	for _, vec := range cases {
		if _, err := f.builder.Build(root, vec); !errors.Is(err, ErrDtVector) {
			t.Fatalf("expected dt vector error for %v, got %v", vec, err)
		}
	}
	if _, err := f.builder.BuildUniform(root, 0, 0.2); !errors.Is(err, ErrDtVector) {
		t.Fatalf("expected error for zero dt base, got %v", err)
	}
	for _, factor := range []float64{-0.2, math.NaN(), math.Inf(1)} {
		if _, err := f.builder.BuildUniform(root, 0.1, factor); !errors.Is(err, ErrDtVector) {
			t.Fatalf("expected error for factor %v, got %v", factor, err)
		}
	}
}

func TestBuildUniformZeroFactorUsesConfigured(t *testing.T) {
	f := newFixture(t, 1)
	root := f.logic.NewSpore("root", dynamics.State{})
	tr, err := f.builder.BuildUniform(root, 0.1, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := UniformDtVector(0.1, f.builder.Factor())
	for i, dt := range tr.DtVector() {
		if math.Abs(dt-want[i]) > 1e-15 {
			t.Fatalf("component %d: got %v want %v", i, dt, want[i])
		}
	}
}

func TestCandidateMapAndAngleOrder(t *testing.T) {
	f := newFixture(t, 1)
	root := f.logic.NewSpore("root", dynamics.State{0, 0})
	tr, err := f.builder.BuildUniform(root, 0.1, 0.2)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	cands := tr.CandidateMap()
	if len(cands) != 8 {
		t.Fatalf("expected 8 entries, got %d", len(cands))
	}
	for id, others := range cands {
		if len(others) != 6 {
			t.Fatalf("%s: expected 6 candidates from other parents, got %d", id, len(others))
		}
	}
	sorted := tr.SortedByAngle()
	prev := math.Inf(-1)
	for _, n := range sorted {
		p := n.Position()
		a := math.Atan2(p[1], p[0])
		if a < prev {
			t.Fatalf("angles not ascending at %s", n.Slot.Name())
		}
		prev = a
	}
	if tr.Node(valence.GrandchildSlots()[3]) != tr.Grandchildren[3] {
		t.Fatal("slot lookup returned the wrong node")
	}
}
