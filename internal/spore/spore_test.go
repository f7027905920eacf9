package spore

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"spores/internal/config"
	"spores/internal/dynamics"
)

func testLogic(t *testing.T, maxControl float64) *Logic {
	t.Helper()
	cfg := config.Default()
	cfg.Pendulum.MaxControl = maxControl
	system, err := dynamics.NewPendulum(cfg.Pendulum)
	if err != nil {
		t.Fatalf("new pendulum: %v", err)
	}
	logic, err := NewLogic(system, cfg.Spore)
	if err != nil {
		t.Fatalf("new logic: %v", err)
	}
	return logic
}

func TestCostIsSquaredDistanceToGoal(t *testing.T) {
	logic := testLogic(t, 1)
	s := logic.NewSpore("1", dynamics.State{0, 0})
	want := math.Pi * math.Pi
	if got := s.Cost(nil); math.Abs(got-want) > 1e-12 {
		t.Fatalf("expected cost %v, got %v", want, got)
	}
	at := dynamics.State{math.Pi, 2}
	if got := s.Cost(&at); math.Abs(got-4) > 1e-12 {
		t.Fatalf("expected cost 4 at %v, got %v", at, got)
	}
}

func TestEvolveUpdatesPositionAndCost(t *testing.T) {
	logic := testLogic(t, 1)
	s := logic.NewSpore("1", dynamics.State{0, 0})
	before := s.Cost(nil)
	next, err := s.Evolve(1, nil)
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if s.Position() != next {
		t.Fatalf("expected position %v, got %v", next, s.Position())
	}
	if s.Cost(nil) == before {
		t.Fatal("expected cost to be recomputed after evolve")
	}
	want, err := logic.System().Step(dynamics.State{0, 0}, 1, logic.BaseDt())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if next != want {
		t.Fatalf("expected default dt step %v, got %v", want, next)
	}
}

func TestSimulateControlsDoesNotMutate(t *testing.T) {
	logic := testLogic(t, 1)
	s := logic.NewSpore("1", dynamics.State{0.2, 0})
	dt := 0.05
	states, err := s.SimulateControls([]float64{-1, 0, 1}, &dt)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("expected 3 states, got %d", len(states))
	}
	if s.Position() != (dynamics.State{0.2, 0}) {
		t.Fatalf("spore moved: %v", s.Position())
	}
	if states[0][1] >= states[2][1] {
		t.Fatalf("expected velocity to increase with control: %v", states)
	}
}

func TestSampleControls(t *testing.T) {
	logic := testLogic(t, 2)
	s := logic.NewSpore("1", dynamics.State{})

	mesh, err := s.SampleControls(5, SampleMesh, nil)
	if err != nil {
		t.Fatalf("mesh: %v", err)
	}
	want := []float64{-2, -1, 0, 1, 2}
	for i := range want {
		if math.Abs(mesh[i]-want[i]) > 1e-12 {
			t.Fatalf("unexpected mesh %v", mesh)
		}
	}

	mid, err := s.SampleControls(1, SampleMesh, nil)
	if err != nil || mid[0] != 0 {
		t.Fatalf("expected midpoint, got %v (%v)", mid, err)
	}

	random, err := s.SampleControls(50, SampleRandom, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	for _, u := range random {
		if u < -2 || u > 2 {
			t.Fatalf("sample %v out of bounds", u)
		}
	}

	if _, err := s.SampleControls(0, SampleMesh, nil); err == nil {
		t.Fatal("expected error for zero samples")
	}
	if _, err := s.SampleControls(3, "grid", nil); !errors.Is(err, ErrUnknownSampling) {
		t.Fatalf("expected unknown sampling error, got %v", err)
	}
}

func TestEvolveBoundsControl(t *testing.T) {
	logic := testLogic(t, 1)
	over := logic.NewSpore("1", dynamics.State{0, 0})
	atMax := logic.NewSpore("2", dynamics.State{0, 0})
	got, err := over.Evolve(5, nil)
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	want, err := atMax.Evolve(1, nil)
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if got != want {
		t.Fatalf("expected control 5 to act as 1: got %v want %v", got, want)
	}

	states, err := over.SimulateControls([]float64{-3, -1}, nil)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if states[0] != states[1] {
		t.Fatalf("expected control -3 to act as -1: %v", states)
	}
}

func TestCloneDropsIdentity(t *testing.T) {
	logic := testLogic(t, 1)
	s := logic.NewSpore("7", dynamics.State{1, 1})
	s.SetOptimal(0.5, 0.1)
	c := s.Clone()
	if c.ID != "" {
		t.Fatalf("expected clone without id, got %q", c.ID)
	}
	if c.Position() != s.Position() || *c.OptimalDt != 0.1 {
		t.Fatalf("clone lost state: %+v", c)
	}
	*c.OptimalDt = 0.3
	if *s.OptimalDt != 0.1 {
		t.Fatal("clone shares optimizer annotations")
	}
}

func TestZeroOptimalDtKillsSpore(t *testing.T) {
	logic := testLogic(t, 1)
	s := logic.NewSpore("1", dynamics.State{})
	s.SetOptimal(1, 0)
	if s.Alive() {
		t.Fatal("expected spore to die with zero optimal dt")
	}
}

func TestGhostHasNoIdentity(t *testing.T) {
	logic := testLogic(t, 1)
	g := logic.NewGhost(dynamics.State{0.1, 0})
	if !g.IsGhost || g.ID != "" {
		t.Fatalf("unexpected ghost: %+v", g)
	}
}

func TestCounterAllocatorIsUniqueUnderConcurrency(t *testing.T) {
	alloc := NewCounterAllocator()
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := alloc.NextSporeID()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 800 {
		t.Fatalf("expected 800 unique ids, got %d", len(seen))
	}
	if got := alloc.NextLinkID(); got != "1" {
		t.Fatalf("expected independent link counter, got %q", got)
	}
}

func TestUUIDAllocator(t *testing.T) {
	var alloc IdAllocator = UUIDAllocator{}
	a, b := alloc.NextSporeID(), alloc.NextSporeID()
	if a == b || len(a) != 36 {
		t.Fatalf("unexpected uuids %q %q", a, b)
	}
}
