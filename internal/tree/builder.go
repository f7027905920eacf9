package tree

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"spores/internal/config"
	"spores/internal/dynamics"
	"spores/internal/ghost"
	"spores/internal/spore"
	"spores/internal/valence"
)

var (
	ErrInvalidBranch = errors.New("invalid branch")
	ErrDtVector      = errors.New("invalid dt vector")
)

// DtVectorLen is the number of independently adjustable edges of a tree: four
// children followed by eight grandchildren in slot order.
const DtVectorLen = valence.NumSlots

// Builder expands root spores into two-generation trees.
type Builder struct {
	system *dynamics.Pendulum
	ghosts *ghost.Processor
	ids    spore.IdAllocator
	logger *slog.Logger
	factor float64
}

func NewBuilder(system *dynamics.Pendulum, cfg config.TreeConfig, ids spore.IdAllocator, logger *slog.Logger) (*Builder, error) {
	if system == nil {
		return nil, errors.New("dynamics system is required")
	}
	if ids == nil {
		return nil, errors.New("id allocator is required")
	}
	if !(cfg.DtGrandchildrenFactor > 0) {
		return nil, fmt.Errorf("%w: dt_grandchildren_factor must be > 0, got %v", config.ErrInvalid, cfg.DtGrandchildrenFactor)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		system: system,
		ghosts: ghost.NewProcessor(system),
		ids:    ids,
		logger: logger,
		factor: cfg.DtGrandchildrenFactor,
	}, nil
}

func (b *Builder) System() *dynamics.Pendulum { return b.system }
func (b *Builder) Factor() float64            { return b.factor }

// UniformDtVector gives every child dtBase and every grandchild dtBase*factor.
func UniformDtVector(dtBase, factor float64) []float64 {
	vec := make([]float64, DtVectorLen)
	for i := range vec {
		if i < valence.NumChildSlots {
			vec[i] = dtBase
		} else {
			vec[i] = dtBase * factor
		}
	}
	return vec
}

func checkDtVector(vec []float64) error {
	if len(vec) != DtVectorLen {
		return fmt.Errorf("%w: expected %d components, got %d", ErrDtVector, DtVectorLen, len(vec))
	}
	for i, dt := range vec {
		if math.IsNaN(dt) || math.IsInf(dt, 0) || dt < 0 {
			return fmt.Errorf("%w: component %d is %v", ErrDtVector, i, dt)
		}
	}
	return nil
}

// branch is one pending step from a common base state.
type branch struct {
	index   int
	control float64
	dt      float64
}

// expandFrom steps base once per branch. Branches sharing a signed dt reuse one
// discretization. A failed batch is retried per branch so only the offending
// branches are reported.
func (b *Builder) expandFrom(base dynamics.State, branches []branch, states []dynamics.State, errs []error) {
	var order []uint64
	groups := make(map[uint64][]branch)
	for _, br := range branches {
		key := math.Float64bits(br.dt)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], br)
	}
	for _, key := range order {
		group := groups[key]
		controls := make([]float64, len(group))
		for i, br := range group {
			controls[i] = br.control
		}
		out, err := b.ghosts.Batch(base, controls, group[0].dt)
		if err == nil {
			for i, br := range group {
				states[br.index] = out[i]
			}
			continue
		}
		for _, br := range group {
			next, err := b.ghosts.Batch(base, []float64{br.control}, br.dt)
			if err != nil {
				errs[br.index] = err
				continue
			}
			states[br.index] = next[0]
		}
	}
}

// Evaluate computes the twelve slot positions reached from root under vec without
// allocating spores. errs[i] is non-nil when slot i is unreachable.
func (b *Builder) Evaluate(root dynamics.State, vec []float64) ([DtVectorLen]dynamics.State, [DtVectorLen]error) {
	var (
		states [DtVectorLen]dynamics.State
		errs   [DtVectorLen]error
	)
	if err := checkDtVector(vec); err != nil {
		for i := range errs {
			errs[i] = err
		}
		return states, errs
	}
	maxControl := b.system.Config().MaxControl

	children := make([]branch, 0, valence.NumChildSlots)
	for i, s := range valence.ChildSlots() {
		children = append(children, branch{index: i, control: s.ControlValue(maxControl), dt: s.DtSign() * vec[i]})
	}
	b.expandFrom(root, children, states[:], errs[:])

	for ci := range valence.ChildSlots() {
		var gcs []branch
		for _, s := range valence.GrandchildSlots() {
			if s.Parent().ChildIndex() != ci {
				continue
			}
			idx := s.Index()
			if errs[ci] != nil {
				errs[idx] = fmt.Errorf("%w: parent slot %s is invalid", ErrInvalidBranch, s.Parent().Name())
				continue
			}
			gcs = append(gcs, branch{index: idx, control: s.ControlValue(maxControl), dt: s.DtSign() * vec[idx]})
		}
		if len(gcs) > 0 {
			b.expandFrom(states[ci], gcs, states[:], errs[:])
		}
	}
	return states, errs
}

// Build grows a tree from root with an explicit dt vector of non-negative
// magnitudes. Unreachable branches are kept as invalid nodes and logged; they do
// not fail the build.
func (b *Builder) Build(root *spore.Spore, vec []float64) (*Tree, error) {
	if root == nil {
		return nil, errors.New("root spore is required")
	}
	if err := checkDtVector(vec); err != nil {
		return nil, err
	}
	states, errs := b.Evaluate(root.Position(), vec)
	maxControl := b.system.Config().MaxControl

	t := &Tree{
		Root:    root,
		builder: b,
		dt:      append([]float64(nil), vec...),
		valence: valence.New(root.ID),
	}
	for _, s := range valence.AllSlots() {
		idx := s.Index()
		n := &Node{
			ID:      b.ids.NextSporeID(),
			Slot:    s,
			Control: s.ControlValue(maxControl),
			Dt:      vec[idx],
			DtSign:  s.DtSign(),
		}
		if s.Generation == valence.Grandchild {
			n.Parent = t.Children[s.Parent().ChildIndex()]
		}
		if errs[idx] != nil {
			n.Err = fmt.Errorf("%w: %w", ErrInvalidBranch, errs[idx])
			b.logger.Warn("invalid branch excluded",
				"spore_id", n.ID,
				"slot", s.Name(),
				"control", n.Control,
				"dt", n.RawDt(),
				"error", errs[idx],
			)
		} else {
			n.Spore = root.Logic().NewSpore(n.ID, states[idx])
			_ = t.valence.Occupy(s.Name(), vec[idx], n.ID)
		}
		if s.Generation == valence.Child {
			t.Children[s.ChildIndex()] = n
		} else {
			t.Grandchildren[idx-valence.NumChildSlots] = n
		}
	}
	return t, nil
}

// BuildUniform builds with dtBase for children and dtBase*factor for
// grandchildren. A zero factor uses the configured one.
func (b *Builder) BuildUniform(root *spore.Spore, dtBase, factor float64) (*Tree, error) {
	if !(dtBase > 0) || math.IsInf(dtBase, 0) {
		return nil, fmt.Errorf("%w: dt base must be > 0, got %v", ErrDtVector, dtBase)
	}
	switch {
	case factor == 0:
		factor = b.factor
	case !(factor > 0) || math.IsInf(factor, 0):
		return nil, fmt.Errorf("%w: grandchild factor must be > 0, got %v", ErrDtVector, factor)
	}
	return b.Build(root, UniformDtVector(dtBase, factor))
}
