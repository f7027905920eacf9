package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"spores/internal/areaopt"
	"spores/internal/config"
	"spores/internal/dynamics"
	"spores/internal/graph"
	"spores/internal/model"
	"spores/internal/pairing"
	"spores/internal/spore"
	"spores/internal/storage"
	"spores/internal/tree"
)

var ErrNotStarted = errors.New("session is not started")

const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

type SupportModule interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Publisher receives every completed graph.
type Publisher interface {
	Publish(runID string, doc graph.Document)
}

type Config struct {
	Params         config.Config
	Store          storage.Store
	Allocator      spore.IdAllocator
	Logger         *slog.Logger
	Metrics        *Metrics
	Publisher      Publisher
	SupportModules []SupportModule
	Now            func() time.Time
}

// Request describes one run. A zero DtBase uses the pendulum's dt; a non-empty
// DtVector overrides both. Accumulate adds the tree to the current graph instead
// of starting a fresh one.
type Request struct {
	RunID      string
	Root       dynamics.State
	DtBase     float64
	DtVector   []float64
	Optimize   bool
	Accumulate bool
}

// Snapshot is a complete, immutable view of one run.
type Snapshot struct {
	RunID           string
	CreatedAt       time.Time
	Elapsed         time.Duration
	Root            dynamics.State
	DtBase          float64
	Tree            *tree.Tree
	Document        graph.Document
	Pairs           []pairing.Pair
	Optimization    *areaopt.Result
	Area            float64
	InvalidBranches int

	graph *graph.BufferGraph
}

// Graph returns a private copy of the snapshot graph.
func (s Snapshot) Graph() *graph.BufferGraph {
	if s.graph == nil {
		return nil
	}
	return s.graph.Clone()
}

type Session struct {
	cfg       Config
	logger    *slog.Logger
	ids       spore.IdAllocator
	system    *dynamics.Pendulum
	logic     *spore.Logic
	builder   *tree.Builder
	engine    *pairing.Engine
	optimizer *areaopt.Optimizer

	runMu sync.Mutex

	mu      sync.RWMutex
	started bool
	modules []SupportModule
	current *Snapshot
}

// New wires the pipeline. Invalid parameters are rejected here rather than on the
// first run.
func New(cfg Config) (*Session, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Allocator == nil {
		cfg.Allocator = spore.NewCounterAllocator()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	system, err := dynamics.NewPendulum(cfg.Params.Pendulum)
	if err != nil {
		return nil, err
	}
	logic, err := spore.NewLogic(system, cfg.Params.Spore)
	if err != nil {
		return nil, err
	}
	builder, err := tree.NewBuilder(system, cfg.Params.Tree, cfg.Allocator, cfg.Logger)
	if err != nil {
		return nil, err
	}
	engine, err := pairing.NewEngine(system, cfg.Params.Tree.Pairing, cfg.Logger)
	if err != nil {
		return nil, err
	}
	optimizer, err := areaopt.NewOptimizer(cfg.Params.Tree.AreaOptimization, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &Session{
		cfg:       cfg,
		logger:    cfg.Logger,
		ids:       cfg.Allocator,
		system:    system,
		logic:     logic,
		builder:   builder,
		engine:    engine,
		optimizer: optimizer,
	}, nil
}

func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Init(ctx); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(s.cfg.SupportModules))
	started := make([]SupportModule, 0, len(s.cfg.SupportModules))
	for i, module := range s.cfg.SupportModules {
		var err error
		switch {
		case module == nil:
			err = fmt.Errorf("support module is nil at index %d", i)
		case module.Name() == "":
			err = fmt.Errorf("support module name is required at index %d", i)
		case seen[module.Name()]:
			err = fmt.Errorf("duplicate support module: %s", module.Name())
		default:
			if startErr := module.Start(ctx); startErr != nil {
				err = fmt.Errorf("start support module %s: %w", module.Name(), startErr)
			}
		}
		if err != nil {
			stopSupportModules(ctx, started)
			return err
		}
		seen[module.Name()] = true
		started = append(started, module)
	}

	s.modules = started
	s.started = true
	return nil
}

func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stopSupportModules(ctx, s.modules)
	s.modules = nil
	s.started = false
}

func (s *Session) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func (s *Session) Params() config.Config { return s.cfg.Params }

func (s *Session) System() *dynamics.Pendulum { return s.system }

func (s *Session) Logic() *spore.Logic { return s.logic }

// Snapshot returns the last completed run.
func (s *Session) Snapshot() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Snapshot{}, false
	}
	return *s.current, true
}

// Reset discards the current graph and every spore in it.
func (s *Session) Reset() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
}

// Run builds a tree from req.Root, pairs and merges its leaves, optionally
// optimizes its dt vector, and publishes the resulting graph. The previous
// snapshot stays visible until the new one is complete.
func (s *Session) Run(ctx context.Context, req Request) (Snapshot, error) {
	if !s.Started() {
		return Snapshot{}, ErrNotStarted
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()

	snap, err := s.run(ctx, req)
	if err != nil {
		s.cfg.Metrics.observeRun(outcomeError, Snapshot{})
		return Snapshot{}, err
	}
	s.cfg.Metrics.observeRun(outcomeOK, snap)

	s.mu.Lock()
	s.current = &snap
	s.mu.Unlock()

	if s.cfg.Publisher != nil {
		s.cfg.Publisher.Publish(snap.RunID, snap.Document)
	}
	if err := s.persist(ctx, snap); err != nil {
		return snap, fmt.Errorf("persist run %s: %w", snap.RunID, err)
	}
	return snap, nil
}

func (s *Session) run(ctx context.Context, req Request) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	if !req.Root.Finite() {
		return Snapshot{}, fmt.Errorf("%w: root %v", dynamics.ErrNonFinite, req.Root)
	}
	began := s.cfg.Now()
	snap := Snapshot{RunID: req.RunID, CreatedAt: began, Root: req.Root, DtBase: req.DtBase}
	if snap.RunID == "" {
		snap.RunID = uuid.NewString()
	}
	if snap.DtBase == 0 {
		snap.DtBase = s.system.BaseDt()
	}
	vec := req.DtVector
	if len(vec) == 0 {
		vec = tree.UniformDtVector(snap.DtBase, s.builder.Factor())
	}

	stage := time.Now()
	root := s.logic.NewSpore(s.ids.NextSporeID(), req.Root)
	t, err := s.builder.Build(root, vec)
	if err != nil {
		return Snapshot{}, err
	}
	s.cfg.Metrics.observeStage("build", stage)

	stage = time.Now()
	pairs := s.engine.FindOptimalPairs(pairing.LeavesFromTree(t))
	s.cfg.Metrics.observeStage("pair", stage)

	if req.Optimize && s.optimizer.Config().Enabled {
		stage = time.Now()
		res, err := s.optimizer.Optimize(ctx, areaopt.Problem{Tree: t, Pairs: pairs, Fixed: t.Valence().FixedMask()})
		if err != nil {
			return Snapshot{}, err
		}
		s.cfg.Metrics.observeStage("optimize", stage)
		snap.Optimization = &res
		if !res.FellBack {
			optimized, err := t.WithDtVector(res.DtVector)
			if err != nil {
				return Snapshot{}, err
			}
			rebound, err := pairing.Rebind(pairs, optimized)
			if err != nil {
				return Snapshot{}, err
			}
			t, pairs = optimized, rebound
		}
	}

	stage = time.Now()
	g := graph.New(s.cfg.Params.Tree.DistanceThreshold, s.ids)
	if req.Accumulate {
		if prev, ok := s.Snapshot(); ok && prev.graph != nil {
			g = prev.graph.Clone()
		}
	}
	if err := g.AddTree(t); err != nil {
		return Snapshot{}, err
	}
	if _, err := s.engine.ApplyPairs(g, pairs); err != nil {
		return Snapshot{}, err
	}
	snap.Document = graph.Export(g)
	s.cfg.Metrics.observeStage("export", stage)

	snap.Tree = t
	snap.Pairs = pairs
	snap.graph = g
	snap.Area = LeafArea(t)
	for _, n := range t.Nodes() {
		if !n.Valid() {
			snap.InvalidBranches++
		}
	}
	snap.Elapsed = s.cfg.Now().Sub(began)

	s.logger.Info("run complete",
		"run_id", snap.RunID,
		"spores", snap.Document.Statistics.TotalSpores,
		"links", snap.Document.Statistics.TotalLinks,
		"pairs", len(pairs),
		"invalid_branches", snap.InvalidBranches,
		"area", snap.Area,
	)
	return snap, nil
}

// LeafArea is the polygon area spanned by the valid grandchildren of t.
func LeafArea(t *tree.Tree) float64 {
	var points []dynamics.State
	for _, n := range t.ValidGrandchildren() {
		points = append(points, n.Position())
	}
	return areaopt.ShoelaceArea(t.Root.Position(), points)
}

func (s *Session) persist(ctx context.Context, snap Snapshot) error {
	store := s.cfg.Store
	if store == nil {
		return nil
	}
	if err := store.SaveGraph(ctx, model.GraphRecord{
		VersionedRecord:   storage.Versioned(),
		ID:                snap.RunID,
		DistanceThreshold: s.cfg.Params.Tree.DistanceThreshold,
		Document:          snap.Document,
	}); err != nil {
		return err
	}
	if snap.Optimization != nil {
		if err := store.SaveOptimization(ctx, ToOptimizationRecord(snap.RunID, *snap.Optimization)); err != nil {
			return err
		}
	}
	return store.SaveRun(ctx, ToRunRecord(snap, s.builder.Factor()))
}

func ToOptimizationRecord(runID string, r areaopt.Result) model.OptimizationRecord {
	return model.OptimizationRecord{
		VersionedRecord:      storage.Versioned(),
		RunID:                runID,
		Status:               string(r.Status),
		DtVector:             r.DtVector,
		OriginalDtVector:     r.OriginalDtVector,
		Area:                 r.Area,
		OriginalArea:         r.OriginalArea,
		Improvement:          r.Improvement,
		ImprovementPercent:   r.ImprovementPercent,
		Success:              r.Success,
		ConstraintsSatisfied: r.ConstraintsSatisfied,
		MaxViolation:         r.MaxViolation,
		Violations:           r.Violations,
		Iterations:           r.Iterations,
		AreaTrace:            r.AreaTrace,
		FellBack:             r.FellBack,
	}
}

func ToRunRecord(snap Snapshot, factor float64) model.RunRecord {
	run := model.RunRecord{
		VersionedRecord: storage.Versioned(),
		ID:              snap.RunID,
		CreatedAt:       snap.CreatedAt.UTC(),
		Root:            [2]float64(snap.Root),
		DtBase:          snap.DtBase,
		Factor:          factor,
		TotalSpores:     snap.Document.Statistics.TotalSpores,
		TotalLinks:      snap.Document.Statistics.TotalLinks,
		Optimized:       snap.Optimization != nil && !snap.Optimization.FellBack,
		Area:            snap.Area,
		Elapsed:         snap.Elapsed,
	}
	for _, p := range snap.Pairs {
		run.Pairs = append(run.Pairs, model.PairSummary{
			A:        p.A.ID,
			B:        p.B.ID,
			SlotA:    p.A.Slot.Name(),
			SlotB:    p.B.Slot.Name(),
			DtA:      p.DtA,
			DtB:      p.DtB,
			Distance: p.Distance,
		})
	}
	return run
}

func stopSupportModules(ctx context.Context, modules []SupportModule) {
	for i := len(modules) - 1; i >= 0; i-- {
		_ = modules[i].Stop(ctx)
	}
}
