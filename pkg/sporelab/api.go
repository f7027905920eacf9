package sporelab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"spores/internal/config"
	"spores/internal/dynamics"
	"spores/internal/ghost"
	"spores/internal/graph"
	"spores/internal/model"
	"spores/internal/render"
	"spores/internal/session"
	"spores/internal/spawn"
	"spores/internal/spore"
	"spores/internal/stats"
	"spores/internal/storage"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "spores.db"

	AllocatorCounter = "counter"
	AllocatorUUID    = "uuid"
)

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	Allocator  string
	// Params overrides the default parameters when set.
	Params   *config.Config
	Logger   *slog.Logger
	Registry prometheus.Registerer

	Publisher      session.Publisher
	SupportModules []session.SupportModule
}

type Client struct {
	store     storage.Store
	session   *session.Session
	params    config.Config
	allocator string
	logger    *slog.Logger

	runsDir    string
	exportsDir string
}

type RunRequest struct {
	RunID      string
	Root       [2]float64
	DtBase     float64
	DtVector   []float64
	Optimize   bool
	Accumulate bool
}

type PairItem struct {
	A        string
	B        string
	SlotA    string
	SlotB    string
	DtA      float64
	DtB      float64
	Distance float64
}

type OptimizationSummary struct {
	Status             string
	Area               float64
	OriginalArea       float64
	ImprovementPercent float64
	Iterations         int
	MaxViolation       float64
	FellBack           bool
	AreaTrace          []float64
}

type RunSummary struct {
	RunID           string
	ArtifactsDir    string
	CreatedAt       time.Time
	Elapsed         time.Duration
	TotalSpores     int
	TotalLinks      int
	InvalidBranches int
	Area            float64
	DtVector        []float64
	Pairs           []PairItem
	Optimization    *OptimizationSummary
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	Root         [2]float64
	DtBase       float64
	TotalSpores  int
	TotalLinks   int
	Pairs        int
	Optimized    bool
	Area         float64
	CreatedAtUTC string
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type RenderRequest struct {
	RunID  string
	Latest bool
	Out    string
	// CostHeight lifts every spore by its cost to the goal.
	CostHeight bool
	WidthIn    float64
	HeightIn   float64
	DPI        int
}

type RenderSummary struct {
	RunID  string
	Path   string
	Points int
	Arrows int
}

type PreviewRequest struct {
	Root    [2]float64
	Samples int
	Method  string
	Seed    int64
	// Dt is signed; zero uses the pendulum's dt.
	Dt float64
}

type PreviewItem struct {
	Control  float64
	Position [2]float64
	Cost     float64
}

// SeedRequest draws seed roots from the ellipse between Root and the goal.
// Zero Eccentricity or MinRadius use the spawn_area config. With Build set, one
// tree is grown per seed into a shared graph; run ids are RunPrefix-1, -2, ...
type SeedRequest struct {
	Root         [2]float64
	Eccentricity float64
	MinRadius    float64
	Seed         int64
	Build        bool
	RunPrefix    string
	Optimize     bool
}

type SeedItem struct {
	Position [2]float64
	Cost     float64
	RunID    string `json:",omitempty"`
}

type SeedSummary struct {
	Center       [2]float64
	SemiMajor    float64
	SemiMinor    float64
	Eccentricity float64
	Seeds        []SeedItem
}

type PickRequest struct {
	Point [2]float64
	Depth int
}

type PickResult struct {
	SporeID   string
	Position  [2]float64
	Distance  float64
	Neighbors []string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	params := config.Default()
	if opts.Params != nil {
		params = *opts.Params
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var ids spore.IdAllocator
	allocator := opts.Allocator
	switch allocator {
	case "", AllocatorCounter:
		allocator = AllocatorCounter
		ids = spore.NewCounterAllocator()
	case AllocatorUUID:
		ids = spore.UUIDAllocator{}
	default:
		return nil, fmt.Errorf("unsupported id allocator: %s", allocator)
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	var metrics *session.Metrics
	if opts.Registry != nil {
		metrics = session.NewMetrics(opts.Registry)
	}
	s, err := session.New(session.Config{
		Params:         params,
		Store:          store,
		Allocator:      ids,
		Logger:         logger,
		Metrics:        metrics,
		Publisher:      opts.Publisher,
		SupportModules: opts.SupportModules,
	})
	if err != nil {
		_ = storage.CloseIfSupported(store)
		return nil, err
	}

	return &Client{
		store:      store,
		session:    s,
		params:     params,
		allocator:  allocator,
		logger:     logger,
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	c.session.Stop(context.Background())
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.session.Init(ctx)
}

func (c *Client) Params() config.Config { return c.params }

// Session exposes the live session for servers that publish or pick from it.
func (c *Client) Session() *session.Session { return c.session }

func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if err := c.ensureStarted(ctx); err != nil {
		return RunSummary{}, err
	}
	snap, err := c.session.Run(ctx, session.Request{
		RunID:      req.RunID,
		Root:       dynamics.State(req.Root),
		DtBase:     req.DtBase,
		DtVector:   req.DtVector,
		Optimize:   req.Optimize,
		Accumulate: req.Accumulate,
	})
	if err != nil {
		return RunSummary{}, err
	}

	matrix := graph.BuildLinkMatrix(snap.Graph())
	var optimization *model.OptimizationRecord
	if snap.Optimization != nil {
		record := session.ToOptimizationRecord(snap.RunID, *snap.Optimization)
		optimization = &record
	}
	runDir, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:     snap.RunID,
			Root:      req.Root,
			DtBase:    snap.DtBase,
			DtVector:  snap.Tree.DtVector(),
			Optimize:  req.Optimize,
			Allocator: c.allocator,
			Params:    c.params,
		},
		Graph:        snap.Document,
		Matrix:       &matrix,
		Optimization: optimization,
	})
	if err != nil {
		return RunSummary{}, err
	}
	if err := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:        snap.RunID,
		Root:         req.Root,
		DtBase:       snap.DtBase,
		TotalSpores:  snap.Document.Statistics.TotalSpores,
		TotalLinks:   snap.Document.Statistics.TotalLinks,
		Pairs:        len(snap.Pairs),
		Optimized:    snap.Optimization != nil && !snap.Optimization.FellBack,
		Area:         snap.Area,
		CreatedAtUTC: snap.CreatedAt.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return RunSummary{}, err
	}

	summary := RunSummary{
		RunID:           snap.RunID,
		ArtifactsDir:    filepath.Clean(runDir),
		CreatedAt:       snap.CreatedAt,
		Elapsed:         snap.Elapsed,
		TotalSpores:     snap.Document.Statistics.TotalSpores,
		TotalLinks:      snap.Document.Statistics.TotalLinks,
		InvalidBranches: snap.InvalidBranches,
		Area:            snap.Area,
		DtVector:        snap.Tree.DtVector(),
	}
	for _, p := range session.ToRunRecord(snap, 0).Pairs {
		summary.Pairs = append(summary.Pairs, PairItem(p))
	}
	if r := snap.Optimization; r != nil {
		summary.Optimization = &OptimizationSummary{
			Status:             string(r.Status),
			Area:               r.Area,
			OriginalArea:       r.OriginalArea,
			ImprovementPercent: r.ImprovementPercent,
			Iterations:         r.Iterations,
			MaxViolation:       r.MaxViolation,
			FellBack:           r.FellBack,
			AreaTrace:          append([]float64(nil), r.AreaTrace...),
		}
	}
	return summary, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}
	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem(e))
	}
	return out, nil
}

// StoredRun returns the persisted record of a run from the configured store.
func (c *Client) StoredRun(ctx context.Context, runID string) (model.RunRecord, bool, error) {
	if err := c.ensureStarted(ctx); err != nil {
		return model.RunRecord{}, false, err
	}
	return c.store.GetRun(ctx, runID)
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest, "export")
	if err != nil {
		return ExportSummary{}, err
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// Render draws a stored run's graph to a PNG file.
func (c *Client) Render(_ context.Context, req RenderRequest) (RenderSummary, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest, "render")
	if err != nil {
		return RenderSummary{}, err
	}
	doc, ok, err := stats.ReadGraph(c.runsDir, runID)
	if err != nil {
		return RenderSummary{}, err
	}
	if !ok {
		return RenderSummary{}, fmt.Errorf("graph not found for run %s", runID)
	}
	if req.Out == "" {
		req.Out = filepath.Join(c.runsDir, runID, "graph.png")
	}
	if req.WidthIn <= 0 {
		req.WidthIn = 8
	}
	if req.HeightIn <= 0 {
		req.HeightIn = 6
	}

	var height render.HeightFunc
	if req.CostHeight {
		height = c.session.Logic().Cost
	}
	r := render.NewPlotRenderer("run " + runID)
	render.DrawGraph(doc, r, height)
	if err := r.SavePNG(req.Out, req.WidthIn, req.HeightIn, req.DPI); err != nil {
		return RenderSummary{}, err
	}
	points, arrows, _ := r.Counts()
	return RenderSummary{RunID: runID, Path: filepath.Clean(req.Out), Points: points, Arrows: arrows}, nil
}

// Preview samples controls at Root and returns where one step of each would
// land. Nothing is added to the graph.
func (c *Client) Preview(_ context.Context, req PreviewRequest) ([]PreviewItem, error) {
	if req.Samples <= 0 {
		req.Samples = 5
	}
	if req.Method == "" {
		req.Method = spore.SampleMesh
	}
	logic := c.session.Logic()
	origin := logic.NewGhost(dynamics.State(req.Root))
	controls, err := origin.SampleControls(req.Samples, req.Method, rand.New(rand.NewSource(req.Seed)))
	if err != nil {
		return nil, err
	}
	var dt *float64
	if req.Dt != 0 {
		dt = &req.Dt
	}
	ghosts, err := ghost.NewProcessor(c.session.System()).Preview(origin, controls, dt)
	if err != nil {
		return nil, err
	}
	out := make([]PreviewItem, len(ghosts))
	for i, g := range ghosts {
		out[i] = PreviewItem{Control: controls[i], Position: [2]float64(g.Position()), Cost: g.Cost(nil)}
	}
	return out, nil
}

// Seed spreads seed roots over the spawn area with Poisson disk sampling. The
// sample is reproducible for a given Seed.
func (c *Client) Seed(ctx context.Context, req SeedRequest) (SeedSummary, error) {
	spawnCfg := c.params.Spawn
	if req.Eccentricity != 0 {
		spawnCfg.Eccentricity = req.Eccentricity
	}
	if req.MinRadius != 0 {
		spawnCfg.MinRadius = req.MinRadius
	}
	if err := spawnCfg.Validate(); err != nil {
		return SeedSummary{}, err
	}
	logic := c.session.Logic()
	area, err := spawn.NewArea(dynamics.State(req.Root), logic.Goal(), spawnCfg.Eccentricity)
	if err != nil {
		return SeedSummary{}, err
	}
	points, err := area.SamplePoissonDisk(spawnCfg.MinRadius, spawnCfg.Attempts, rand.New(rand.NewSource(req.Seed)))
	if err != nil {
		return SeedSummary{}, err
	}

	a, b := area.Axes()
	out := SeedSummary{
		Center:       [2]float64(area.Center()),
		SemiMajor:    a,
		SemiMinor:    b,
		Eccentricity: spawnCfg.Eccentricity,
		Seeds:        make([]SeedItem, len(points)),
	}
	for i, p := range points {
		out.Seeds[i] = SeedItem{Position: [2]float64(p), Cost: logic.Cost(p)}
	}
	if !req.Build {
		return out, nil
	}
	for i := range out.Seeds {
		runID := ""
		if req.RunPrefix != "" {
			runID = fmt.Sprintf("%s-%d", req.RunPrefix, i+1)
		}
		summary, err := c.Run(ctx, RunRequest{
			RunID:      runID,
			Root:       out.Seeds[i].Position,
			Optimize:   req.Optimize,
			Accumulate: i > 0,
		})
		if err != nil {
			return out, fmt.Errorf("seed %d: %w", i+1, err)
		}
		out.Seeds[i].RunID = summary.RunID
	}
	return out, nil
}

// Pick finds the spore of the current graph nearest to Point and its
// neighbours Depth hops away.
func (c *Client) Pick(_ context.Context, req PickRequest) (PickResult, error) {
	snap, ok := c.session.Snapshot()
	if !ok {
		return PickResult{}, errors.New("no graph has been built yet")
	}
	if req.Depth <= 0 {
		req.Depth = 1
	}
	g := snap.Graph()
	point := dynamics.State(req.Point)
	n, ok := g.Closest(point)
	if !ok {
		return PickResult{}, errors.New("graph is empty")
	}
	return PickResult{
		SporeID:   n.ID,
		Position:  [2]float64(n.Position),
		Distance:  n.Position.Sub(point).Norm(),
		Neighbors: g.Neighbors(n.ID, req.Depth),
	}, nil
}

func (c *Client) resolveRunID(runID string, latest bool, action string) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID == "" && !latest {
		return "", fmt.Errorf("%s requires run id or latest", action)
	}
	if !latest {
		return runID, nil
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("no runs available to %s", action)
	}
	return entries[0].RunID, nil
}

func (c *Client) ensureStarted(ctx context.Context) error {
	if c.session.Started() {
		return nil
	}
	return c.session.Init(ctx)
}
