package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/guptarohit/asciigraph"
	"github.com/prometheus/client_golang/prometheus"

	"spores/internal/dynamics"
	"spores/internal/feed"
	"spores/internal/session"
	"spores/internal/storage"
	"spores/pkg/sporelab"
)

var stdout io.Writer = os.Stdout

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "build":
		return runBuild(ctx, args[1:])
	case "pair":
		return runPair(ctx, args[1:])
	case "optimize":
		return runOptimize(ctx, args[1:])
	case "preview":
		return runPreview(ctx, args[1:])
	case "seed":
		return runSeed(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "render":
		return runRender(ctx, args[1:])
	case "serve":
		return runServe(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := storage.NewStore(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()
	if err := store.Init(ctx); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "initialized store=%s\n", *storeKind)
	return nil
}

// treeFlags are the inputs of one run.
type treeFlags struct {
	runID    *string
	root     *string
	dtBase   *float64
	dtVector *string
}

func registerTreeFlags(fs *flag.FlagSet) *treeFlags {
	return &treeFlags{
		runID:    fs.String("run-id", "", "explicit run id (optional)"),
		root:     fs.String("root", "0,0", "root state as theta,theta_dot"),
		dtBase:   fs.Float64("dt-base", 0, "child dt; 0 uses the pendulum dt"),
		dtVector: fs.String("dt-vector", "", "explicit 12-component dt magnitudes, comma separated"),
	}
}

func (t *treeFlags) request(optimize bool) (sporelab.RunRequest, error) {
	root, err := parseState(*t.root)
	if err != nil {
		return sporelab.RunRequest{}, fmt.Errorf("root: %w", err)
	}
	vec, err := parseFloats(*t.dtVector)
	if err != nil {
		return sporelab.RunRequest{}, fmt.Errorf("dt-vector: %w", err)
	}
	return sporelab.RunRequest{
		RunID:    *t.runID,
		Root:     root,
		DtBase:   *t.dtBase,
		DtVector: vec,
		Optimize: optimize,
	}, nil
}

func executeRun(ctx context.Context, name string, args []string, optimize bool) (sporelab.RunSummary, bool, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	common := registerCommonFlags(fs)
	tree := registerTreeFlags(fs)
	jsonOut := fs.Bool("json", false, "emit the run summary as JSON")
	if err := fs.Parse(args); err != nil {
		return sporelab.RunSummary{}, false, err
	}
	req, err := tree.request(optimize)
	if err != nil {
		return sporelab.RunSummary{}, false, err
	}
	opts, err := common.options()
	if err != nil {
		return sporelab.RunSummary{}, false, err
	}
	client, err := sporelab.New(opts)
	if err != nil {
		return sporelab.RunSummary{}, false, err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Run(ctx, req)
	if err != nil {
		return sporelab.RunSummary{}, false, err
	}
	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return summary, true, enc.Encode(summary)
	}
	return summary, false, nil
}

func printRunHeader(s sporelab.RunSummary) {
	fmt.Fprintf(stdout, "run completed run_id=%s spores=%s links=%s pairs=%d invalid_branches=%d area=%.6g elapsed=%s\n",
		s.RunID,
		humanize.Comma(int64(s.TotalSpores)),
		humanize.Comma(int64(s.TotalLinks)),
		len(s.Pairs),
		s.InvalidBranches,
		s.Area,
		s.Elapsed.Round(time.Microsecond),
	)
}

func runBuild(ctx context.Context, args []string) error {
	summary, done, err := executeRun(ctx, "build", args, false)
	if err != nil || done {
		return err
	}
	printRunHeader(summary)
	fmt.Fprintf(stdout, "dt_vector=%s\n", formatFloats(summary.DtVector))
	fmt.Fprintf(stdout, "artifacts_dir=%s\n", summary.ArtifactsDir)
	return nil
}

func runPair(ctx context.Context, args []string) error {
	summary, done, err := executeRun(ctx, "pair", args, false)
	if err != nil || done {
		return err
	}
	printRunHeader(summary)
	if len(summary.Pairs) == 0 {
		fmt.Fprintln(stdout, "no pairs found")
	}
	for i, p := range summary.Pairs {
		fmt.Fprintf(stdout, "pair=%d %s(%s) <-> %s(%s) dt_a=%.6g dt_b=%.6g distance=%.3g\n",
			i+1, p.A, p.SlotA, p.B, p.SlotB, p.DtA, p.DtB, p.Distance)
	}
	fmt.Fprintf(stdout, "artifacts_dir=%s\n", summary.ArtifactsDir)
	return nil
}

func runOptimize(ctx context.Context, args []string) error {
	summary, done, err := executeRun(ctx, "optimize", args, true)
	if err != nil || done {
		return err
	}
	printRunHeader(summary)
	opt := summary.Optimization
	if opt == nil {
		fmt.Fprintln(stdout, "optimization disabled by config")
		return nil
	}
	fmt.Fprintf(stdout, "optimization status=%s iterations=%d area=%.6g original_area=%.6g improvement=%.2f%% max_violation=%.3g fell_back=%t\n",
		opt.Status, opt.Iterations, opt.Area, opt.OriginalArea, opt.ImprovementPercent, opt.MaxViolation, opt.FellBack)
	if len(opt.AreaTrace) > 1 {
		fmt.Fprintln(stdout, asciigraph.Plot(opt.AreaTrace, asciigraph.Height(8), asciigraph.Width(60), asciigraph.Caption("area per iteration")))
	}
	fmt.Fprintf(stdout, "dt_vector=%s\n", formatFloats(summary.DtVector))
	fmt.Fprintf(stdout, "artifacts_dir=%s\n", summary.ArtifactsDir)
	return nil
}

func runPreview(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("preview", flag.ContinueOnError)
	common := registerCommonFlags(fs)
	root := fs.String("root", "0,0", "state to preview from as theta,theta_dot")
	samples := fs.Int("samples", 5, "number of sampled controls")
	method := fs.String("method", "mesh", "control sampling: mesh|random")
	seed := fs.Int64("seed", 1, "rng seed for random sampling")
	dt := fs.Float64("dt", 0, "signed step; 0 uses the pendulum dt")
	if err := fs.Parse(args); err != nil {
		return err
	}
	state, err := parseState(*root)
	if err != nil {
		return fmt.Errorf("root: %w", err)
	}
	opts, err := common.options()
	if err != nil {
		return err
	}
	client, err := sporelab.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	items, err := client.Preview(ctx, sporelab.PreviewRequest{Root: state, Samples: *samples, Method: *method, Seed: *seed, Dt: *dt})
	if err != nil {
		return err
	}
	for _, item := range items {
		fmt.Fprintf(stdout, "control=%+.4f theta=%.6f theta_dot=%.6f cost=%.6g\n",
			item.Control, item.Position[0], item.Position[1], item.Cost)
	}
	return nil
}

func runSeed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	common := registerCommonFlags(fs)
	root := fs.String("root", "0,0", "first focus of the spawn area as theta,theta_dot")
	eccentricity := fs.Float64("eccentricity", 0, "spawn area eccentricity in (0, 1); 0 uses config")
	minRadius := fs.Float64("min-radius", 0, "poisson disk radius in the unit disk; 0 uses config")
	seed := fs.Int64("seed", 1, "rng seed")
	build := fs.Bool("build", false, "grow one tree per seed into a shared graph")
	optimize := fs.Bool("optimize", false, "optimize each built tree")
	prefix := fs.String("run-prefix", "seed", "run id prefix for built trees")
	if err := fs.Parse(args); err != nil {
		return err
	}
	state, err := parseState(*root)
	if err != nil {
		return fmt.Errorf("root: %w", err)
	}
	opts, err := common.options()
	if err != nil {
		return err
	}
	client, err := sporelab.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	res, err := client.Seed(ctx, sporelab.SeedRequest{
		Root:         state,
		Eccentricity: *eccentricity,
		MinRadius:    *minRadius,
		Seed:         *seed,
		Build:        *build,
		RunPrefix:    *prefix,
		Optimize:     *optimize,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "spawn area center=%s semi_major=%.6g semi_minor=%.6g eccentricity=%.4g seeds=%d\n",
		formatFloats(res.Center[:]), res.SemiMajor, res.SemiMinor, res.Eccentricity, len(res.Seeds))
	for _, s := range res.Seeds {
		line := fmt.Sprintf("seed theta=%.6f theta_dot=%.6f cost=%.6g", s.Position[0], s.Position[1], s.Cost)
		if s.RunID != "" {
			line += " run_id=" + s.RunID
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	dir := fs.String("runs-dir", runsDir, "run artifacts directory")
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := sporelab.New(sporelab.Options{StoreKind: "memory", RunsDir: *dir})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	items, err := client.Runs(ctx, sporelab.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}
	if len(items) == 0 {
		fmt.Fprintln(stdout, "no runs found")
		return nil
	}
	for _, item := range items {
		created := item.CreatedAtUTC
		if ts, err := time.Parse(time.RFC3339Nano, item.CreatedAtUTC); err == nil {
			created = humanize.Time(ts)
		}
		fmt.Fprintf(stdout, "run_id=%s created=%q root=%s spores=%d links=%d pairs=%d optimized=%t area=%.6g\n",
			item.RunID, created, formatFloats(item.Root[:]), item.TotalSpores, item.TotalLinks, item.Pairs, item.Optimized, item.Area)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	dir := fs.String("runs-dir", runsDir, "run artifacts directory")
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := sporelab.New(sporelab.Options{StoreKind: "memory", RunsDir: *dir})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	summary, err := client.Export(ctx, sporelab.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported run_id=%s to=%s\n", summary.RunID, filepath.Clean(summary.Directory))
	return nil
}

func runRender(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("render", flag.ContinueOnError)
	common := registerCommonFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "render the most recent run")
	out := fs.String("out", "", "png path; defaults to graph.png in the run directory")
	costHeight := fs.Bool("cost-height", false, "lift spores by their cost to the goal")
	dpi := fs.Int("dpi", 150, "png resolution")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts, err := common.options()
	if err != nil {
		return err
	}
	opts.StoreKind = "memory"
	client, err := sporelab.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Render(ctx, sporelab.RenderRequest{RunID: *runID, Latest: *latest, Out: *out, CostHeight: *costHeight, DPI: *dpi})
	if err != nil {
		return err
	}
	size := ""
	if info, err := os.Stat(summary.Path); err == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}
	fmt.Fprintf(stdout, "rendered run_id=%s points=%d arrows=%d to=%s size=%s\n",
		summary.RunID, summary.Points, summary.Arrows, summary.Path, size)
	return nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	common := registerCommonFlags(fs)
	addr := fs.String("addr", "127.0.0.1:8080", "listen address for /ws, /snapshot and /metrics")
	root := fs.String("root", "", "optional root state for an initial run")
	optimize := fs.Bool("optimize", false, "optimize the initial run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts, err := common.options()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	var client *sporelab.Client
	hub := feed.NewHub(feed.Config{
		Addr:     *addr,
		Logger:   opts.Logger,
		Registry: registry,
		Run: func(ctx context.Context, state dynamics.State, optimize, accumulate bool) error {
			_, err := client.Run(ctx, sporelab.RunRequest{Root: [2]float64(state), Optimize: optimize, Accumulate: accumulate})
			return err
		},
	})
	opts.Registry = registry
	opts.Publisher = hub
	opts.SupportModules = []session.SupportModule{hub}

	client, err = sporelab.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "serving addr=%s\n", hub.Addr())

	if strings.TrimSpace(*root) != "" {
		state, err := parseState(*root)
		if err != nil {
			return fmt.Errorf("root: %w", err)
		}
		summary, err := client.Run(ctx, sporelab.RunRequest{Root: state, Optimize: *optimize})
		if err != nil {
			return err
		}
		printRunHeader(summary)
	}

	<-ctx.Done()
	fmt.Fprintln(stdout, "shutting down")
	return nil
}

func formatFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%.6g", v)
	}
	return strings.Join(parts, ",")
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: sporectl <init|build|pair|optimize|preview|seed|runs|export|render|serve> [flags]", msg)
}
