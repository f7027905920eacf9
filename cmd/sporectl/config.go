package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"spores/internal/config"
	"spores/internal/storage"
	"spores/pkg/sporelab"
)

const (
	runsDir       = "runs"
	exportsDir    = "exports"
	defaultDBPath = "spores.db"
)

// commonFlags are shared by every subcommand that opens a client.
type commonFlags struct {
	fs *flag.FlagSet

	configPath *string
	storeKind  *string
	dbPath     *string
	runsDir    *string
	allocator  *string
	logLevel   *string

	dtFactor           *float64
	distanceThreshold  *float64
	maxPairs           *int
	pairingEnabled     *bool
	constraintDistance *float64
	maxIterations      *int
}

func registerCommonFlags(fs *flag.FlagSet) *commonFlags {
	defaults := config.Default()
	return &commonFlags{
		fs:                 fs,
		configPath:         fs.String("config", "", "parameter config JSON path (pendulum section required)"),
		storeKind:          fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:             fs.String("db-path", defaultDBPath, "sqlite database path"),
		runsDir:            fs.String("runs-dir", runsDir, "run artifacts directory"),
		allocator:          fs.String("ids", sporelab.AllocatorCounter, "spore id allocator: counter|uuid"),
		logLevel:           fs.String("log-level", "warn", "log level: debug|info|warn|error"),
		dtFactor:           fs.Float64("dt-factor", defaults.Tree.DtGrandchildrenFactor, "grandchild dt factor"),
		distanceThreshold:  fs.Float64("distance-threshold", defaults.Tree.DistanceThreshold, "graph dedupe distance"),
		maxPairs:           fs.Int("max-pairs", defaults.Tree.Pairing.MaxPairs, "maximum merged leaf pairs"),
		pairingEnabled:     fs.Bool("pairing", defaults.Tree.Pairing.Enabled, "enable leaf pairing"),
		constraintDistance: fs.Float64("constraint-distance", defaults.Tree.AreaOptimization.ConstraintDistance, "optimizer pair distance tolerance"),
		maxIterations:      fs.Int("max-iter", defaults.Tree.AreaOptimization.MaxIterations, "optimizer iteration cap"),
	}
}

func (c *commonFlags) setFlags() map[string]bool {
	set := make(map[string]bool)
	c.fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

// params loads the config file when given and then applies explicitly set
// flags on top.
func (c *commonFlags) params() (config.Config, error) {
	cfg := config.Default()
	if *c.configPath != "" {
		loaded, err := config.Load(*c.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if err := overrideFromFlags(&cfg, c.setFlags(), map[string]any{
		"dt-factor":           *c.dtFactor,
		"distance-threshold":  *c.distanceThreshold,
		"max-pairs":           *c.maxPairs,
		"pairing":             *c.pairingEnabled,
		"constraint-distance": *c.constraintDistance,
		"max-iter":            *c.maxIterations,
	}); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (c *commonFlags) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(*c.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", *c.logLevel)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

func (c *commonFlags) options() (sporelab.Options, error) {
	params, err := c.params()
	if err != nil {
		return sporelab.Options{}, err
	}
	logger, err := c.logger()
	if err != nil {
		return sporelab.Options{}, err
	}
	return sporelab.Options{
		StoreKind:  *c.storeKind,
		DBPath:     *c.dbPath,
		RunsDir:    *c.runsDir,
		ExportsDir: exportsDir,
		Allocator:  *c.allocator,
		Params:     &params,
		Logger:     logger,
	}, nil
}

func overrideFromFlags(cfg *config.Config, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "dt-factor":
			cfg.Tree.DtGrandchildrenFactor = v.(float64)
		case "distance-threshold":
			cfg.Tree.DistanceThreshold = v.(float64)
		case "max-pairs":
			cfg.Tree.Pairing.MaxPairs = v.(int)
		case "pairing":
			cfg.Tree.Pairing.Enabled = v.(bool)
		case "constraint-distance":
			cfg.Tree.AreaOptimization.ConstraintDistance = v.(float64)
		case "max-iter":
			cfg.Tree.AreaOptimization.MaxIterations = v.(int)
		default:
			return fmt.Errorf("unsupported override flag: %s", name)
		}
	}
	return nil
}

// parseState reads "θ,θ̇".
func parseState(s string) ([2]float64, error) {
	values, err := parseFloats(s)
	if err != nil {
		return [2]float64{}, err
	}
	if len(values) != 2 {
		return [2]float64{}, fmt.Errorf("state must have 2 components, got %d", len(values))
	}
	return [2]float64{values[0], values[1]}, nil
}

func parseFloats(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}
