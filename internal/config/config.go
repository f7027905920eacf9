package config

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrMissingKey = errors.New("missing required config key")
	ErrInvalid    = errors.New("invalid config")
)

// DynamicsConfig describes the pendulum and its control authority.
type DynamicsConfig struct {
	G          float64 `json:"g"`
	L          float64 `json:"l"`
	M          float64 `json:"m"`
	Damping    float64 `json:"damping"`
	MaxControl float64 `json:"max_control"`
	Dt         float64 `json:"dt"`
}

// SporeConfig holds the goal shared by every spore of a run.
type SporeConfig struct {
	GoalPosition [2]float64 `json:"goal_position"`
	CostWeights  [2]float64 `json:"cost_weights"`
}

type PairingConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxPairs             int     `json:"max_pairs"`
	MinDistanceThreshold float64 `json:"min_distance_threshold"`
	MaxDistanceThreshold float64 `json:"max_distance_threshold"`
	TimePrecision        float64 `json:"time_precision"`
	PositionPrecision    float64 `json:"position_precision"`
}

type OptimizerConfig struct {
	Enabled            bool    `json:"enabled"`
	Method             string  `json:"method"`
	ConstraintDistance float64 `json:"constraint_distance"`
	DtMin              float64 `json:"dt_min"`
	DtMax              float64 `json:"dt_max"`
	MaxIterations      int     `json:"max_iterations"`
}

type TreeConfig struct {
	DtGrandchildrenFactor float64         `json:"dt_grandchildren_factor"`
	DistanceThreshold     float64         `json:"distance_threshold"`
	Pairing               PairingConfig   `json:"pairing"`
	AreaOptimization      OptimizerConfig `json:"area_optimization"`
}

// SpawnConfig shapes the elliptical area between root and goal that seed roots
// are drawn from. MinRadius is measured in the unit disk before stretching.
type SpawnConfig struct {
	Eccentricity float64 `json:"eccentricity"`
	MinRadius    float64 `json:"min_radius"`
	Attempts     int     `json:"attempts"`
}

type Config struct {
	Pendulum DynamicsConfig `json:"pendulum"`
	Spore    SporeConfig    `json:"spore"`
	Tree     TreeConfig     `json:"tree"`
	Spawn    SpawnConfig    `json:"spawn_area"`
}

const MethodAugmentedLagrangian = "augmented_lagrangian"

// Default returns the canonical parameter set. Pendulum values are only used for
// programmatic construction; Parse requires them to be present in the file.
func Default() Config {
	return Config{
		Pendulum: DynamicsConfig{
			G:          9.81,
			L:          2.0,
			M:          1.0,
			Damping:    0.1,
			MaxControl: 1.0,
			Dt:         0.1,
		},
		Spore: SporeConfig{
			GoalPosition: [2]float64{math.Pi, 0},
			CostWeights:  [2]float64{1, 1},
		},
		Tree: TreeConfig{
			DtGrandchildrenFactor: 0.2,
			DistanceThreshold:     1.5e-3,
			Pairing: PairingConfig{
				Enabled:              true,
				MaxPairs:             4,
				MinDistanceThreshold: 0,
				MaxDistanceThreshold: 0.1,
				TimePrecision:        1e-6,
				PositionPrecision:    1e-5,
			},
			AreaOptimization: OptimizerConfig{
				Enabled:            true,
				Method:             MethodAugmentedLagrangian,
				ConstraintDistance: 1e-3,
				DtMin:              0.001,
				DtMax:              0.2,
				MaxIterations:      1500,
			},
		},
		Spawn: SpawnConfig{
			Eccentricity: 0.8,
			MinRadius:    0.4,
			Attempts:     30,
		},
	}
}

func (c Config) Validate() error {
	if err := c.Pendulum.Validate(); err != nil {
		return err
	}
	if err := c.Spore.Validate(); err != nil {
		return err
	}
	if err := c.Tree.Validate(); err != nil {
		return err
	}
	return c.Spawn.Validate()
}

func (c SpawnConfig) Validate() error {
	switch {
	case !(c.Eccentricity > 0 && c.Eccentricity < 1):
		return invalid("spawn_area.eccentricity must be in (0, 1), got %v", c.Eccentricity)
	case !(c.MinRadius > 0 && c.MinRadius <= 2):
		return invalid("spawn_area.min_radius must be in (0, 2], got %v", c.MinRadius)
	case c.Attempts <= 0:
		return invalid("spawn_area.attempts must be > 0, got %d", c.Attempts)
	}
	return nil
}

func (c DynamicsConfig) Validate() error {
	switch {
	case !positive(c.G):
		return invalid("pendulum.g must be > 0, got %v", c.G)
	case !positive(c.L):
		return invalid("pendulum.l must be > 0, got %v", c.L)
	case !positive(c.M):
		return invalid("pendulum.m must be > 0, got %v", c.M)
	case !finiteNonNegative(c.Damping):
		return invalid("pendulum.damping must be >= 0, got %v", c.Damping)
	case !finiteNonNegative(c.MaxControl):
		return invalid("pendulum.max_control must be >= 0, got %v", c.MaxControl)
	case !positive(c.Dt):
		return invalid("pendulum.dt must be > 0, got %v", c.Dt)
	}
	return nil
}

func (c SporeConfig) Validate() error {
	for i, v := range c.GoalPosition {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid("spore.goal_position[%d] must be finite, got %v", i, v)
		}
	}
	for i, w := range c.CostWeights {
		if !finiteNonNegative(w) {
			return invalid("spore.cost_weights[%d] must be >= 0, got %v", i, w)
		}
	}
	return nil
}

func (c TreeConfig) Validate() error {
	if !positive(c.DtGrandchildrenFactor) {
		return invalid("tree.dt_grandchildren_factor must be > 0, got %v", c.DtGrandchildrenFactor)
	}
	if !positive(c.DistanceThreshold) {
		return invalid("tree.distance_threshold must be > 0, got %v", c.DistanceThreshold)
	}
	if err := c.Pairing.Validate(); err != nil {
		return err
	}
	return c.AreaOptimization.Validate()
}

func (c PairingConfig) Validate() error {
	switch {
	case c.MaxPairs < 0:
		return invalid("tree.pairing.max_pairs must be >= 0, got %d", c.MaxPairs)
	case !finiteNonNegative(c.MinDistanceThreshold):
		return invalid("tree.pairing.min_distance_threshold must be >= 0, got %v", c.MinDistanceThreshold)
	case !positive(c.MaxDistanceThreshold):
		return invalid("tree.pairing.max_distance_threshold must be > 0, got %v", c.MaxDistanceThreshold)
	case c.MinDistanceThreshold >= c.MaxDistanceThreshold:
		return invalid("tree.pairing thresholds require min < max, got [%v, %v]", c.MinDistanceThreshold, c.MaxDistanceThreshold)
	case !positive(c.TimePrecision):
		return invalid("tree.pairing.time_precision must be > 0, got %v", c.TimePrecision)
	case !positive(c.PositionPrecision):
		return invalid("tree.pairing.position_precision must be > 0, got %v", c.PositionPrecision)
	}
	return nil
}

func (c OptimizerConfig) Validate() error {
	switch {
	case c.Method != "" && c.Method != MethodAugmentedLagrangian:
		return invalid("tree.area_optimization.method %q is not supported", c.Method)
	case !positive(c.ConstraintDistance):
		return invalid("tree.area_optimization.constraint_distance must be > 0, got %v", c.ConstraintDistance)
	case !positive(c.DtMin):
		return invalid("tree.area_optimization.dt_bounds lower bound must be > 0, got %v", c.DtMin)
	case !(c.DtMax > c.DtMin) || math.IsInf(c.DtMax, 0):
		return invalid("tree.area_optimization.dt_bounds require min < max, got [%v, %v]", c.DtMin, c.DtMax)
	case c.MaxIterations <= 0:
		return invalid("tree.area_optimization.max_iterations must be > 0, got %d", c.MaxIterations)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

func finiteNonNegative(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0)
}
