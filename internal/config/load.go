package config

import (
	"encoding/json"
	"fmt"
	"os"
)

var requiredPendulumKeys = []string{"g", "l", "m", "damping", "max_control", "dt"}

// Load reads a JSON config file. The pendulum section is mandatory and must carry
// every numeric key; tree settings fall back to Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte) (Config, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, err
	}

	cfg := Default()

	pendulum, ok := raw["pendulum"].(map[string]any)
	if !ok {
		return Config{}, fmt.Errorf("%w: pendulum", ErrMissingKey)
	}
	targets := map[string]*float64{
		"g":           &cfg.Pendulum.G,
		"l":           &cfg.Pendulum.L,
		"m":           &cfg.Pendulum.M,
		"damping":     &cfg.Pendulum.Damping,
		"max_control": &cfg.Pendulum.MaxControl,
		"dt":          &cfg.Pendulum.Dt,
	}
	for _, key := range requiredPendulumKeys {
		v, ok := asFloat64(pendulum[key])
		if !ok {
			return Config{}, fmt.Errorf("%w: pendulum.%s", ErrMissingKey, key)
		}
		*targets[key] = v
	}

	if spore, ok := raw["spore"].(map[string]any); ok {
		if v, ok := asPair(spore["goal_position"]); ok {
			cfg.Spore.GoalPosition = v
		}
		if v, ok := asPair(spore["cost_weights"]); ok {
			cfg.Spore.CostWeights = v
		}
	}

	if tree, ok := raw["tree"].(map[string]any); ok {
		if v, ok := asFloat64(tree["dt_grandchildren_factor"]); ok {
			cfg.Tree.DtGrandchildrenFactor = v
		}
		if v, ok := asFloat64(tree["distance_threshold"]); ok {
			cfg.Tree.DistanceThreshold = v
		}
		if pairing, ok := tree["pairing"].(map[string]any); ok {
			applyPairing(&cfg.Tree, pairing)
		}
		if opt, ok := tree["area_optimization"].(map[string]any); ok {
			applyOptimizer(&cfg.Tree.AreaOptimization, opt)
		}
	}

	if spawn, ok := raw["spawn_area"].(map[string]any); ok {
		if v, ok := asFloat64(spawn["eccentricity"]); ok {
			cfg.Spawn.Eccentricity = v
		}
		if v, ok := asFloat64(spawn["min_radius"]); ok {
			cfg.Spawn.MinRadius = v
		}
		if v, ok := asInt(spawn["attempts"]); ok {
			cfg.Spawn.Attempts = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyPairing(tree *TreeConfig, raw map[string]any) {
	p := &tree.Pairing
	if v, ok := asBool(raw["enabled"]); ok {
		p.Enabled = v
	}
	if v, ok := asInt(raw["max_pairs"]); ok {
		p.MaxPairs = v
	}
	if v, ok := asFloat64(raw["min_distance_threshold"]); ok {
		p.MinDistanceThreshold = v
	}
	if v, ok := asFloat64(raw["max_distance_threshold"]); ok {
		p.MaxDistanceThreshold = v
	}
	if v, ok := asFloat64(raw["time_precision"]); ok {
		p.TimePrecision = v
	}
	if v, ok := asFloat64(raw["position_precision"]); ok {
		p.PositionPrecision = v
	}
	// Older files keep the grandchild factor under pairing.
	if v, ok := asFloat64(raw["dt_grandchildren_factor"]); ok {
		tree.DtGrandchildrenFactor = v
	}
}

func applyOptimizer(o *OptimizerConfig, raw map[string]any) {
	if v, ok := asBool(raw["enabled"]); ok {
		o.Enabled = v
	}
	if v, ok := asString(raw["method"]); ok {
		o.Method = v
	}
	if v, ok := asFloat64(raw["constraint_distance"]); ok {
		o.ConstraintDistance = v
	}
	if v, ok := asPair(raw["dt_bounds"]); ok {
		o.DtMin, o.DtMax = v[0], v[1]
	}
	if v, ok := asInt(raw["max_iterations"]); ok {
		o.MaxIterations = v
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

func asPair(v any) ([2]float64, bool) {
	items, ok := v.([]any)
	if !ok || len(items) != 2 {
		return [2]float64{}, false
	}
	a, okA := asFloat64(items[0])
	b, okB := asFloat64(items[1])
	if !okA || !okB {
		return [2]float64{}, false
	}
	return [2]float64{a, b}, true
}
