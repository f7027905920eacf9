package areaopt

import (
	"math"
	"sort"

	"spores/internal/dynamics"
)

// ShoelaceArea returns the absolute area of the polygon through points taken in
// counter-clockwise angle order around center. Fewer than three points span no
// area.
func ShoelaceArea(center dynamics.State, points []dynamics.State) float64 {
	if len(points) < 3 {
		return 0
	}
	ordered := append([]dynamics.State(nil), points...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return angleAround(center, ordered[i]) < angleAround(center, ordered[j])
	})
	var twice float64
	for i, p := range ordered {
		q := ordered[(i+1)%len(ordered)]
		twice += p[0]*q[1] - q[0]*p[1]
	}
	return math.Abs(twice) / 2
}

func angleAround(center, p dynamics.State) float64 {
	return math.Atan2(p[1]-center[1], p[0]-center[0])
}
