package spawn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// PoissonDisk fills the unit disk with points at least minRadius apart using
// Bridson's algorithm. Each active point gets attempts candidates in the ring
// [minRadius, 2·minRadius] before it is retired.
func PoissonDisk(minRadius float64, attempts int, rng *rand.Rand) ([][2]float64, error) {
	if !(minRadius > 0 && minRadius <= 2) {
		return nil, fmt.Errorf("min radius must be in (0, 2], got %v", minRadius)
	}
	if attempts <= 0 {
		return nil, fmt.Errorf("attempts must be > 0, got %d", attempts)
	}
	if rng == nil {
		return nil, errors.New("poisson disk sampling requires a source")
	}

	cell := minRadius / math.Sqrt2
	size := int(math.Ceil(2 / cell))
	grid := make([]int, size*size)
	for i := range grid {
		grid[i] = -1
	}
	coords := func(p [2]float64) (int, int) {
		x := min(int((p[0]+1)/cell), size-1)
		y := min(int((p[1]+1)/cell), size-1)
		return max(x, 0), max(y, 0)
	}

	var points [][2]float64
	var active []int
	add := func(p [2]float64) {
		x, y := coords(p)
		grid[y*size+x] = len(points)
		active = append(active, len(points))
		points = append(points, p)
	}
	fits := func(p [2]float64) bool {
		if math.Hypot(p[0], p[1]) > 1 {
			return false
		}
		cx, cy := coords(p)
		for y := max(cy-2, 0); y <= min(cy+2, size-1); y++ {
			for x := max(cx-2, 0); x <= min(cx+2, size-1); x++ {
				idx := grid[y*size+x]
				if idx < 0 {
					continue
				}
				q := points[idx]
				if math.Hypot(p[0]-q[0], p[1]-q[1]) < minRadius {
					return false
				}
			}
		}
		return true
	}

	for {
		p := [2]float64{2*rng.Float64() - 1, 2*rng.Float64() - 1}
		if math.Hypot(p[0], p[1]) <= 1 {
			add(p)
			break
		}
	}

	for len(active) > 0 {
		slot := rng.Intn(len(active))
		base := points[active[slot]]
		placed := false
		for k := 0; k < attempts; k++ {
			r := minRadius * (1 + rng.Float64())
			theta := 2 * math.Pi * rng.Float64()
			cand := [2]float64{base[0] + r*math.Cos(theta), base[1] + r*math.Sin(theta)}
			if fits(cand) {
				add(cand)
				placed = true
				break
			}
		}
		if !placed {
			active[slot] = active[len(active)-1]
			active = active[:len(active)-1]
		}
	}
	return points, nil
}
