package render

import (
	"image/color"

	"spores/internal/dynamics"
	"spores/internal/graph"
)

// Vec3 is a drawing coordinate: (θ, θ̇) plus a height.
type Vec3 [3]float64

type Style struct {
	Color color.Color
	Width float64
}

// Renderer is the only surface the engine draws on.
type Renderer interface {
	Point(p Vec3, style Style)
	Arrow(from, to Vec3, style Style)
	Line(points []Vec3, style Style)
}

// HeightFunc lifts a state into the third drawing axis. Nil draws flat.
type HeightFunc func(dynamics.State) float64

var (
	SporeStyle    = Style{Color: color.RGBA{R: 40, G: 90, B: 200, A: 255}, Width: 3}
	RootStyle     = Style{Color: color.RGBA{R: 20, G: 20, B: 20, A: 255}, Width: 4}
	GoalStyle     = Style{Color: color.RGBA{R: 0, G: 160, B: 60, A: 255}, Width: 5}
	MergedStyle   = Style{Color: color.RGBA{R: 220, G: 120, B: 0, A: 255}, Width: 4}
	ForwardStyle  = Style{Color: color.RGBA{R: 200, G: 40, B: 40, A: 255}, Width: 1}
	BackwardStyle = Style{Color: color.RGBA{R: 40, G: 40, B: 200, A: 255}, Width: 1}
)

func lift(p [2]float64, height HeightFunc) Vec3 {
	v := Vec3{p[0], p[1], 0}
	if height != nil {
		v[2] = height(dynamics.State(p))
	}
	return v
}

// DrawGraph draws every link as an arrow from parent to child, then every spore
// on top. Spores with more than one incoming link are drawn as merged.
func DrawGraph(doc graph.Document, r Renderer, height HeightFunc) {
	positions := make(map[string]Vec3, len(doc.Spores))
	for _, s := range doc.Spores {
		positions[s.SporeID] = lift(s.Position, height)
	}
	for _, l := range doc.Links {
		from, okFrom := positions[l.ParentSporeID]
		to, okTo := positions[l.ChildSporeID]
		if !okFrom || !okTo {
			continue
		}
		style := ForwardStyle
		if l.Direction == graph.Backward {
			style = BackwardStyle
		}
		r.Arrow(from, to, style)
	}
	for _, s := range doc.Spores {
		style := SporeStyle
		switch {
		case s.IsGoal:
			style = GoalStyle
		case s.Exempt:
			style = RootStyle
		case len(s.InLinks) > 1:
			style = MergedStyle
		}
		r.Point(positions[s.SporeID], style)
	}
}

// DrawTrajectory draws a polyline through states.
func DrawTrajectory(states []dynamics.State, r Renderer, height HeightFunc, style Style) {
	if len(states) < 2 {
		return
	}
	points := make([]Vec3, len(states))
	for i, s := range states {
		points[i] = lift(s, height)
	}
	r.Line(points, style)
}
