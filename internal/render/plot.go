package render

import (
	"bufio"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// PlotRenderer draws onto a gonum plot of the phase plane. Height is folded in
// with an oblique projection so flat graphs render as a plain phase portrait.
type PlotRenderer struct {
	plot *plot.Plot

	// Elevation scales the height axis into the plane; Azimuth is its direction
	// in radians.
	Elevation float64
	Azimuth   float64

	points, arrows, lines int
}

func NewPlotRenderer(title string) *PlotRenderer {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "theta (rad)"
	p.Y.Label.Text = "theta_dot (rad/s)"
	p.Add(plotter.NewGrid())
	stylePlot(p)
	return &PlotRenderer{plot: p, Elevation: 0.5, Azimuth: math.Pi / 4}
}

func stylePlot(p *plot.Plot) {
	p.Title.TextStyle.Font.Size = vg.Points(16)
	p.Title.Padding = vg.Points(8)
	p.X.Label.TextStyle.Font.Size = vg.Points(12)
	p.Y.Label.TextStyle.Font.Size = vg.Points(12)
	p.X.Padding = vg.Points(10)
	p.Y.Padding = vg.Points(10)
	p.X.Tick.Label.Font.Size = vg.Points(10)
	p.Y.Tick.Label.Font.Size = vg.Points(10)
}

func (r *PlotRenderer) project(v Vec3) plotter.XY {
	return plotter.XY{
		X: v[0] + r.Elevation*v[2]*math.Cos(r.Azimuth),
		Y: v[1] + r.Elevation*v[2]*math.Sin(r.Azimuth),
	}
}

func (r *PlotRenderer) Point(p Vec3, style Style) {
	s, err := plotter.NewScatter(plotter.XYs{r.project(p)})
	if err != nil {
		return
	}
	s.GlyphStyle.Color = colorOf(style)
	s.GlyphStyle.Radius = vg.Points(widthOf(style))
	s.GlyphStyle.Shape = draw.CircleGlyph{}
	r.plot.Add(s)
	r.points++
}

// Arrow draws the shaft plus a two-stroke head sized relative to the shaft.
func (r *PlotRenderer) Arrow(from, to Vec3, style Style) {
	a, b := r.project(from), r.project(to)
	dx, dy := b.X-a.X, b.Y-a.Y
	length := math.Hypot(dx, dy)
	if length == 0 {
		return
	}
	r.add(plotter.XYs{a, b}, style)

	head := 0.15 * length
	angle := math.Atan2(dy, dx)
	for _, side := range []float64{-1, 1} {
		theta := angle + math.Pi - side*math.Pi/8
		tip := plotter.XY{X: b.X + head*math.Cos(theta), Y: b.Y + head*math.Sin(theta)}
		r.add(plotter.XYs{b, tip}, style)
	}
	r.arrows++
}

func (r *PlotRenderer) Line(points []Vec3, style Style) {
	if len(points) < 2 {
		return
	}
	xys := make(plotter.XYs, len(points))
	for i, p := range points {
		xys[i] = r.project(p)
	}
	r.add(xys, style)
	r.lines++
}

func (r *PlotRenderer) add(xys plotter.XYs, style Style) {
	line, err := plotter.NewLine(xys)
	if err != nil {
		return
	}
	line.LineStyle.Color = colorOf(style)
	line.LineStyle.Width = vg.Points(widthOf(style))
	r.plot.Add(line)
}

// Counts reports how many primitives were drawn.
func (r *PlotRenderer) Counts() (points, arrows, lines int) {
	return r.points, r.arrows, r.lines
}

// SavePNG writes the plot at widthIn x heightIn inches.
func (r *PlotRenderer) SavePNG(path string, widthIn, heightIn float64, dpi int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if dpi <= 0 {
		dpi = 150
	}
	c := vgimg.NewWith(
		vgimg.UseWH(vg.Length(widthIn)*vg.Inch, vg.Length(heightIn)*vg.Inch),
		vgimg.UseDPI(dpi),
	)
	r.plot.Draw(draw.New(c))

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create png: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if _, err := (vgimg.PngCanvas{Canvas: c}).WriteTo(bw); err != nil {
		return fmt.Errorf("write png: %w", err)
	}
	return bw.Flush()
}

func colorOf(s Style) color.Color {
	if s.Color == nil {
		return color.Black
	}
	return s.Color
}

func widthOf(s Style) float64 {
	if s.Width <= 0 {
		return 1
	}
	return s.Width
}
