package visualization

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"deepiglu/pkg/activitymap"
)

// tileGrid exposes a rows x cols score grid as plotter.GridXYZ with row 0
// drawn at the top
type tileGrid struct {
	rows, cols int
	z          []float64
}

func (g tileGrid) Dims() (c, r int) { return g.cols, g.rows }

func (g tileGrid) Z(c, r int) float64 { return g.z[(g.rows-1-r)*g.cols+c] }

func (g tileGrid) X(c int) float64 { return float64(c) }

func (g tileGrid) Y(r int) float64 { return float64(r) }

// SaveActivityHeatmap plots the per-tile maximum over all frames of m.
// The image format follows the extension of path.
func SaveActivityHeatmap(m *activitymap.Map, title, path string) error {
	if m.Frames == 0 || m.Rows == 0 || m.Cols == 0 {
		return fmt.Errorf("activity map is empty")
	}
	grid := tileGrid{rows: m.Rows, cols: m.Cols, z: m.MaxProjection()}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s: peak activity per %dpx tile", title, m.KernelSize)
	p.X.Label.Text = "tile column"
	p.Y.Label.Text = "tile row (from bottom)"

	heat := plotter.NewHeatMap(grid, palette.Heat(16, 1))
	if heat.Max <= heat.Min {
		// a flat map would otherwise divide by zero when picking colours
		heat.Max = heat.Min + 1
	}
	p.Add(heat)

	width := vg.Length(m.Cols)*12*vg.Millimeter + 3*vg.Centimeter
	height := vg.Length(m.Rows)*12*vg.Millimeter + 3*vg.Centimeter
	if err := p.Save(width, height, path); err != nil {
		return fmt.Errorf("failed to save heatmap: %w", err)
	}
	return nil
}
