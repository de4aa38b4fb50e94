package styletransfer

import (
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Dimensions of the charts saved by PlotLosses.
var (
	PlotWidth  = 10 * vg.Inch
	PlotHeight = 4 * vg.Inch
)

// PlotLosses saves a chart with one line per loss history, by step, to path.
// The image format is taken from the extension of path (.png, .svg, .pdf, ...).
func PlotLosses(losses Losses, path string) error {
	keys := losses.Keys()
	if len(keys) == 0 {
		return errors.New("no losses to plot")
	}
	p := plot.New()
	p.Title.Text = ProgressDescription + " Losses"
	p.X.Label.Text = "Step"
	p.Y.Label.Text = "Loss"
	p.Add(plotter.NewGrid())

	for ii, key := range keys {
		values := losses[key]
		pts := make(plotter.XYs, len(values))
		for step, value := range values {
			pts[step] = plotter.XY{X: float64(step + 1), Y: value}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return errors.Wrapf(err, "failed to create line for %q loss", key)
		}
		line.Color = plotutil.Color(ii)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(key, line)
	}
	p.Legend.Top = true

	if err := p.Save(PlotWidth, PlotHeight, path); err != nil {
		return errors.Wrapf(err, "failed to save losses plot to %s", path)
	}
	return nil
}
