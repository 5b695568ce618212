package backtest

import (
	"errors"
	"fmt"
	"os"

	"github.com/pplcc/plotext"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"autotrade/internal/market"
)

// ResultPlot stacks subplots sharing one time axis: closing price on
// top, the equity curve below.
type ResultPlot struct {
	plots   []*plot.Plot
	heights []float64
	w       int
	h       int
}

func NewResultPlot(w, h int) *ResultPlot {
	return &ResultPlot{w: w, h: h}
}

func (d *ResultPlot) AddPrices(bars []market.Bar) error {
	p := plot.New()
	p.Title.Text = "Close price"
	p.Y.Label.Text = "Price"
	p.X.Tick.Marker = plot.TimeTicks{Format: "2006-01-02\n15:04:05"}

	pts := make(plotter.XYs, len(bars))
	for x, b := range bars {
		c, _ := b.Close.Float64()
		pts[x] = plotter.XY{X: float64(b.Start.Unix()), Y: c}
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("failed to create price graph: %w", err)
	}

	p.Add(line)
	d.add(p, 2)
	return nil
}

func (d *ResultPlot) AddEquity(equity []EquityPoint) error {
	p := plot.New()
	p.Title.Text = "Equity"
	p.Y.Label.Text = "Base currency"
	p.X.Tick.Marker = plot.TimeTicks{Format: "2006-01-02\n15:04:05"}

	pts := make(plotter.XYs, len(equity))
	for x, e := range equity {
		v, _ := e.Equity.Float64()
		pts[x] = plotter.XY{X: float64(e.Time.Unix()), Y: v}
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("failed to create equity graph: %w", err)
	}

	p.Add(line)
	d.add(p, 1)
	return nil
}

func (d *ResultPlot) add(p *plot.Plot, height float64) {
	d.plots = append(d.plots, p)
	d.heights = append(d.heights, height)
}

func (d *ResultPlot) Save(path string) (err error) {
	var axis []*plot.Axis
	for _, p := range d.plots {
		axis = append(axis, &p.X)
	}
	plotext.UniteAxisRanges(axis)

	tbl := plotext.Table{
		RowHeights: d.heights,
		ColWidths:  []float64{1},
	}

	var plots2d [][]*plot.Plot
	for _, p := range d.plots {
		plots2d = append(plots2d, []*plot.Plot{p})
	}

	h := 0.0
	for _, v := range d.heights {
		h += v * float64(d.h)
	}

	img := vgimg.New(vg.Points(float64(d.w)), vg.Points(h))
	dc := draw.New(img)

	canvases := tbl.Align(plots2d, dc)
	for i, p := range d.plots {
		p.Draw(canvases[i][0])
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create plot file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close plot file: %w", cerr))
		}
	}()

	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(f); err != nil {
		return fmt.Errorf("failed to write plot to file: %w", err)
	}

	return nil
}
