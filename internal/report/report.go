// Package report renders run summaries: an interactive chart of edge rate
// against threshold, and static scatter plots of the flagged points.
package report

import (
	"fmt"
	"image/color"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/groundline-data/pointprep/internal/cloud"
	"github.com/groundline-data/pointprep/internal/edges"
	"github.com/groundline-data/pointprep/internal/fsutil"
	"github.com/groundline-data/pointprep/internal/pipeline"
)

// EdgeStats summarizes one cloud's mask ladder.
type EdgeStats struct {
	CloudID    string
	Points     int
	Thresholds []float64
	EdgeCounts []int
	EdgeRates  []float64

	// MeanRate is the mean edge fraction across the ladder, a one-number
	// sensitivity summary for comparing clouds.
	MeanRate float64
}

// Stats reduces a mask set to per-threshold edge counts and rates.
func Stats(cloudID string, set *edges.MaskSet) EdgeStats {
	n := 0
	if len(set.Masks) > 0 {
		n = len(set.Masks[0])
	}
	st := EdgeStats{
		CloudID:    cloudID,
		Points:     n,
		Thresholds: append([]float64(nil), set.Thresholds...),
	}
	for ti := range set.Masks {
		c := set.EdgeCount(ti)
		st.EdgeCounts = append(st.EdgeCounts, c)
		rate := 0.0
		if n > 0 {
			rate = float64(c) / float64(n)
		}
		st.EdgeRates = append(st.EdgeRates, rate)
	}
	if len(st.EdgeRates) > 0 {
		st.MeanRate = stat.Mean(st.EdgeRates, nil)
	}
	return st
}

// WriteEdgeReport renders an HTML line chart with one series per cloud,
// edge rate over the threshold ladder. All stats must share one ladder.
func WriteEdgeReport(w io.Writer, stats []EdgeStats) error {
	if len(stats) == 0 {
		return fmt.Errorf("report: no clouds to report")
	}
	ladder := stats[0].Thresholds
	for _, st := range stats[1:] {
		if len(st.Thresholds) != len(ladder) {
			return fmt.Errorf("report: cloud %s swept %d thresholds, others %d",
				st.CloudID, len(st.Thresholds), len(ladder))
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Edge Mask Report",
			Width:     "900px",
			Height:    "500px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Edge rate by threshold",
			Subtitle: fmt.Sprintf("%d clouds", len(stats)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "threshold"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "edge rate"}),
	)

	labels := make([]string, len(ladder))
	for i, t := range ladder {
		labels[i] = pipeline.FormatParam(t)
	}
	line.SetXAxis(labels)

	for _, st := range stats {
		data := make([]opts.LineData, len(st.EdgeRates))
		for i, r := range st.EdgeRates {
			data[i] = opts.LineData{Value: r}
		}
		line.AddSeries(st.CloudID, data)
	}
	return line.Render(w)
}

// WriteScatterPNG plots the cloud's XY footprint with masked points drawn
// over the rest, and writes the image through the given filesystem.
func WriteScatterPNG(fsys fsutil.FileSystem, path string, tbl *cloud.Table, mask []int64) error {
	if tbl.Len() != len(mask) {
		return fmt.Errorf("report: mask length %d does not match cloud of %d points", len(mask), tbl.Len())
	}

	p := plot.New()
	p.Title.Text = "Edge points"
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	surface := make(plotter.XYs, 0, tbl.Len())
	edge := make(plotter.XYs, 0)
	for i := 0; i < tbl.Len(); i++ {
		pos := tbl.Position(i)
		xy := plotter.XY{X: pos.X, Y: pos.Y}
		if mask[i] == 1 {
			edge = append(edge, xy)
		} else {
			surface = append(surface, xy)
		}
	}

	if len(surface) > 0 {
		s, err := plotter.NewScatter(surface)
		if err != nil {
			return err
		}
		s.GlyphStyle.Color = color.RGBA{R: 110, G: 110, B: 110, A: 255}
		s.GlyphStyle.Radius = vg.Points(1)
		p.Add(s)
		p.Legend.Add("surface", s)
	}
	if len(edge) > 0 {
		s, err := plotter.NewScatter(edge)
		if err != nil {
			return err
		}
		s.GlyphStyle.Color = color.RGBA{R: 220, G: 50, B: 30, A: 255}
		s.GlyphStyle.Radius = vg.Points(2)
		p.Add(s)
		p.Legend.Add("edges", s)
	}
	p.Legend.Top = true

	wt, err := p.WriterTo(10*vg.Inch, 10*vg.Inch, "png")
	if err != nil {
		return err
	}
	f, err := fsys.Create(path)
	if err != nil {
		return err
	}
	if _, err := wt.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
