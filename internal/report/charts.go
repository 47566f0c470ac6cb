package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sensorfusion/internal/fsutil"
	"github.com/banshee-data/sensorfusion/internal/tensor"
)

var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// AttentionHeatmap renders the causal attention weights of one batch row as
// one coloured scatter grid per head and writes an HTML page to path.
// weights is (B, H, T, T) with the query step on the third axis.
func AttentionHeatmap(fsys fsutil.FileSystem, path, title string, weights *tensor.Tensor, row int) error {
	if weights.Rank() != 4 || weights.Dim(2) != weights.Dim(3) {
		return fmt.Errorf("attention heatmap needs (B, H, T, T) weights, got %v: %w", weights.Shape(), mat.ErrShape)
	}
	if row < 0 || row >= weights.Dim(0) {
		return fmt.Errorf("attention heatmap: batch row %d out of range [0, %d)", row, weights.Dim(0))
	}
	heads, steps := weights.Dim(1), weights.Dim(2)
	pad := float64(steps) - 0.5

	page := components.NewPage()
	for h := 0; h < heads; h++ {
		w := weights.Index(row).Index(h)
		pts := make([]opts.ScatterData, 0, steps*(steps+1)/2)
		for i := 0; i < steps; i++ {
			for j := 0; j <= i; j++ {
				pts = append(pts, opts.ScatterData{Value: []interface{}{j, i, w.At(i, j)}})
			}
		}

		scatter := charts.NewScatter()
		scatter.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "600px", Height: "600px"}),
			charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("Head %d", h), Subtitle: fmt.Sprintf("row=%d steps=%d", row, steps)}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
			charts.WithXAxisOpts(opts.XAxis{Min: -0.5, Max: pad, Name: "Key step", NameLocation: "middle", NameGap: 25}),
			charts.WithYAxisOpts(opts.YAxis{Min: -0.5, Max: pad, Name: "Query step", NameLocation: "middle", NameGap: 30}),
			charts.WithVisualMapOpts(opts.VisualMap{
				Show:       opts.Bool(true),
				Calculable: opts.Bool(true),
				Min:        0,
				Max:        1,
				Dimension:  "2",
				InRange:    &opts.VisualMapInRange{Color: viridis},
			}),
		)
		scatter.AddSeries(fmt.Sprintf("head-%d", h), pts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}))
		page.AddCharts(scatter)
	}

	return writeArtifact(fsys, path, func(w io.Writer) error { return page.Render(w) })
}

// WindowFillChart renders how many context slots held real tokens after
// each rollout step as a bar chart.
func WindowFillChart(fsys fsutil.FileSystem, path string, fills []int, capacity int) error {
	if len(fills) == 0 {
		return fmt.Errorf("window fill chart: no steps")
	}
	x := make([]string, len(fills))
	y := make([]opts.BarData, len(fills))
	for i, f := range fills {
		x[i] = fmt.Sprintf("t%d", i+1)
		y[i] = opts.BarData{Value: f}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Context Window Fill", Subtitle: fmt.Sprintf("capacity=%d", capacity)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: capacity, Name: "Tokens"}),
	)
	bar.SetXAxis(x).
		AddSeries("filled", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.AddCharts(bar)
	return writeArtifact(fsys, path, func(w io.Writer) error { return page.Render(w) })
}
