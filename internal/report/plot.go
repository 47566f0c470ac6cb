// Package report renders diagnostic artifacts for the networks: static PNG
// plots with gonum/plot and interactive HTML charts with go-echarts. All
// output goes through an fsutil.FileSystem.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/sensorfusion/internal/fsutil"
	"github.com/banshee-data/sensorfusion/internal/tensor"
)

const (
	plotWidth  = 14 * vg.Inch
	plotHeight = 6 * vg.Inch
)

// ReconstructionStats summarises one plotted reconstruction.
type ReconstructionStats struct {
	Points int     // samples compared
	MSE    float64 // mean squared error over the compared prefix
}

// PlotReconstruction draws channel 0 of batch row 0 of a 1-D input and its
// VAE reconstruction as two lines and writes a PNG to path. Both tensors are
// (B, C, L); the reconstruction may be shorter than the input when the
// input length is not a multiple of the downsampling factor, and only the
// shared prefix is compared.
func PlotReconstruction(fsys fsutil.FileSystem, path string, input, recon *tensor.Tensor) (ReconstructionStats, error) {
	if input.Rank() != 3 || recon.Rank() != 3 {
		return ReconstructionStats{}, fmt.Errorf("reconstruction plot needs (B, C, L) tensors, got %v and %v: %w",
			input.Shape(), recon.Shape(), mat.ErrShape)
	}
	in := input.Index(0).Index(0).Data()
	out := recon.Index(0).Index(0).Data()
	n := min(len(in), len(out))
	if n == 0 {
		return ReconstructionStats{}, fmt.Errorf("reconstruction plot: nothing to compare")
	}
	d := floats.Distance(in[:n], out[:n], 2)
	stats := ReconstructionStats{Points: n, MSE: d * d / float64(n)}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("VAE Reconstruction (mse=%.4g over %d samples)", stats.MSE, n)
	p.X.Label.Text = "Ray"
	p.Y.Label.Text = "Range"
	p.Add(plotter.NewGrid())

	for i, series := range []struct {
		label string
		data  []float64
	}{
		{"input", in},
		{"reconstruction", out},
	} {
		pts := make(plotter.XYs, len(series.data))
		for j, v := range series.data {
			pts[j] = plotter.XY{X: float64(j), Y: v}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return stats, err
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(series.label, line)
	}
	p.Legend.Top = true

	wt, err := p.WriterTo(plotWidth, plotHeight, "png")
	if err != nil {
		return stats, fmt.Errorf("reconstruction plot: %w", err)
	}
	if err := writeArtifact(fsys, path, func(w io.Writer) error {
		_, err := wt.WriteTo(w)
		return err
	}); err != nil {
		return stats, err
	}
	return stats, nil
}

// writeArtifact creates path (and its directory) and streams into it.
func writeArtifact(fsys fsutil.FileSystem, path string, write func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := fsys.MkdirAll(dir, os.ModePerm); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
