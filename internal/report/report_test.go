package report

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sensorfusion/internal/fsutil"
	"github.com/banshee-data/sensorfusion/internal/tensor"
)

func sine(n int, phase float64) *tensor.Tensor {
	x := tensor.Zeros(1, 1, n)
	for i := range x.Data() {
		x.Data()[i] = math.Sin(float64(i)/4 + phase)
	}
	return x
}

func TestPlotReconstruction_WritesPNG(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()

	stats, err := PlotReconstruction(fsys, "out/vae/recon.png", sine(26, 0), sine(24, 0))
	require.NoError(t, err)
	assert.Equal(t, 24, stats.Points)
	assert.InDelta(t, 0, stats.MSE, 1e-15)

	data, err := fsys.ReadFile("out/vae/recon.png")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")), "expected PNG signature")
}

func TestPlotReconstruction_MSE(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	in := tensor.New([]int{1, 1, 4}, []float64{0, 0, 0, 0})
	out := tensor.New([]int{1, 1, 4}, []float64{1, -1, 1, -1})

	stats, err := PlotReconstruction(fsys, "recon.png", in, out)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, stats.MSE, 1e-12)
	assert.True(t, fsys.Exists("recon.png"))
}

func TestPlotReconstruction_RejectsShapes(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	_, err := PlotReconstruction(fsys, "x.png", tensor.Zeros(1, 4), sine(4, 0))
	assert.True(t, errors.Is(err, mat.ErrShape))
	assert.Empty(t, fsys.Files("."))
}

func causalWeights(heads, steps int) *tensor.Tensor {
	w := tensor.Zeros(2, heads, steps, steps)
	for b := 0; b < 2; b++ {
		for h := 0; h < heads; h++ {
			for i := 0; i < steps; i++ {
				for j := 0; j <= i; j++ {
					w.Set(1/float64(i+1), b, h, i, j)
				}
			}
		}
	}
	return w
}

func TestAttentionHeatmap_WritesOneChartPerHead(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()

	require.NoError(t, AttentionHeatmap(fsys, "out/attn.html", "actor attention", causalWeights(3, 4), 1))

	data, err := fsys.ReadFile("out/attn.html")
	require.NoError(t, err)
	html := string(data)
	assert.Contains(t, html, "<html")
	for _, head := range []string{"Head 0", "Head 1", "Head 2"} {
		assert.Contains(t, html, head)
	}
	assert.NotContains(t, html, "Head 3")
	assert.Equal(t, 3, strings.Count(html, `"head-`), "one series per head")
}

func TestAttentionHeatmap_Errors(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	err := AttentionHeatmap(fsys, "a.html", "", tensor.Zeros(1, 2, 3, 4), 0)
	assert.True(t, errors.Is(err, mat.ErrShape))
	assert.Error(t, AttentionHeatmap(fsys, "a.html", "", causalWeights(1, 2), 2))
	assert.Empty(t, fsys.Files("."))
}

func TestWindowFillChart(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()

	require.NoError(t, WindowFillChart(fsys, "fill.html", []int{1, 2, 3, 4, 4, 4}, 4))
	data, err := fsys.ReadFile("fill.html")
	require.NoError(t, err)
	assert.Contains(t, string(data), "Context Window Fill")
	assert.Contains(t, string(data), "capacity=4")

	assert.Error(t, WindowFillChart(fsys, "empty.html", nil, 4))
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"actor window fill", "actor_window_fill"},
		{"critic/value", "critic_value"},
		{"../../etc/passwd", "etc_passwd"},
		{"run-1.v2", "run-1.v2"},
		{"", "unnamed"},
		{"***", "unnamed"},
		{strings.Repeat("a", 200), strings.Repeat("a", maxNameLen)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeName(tt.in), tt.in)
	}
}

func TestArtifactPath(t *testing.T) {
	p, err := ArtifactPath("out/run", "actor attention step 6", ".html")
	require.NoError(t, err)
	assert.Equal(t, "out/run/actor_attention_step_6.html", p)

	p, err = ArtifactPath("out", "../escape", ".png")
	require.NoError(t, err)
	assert.Equal(t, "out/escape.png", p)
}
