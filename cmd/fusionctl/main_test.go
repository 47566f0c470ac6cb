package main

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smallSettings = `
hidden_units: 8
normalize: true
lidar_base_channels: 4
lidar_levels: 2
num_heads: 2
seed: 5
memory:
  sequence_length: 4
  memory_size: 8
vae:
  base_channels: 4
  blocks_per_level: 1
`

func writeSettings(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "network.yaml")
	require.NoError(t, os.WriteFile(path, []byte(smallSettings), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestInspect(t *testing.T) {
	out, err := run(t, "inspect", "--settings", writeSettings(t), "--rays", "8", "--state", "3,1")
	require.NoError(t, err)
	assert.Contains(t, out, "context_length=4 embedding=8 memory_size=32")
	assert.Contains(t, out, "version_number, memory_size, continuous_actions")
	assert.Contains(t, out, "recurrent_out")
	assert.Contains(t, out, "LidarSensor")
}

func TestRollout_WritesCharts(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "rollout", "--settings", writeSettings(t), "--rays", "8", "--steps", "6", "--out", dir)
	require.NoError(t, err)

	assert.Contains(t, out, "step   1 window=PARTIAL filled=1/4")
	assert.Contains(t, out, "step   4 window=FULL    filled=4/4")
	assert.Contains(t, out, "step   6 window=FULL    filled=4/4")
	assert.Contains(t, out, `sensorfusion_timesteps_total{network=actor} 6`)
	assert.FileExists(t, filepath.Join(dir, "actor_window_fill.html"))
	assert.FileExists(t, filepath.Join(dir, "actor_attention_step_6.html"))
}

func TestRollout_RejectsBadSteps(t *testing.T) {
	_, err := run(t, "rollout", "--settings", writeSettings(t), "--steps", "0")
	assert.Error(t, err)
}

func TestVAE_PlotsReconstruction(t *testing.T) {
	png := filepath.Join(t.TempDir(), "plots", "recon.png")
	out, err := run(t, "vae", "--settings", writeSettings(t), "--length", "32", "--out", png)
	require.NoError(t, err)
	assert.Contains(t, out, "predicted latent_dim=24 for length 32")
	assert.Contains(t, out, "latent_dim=24")
	assert.Contains(t, out, `"model_class":"ResnetVAE"`)
	assert.FileExists(t, png)
}

func TestCheckpoint_SaveListLoad(t *testing.T) {
	settings := writeSettings(t)
	db := filepath.Join(t.TempDir(), "cp.db")

	out, err := run(t, "checkpoint", "save", "--settings", settings, "--db", db, "--rays", "8", "--name", "first", "--streams", "extrinsic,gail")
	require.NoError(t, err)
	ids := regexp.MustCompile(`saved (actor|critic) ([0-9a-f-]{36})`).FindAllStringSubmatch(out, -1)
	require.Len(t, ids, 2, out)

	out, err = run(t, "checkpoint", "list", "--db", db, "--network", "critic")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(strings.TrimSpace(out), "\n")+1)
	assert.Contains(t, out, ids[1][2])

	out, err = run(t, "checkpoint", "load", "--db", db, ids[0][2])
	require.NoError(t, err)
	assert.Contains(t, out, "recurrent_out")
	assert.Contains(t, out, "restored actor "+ids[0][2])

	out, err = run(t, "checkpoint", "load", "--db", db, ids[1][2])
	require.NoError(t, err)
	assert.Contains(t, out, "value[extrinsic]")
	assert.Contains(t, out, "value[gail]")

	_, err = run(t, "checkpoint", "load", "--db", db, "no-such-id")
	assert.Error(t, err)
}

func TestCheckpoint_ListEmpty(t *testing.T) {
	out, err := run(t, "checkpoint", "list", "--db", filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	assert.Contains(t, out, "No checkpoints found.")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "model-export-version 3")
}
