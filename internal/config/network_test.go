package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultNetworkSettings(t *testing.T) {
	cfg := DefaultNetworkSettings()

	if cfg.Memory == nil || *cfg.Memory.SequenceLength != 16 || *cfg.Memory.MemorySize != 64 {
		t.Errorf("Expected memory 16x64, got %+v", cfg.Memory)
	}
	if cfg.GetLidarChannels() != 6 {
		t.Errorf("GetLidarChannels() = %d, want 6", cfg.GetLidarChannels())
	}
	if cfg.GetBlockSize() != 80 {
		t.Errorf("GetBlockSize() = %d, want 80", cfg.GetBlockSize())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestEmptySettingsFallBackToDefaults(t *testing.T) {
	cfg := EmptyNetworkSettings()
	def := DefaultNetworkSettings()

	if cfg.HasMemory() {
		t.Error("empty settings must not enable memory")
	}
	got := []int{cfg.GetHiddenUnits(), cfg.GetNumLayers(), cfg.GetLidarChannels(), cfg.GetLidarBaseChannels(),
		cfg.GetLidarLevels(), cfg.GetNumHeads(), cfg.GetSequenceLength(), cfg.GetMemorySize()}
	want := []int{*def.HiddenUnits, *def.NumLayers, *def.LidarChannels, *def.LidarBaseChannels,
		*def.LidarLevels, *def.NumHeads, *def.Memory.SequenceLength, *def.Memory.MemorySize}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("getter defaults mismatch (-want +got):\n%s", diff)
	}
	if cfg.GetActivation() != "relu" || cfg.GetDropout() != 0.1 || cfg.GetSeed() != 0 {
		t.Errorf("unexpected defaults: act=%s dropout=%f seed=%d", cfg.GetActivation(), cfg.GetDropout(), cfg.GetSeed())
	}

	var vae *VAESettings
	if vae.GetLatentChannels() != 3 || vae.GetRank() != 1 || !vae.GetUseBN() || vae.GetActivation() != "selu" {
		t.Error("nil VAE settings must return defaults")
	}
}

func TestLoadNetworkSettings_JSON(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "net.json")
	body := `{
  "hidden_units": 32,
  "memory": {"sequence_length": 4, "memory_size": 8},
  "num_heads": 2,
  "vae": {"latent_channels": 2, "d": 2}
}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadNetworkSettings(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.GetHiddenUnits() != 32 || cfg.GetSequenceLength() != 4 || cfg.GetMemorySize() != 8 {
		t.Errorf("unexpected values: %+v", cfg)
	}
	if cfg.GetBlockSize() != 68 {
		t.Errorf("GetBlockSize() = %d, want 68", cfg.GetBlockSize())
	}
	if cfg.VAE.GetLatentChannels() != 2 || cfg.VAE.GetRank() != 2 || cfg.VAE.GetBaseChannels() != 32 {
		t.Errorf("unexpected vae settings: %+v", cfg.VAE)
	}
	if cfg.Activation != nil {
		t.Error("omitted fields must stay nil")
	}
}

func TestLoadNetworkSettings_YAML(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "net.yaml")
	body := `
hidden_units: 64
activation: gelu
memory:
  sequence_length: 8
  memory_size: 16
vae:
  use_bn: false
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadNetworkSettings(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.GetHiddenUnits() != 64 || cfg.GetActivation() != "gelu" || cfg.GetSequenceLength() != 8 {
		t.Errorf("unexpected values: %+v", cfg)
	}
	if cfg.VAE.GetUseBN() {
		t.Error("use_bn should be false")
	}
}

func TestLoadNetworkSettings_Errors(t *testing.T) {
	tmpDir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(tmpDir, name)
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
		return p
	}

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"extension", write("net.txt", "{}"), "extension"},
		{"missing", filepath.Join(tmpDir, "nope.json"), "failed to stat"},
		{"bad json", write("bad.json", "{"), "failed to parse config json"},
		{"bad yaml", write("bad.yml", "memory: ["), "failed to parse config yml"},
		{"heads", write("heads.json", `{"num_heads": 3, "memory": {"memory_size": 8}}`), "divisible"},
		{"dropout", write("drop.json", `{"dropout": 1.0}`), "dropout"},
		{"activation", write("act.json", `{"activation": "swish"}`), "unknown activation"},
		{"vae rank", write("rank.json", `{"vae": {"d": 4}}`), "vae: d must be"},
		{"sequence", write("seq.json", `{"memory": {"sequence_length": 0}}`), "memory.sequence_length"},
		{"too large", write("big.json", `{"pad":"`+strings.Repeat("x", 1<<20)+`"}`), "too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadNetworkSettings(tt.path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_UnknownActivationIsSentinel(t *testing.T) {
	cfg := EmptyNetworkSettings()
	cfg.Activation = ptrString("swish")
	if err := cfg.Validate(); !errors.Is(err, ErrUnknownActivation) {
		t.Errorf("expected ErrUnknownActivation, got %v", err)
	}
	cfg.Activation = ptrString("GELU")
	if err := cfg.Validate(); err != nil {
		t.Errorf("activation names are case-insensitive: %v", err)
	}
}

func TestMustLoadDefaultSettings(t *testing.T) {
	cfg := MustLoadDefaultSettings()
	if diff := cmp.Diff(DefaultNetworkSettings(), cfg); diff != "" {
		t.Errorf("defaults file drifted from DefaultNetworkSettings (-want +got):\n%s", diff)
	}
}
