package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSettingsPath is the path to the canonical network defaults file.
const DefaultSettingsPath = "config/network.defaults.json"

// ErrUnknownActivation is returned by Validate for activation names no layer
// implements.
var ErrUnknownActivation = errors.New("unknown activation")

var knownActivations = []string{"identity", "relu", "selu", "gelu", "tanh"}

// MemorySettings enables the token window. MemorySize is the embedding width
// of one token; the exported memory slot is SequenceLength × MemorySize.
type MemorySettings struct {
	SequenceLength *int `json:"sequence_length,omitempty" yaml:"sequence_length,omitempty"`
	MemorySize     *int `json:"memory_size,omitempty" yaml:"memory_size,omitempty"`
}

// VAESettings configures the ranging compressor.
type VAESettings struct {
	LatentChannels *int     `json:"latent_channels,omitempty" yaml:"latent_channels,omitempty"`
	NumChannels    *int     `json:"num_channels,omitempty" yaml:"num_channels,omitempty"`
	BaseChannels   *int     `json:"base_channels,omitempty" yaml:"base_channels,omitempty"`
	BlocksPerLevel *int     `json:"blocks_per_level,omitempty" yaml:"blocks_per_level,omitempty"`
	Activation     *string  `json:"act,omitempty" yaml:"act,omitempty"`
	UseSkips       *bool    `json:"use_skips,omitempty" yaml:"use_skips,omitempty"`
	UseBN          *bool    `json:"use_bn,omitempty" yaml:"use_bn,omitempty"`
	Dropout        *float64 `json:"dropout,omitempty" yaml:"dropout,omitempty"`
	Groups         *int     `json:"groups,omitempty" yaml:"groups,omitempty"`
	Rank           *int     `json:"d,omitempty" yaml:"d,omitempty"`
}

// NetworkSettings is the root configuration for the actor and critic
// networks. Every field is optional; the Get* methods supply defaults.
// Memory is the exception: a nil Memory means the window is not
// configured, and the agent constructors refuse to build.
type NetworkSettings struct {
	HiddenUnits   *int  `json:"hidden_units,omitempty" yaml:"hidden_units,omitempty"`
	NumLayers     *int  `json:"num_layers,omitempty" yaml:"num_layers,omitempty"`
	Normalize     *bool `json:"normalize,omitempty" yaml:"normalize,omitempty"`
	Deterministic *bool `json:"deterministic,omitempty" yaml:"deterministic,omitempty"`

	Memory *MemorySettings `json:"memory,omitempty" yaml:"memory,omitempty"`

	// Fusion tower params
	LidarChannels     *int     `json:"lidar_channels,omitempty" yaml:"lidar_channels,omitempty"`
	LidarBaseChannels *int     `json:"lidar_base_channels,omitempty" yaml:"lidar_base_channels,omitempty"`
	LidarLevels       *int     `json:"lidar_levels,omitempty" yaml:"lidar_levels,omitempty"`
	Activation        *string  `json:"activation,omitempty" yaml:"activation,omitempty"`
	Dropout           *float64 `json:"dropout,omitempty" yaml:"dropout,omitempty"`

	// Attention params
	NumHeads         *int     `json:"num_heads,omitempty" yaml:"num_heads,omitempty"`
	BlockPadding     *int     `json:"block_padding,omitempty" yaml:"block_padding,omitempty"` // mask size beyond sequence_length
	AttentionDropout *float64 `json:"attention_dropout,omitempty" yaml:"attention_dropout,omitempty"`
	ResidualDropout  *float64 `json:"residual_dropout,omitempty" yaml:"residual_dropout,omitempty"`

	Seed *uint64 `json:"seed,omitempty" yaml:"seed,omitempty"`

	VAE *VAESettings `json:"vae,omitempty" yaml:"vae,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrUint64(v uint64) *uint64    { return &v }

// EmptyNetworkSettings returns settings with every field nil.
func EmptyNetworkSettings() *NetworkSettings {
	return &NetworkSettings{}
}

// DefaultNetworkSettings returns settings with every field populated,
// including a memory section.
func DefaultNetworkSettings() *NetworkSettings {
	return &NetworkSettings{
		HiddenUnits:       ptrInt(128),
		NumLayers:         ptrInt(2),
		Normalize:         ptrBool(false),
		Deterministic:     ptrBool(false),
		Memory:            &MemorySettings{SequenceLength: ptrInt(16), MemorySize: ptrInt(64)},
		LidarChannels:     ptrInt(6),
		LidarBaseChannels: ptrInt(32),
		LidarLevels:       ptrInt(3),
		Activation:        ptrString("relu"),
		Dropout:           ptrFloat64(0.1),
		NumHeads:          ptrInt(4),
		BlockPadding:      ptrInt(64),
		AttentionDropout:  ptrFloat64(0.1),
		ResidualDropout:   ptrFloat64(0.1),
		Seed:              ptrUint64(0),
		VAE: &VAESettings{
			LatentChannels: ptrInt(3),
			NumChannels:    ptrInt(3),
			BaseChannels:   ptrInt(32),
			BlocksPerLevel: ptrInt(3),
			Activation:     ptrString("selu"),
			UseSkips:       ptrBool(true),
			UseBN:          ptrBool(true),
			Dropout:        ptrFloat64(0.4),
			Groups:         ptrInt(1),
			Rank:           ptrInt(1),
		},
	}
}

// LoadNetworkSettings loads settings from a .json, .yaml or .yml file of at
// most 1MB. Omitted fields stay nil and fall back to defaults in the Get*
// methods, so partial files are safe.
func LoadNetworkSettings(path string) (*NetworkSettings, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyNetworkSettings()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", strings.TrimPrefix(ext, "."), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultSettings loads DefaultSettingsPath, searching the current
// directory and its parents. Panics if the file cannot be loaded, intended
// for test setup.
func MustLoadDefaultSettings() *NetworkSettings {
	candidates := []string{
		DefaultSettingsPath,
		"../" + DefaultSettingsPath,
		"../../" + DefaultSettingsPath,    // from internal/config/
		"../../../" + DefaultSettingsPath, // from cmd/fusionctl/
	}
	for _, path := range candidates {
		if cfg, err := LoadNetworkSettings(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultSettingsPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *NetworkSettings) Validate() error {
	positive := map[string]*int{
		"hidden_units":        c.HiddenUnits,
		"num_layers":          c.NumLayers,
		"lidar_channels":      c.LidarChannels,
		"lidar_base_channels": c.LidarBaseChannels,
		"lidar_levels":        c.LidarLevels,
		"num_heads":           c.NumHeads,
	}
	if c.Memory != nil {
		positive["memory.sequence_length"] = c.Memory.SequenceLength
		positive["memory.memory_size"] = c.Memory.MemorySize
	}
	for name, v := range positive {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *v)
		}
	}
	if c.BlockPadding != nil && *c.BlockPadding < 0 {
		return fmt.Errorf("block_padding must be non-negative, got %d", *c.BlockPadding)
	}

	for name, v := range map[string]*float64{
		"dropout":           c.Dropout,
		"attention_dropout": c.AttentionDropout,
		"residual_dropout":  c.ResidualDropout,
	} {
		if v != nil && (*v < 0 || *v >= 1) {
			return fmt.Errorf("%s must be in [0, 1), got %f", name, *v)
		}
	}
	if err := checkActivation("activation", c.Activation); err != nil {
		return err
	}

	if c.Memory != nil && c.GetMemorySize()%c.GetNumHeads() != 0 {
		return fmt.Errorf("memory.memory_size %d must be divisible by num_heads %d", c.GetMemorySize(), c.GetNumHeads())
	}

	if c.VAE != nil {
		if err := c.VAE.Validate(); err != nil {
			return fmt.Errorf("vae: %w", err)
		}
	}
	return nil
}

func checkActivation(field string, v *string) error {
	if v == nil {
		return nil
	}
	for _, name := range knownActivations {
		if strings.EqualFold(*v, name) {
			return nil
		}
	}
	return fmt.Errorf("%s: %w %q", field, ErrUnknownActivation, *v)
}

// HasMemory reports whether a memory section is present.
func (c *NetworkSettings) HasMemory() bool { return c.Memory != nil }

// GetSequenceLength returns memory.sequence_length or the default. It is
// only meaningful when HasMemory is true.
func (c *NetworkSettings) GetSequenceLength() int {
	if c.Memory == nil || c.Memory.SequenceLength == nil {
		return 16 // default
	}
	return *c.Memory.SequenceLength
}

// GetMemorySize returns memory.memory_size or the default.
func (c *NetworkSettings) GetMemorySize() int {
	if c.Memory == nil || c.Memory.MemorySize == nil {
		return 64 // default
	}
	return *c.Memory.MemorySize
}

// GetHiddenUnits returns the hidden_units value or the default.
func (c *NetworkSettings) GetHiddenUnits() int {
	if c.HiddenUnits == nil {
		return 128 // default
	}
	return *c.HiddenUnits
}

// GetNumLayers returns the depth of the state MLP tower or the default.
func (c *NetworkSettings) GetNumLayers() int {
	if c.NumLayers == nil {
		return 2 // default
	}
	return *c.NumLayers
}

// GetNormalize returns the normalize value or the default.
func (c *NetworkSettings) GetNormalize() bool {
	if c.Normalize == nil {
		return false // default
	}
	return *c.Normalize
}

// GetDeterministic returns the deterministic value or the default.
func (c *NetworkSettings) GetDeterministic() bool {
	if c.Deterministic == nil {
		return false // default
	}
	return *c.Deterministic
}

// GetLidarChannels returns the lidar_channels value or the default.
func (c *NetworkSettings) GetLidarChannels() int {
	if c.LidarChannels == nil {
		return 6 // default
	}
	return *c.LidarChannels
}

func (c *NetworkSettings) GetLidarBaseChannels() int {
	if c.LidarBaseChannels == nil {
		return 32 // default
	}
	return *c.LidarBaseChannels
}

func (c *NetworkSettings) GetLidarLevels() int {
	if c.LidarLevels == nil {
		return 3 // default
	}
	return *c.LidarLevels
}

// GetActivation returns the tower activation name or the default.
func (c *NetworkSettings) GetActivation() string {
	if c.Activation == nil || *c.Activation == "" {
		return "relu" // default
	}
	return *c.Activation
}

func (c *NetworkSettings) GetDropout() float64 {
	if c.Dropout == nil {
		return 0.1 // default
	}
	return *c.Dropout
}

func (c *NetworkSettings) GetNumHeads() int {
	if c.NumHeads == nil {
		return 4 // default
	}
	return *c.NumHeads
}

// GetBlockSize is the attention mask size: sequence_length plus
// block_padding (default 64).
func (c *NetworkSettings) GetBlockSize() int {
	padding := 64
	if c.BlockPadding != nil {
		padding = *c.BlockPadding
	}
	return c.GetSequenceLength() + padding
}

func (c *NetworkSettings) GetAttentionDropout() float64 {
	if c.AttentionDropout == nil {
		return 0.1 // default
	}
	return *c.AttentionDropout
}

func (c *NetworkSettings) GetResidualDropout() float64 {
	if c.ResidualDropout == nil {
		return 0.1 // default
	}
	return *c.ResidualDropout
}

// GetSeed returns the weight-initialisation seed or 0.
func (c *NetworkSettings) GetSeed() uint64 {
	if c.Seed == nil {
		return 0
	}
	return *c.Seed
}

// Validate checks the VAE values that are set.
func (v *VAESettings) Validate() error {
	for name, p := range map[string]*int{
		"latent_channels": v.LatentChannels,
		"num_channels":    v.NumChannels,
		"base_channels":   v.BaseChannels,
		"groups":          v.Groups,
	} {
		if p != nil && *p <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *p)
		}
	}
	if v.BlocksPerLevel != nil && *v.BlocksPerLevel < 0 {
		return fmt.Errorf("blocks_per_level must be non-negative, got %d", *v.BlocksPerLevel)
	}
	if v.Rank != nil && (*v.Rank < 1 || *v.Rank > 3) {
		return fmt.Errorf("d must be 1, 2 or 3, got %d", *v.Rank)
	}
	if v.Dropout != nil && (*v.Dropout < 0 || *v.Dropout >= 1) {
		return fmt.Errorf("dropout must be in [0, 1), got %f", *v.Dropout)
	}
	return checkActivation("act", v.Activation)
}

func (v *VAESettings) GetLatentChannels() int {
	if v == nil || v.LatentChannels == nil {
		return 3 // default
	}
	return *v.LatentChannels
}

func (v *VAESettings) GetNumChannels() int {
	if v == nil || v.NumChannels == nil {
		return 3 // default
	}
	return *v.NumChannels
}

func (v *VAESettings) GetBaseChannels() int {
	if v == nil || v.BaseChannels == nil {
		return 32 // default
	}
	return *v.BaseChannels
}

func (v *VAESettings) GetBlocksPerLevel() int {
	if v == nil || v.BlocksPerLevel == nil {
		return 3 // default
	}
	return *v.BlocksPerLevel
}

func (v *VAESettings) GetActivation() string {
	if v == nil || v.Activation == nil || *v.Activation == "" {
		return "selu" // default
	}
	return *v.Activation
}

func (v *VAESettings) GetUseSkips() bool {
	if v == nil || v.UseSkips == nil {
		return true // default
	}
	return *v.UseSkips
}

func (v *VAESettings) GetUseBN() bool {
	if v == nil || v.UseBN == nil {
		return true // default
	}
	return *v.UseBN
}

func (v *VAESettings) GetDropout() float64 {
	if v == nil || v.Dropout == nil {
		return 0.4 // default
	}
	return *v.Dropout
}

func (v *VAESettings) GetGroups() int {
	if v == nil || v.Groups == nil {
		return 1 // default
	}
	return *v.Groups
}

// GetRank returns the spatial rank d (1, 2 or 3) or the default 1.
func (v *VAESettings) GetRank() int {
	if v == nil || v.Rank == nil {
		return 1 // default
	}
	return *v.Rank
}
