package vae

import (
	"fmt"

	"github.com/banshee-data/sensorfusion/internal/config"
	"github.com/banshee-data/sensorfusion/internal/nn"
)

// ConfigFromSettings resolves VAE settings, nil included, into a Config.
func ConfigFromSettings(s *config.VAESettings) (Config, error) {
	act, err := nn.ParseActivation(s.GetActivation())
	if err != nil {
		return Config{}, fmt.Errorf("vae settings: %w", err)
	}
	rank, err := nn.ParseRank(s.GetRank())
	if err != nil {
		return Config{}, fmt.Errorf("vae settings: %w", err)
	}
	return Config{
		LatentChannels: s.GetLatentChannels(),
		NumChannels:    s.GetNumChannels(),
		BaseChannels:   s.GetBaseChannels(),
		BlocksPerLevel: s.GetBlocksPerLevel(),
		Block: BlockOptions{
			UseSkips:   s.GetUseSkips(),
			UseBN:      s.GetUseBN(),
			Activation: act,
			Dropout:    s.GetDropout(),
			Groups:     s.GetGroups(),
			Rank:       rank,
		},
	}, nil
}
