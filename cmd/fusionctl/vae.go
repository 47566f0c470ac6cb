package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/sensorfusion/internal/fsutil"
	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/report"
	"github.com/banshee-data/sensorfusion/internal/vae"
)

func newVAECmd(root *rootOptions) *cobra.Command {
	var (
		length int
		out    string
	)
	cmd := &cobra.Command{
		Use:   "vae",
		Short: "Encode a synthetic ranging scan and plot its reconstruction",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := root.settings()
			if err != nil {
				return err
			}
			cfg, err := vae.ConfigFromSettings(settings.VAE)
			if err != nil {
				return err
			}
			model, err := vae.New(cfg, nn.NewRand(settings.GetSeed()))
			if err != nil {
				return err
			}
			model.SetTraining(false)

			scan := syntheticScan(nn.NewRand(settings.GetSeed()+2), length)
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "predicted latent_dim=%d for length %d\n", model.CalculateLatentDim(length), length)

			res, err := model.Forward(scan)
			if err != nil {
				return err
			}
			summary := model.Summary()
			fmt.Fprintf(w, "%s\n", summary)
			fmt.Fprintf(w, "z=%v reconstruction=%v\n", res.Z.Shape(), res.Reconstruction.Shape())
			raw, err := json.Marshal(summary)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "summary %s\n", raw)

			if out != "" {
				stats, err := report.PlotReconstruction(fsutil.OSFileSystem{}, out, scan, res.Reconstruction)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "wrote %s mse=%.4g over %d samples\n", out, stats.MSE, stats.Points)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&length, "length", 64, "Rays in the synthetic scan")
	cmd.Flags().StringVar(&out, "out", "", "PNG path for the reconstruction plot; none when empty")
	return cmd
}
