package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/sensorfusion/internal/config"
	"github.com/banshee-data/sensorfusion/internal/monitoring"
	"github.com/banshee-data/sensorfusion/internal/version"
)

type rootOptions struct {
	settingsPath string
	verbose      bool
}

// settings loads the settings file, or the built-in defaults when no path
// was given.
func (o *rootOptions) settings() (*config.NetworkSettings, error) {
	if o.settingsPath == "" {
		return config.DefaultNetworkSettings(), nil
	}
	return config.LoadNetworkSettings(o.settingsPath)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "fusionctl",
		Short: "Inspect and exercise the sensor-fusion actor, critic and VAE",
		Long: `fusionctl builds the attention-based actor and critic networks and the
ranging VAE from a settings file, runs them on synthetic observations and
manages parameter checkpoints.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			monitoring.SetVerbose(opts.verbose)
		},
	}
	root.PersistentFlags().StringVar(&opts.settingsPath, "settings", "", "Network settings file (.json, .yaml); built-in defaults when empty")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log construction diagnostics")

	root.AddCommand(
		newInspectCmd(opts),
		newRolloutCmd(opts),
		newVAECmd(opts),
		newCheckpointCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print the build and model export version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "fusionctl %s model-export-version %d\n", version.String(), version.ModelExportVersion)
			},
		},
	)
	return root
}
