package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/banshee-data/sensorfusion/internal/agent"
	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/sensors"
)

func newInspectCmd(root *rootOptions) *cobra.Command {
	var nf networkFlags
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the sensor partition, memory layout and parameter counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := root.settings()
			if err != nil {
				return err
			}
			m := newManifest(settings, nf)
			actor, err := m.actor(agent.Options{})
			if err != nil {
				return err
			}
			critic, err := m.critic(agent.Options{})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "observations:\n%s", sensors.Describe(m.Specs))
			fmt.Fprintf(out, "partition: %s\n", actor.Encoder().Partition())
			fmt.Fprintf(out, "context_length=%d embedding=%d memory_size=%d\n",
				actor.Encoder().ContextLength(), actor.Encoder().EncodingSize(), actor.MemorySize())
			fmt.Fprintf(out, "actor params=%d critic params=%d streams=%s\n",
				nn.CountParams(actor.Params("")), nn.CountParams(critic.Params("")), strings.Join(critic.Streams(), ","))
			fmt.Fprintf(out, "export outputs: %s\n", strings.Join(actor.ExportNames(), ", "))
			return nil
		},
	}
	addNetworkFlags(cmd, &nf)
	return cmd
}
