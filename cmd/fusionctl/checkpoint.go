package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/sensorfusion/internal/agent"
	"github.com/banshee-data/sensorfusion/internal/checkpoint"
	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/timeutil"
)

func newCheckpointCmd(root *rootOptions) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Save, list and restore network checkpoints",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "checkpoints.db", "Checkpoint database path")

	open := func() (*checkpoint.Store, error) {
		return checkpoint.Open(dbPath, timeutil.RealClock{})
	}
	cmd.AddCommand(
		newCheckpointSaveCmd(root, open),
		newCheckpointListCmd(open),
		newCheckpointLoadCmd(open),
	)
	return cmd
}

func newCheckpointSaveCmd(root *rootOptions, open func() (*checkpoint.Store, error)) *cobra.Command {
	var (
		nf   networkFlags
		name string
	)
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Build the actor and critic and store their parameters",
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
			if settings.GetNormalize() {
				obs := m.observations(nn.NewRand(settings.GetSeed()+1), 8)
				if err := actor.UpdateNormalization(obs); err != nil {
					return err
				}
				if err := critic.Encoder().SyncNormalization(actor.Encoder()); err != nil {
					return err
				}
			}

			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()

			for _, n := range []struct {
				network string
				params  []nn.Param
			}{
				{networkActor, actor.Params("")},
				{networkCritic, critic.Params("")},
			} {
				c, err := store.Save(name, n.network, n.params, m)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s %s tensors=%d values=%d\n", c.Network, c.ID, c.NumParams, c.NumValues)
			}
			return nil
		},
	}
	addNetworkFlags(cmd, &nf)
	cmd.Flags().StringVar(&name, "name", "snapshot", "Checkpoint name")
	return cmd
}

func newCheckpointListCmd(open func() (*checkpoint.Store, error)) *cobra.Command {
	var network string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()

			cps, err := store.List(network)
			if err != nil {
				return err
			}
			if len(cps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints found.")
				return nil
			}
			for _, c := range cps {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-6s  %-12s  v%d  tensors=%d  %s\n",
					c.ID, c.Network, c.Name, c.ExportVersion, c.NumParams, c.Created().UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&network, "network", "", "Only list this network (actor or critic)")
	return cmd
}

func newCheckpointLoadCmd(open func() (*checkpoint.Store, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "load <checkpoint-id>",
		Short: "Rebuild a network from a checkpoint and run one step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()

			c, err := store.Get(args[0])
			if err != nil {
				return err
			}
			m, err := decodeManifest(c.SettingsJSON)
			if err != nil {
				return err
			}
			obs := m.observations(nn.NewRand(m.Settings.GetSeed()+3), 1)
			out := cmd.OutOrStdout()

			switch c.Network {
			case networkActor:
				actor, err := m.actor(agent.Options{})
				if err != nil {
					return err
				}
				if _, err := store.Restore(c.ID, actor.Params("")); err != nil {
					return err
				}
				outputs, err := actor.Export(obs, nil, nil)
				if err != nil {
					return err
				}
				for i, name := range actor.ExportNames() {
					fmt.Fprintf(out, "%-34s %v\n", name, outputs[i].Shape())
				}
			case networkCritic:
				critic, err := m.critic(agent.Options{})
				if err != nil {
					return err
				}
				if _, err := store.Restore(c.ID, critic.Params("")); err != nil {
					return err
				}
				values, _, err := critic.CriticPass(obs, nil, 1)
				if err != nil {
					return err
				}
				for _, s := range critic.Streams() {
					fmt.Fprintf(out, "value[%s] = %.6f\n", s, values[s].Data()[0])
				}
			default:
				return fmt.Errorf("checkpoint %s holds unknown network %q", c.ID, c.Network)
			}
			fmt.Fprintf(out, "restored %s %s (%s)\n", c.Network, c.ID, c.Name)
			return nil
		},
	}
}
