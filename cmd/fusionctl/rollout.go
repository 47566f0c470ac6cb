package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/sensorfusion/internal/agent"
	"github.com/banshee-data/sensorfusion/internal/fsutil"
	"github.com/banshee-data/sensorfusion/internal/metrics"
	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/report"
)

func newRolloutCmd(root *rootOptions) *cobra.Command {
	var (
		nf     networkFlags
		steps  int
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "rollout",
		Short: "Run the actor over a synthetic episode and show the context window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return fmt.Errorf("--steps must be positive, got %d", steps)
			}
			settings, err := root.settings()
			if err != nil {
				return err
			}
			m := newManifest(settings, nf)
			collector := metrics.New()
			actor, err := m.actor(agent.Options{Metrics: collector})
			if err != nil {
				return err
			}

			obs := m.observations(nn.NewRand(settings.GetSeed()+1), steps)
			if err := actor.UpdateNormalization(obs); err != nil {
				return err
			}
			action, run, _, err := actor.GetActionAndStats(obs, nil, nil, steps)
			if err != nil {
				return err
			}
			trace, err := actor.Encoder().Trace(obs)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fills := make([]int, len(trace))
			for t, s := range trace {
				fills[t] = s.Filled
				fmt.Fprintf(out, "step %3d window=%-7s filled=%d/%d", t+1, s.State, s.Filled, actor.Encoder().ContextLength())
				if c := run.EnvAction.Continuous; c != nil {
					fmt.Fprintf(out, " continuous=%.3f", c.Index(t).Data())
				}
				if d := action.Discrete; d != nil {
					fmt.Fprintf(out, " discrete=%v", d.Index(t).Data())
				}
				fmt.Fprintf(out, " entropy=%.3f\n", run.Entropy.Data()[t])
			}

			if outDir != "" {
				fsys := fsutil.OSFileSystem{}
				fillPath, err := report.ArtifactPath(outDir, networkActor+" window fill", ".html")
				if err != nil {
					return err
				}
				if err := report.WindowFillChart(fsys, fillPath, fills, actor.Encoder().ContextLength()); err != nil {
					return err
				}
				title := fmt.Sprintf("%s attention step %d", networkActor, len(trace))
				attnPath, err := report.ArtifactPath(outDir, title, ".html")
				if err != nil {
					return err
				}
				if err := report.AttentionHeatmap(fsys, attnPath, title, trace[len(trace)-1].Attention, 0); err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote %s and %s\n", fillPath, attnPath)
			}

			summary, err := collector.Summary()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "metrics:\n%s\n", summary)
			return nil
		},
	}
	addNetworkFlags(cmd, &nf)
	cmd.Flags().IntVar(&steps, "steps", 24, "Episode length")
	cmd.Flags().StringVar(&outDir, "out", "", "Directory for HTML charts; none when empty")
	return cmd
}
