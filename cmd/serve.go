package cmd

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/marketpulse/internal/trigger"
)

func newServeCmd() *cobra.Command {
	var withCron bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and cron endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return rt.app.Serve(ctx) })
			if withCron {
				runner, err := newTrigger(rt)
				if err != nil {
					return err
				}
				g.Go(func() error { return runner.Run(ctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withCron, "cron", false, "also run the in-process cron trigger")
	return cmd
}

func newTrigger(rt *runtime) (*trigger.Runner, error) {
	runner := trigger.New(rt.logger)
	for _, task := range rt.app.Tasks() {
		if err := runner.Add(task); err != nil {
			return nil, err
		}
	}
	return runner, nil
}
