package cmd

import "github.com/spf13/cobra"

func newCronCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cron",
		Short: "Run the pipeline tasks on their configured cron specs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			runner, err := newTrigger(rt)
			if err != nil {
				return err
			}
			return runner.Run(cmd.Context())
		},
	}
}
