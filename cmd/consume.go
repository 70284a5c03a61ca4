package cmd

import (
	"github.com/spf13/cobra"
)

func newConsumeCmd() *cobra.Command {
	var forever bool
	cmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Consumes one queue until it is idle, or until interrupted with --forever",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Consume(cmd.Context(), args[0], forever)
		},
	}
	cmd.Flags().BoolVar(&forever, "forever", false, "keep consuming after the queue goes idle")
	return cmd
}
