package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newScanCmd() *cobra.Command {
	var (
		source string
		inline bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Queues a scrape job per source, or scrapes in-process with --inline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if inline {
				reports, err := appInstance.ScanInline(cmd.Context(), source)
				for _, r := range reports {
					fmt.Fprintf(out, "%s: found=%d published=%d skipped=%d banned=%d failed=%d\n",
						r.SourceID, r.Found, r.Published, r.Skipped, r.Banned, r.Failed)
				}
				return err
			}

			if source != "" {
				if err := appInstance.ScanOne(cmd.Context(), source); err != nil {
					return err
				}
				fmt.Fprintf(out, "queued %s\n", source)
				return nil
			}
			n, err := appInstance.ScanAll(cmd.Context())
			appInstance.Logger().Info("scan queued", zap.Int("sources", n))
			fmt.Fprintf(out, "queued %d sources\n", n)
			return err
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "scan only the source with this id")
	cmd.Flags().BoolVar(&inline, "inline", false, "scrape in this process instead of queueing jobs")
	return cmd
}
