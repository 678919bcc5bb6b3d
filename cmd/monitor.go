package cmd

import (
	"github.com/spf13/cobra"
)

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Runs discovery, joins and checks forever",
		Long: `Joins every configured topic once, then loops: a bounded check cycle,
followed by username updates, discovery and joins for each topic. The HTTP
API is served alongside until the process is interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return ignoreCanceled(a.Monitor(cmd.Context()))
		},
	}
}
