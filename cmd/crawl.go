package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupmonitor/internal/scheduler"
)

func newCrawlCmd() *cobra.Command {
	var (
		mode          string
		deadlineHours float64
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one scheduling cycle",
		Long: `Runs a single scheduling cycle over the worker pool. In join and both
modes the cycle ends once no candidate is pending; in check mode it refreshes
joined groups until the deadline passes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("mode") {
				mode = a.Config().Scheduler.Mode
			}
			kind, err := scheduler.ParseModeKind(mode)
			if err != nil {
				return err
			}
			m := scheduler.Mode{Kind: kind}
			if kind == scheduler.CheckOnly {
				window := a.Config().Scheduler.CheckWindow
				if cmd.Flags().Changed("deadline-hours") {
					window = time.Duration(deadlineHours * float64(time.Hour))
				}
				m = a.CheckMode(window)
			}
			a.Logger().Info("crawl started", zap.String("mode", kind.String()), zap.Time("deadline", m.Deadline))
			if err := a.Crawl(cmd.Context(), m); err != nil {
				return ignoreCanceled(fmt.Errorf("crawl: %w", err))
			}
			a.Logger().Info("crawl finished")
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "both", "run mode: join, check or both")
	cmd.Flags().Float64Var(&deadlineHours, "deadline-hours", 12, "check mode deadline, in hours from now")
	return cmd
}
