package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd(state *cliState, d deps) *cobra.Command {
	return &cobra.Command{
		Use:         "migrate [up|down]",
		Short:       "Applies or reverts the Postgres schema",
		Args:        cobra.MaximumNArgs(1),
		ValidArgs:   []string{"up", "down"},
		Annotations: map[string]string{skipApp: "true"},
		RunE: func(_ *cobra.Command, args []string) error {
			if state.cfg.Store.Driver != "postgres" {
				return fmt.Errorf("migrate needs the postgres store driver, got %q", state.cfg.Store.Driver)
			}
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			var err error
			switch direction {
			case "up":
				err = d.migrateUp(state.cfg.Store.DSN)
			case "down":
				err = d.migrateDown(state.cfg.Store.DSN)
			default:
				return fmt.Errorf("unknown direction %q, want up or down", direction)
			}
			if err != nil {
				return fmt.Errorf("migrate %s: %w", direction, err)
			}
			state.logger.Info("migrations applied", zap.String("direction", direction))
			return nil
		},
	}
}
