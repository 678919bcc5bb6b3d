package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUsernamesCmd() *cobra.Command {
	var topic string
	cmd := &cobra.Command{
		Use:   "usernames",
		Short: "Re-checks the usernames of joined groups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.UpdateUsernames(cmd.Context(), topic); err != nil {
				return ignoreCanceled(fmt.Errorf("update usernames: %w", err))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "restrict to groups of this topic")
	return cmd
}
