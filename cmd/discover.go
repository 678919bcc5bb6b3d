package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newDiscoverCmd() *cobra.Command {
	var (
		topics []string
		list   bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Queues candidate groups from the ranking site",
		Long: `Scrapes the ranking of each topic and queues every listed group that is not
already known. Without --topic the configured scheduler topics are used.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if list {
				found, err := a.ListTopics(cmd.Context())
				if err != nil {
					return fmt.Errorf("list topics: %w", err)
				}
				names := make([]string, 0, len(found))
				for name := range found {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintln(out, name)
				}
				return nil
			}

			if len(topics) == 0 {
				topics = a.Config().Scheduler.Topics
			}
			if len(topics) == 0 {
				return fmt.Errorf("no topics given and none configured")
			}
			reports, err := a.Discover(cmd.Context(), topics)
			if err != nil {
				return ignoreCanceled(fmt.Errorf("discover: %w", err))
			}
			for _, r := range reports {
				fmt.Fprintf(out, "%s: found %d, queued %d\n", r.Topic, r.Found, r.Added)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&topics, "topic", nil, "topic to discover (repeatable)")
	cmd.Flags().BoolVar(&list, "list", false, "print the available topics and exit")
	return cmd
}
