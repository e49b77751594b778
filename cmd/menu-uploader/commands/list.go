package commands

import (
	"context"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list <owner-id>",
	Short: "List the images attached to a menu item",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx, args[0])
	if err != nil {
		return err
	}
	defer s.Close()

	entries := s.orch.Entries()
	printEntries(cmd.OutOrStdout(), entries, s.resolver.ResolveAll(ctx, entries))
	return nil
}
